// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package api

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/tsgate/tsgate/internal/data_model"
	"github.com/tsgate/tsgate/internal/ingest"
	"github.com/tsgate/tsgate/internal/query"
)

// DataPointDto is one element of the /api/put body.
type DataPointDto struct {
	Metric    string            `json:"metric"`
	Timestamp json.Number       `json:"timestamp"`
	Value     json.Number       `json:"value"`
	Tags      map[string]string `json:"tags"`
}

// ToPoint validates and converts the wire form. Timestamps follow the
// numeric epoch convention: whole values above 1e10 are milliseconds,
// fractional values and values up to 1e10 are seconds.
func (d *DataPointDto) ToPoint() (ingest.Point, error) {
	var p ingest.Point
	if d.Metric == "" {
		return p, fmt.Errorf("datapoint without a metric")
	}
	if len(d.Tags) == 0 {
		return p, fmt.Errorf("datapoint for %q without tags", d.Metric)
	}
	for k, v := range d.Tags {
		if k == "" || v == "" {
			return p, fmt.Errorf("datapoint for %q with an empty tag key or value", d.Metric)
		}
	}
	epoch, err := strconv.ParseFloat(d.Timestamp.String(), 64)
	if err != nil || epoch <= 0 {
		return p, fmt.Errorf("datapoint for %q with invalid timestamp %q", d.Metric, d.Timestamp)
	}
	value, err := strconv.ParseFloat(d.Value.String(), 64)
	if err != nil {
		return p, fmt.Errorf("datapoint for %q with invalid value %q", d.Metric, d.Value)
	}
	p.Metric = d.Metric
	p.Value = value
	p.Tags = data_model.Tags(d.Tags)
	if p.Time, err = parseNumericEpoch(d.Timestamp.String()); err != nil {
		return p, fmt.Errorf("datapoint for %q with invalid timestamp %q", d.Metric, d.Timestamp)
	}
	return p, nil
}

// QueryDto is the /api/query body.
type QueryDto struct {
	Start   TimeSpec       `json:"start"`
	End     TimeSpec       `json:"end"`
	Queries []QueryPartDto `json:"queries"`
}

// QueryPartDto is one subquery.
type QueryPartDto struct {
	Metric       string             `json:"metric"`
	Tags         map[string]string  `json:"tags"`
	Aggregator   string             `json:"aggregator"`
	Rate         bool               `json:"rate"`
	RateOptions  *query.RateOptions `json:"rateOptions"`
	Downsample   string             `json:"downsample"`
	Filters      []FilterDto        `json:"filters"`
	ExplicitTags bool               `json:"explicitTags"`
}

// FilterDto is one explicit filter of a subquery.
type FilterDto struct {
	Type    string `json:"type"`
	Tagk    string `json:"tagk"`
	Filter  string `json:"filter"`
	GroupBy bool   `json:"groupBy"`
}

// ToSubQuery normalizes the wire form: inline tags become group-by filters
// with their kind inferred from the value syntax, explicit filters follow.
// An aggregator with no downsample folds the whole window into one bucket.
func (d *QueryPartDto) ToSubQuery() (query.SubQuery, error) {
	var q query.SubQuery
	if d.Metric == "" {
		return q, fmt.Errorf("subquery without a metric")
	}
	q.Metric = d.Metric
	q.ExplicitTags = d.ExplicitTags
	q.Rate = d.Rate
	if d.RateOptions != nil {
		q.RateOptions = *d.RateOptions
	}
	for k, v := range d.Tags {
		f, err := data_model.ParseTagFilter(k, v, true)
		if err != nil {
			return q, fmt.Errorf("tag %q: %w", k, err)
		}
		q.Filters = append(q.Filters, f)
	}
	for _, fd := range d.Filters {
		f, err := data_model.NewTagFilter(fd.Type, fd.Tagk, fd.Filter, fd.GroupBy)
		if err != nil {
			return q, err
		}
		q.Filters = append(q.Filters, f)
	}
	if d.Aggregator != "" {
		if !query.IsAggregatorName(d.Aggregator) {
			return q, fmt.Errorf("unknown aggregator %q", d.Aggregator)
		}
		q.Aggregator = d.Aggregator
	}
	if d.Downsample != "" {
		ds, err := query.ParseDownsample(d.Downsample)
		if err != nil {
			return q, err
		}
		q.Downsample = ds
	} else if q.Aggregator != "" && q.Aggregator != "none" {
		q.Downsample = &query.Downsample{All: true, Fn: q.Aggregator}
	}
	return q, nil
}

// LastQueryDto is the /api/query/last body. BackScan is in hours, zero
// scans the whole retention window.
type LastQueryDto struct {
	Queries  []LastQueryPartDto `json:"queries"`
	BackScan int                `json:"backScan"`
}

type LastQueryPartDto struct {
	Metric string            `json:"metric"`
	Tags   map[string]string `json:"tags"`
}

// LastQueryResultDto is one element of the /api/query/last response.
type LastQueryResultDto struct {
	Metric    string            `json:"metric"`
	Timestamp int64             `json:"timestamp"`
	Value     float64           `json:"value"`
	Tags      map[string]string `json:"tags"`
}

// LookupRequestDto is the /api/search/lookup body.
type LookupRequestDto struct {
	Metric string         `json:"metric"`
	Tags   []LookupTagDto `json:"tags"`
	Limit  int            `json:"limit"`
}

type LookupTagDto struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// LookupResultDto is one matched series.
type LookupResultDto struct {
	Metric string            `json:"metric"`
	Tags   map[string]string `json:"tags"`
}

// writeSeriesJSON renders one query result. The dps object keys are unix
// seconds in ascending order, values render as numbers, null for an empty
// bucket under the "null" fill policy, and the string "NaN" under "nan",
// encoding/json cannot represent the latter which is why dps is written by
// hand.
func writeSeriesJSON(w io.Writer, s query.Series) error {
	metric, err := json.Marshal(s.Metric)
	if err != nil {
		return err
	}
	tags, err := json.Marshal(s.Tags)
	if err != nil {
		return err
	}
	aggTags := s.AggregateTags
	if aggTags == nil {
		aggTags = []string{}
	}
	aggregateTags, err := json.Marshal(aggTags)
	if err != nil {
		return err
	}
	buf := make([]byte, 0, 256)
	buf = append(buf, `{"metric":`...)
	buf = append(buf, metric...)
	buf = append(buf, `,"tags":`...)
	buf = append(buf, tags...)
	buf = append(buf, `,"aggregateTags":`...)
	buf = append(buf, aggregateTags...)
	buf = append(buf, `,"dps":{`...)
	for i, p := range s.Points {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '"')
		buf = strconv.AppendInt(buf, p.Ts, 10)
		buf = append(buf, '"', ':')
		switch {
		case p.Null:
			buf = append(buf, `null`...)
		case math.IsNaN(p.Value):
			buf = append(buf, `"NaN"`...)
		default:
			buf = strconv.AppendFloat(buf, p.Value, 'g', -1, 64)
		}
	}
	buf = append(buf, '}', '}')
	_, err = w.Write(buf)
	return err
}
