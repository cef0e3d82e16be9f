// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package query runs the read path: resolve tagsets against the cache,
// scan (optionally downsampled) rows from the database, fold them per
// group and bucket, convert to rates, and stream the resulting series.
package query

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/tsgate/tsgate/internal/data_model"
	"github.com/tsgate/tsgate/internal/pg"
	"github.com/tsgate/tsgate/internal/tscache"
)

// rateLookBehind widens the scan so the first in-range point has a
// predecessor to difference against.
const rateLookBehind = time.Hour

// SubQuery is one normalized query part. Inline tags have already been
// converted to filters by the HTTP layer.
type SubQuery struct {
	Metric       string
	Filters      []*data_model.TagFilter
	ExplicitTags bool
	Aggregator   string // "" or "none" disables cross-series aggregation
	Rate         bool
	RateOptions  RateOptions
	Downsample   *Downsample
}

// TimeRange is the query window. A zero End means "now".
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Point is one emitted datapoint. Null marks a gap-filled empty bucket
// under the "null" fill policy, Value may be NaN under the "nan" one.
type Point struct {
	Ts    int64 // unix seconds
	Value float64
	Null  bool
}

// Series is one emitted time series.
type Series struct {
	Metric        string
	Tags          data_model.Tags
	AggregateTags []string
	Points        []Point
}

// Engine wires the tagset cache and the database into the query pipeline.
type Engine struct {
	db    pg.Querier
	tsc   *tscache.Cache
	clock clock.Clock
}

func NewEngine(db pg.Querier, tsc *tscache.Cache) *Engine {
	return &Engine{db: db, tsc: tsc, clock: clock.New()}
}

// QuerySeries streams the series of one subquery through yield. A yield
// error aborts the scan and is returned as is, so HTTP writer back-pressure
// and client disconnects propagate into the row stream.
func (e *Engine) QuerySeries(ctx context.Context, q SubQuery, tr TimeRange, yield func(Series) error) error {
	tagsets := e.tsc.GetTagsets([]string{q.Metric}, q.Filters, q.ExplicitTags)
	if len(tagsets) == 0 {
		return nil
	}
	metricID, ok := e.tsc.MetricID(q.Metric)
	if !ok {
		return nil
	}

	end := tr.End
	if end.IsZero() {
		end = e.clock.Now()
	}
	scanStart := tr.Start
	if q.Rate {
		scanStart = scanStart.Add(-rateLookBehind)
	}

	grouped := q.Aggregator != "" && q.Aggregator != "none"
	order := orderBySeriesTime
	if grouped {
		order = orderByTimeSeries
	}
	sqlStr, args, err := buildPointsSQL(pointsQuery{
		metricID:  metricID,
		tagsetIDs: sortedIDs(tagsets),
		start:     scanStart,
		end:       end,
		ds:        q.Downsample,
		order:     order,
	})
	if err != nil {
		return fmt.Errorf("build points query: %w", err)
	}
	rows, err := e.db.Query(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("query points: %w", err)
	}
	defer rows.Close()

	if grouped {
		return e.consumeGrouped(ctx, rows, q, tr, tagsets, yield)
	}
	return e.consumeSegmented(rows, q, tr, tagsets, yield)
}

type pointRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

// consumeSegmented handles aggregator=none: rows arrive one series at a
// time, each tagset segment becomes its own series with its literal tags.
func (e *Engine) consumeSegmented(rows pointRows, q SubQuery, tr TimeRange, tagsets map[int32]data_model.Tags, yield func(Series) error) error {
	fill := fillPolicyOf(q)
	var (
		cur    int32
		curSet bool
		pts    []Point
		rc     *RateConverter
	)
	if q.Rate {
		rc = NewRateConverter(q.RateOptions, unixSeconds(tr.Start))
	}
	flush := func() error {
		if !curSet || len(pts) == 0 {
			return nil
		}
		tags, ok := tagsets[cur]
		if !ok {
			return nil
		}
		return yield(Series{Metric: q.Metric, Tags: tags, Points: pts})
	}
	for rows.Next() {
		var (
			ts time.Time
			id int32
			v  *float64
		)
		if err := rows.Scan(&ts, &id, &v); err != nil {
			return fmt.Errorf("scan point row: %w", err)
		}
		if !curSet || id != cur {
			if err := flush(); err != nil {
				return err
			}
			cur, curSet, pts = id, true, nil
			if rc != nil {
				rc.Reset()
			}
		}
		if rc != nil {
			if v == nil {
				continue
			}
			if rate, ok := rc.TryCalc(unixSeconds(ts), *v); ok {
				pts = append(pts, Point{Ts: ts.Unix(), Value: rate})
			}
			continue
		}
		if p, ok := fillPoint(ts.Unix(), v, fill); ok {
			pts = append(pts, p)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("stream point rows: %w", err)
	}
	return flush()
}

// consumeGrouped folds rows into per-(group, bucket) aggregators and emits
// one series per group once the scan is drained.
func (e *Engine) consumeGrouped(ctx context.Context, rows pointRows, q SubQuery, tr TimeRange, tagsets map[int32]data_model.Tags, yield func(Series) error) error {
	factory, err := NewAggregatorFactory(q.Aggregator)
	if err != nil {
		return err
	}
	lookup := newGroupLookup(tagsets, groupByKeys(q.Filters))
	fill := fillPolicyOf(q)

	for rows.Next() {
		var (
			ts time.Time
			id int32
			v  *float64
		)
		if err := rows.Scan(&ts, &id, &v); err != nil {
			return fmt.Errorf("scan point row: %w", err)
		}
		g := lookup.groupOf(id)
		if g == nil {
			continue
		}
		agg := g.bucket(ts.Unix(), factory)
		if v != nil {
			agg.Add(*v)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("stream point rows: %w", err)
	}

	for _, g := range lookup.ordered() {
		if err := ctx.Err(); err != nil {
			return err
		}
		pts := g.materialize(fill)
		if q.Rate {
			pts = convertRate(pts, q.RateOptions, unixSeconds(tr.Start))
		}
		if len(pts) == 0 {
			continue
		}
		if err := yield(Series{
			Metric:        q.Metric,
			Tags:          g.tags,
			AggregateTags: g.aggregateTags(),
			Points:        pts,
		}); err != nil {
			return err
		}
	}
	return nil
}

// convertRate reruns a materialized time-ordered bucket sequence through
// the rate converter, dropping null buckets first.
func convertRate(pts []Point, opts RateOptions, queryStart float64) []Point {
	rc := NewRateConverter(opts, queryStart)
	out := make([]Point, 0, len(pts))
	for _, p := range pts {
		if p.Null || math.IsNaN(p.Value) {
			continue
		}
		if rate, ok := rc.TryCalc(float64(p.Ts), p.Value); ok {
			out = append(out, Point{Ts: p.Ts, Value: rate})
		}
	}
	return out
}

func fillPolicyOf(q SubQuery) FillPolicy {
	if q.Downsample == nil {
		return FillNone
	}
	return q.Downsample.Fill
}

// fillPoint renders a possibly-NULL row value under the fill policy.
func fillPoint(ts int64, v *float64, fill FillPolicy) (Point, bool) {
	if v != nil {
		return Point{Ts: ts, Value: *v}, true
	}
	switch fill {
	case FillZero:
		return Point{Ts: ts, Value: 0}, true
	case FillNaN:
		return Point{Ts: ts, Value: math.NaN()}, true
	case FillNull:
		return Point{Ts: ts, Null: true}, true
	}
	return Point{}, false
}

func groupByKeys(filters []*data_model.TagFilter) []string {
	var keys []string
	seen := make(map[string]struct{})
	for _, f := range filters {
		if f.GroupBy {
			if _, ok := seen[f.TagKey]; !ok {
				seen[f.TagKey] = struct{}{}
				keys = append(keys, f.TagKey)
			}
		}
	}
	return keys
}

func sortedIDs(tagsets map[int32]data_model.Tags) []int32 {
	ids := make([]int32, 0, len(tagsets))
	for id := range tagsets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

// group is the aggregation state of one group-by bucket set.
type group struct {
	key      string
	tags     data_model.Tags // intersection over the member tagsets
	keyUnion map[string]struct{}
	aggs     map[int64]Aggregator
	members  int
}

func (g *group) join(tags data_model.Tags) {
	if g.members == 0 {
		g.tags = make(data_model.Tags, len(tags))
		for k, v := range tags {
			g.tags[k] = v
		}
	} else {
		for k, v := range g.tags {
			if ov, ok := tags[k]; !ok || ov != v {
				delete(g.tags, k)
			}
		}
	}
	for k := range tags {
		g.keyUnion[k] = struct{}{}
	}
	g.members++
}

func (g *group) bucket(ts int64, factory func() Aggregator) Aggregator {
	agg, ok := g.aggs[ts]
	if !ok {
		agg = factory()
		g.aggs[ts] = agg
	}
	return agg
}

// aggregateTags lists the tag keys that were folded away: present on some
// member but not part of the common tags.
func (g *group) aggregateTags() []string {
	var out []string
	for k := range g.keyUnion {
		if _, ok := g.tags[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// materialize renders the buckets in time order under the fill policy.
func (g *group) materialize(fill FillPolicy) []Point {
	ts := make([]int64, 0, len(g.aggs))
	for t := range g.aggs {
		ts = append(ts, t)
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i] < ts[j] })
	pts := make([]Point, 0, len(ts))
	for _, t := range ts {
		if v, ok := g.aggs[t].Result(); ok {
			pts = append(pts, Point{Ts: t, Value: v})
		} else if p, ok := fillPoint(t, nil, fill); ok {
			pts = append(pts, p)
		}
	}
	return pts
}

type groupLookup struct {
	byTagset map[int32]*group
	groups   map[string]*group
}

// newGroupLookup partitions the candidate tagsets by the tuple of their
// values at the group-by keys. No group-by keys means a single group.
func newGroupLookup(tagsets map[int32]data_model.Tags, groupKeys []string) *groupLookup {
	l := &groupLookup{
		byTagset: make(map[int32]*group, len(tagsets)),
		groups:   make(map[string]*group),
	}
	var sb strings.Builder
	for id, tags := range tagsets {
		sb.Reset()
		for i, k := range groupKeys {
			if i > 0 {
				sb.WriteByte(0)
			}
			sb.WriteString(tags[k])
		}
		key := sb.String()
		g, ok := l.groups[key]
		if !ok {
			g = &group{
				key:      key,
				keyUnion: make(map[string]struct{}),
				aggs:     make(map[int64]Aggregator),
			}
			l.groups[key] = g
		}
		g.join(tags)
		l.byTagset[id] = g
	}
	return l
}

func (l *groupLookup) groupOf(id int32) *group { return l.byTagset[id] }

// ordered returns the groups sorted by group key for deterministic output.
func (l *groupLookup) ordered() []*group {
	out := make([]*group, 0, len(l.groups))
	for _, g := range l.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}
