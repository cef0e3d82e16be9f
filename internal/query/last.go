// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package query

import (
	"context"
	"fmt"
	"time"

	"github.com/tsgate/tsgate/internal/data_model"
)

// LastPoint is the newest stored value of one series.
type LastPoint struct {
	Metric string
	Tags   data_model.Tags
	TsMs   int64 // unix milliseconds, OpenTSDB /api/query/last convention
	Value  float64
}

// QueryLast streams the latest point of every series of the metric that
// passes the filters. backScan <= 0 scans the whole retention window.
// A series whose tagset the cache cannot resolve anymore is skipped
// silently, it was created or pruned between refreshes.
func (e *Engine) QueryLast(ctx context.Context, metric string, filters []*data_model.TagFilter, backScan time.Duration, yield func(LastPoint) error) error {
	tagsets := e.tsc.GetTagsets([]string{metric}, filters, false)
	if len(tagsets) == 0 {
		return nil
	}
	metricID, ok := e.tsc.MetricID(metric)
	if !ok {
		return nil
	}
	sqlStr, args, err := buildLastPointsSQL(metricID, sortedIDs(tagsets), backScan, e.clock.Now())
	if err != nil {
		return err
	}
	rows, err := e.db.Query(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("query last points: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			ts time.Time
			id int32
			v  float64
		)
		if err := rows.Scan(&ts, &id, &v); err != nil {
			return fmt.Errorf("scan last point row: %w", err)
		}
		tags, ok := e.tsc.TagsetTags(id)
		if !ok {
			continue
		}
		if err := yield(LastPoint{Metric: metric, Tags: tags, TsMs: ts.UnixMilli(), Value: v}); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("stream last point rows: %w", err)
	}
	return nil
}
