// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package query

import (
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type rowOrder int

const (
	// one series at a time, time-ascending inside it (ungrouped path, rate)
	orderBySeriesTime rowOrder = iota
	// time-ascending globally (grouped path, first/last arrival order)
	orderByTimeSeries
)

// pointsQuery describes one row scan over the point hypertable. Every value
// is a bound parameter, only aggregate function names and column
// identifiers are spliced into the SQL text, and those come from closed
// tables.
type pointsQuery struct {
	metricID  int16
	tagsetIDs []int32
	start     time.Time
	end       time.Time
	ds        *Downsample // nil means raw points
	order     rowOrder
}

// buildPointsSQL renders the scan. Result rows always have the shape
// (ts timestamptz, tagset_id int4, value float8 nullable).
//
// Downsampled scans bucket with time_bucket, or time_bucket_gapfill when a
// fill policy asks for empty buckets. Bucket timestamps are shifted up by
// one bucket width so that a bucket is stamped with its end, which aligns
// the emitted timestamps outward to bucket boundaries the way OpenTSDB
// does. The "all" sentinel collapses each series into a single bucket
// stamped with the query start.
func buildPointsSQL(q pointsQuery) (string, []any, error) {
	if q.ds == nil {
		b := psql.Select(`"time" AS ts`, "tagset_id", "value").
			From("point").
			Where(sq.Eq{"metric_id": q.metricID}).
			Where(sq.Expr("tagset_id = ANY(?)", q.tagsetIDs)).
			Where(sq.GtOrEq{`"time"`: q.start}).
			Where(sq.Lt{`"time"`: q.end})
		return b.OrderBy(orderClause(q.order)...).ToSql()
	}

	agg, err := aggExpr(q.ds.Fn)
	if err != nil {
		return "", nil, err
	}
	var bucket sq.Sqlizer
	switch {
	case q.ds.All:
		bucket = sq.Expr(`?::timestamptz`, q.start)
	case q.ds.Fill == FillNone:
		us := q.ds.Bucket.Microseconds()
		bucket = sq.Expr(
			`time_bucket(?::bigint * interval '1 microsecond', "time") + ?::bigint * interval '1 microsecond'`,
			us, us)
	default:
		us := q.ds.Bucket.Microseconds()
		bucket = sq.Expr(
			`time_bucket_gapfill(?::bigint * interval '1 microsecond', "time") + ?::bigint * interval '1 microsecond'`,
			us, us)
	}
	b := psql.Select().
		Column(sq.Alias(bucket, "ts")).
		Column("tagset_id").
		Column(sq.Alias(sq.Expr(agg), "value")).
		From("point").
		Where(sq.Eq{"metric_id": q.metricID}).
		Where(sq.Expr("tagset_id = ANY(?)", q.tagsetIDs)).
		Where(sq.GtOrEq{`"time"`: q.start}).
		Where(sq.Lt{`"time"`: q.end})
	if q.ds.All {
		b = b.GroupBy("tagset_id")
		// a single row per series, ordering is irrelevant
		return b.ToSql()
	}
	return b.GroupBy("1", "2").OrderBy(orderClause(q.order)...).ToSql()
}

func orderClause(o rowOrder) []string {
	if o == orderByTimeSeries {
		return []string{"1", "2"}
	}
	return []string{"2", "1"}
}

// buildLastPointsSQL renders the latest-point-per-series scan used by
// /api/query/last. backScan <= 0 means no time bound.
func buildLastPointsSQL(metricID int16, tagsetIDs []int32, backScan time.Duration, now time.Time) (string, []any, error) {
	b := psql.Select(`DISTINCT ON (tagset_id) "time" AS ts`, "tagset_id", "value").
		From("point").
		Where(sq.Eq{"metric_id": metricID}).
		Where(sq.Expr("tagset_id = ANY(?)", tagsetIDs))
	if backScan > 0 {
		b = b.Where(sq.Gt{`"time"`: now.Add(-backScan)})
	}
	sql, args, err := b.OrderBy(`tagset_id`, `"time" DESC`).ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("build last points query: %w", err)
	}
	return sql, args, nil
}
