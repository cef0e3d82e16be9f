// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package ingest writes datapoint batches. Metric and tagset identifiers
// resolve through bounded TTL-LRU caches, unresolved names go through one
// upsert-returning round trip each, and the points land in a single
// array-bound insert. Every multi-row statement is ordered by its natural
// key so concurrent batches with overlapping rows cannot deadlock.
package ingest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tsgate/tsgate/internal/data_model"
	"github.com/tsgate/tsgate/internal/pcache"
	"github.com/tsgate/tsgate/internal/pg"
)

const (
	upsertMetrics = `INSERT INTO metric (name)
SELECT unnest($1::text[])
ON CONFLICT (name) DO UPDATE SET name = excluded.name
RETURNING id, name`

	// The spurious DO UPDATE forces RETURNING to include pre-existing rows.
	upsertTagsets = `INSERT INTO tagset (tags)
SELECT unnest($1::text[])::jsonb
ON CONFLICT (tags) DO UPDATE SET tags = excluded.tags
RETURNING id, tags`

	insertPoints = `INSERT INTO point (metric_id, tagset_id, "time", value)
SELECT * FROM unnest($1::smallint[], $2::int[], $3::timestamptz[], $4::float8[])
	AS p(metric_id, tagset_id, "time", value)
ORDER BY metric_id, tagset_id, "time"
ON CONFLICT DO NOTHING`
)

// Point is one datapoint to persist, already parsed and validated.
type Point struct {
	Metric string
	Time   time.Time
	Value  float64
	Tags   data_model.Tags
}

// Stats is the /api/put response payload.
type Stats struct {
	PointsWritten       int64   `json:"pointsWritten"`
	WriteTimeMs         int64   `json:"writeTimeMs"`
	KDPS                float64 `json:"kdps"`
	MetricCacheMissRate float64 `json:"metricCacheMissRate"`
	TagsetCacheMissRate float64 `json:"tagsetCacheMissRate"`
}

// Inserter is the ingest pipeline. Safe for concurrent use.
type Inserter struct {
	db        pg.Querier
	metricIDs *pcache.Cache[string, int16]
	tagsetIDs *pcache.Cache[data_model.TagsetKey, int32]
	clock     clock.Clock
}

// New creates an inserter. cacheTTL must stay below half the data
// retention period so a cached id cannot outlive its row.
func New(db pg.Querier, metricCacheSize, tagsetCacheSize int, cacheTTL time.Duration) *Inserter {
	return &Inserter{
		db:        db,
		metricIDs: pcache.New[string, int16](metricCacheSize, cacheTTL),
		tagsetIDs: pcache.New[data_model.TagsetKey, int32](tagsetCacheSize, cacheTTL),
		clock:     clock.New(),
	}
}

// InsertBatch persists the batch. Any database error aborts the whole
// batch without touching the id caches, the caller retries. First write
// wins on duplicate (metric, tagset, time) rows.
func (ins *Inserter) InsertBatch(ctx context.Context, points []Point) (Stats, error) {
	if len(points) == 0 {
		return Stats{}, nil
	}
	started := ins.clock.Now()

	batch, err := ins.resolveIDs(ctx, points)
	if err != nil {
		return Stats{}, err
	}

	rows := make([]pointRow, len(points))
	oldest := points[0].Time
	for i, p := range points {
		rows[i] = pointRow{
			metricID: batch.metricIDs[p.Metric],
			tagsetID: batch.tagsetIDs[batch.keys[i]],
			time:     p.Time,
			value:    p.Value,
		}
		if p.Time.Before(oldest) {
			oldest = p.Time
		}
	}
	sortPointRows(rows)

	metricIDs := make([]int16, len(rows))
	tagsetIDs := make([]int32, len(rows))
	times := make([]time.Time, len(rows))
	values := make([]float64, len(rows))
	for i, r := range rows {
		metricIDs[i], tagsetIDs[i], times[i], values[i] = r.metricID, r.tagsetID, r.time, r.value
	}
	tag, err := ins.db.Exec(ctx, insertPoints, metricIDs, tagsetIDs, times, values)
	if err != nil {
		insertErrors.Inc()
		return Stats{}, fmt.Errorf("insert points: %w", err)
	}

	// only now is the batch durable, revalidate everything it used
	for name, id := range batch.metricIDs {
		ins.metricIDs.AddOrRevalidate(name, id, oldest)
	}
	for key, id := range batch.tagsetIDs {
		ins.tagsetIDs.AddOrRevalidate(key, id, oldest)
	}

	elapsed := ins.clock.Now().Sub(started)
	written := tag.RowsAffected()
	pointsWritten.Add(float64(written))
	insertDuration.Observe(elapsed.Seconds())

	stats := Stats{
		PointsWritten:       written,
		WriteTimeMs:         elapsed.Milliseconds(),
		MetricCacheMissRate: rate(batch.metricMisses, len(points)),
		TagsetCacheMissRate: rate(batch.tagsetMisses, len(points)),
	}
	if sec := elapsed.Seconds(); sec > 0 {
		stats.KDPS = float64(len(points)) / sec / 1000
	}
	return stats, nil
}

type pointRow struct {
	metricID int16
	tagsetID int32
	time     time.Time
	value    float64
}

// sortPointRows orders the insert the same way the SQL does, by
// (metric_id, tagset_id, time).
func sortPointRows(rows []pointRow) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.metricID != b.metricID {
			return a.metricID < b.metricID
		}
		if a.tagsetID != b.tagsetID {
			return a.tagsetID < b.tagsetID
		}
		return a.time.Before(b.time)
	})
}

type resolvedBatch struct {
	metricIDs    map[string]int16
	tagsetIDs    map[data_model.TagsetKey]int32
	keys         []data_model.TagsetKey // parallel to the input points
	metricMisses int
	tagsetMisses int
}

func (ins *Inserter) resolveIDs(ctx context.Context, points []Point) (*resolvedBatch, error) {
	b := &resolvedBatch{
		metricIDs: make(map[string]int16),
		tagsetIDs: make(map[data_model.TagsetKey]int32),
		keys:      make([]data_model.TagsetKey, len(points)),
	}
	var missingMetrics []string
	var missingTagsets []data_model.TagsetKey
	for i, p := range points {
		if _, seen := b.metricIDs[p.Metric]; !seen {
			if id, ok := ins.metricIDs.TryGet(p.Metric); ok {
				b.metricIDs[p.Metric] = id
			} else {
				b.metricIDs[p.Metric] = 0
				b.metricMisses++
				missingMetrics = append(missingMetrics, p.Metric)
			}
		}
		key, err := data_model.MakeTagsetKey(p.Tags)
		if err != nil {
			return nil, err
		}
		b.keys[i] = key
		if _, seen := b.tagsetIDs[key]; !seen {
			if id, ok := ins.tagsetIDs.TryGet(key); ok {
				b.tagsetIDs[key] = id
			} else {
				b.tagsetIDs[key] = 0
				b.tagsetMisses++
				missingTagsets = append(missingTagsets, key)
			}
		}
	}
	if err := ins.upsertMissingMetrics(ctx, b, missingMetrics); err != nil {
		return nil, err
	}
	if err := ins.upsertMissingTagsets(ctx, b, missingTagsets); err != nil {
		return nil, err
	}
	return b, nil
}

// upsertMissingMetrics resolves unknown metric names in one statement,
// sorted ascending so concurrent batches lock rows in the same order.
func (ins *Inserter) upsertMissingMetrics(ctx context.Context, b *resolvedBatch, missing []string) error {
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	rows, err := ins.db.Query(ctx, upsertMetrics, missing)
	if err != nil {
		return fmt.Errorf("upsert metrics: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id   int16
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return fmt.Errorf("scan metric id: %w", err)
		}
		b.metricIDs[name] = id
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("upsert metrics: %w", err)
	}
	for _, name := range missing {
		if b.metricIDs[name] == 0 {
			return fmt.Errorf("metric %q not resolved by upsert", name)
		}
	}
	return nil
}

// upsertMissingTagsets is upsertMissingMetrics for tagsets, keyed by the
// canonical JSON form. The returned jsonb is re-decoded and re-canonicalized
// because jsonb does not echo the input text verbatim.
func (ins *Inserter) upsertMissingTagsets(ctx context.Context, b *resolvedBatch, missing []data_model.TagsetKey) error {
	if len(missing) == 0 {
		return nil
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i].Canonical() < missing[j].Canonical() })
	canon := make([]string, len(missing))
	for i, k := range missing {
		canon[i] = k.Canonical()
	}
	rows, err := ins.db.Query(ctx, upsertTagsets, canon)
	if err != nil {
		return fmt.Errorf("upsert tagsets: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id  int32
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return fmt.Errorf("scan tagset id: %w", err)
		}
		tags, err := data_model.DecodeTags(raw)
		if err != nil {
			return fmt.Errorf("decode upserted tagset: %w", err)
		}
		key, err := data_model.MakeTagsetKey(tags)
		if err != nil {
			return err
		}
		b.tagsetIDs[key] = id
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("upsert tagsets: %w", err)
	}
	for _, k := range missing {
		if b.tagsetIDs[k] == 0 {
			return fmt.Errorf("tagset %s not resolved by upsert", k.Canonical())
		}
	}
	return nil
}

// MetricCacheMissRate is the lifetime miss rate of the metric id cache.
func (ins *Inserter) MetricCacheMissRate() float64 { return ins.metricIDs.MissRate() }

// TagsetCacheMissRate is the lifetime miss rate of the tagset id cache.
func (ins *Inserter) TagsetCacheMissRate() float64 { return ins.tagsetIDs.MissRate() }

func rate(misses, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(misses) / float64(total)
}

var (
	pointsWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tsgate",
		Subsystem: "ingest",
		Name:      "points_written_total",
		Help:      "Total number of points written to the database.",
	})
	insertErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tsgate",
		Subsystem: "ingest",
		Name:      "insert_errors_total",
		Help:      "Total number of failed point insert statements.",
	})
	insertDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tsgate",
		Subsystem: "ingest",
		Name:      "insert_duration_seconds",
		Help:      "Duration of point batch inserts, resolution included.",
		Buckets:   prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(pointsWritten, insertErrors, insertDuration)
}
