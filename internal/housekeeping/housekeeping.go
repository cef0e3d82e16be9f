// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package housekeeping prunes rows the retention policy leaves behind:
// time_series entries whose points have all expired, then metrics and
// tagsets nothing references anymore, then the in-memory tagset cache.
// time_series goes first, the metric and tagset deletes rely on its
// referential check. Recently created rows are protected by the retention
// guard so a row racing an ingest cache entry is never deleted.
package housekeeping

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.uber.org/multierr"

	"github.com/tsgate/tsgate/internal/pg"
	"github.com/tsgate/tsgate/internal/tscache"
)

const pruneBatchSize = 1000

const (
	deleteOrphanSeries = `DELETE FROM time_series ts
USING (
	SELECT metric_id, tagset_id FROM time_series
	WHERE last_used < now() - ($1::bigint * interval '1 microsecond')
	LIMIT $2
) c
WHERE ts.metric_id = c.metric_id AND ts.tagset_id = c.tagset_id
AND NOT EXISTS (
	SELECT 1 FROM point p
	WHERE p.metric_id = ts.metric_id AND p.tagset_id = ts.tagset_id
)`

	deleteOrphanMetrics = `DELETE FROM metric m
WHERE m.created < now() - ($1::bigint * interval '1 microsecond')
AND NOT EXISTS (SELECT 1 FROM time_series ts WHERE ts.metric_id = m.id)`

	deleteOrphanTagsets = `DELETE FROM tagset t
WHERE t.created < now() - ($1::bigint * interval '1 microsecond')
AND NOT EXISTS (SELECT 1 FROM time_series ts WHERE ts.tagset_id = t.id)`
)

// Worker is the housekeeping pass. Stateless between cycles, it acquires
// database connections per statement from the pool.
type Worker struct {
	db        pg.Querier
	tsc       *tscache.Cache
	retention time.Duration
}

func New(db pg.Querier, tsc *tscache.Cache, retention time.Duration) *Worker {
	return &Worker{db: db, tsc: tsc, retention: retention}
}

// RunOnce performs one full pass. Later steps still run when an earlier
// one fails, their guards do not depend on its success, and all errors are
// reported together.
func (w *Worker) RunOnce(ctx context.Context) error {
	var errs error
	if err := w.pruneTimeSeries(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("prune time series: %w", err))
	}
	if err := w.deleteOrphans(ctx, "metric", deleteOrphanMetrics); err != nil {
		errs = multierr.Append(errs, err)
	}
	if err := w.deleteOrphans(ctx, "tagset", deleteOrphanTagsets); err != nil {
		errs = multierr.Append(errs, err)
	}
	if err := w.tsc.Prune(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("prune tagset cache: %w", err))
	}
	return errs
}

// pruneTimeSeries deletes stale series in bounded batches until a batch
// comes back empty, keeping lock footprints small under concurrent ingest.
func (w *Worker) pruneTimeSeries(ctx context.Context) error {
	total := int64(0)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		tag, err := w.db.Exec(ctx, deleteOrphanSeries, w.retention.Microseconds(), pruneBatchSize)
		if err != nil {
			return err
		}
		total += tag.RowsAffected()
		if tag.RowsAffected() == 0 {
			break
		}
	}
	if total > 0 {
		log.Printf("[debug] housekeeping pruned %d time series", total)
	}
	return nil
}

func (w *Worker) deleteOrphans(ctx context.Context, what, sql string) error {
	tag, err := w.db.Exec(ctx, sql, w.retention.Microseconds())
	if err != nil {
		return fmt.Errorf("delete orphan %ss: %w", what, err)
	}
	if n := tag.RowsAffected(); n > 0 {
		log.Printf("[debug] housekeeping deleted %d orphan %ss", n, what)
	}
	return nil
}
