// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package tscache keeps the unbounded in-memory image of every known
// tagset and metric, refreshed incrementally from the database. The maps
// grow append-only between refresh cycles and are compacted by Prune,
// which reconciles against the authoritative tagset id set.
package tscache

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"

	"github.com/tsgate/tsgate/internal/data_model"
	"github.com/tsgate/tsgate/internal/pg"
	"github.com/tsgate/tsgate/internal/tagindex"
)

const (
	selectNewTagsets = `SELECT id, tags, created FROM tagset WHERE created > $1 ORDER BY created`
	selectNewSeries  = `SELECT m.id, m.name, ts.tagset_id, ts.created
FROM time_series ts JOIN metric m ON m.id = ts.metric_id
WHERE ts.created > $1 ORDER BY ts.created`
	selectLiveTagsetIDs = `SELECT id FROM tagset`
)

type metricEntry struct {
	id  int16
	ids *tagindex.IDSet // tagset ids with a time_series row under this metric
}

// Cache is the tagset cache service. Refresh and Prune are serialized by a
// single mutex held across the whole cycle; readers never take it, every
// read goes through containers with atomic single-key access.
type Cache struct {
	db    pg.Querier
	clock clock.Clock

	mu            sync.Mutex // serializes Refresh and Prune
	tagsetHWM     time.Time  // guarded by mu
	timeSeriesHWM time.Time  // guarded by mu
	refreshedOnce bool       // guarded by mu

	tagsetByID   sync.Map // int32 -> data_model.Tags
	metricByName sync.Map // string -> *metricEntry
	index        *tagindex.Index

	lastUpdate atomic.Int64 // unix nanos of the last successful refresh
}

func New(db pg.Querier) *Cache {
	return NewWithClock(db, clock.New())
}

func NewWithClock(db pg.Querier, clk clock.Clock) *Cache {
	return &Cache{db: db, clock: clk, index: tagindex.New()}
}

// Index exposes the tag index for suggest queries.
func (c *Cache) Index() *tagindex.Index { return c.index }

// LastSuccessfulUpdate returns the completion instant of the last refresh,
// the zero time before the first one.
func (c *Cache) LastSuccessfulUpdate() time.Time {
	ns := c.lastUpdate.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Refresh pulls tagset and time_series rows created since the high-water
// marks and applies them. The marks advance row by row, a mid-cycle
// cancellation leaves the cache consistent and the next cycle resuming
// where this one stopped.
func (c *Cache) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.refreshTagsets(ctx); err != nil {
		return fmt.Errorf("refresh tagsets: %w", err)
	}
	if err := c.refreshTimeSeries(ctx); err != nil {
		return fmt.Errorf("refresh time series: %w", err)
	}
	c.lastUpdate.Store(c.clock.Now().UnixNano())
	c.refreshedOnce = true
	return nil
}

func (c *Cache) refreshTagsets(ctx context.Context) error {
	rows, err := c.db.Query(ctx, selectNewTagsets, c.tagsetHWM)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id      int32
			raw     []byte
			created time.Time
		)
		if err := rows.Scan(&id, &raw, &created); err != nil {
			return err
		}
		tags, err := data_model.DecodeTags(raw)
		if err != nil {
			log.Printf("[warning] skipping undecodable tagset %d: %v", id, err)
			c.tagsetHWM = created
			continue
		}
		c.applyTagset(id, tags)
		c.tagsetHWM = created
	}
	return rows.Err()
}

func (c *Cache) refreshTimeSeries(ctx context.Context) error {
	rows, err := c.db.Query(ctx, selectNewSeries, c.timeSeriesHWM)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			metricID   int16
			metricName string
			tagsetID   int32
			created    time.Time
		)
		if err := rows.Scan(&metricID, &metricName, &tagsetID, &created); err != nil {
			return err
		}
		if !c.applyTimeSeries(metricID, metricName, tagsetID) {
			// The tagset was created after our tagset scan. Stop here so the
			// next cycle picks the row up once the tagset itself is cached.
			return nil
		}
		c.timeSeriesHWM = created
	}
	return rows.Err()
}

// applyTagset publishes a tagset, lookup map first so that the index never
// references an id the lookup cannot resolve.
func (c *Cache) applyTagset(id int32, tags data_model.Tags) {
	c.tagsetByID.Store(id, tags)
	for k, v := range tags {
		c.index.AddTag(k, v, id)
	}
}

// applyTimeSeries records tagsetID as a member of the metric. Returns false
// when the tagset is not yet known to the cache.
func (c *Cache) applyTimeSeries(metricID int16, metricName string, tagsetID int32) bool {
	if _, ok := c.tagsetByID.Load(tagsetID); !ok {
		return false
	}
	e, ok := c.metricByName.Load(metricName)
	if !ok {
		e, _ = c.metricByName.LoadOrStore(metricName, &metricEntry{id: metricID, ids: &tagindex.IDSet{}})
	}
	e.(*metricEntry).ids.Add(tagsetID)
	return true
}

// Prune drops tagsets that no longer exist in the database. Runs only after
// at least one successful refresh, an empty cache would otherwise be
// indistinguishable from an unreachable database.
func (c *Cache) Prune(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.refreshedOnce {
		return nil
	}
	rows, err := c.db.Query(ctx, selectLiveTagsetIDs)
	if err != nil {
		return fmt.Errorf("prune: select live tagset ids: %w", err)
	}
	defer rows.Close()
	live := make(map[int32]struct{})
	for rows.Next() {
		var id int32
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("prune: scan: %w", err)
		}
		live[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("prune: %w", err)
	}

	type dead struct {
		id   int32
		tags data_model.Tags
	}
	var gone []dead
	c.tagsetByID.Range(func(k, v any) bool {
		if _, ok := live[k.(int32)]; !ok {
			gone = append(gone, dead{id: k.(int32), tags: v.(data_model.Tags)})
		}
		return true
	})
	if len(gone) == 0 {
		return nil
	}
	for _, d := range gone {
		c.metricByName.Range(func(_, e any) bool {
			e.(*metricEntry).ids.Remove(d.id)
			return true
		})
		c.index.RemoveTagset(d.id, d.tags, false)
		c.tagsetByID.Delete(d.id)
	}
	c.index.RebuildTagValues()
	log.Printf("[debug] tagset cache pruned %d of %d tagsets", len(gone), len(gone)+len(live))
	return nil
}

// MetricID resolves a metric name against the cache.
func (c *Cache) MetricID(name string) (int16, bool) {
	e, ok := c.metricByName.Load(name)
	if !ok {
		return 0, false
	}
	return e.(*metricEntry).id, true
}

// TagsetTags returns the tags of a cached tagset.
func (c *Cache) TagsetTags(id int32) (data_model.Tags, bool) {
	t, ok := c.tagsetByID.Load(id)
	if !ok {
		return nil, false
	}
	return t.(data_model.Tags), true
}

// MetricNames returns cached metric names with the given prefix, sorted,
// at most max (0 means no limit).
func (c *Cache) MetricNames(prefix string, max int) []string {
	var names []string
	c.metricByName.Range(func(k, _ any) bool {
		if name := k.(string); len(name) >= len(prefix) && name[:len(prefix)] == prefix {
			names = append(names, name)
		}
		return true
	})
	sort.Strings(names)
	if max > 0 && len(names) > max {
		names = names[:max]
	}
	return names
}

// TagKeysForMetric returns the union of tag keys over the metric's cached
// tagsets, sorted.
func (c *Cache) TagKeysForMetric(metric string) []string {
	e, ok := c.metricByName.Load(metric)
	if !ok {
		return nil
	}
	seen := make(map[string]struct{})
	e.(*metricEntry).ids.Range(func(id int32) bool {
		if tags, ok := c.TagsetTags(id); ok {
			for k := range tags {
				seen[k] = struct{}{}
			}
		}
		return true
	})
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
