// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package pcache holds the bounded id caches of the ingest path. An entry
// carries the wall-clock instant its value was last known to be valid, a
// stale entry is indistinguishable from a miss and gets evicted on access.
package pcache

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2/simplelru"
	"go.uber.org/atomic"
)

type entry[V any] struct {
	value       V
	validatedAt time.Time
}

// Cache is a fixed-capacity LRU map with TTL revalidation. All methods are
// safe for concurrent use.
type Cache[K comparable, V any] struct {
	mu    sync.Mutex
	lru   *lru.LRU[K, entry[V]]
	ttl   time.Duration
	clock clock.Clock

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a cache of the given capacity. Entries older than ttl are
// treated as misses. A zero ttl disables expiry.
func New[K comparable, V any](capacity int, ttl time.Duration) *Cache[K, V] {
	return NewWithClock[K, V](capacity, ttl, clock.New())
}

// NewWithClock is New with an injectable clock for tests.
func NewWithClock[K comparable, V any](capacity int, ttl time.Duration, clk clock.Clock) *Cache[K, V] {
	l, err := lru.NewLRU[K, entry[V]](capacity, nil)
	if err != nil {
		panic(err) // capacity <= 0, caller bug
	}
	return &Cache[K, V]{lru: l, ttl: ttl, clock: clk}
}

// TryGet returns the cached value for key. Absent and expired entries both
// report a miss, an expired entry is evicted on the spot so a subsequent
// AddOrRevalidate starts a fresh lifetime.
func (c *Cache[K, V]) TryGet(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Get(key)
	if !ok {
		c.misses.Inc()
		var zero V
		return zero, false
	}
	if c.ttl > 0 && c.clock.Now().Sub(e.validatedAt) > c.ttl {
		c.lru.Remove(key)
		c.misses.Inc()
		var zero V
		return zero, false
	}
	c.hits.Inc()
	return e.value, true
}

// AddOrRevalidate inserts or refreshes an entry. asOf is the instant the
// caller asserts the value was valid, in the ingest path this is the oldest
// timestamp of the batch just persisted. An existing later validation
// timestamp is kept, the mark only ever moves forward.
func (c *Cache[K, V]) AddOrRevalidate(key K, value V, asOf time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.lru.Peek(key); ok && e.validatedAt.After(asOf) {
		asOf = e.validatedAt
	}
	c.lru.Add(key, entry[V]{value: value, validatedAt: asOf})
}

// Len returns the number of live entries, expired ones included.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// HitRates returns the hit and miss counts accumulated so far.
func (c *Cache[K, V]) HitRates() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// MissRate returns misses/(hits+misses), 0 when nothing was looked up yet.
func (c *Cache[K, V]) MissRate() float64 {
	h, m := c.HitRates()
	if h+m == 0 {
		return 0
	}
	return float64(m) / float64(h+m)
}
