// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package tagindex maintains the in-memory inverted index from tag key and
// tag value to the tagset ids carrying that pair, plus the flat universe of
// all known tag values. One writer (the tagset cache refresh) mutates it
// while query handlers read concurrently, every container here supports
// atomic single-key updates so readers never take a lock. A reader may
// observe a refresh half-applied, but any single (key, value, id) triple
// appears atomically.
package tagindex

import (
	"sort"
	"sync"

	"go.uber.org/atomic"

	"github.com/tsgate/tsgate/internal/data_model"
)

// IDSet is a concurrent set of tagset ids with weakly consistent iteration.
type IDSet struct {
	m    sync.Map // int32 -> struct{}
	size atomic.Int64
}

func (s *IDSet) Add(id int32) {
	if _, loaded := s.m.LoadOrStore(id, struct{}{}); !loaded {
		s.size.Inc()
	}
}

func (s *IDSet) Remove(id int32) {
	if _, loaded := s.m.LoadAndDelete(id); loaded {
		s.size.Dec()
	}
}

func (s *IDSet) Contains(id int32) bool {
	_, ok := s.m.Load(id)
	return ok
}

// Len is approximate while a writer is active.
func (s *IDSet) Len() int { return int(s.size.Load()) }

func (s *IDSet) Range(f func(id int32) bool) {
	s.m.Range(func(k, _ any) bool { return f(k.(int32)) })
}

// ValueIndex maps the values of one tag key to the id sets carrying them.
type ValueIndex struct {
	values     sync.Map // string -> *IDSet
	valueCount atomic.Int64
}

// Get returns the id set for a value, nil if the value is unknown.
func (vi *ValueIndex) Get(value string) *IDSet {
	if s, ok := vi.values.Load(value); ok {
		return s.(*IDSet)
	}
	return nil
}

// ValueCount is the number of distinct values under the key, approximate
// while a writer is active.
func (vi *ValueIndex) ValueCount() int { return int(vi.valueCount.Load()) }

// Range iterates values and their id sets.
func (vi *ValueIndex) Range(f func(value string, ids *IDSet) bool) {
	vi.values.Range(func(k, v any) bool { return f(k.(string), v.(*IDSet)) })
}

func (vi *ValueIndex) add(value string, id int32) {
	s, ok := vi.values.Load(value)
	if !ok {
		var loaded bool
		s, loaded = vi.values.LoadOrStore(value, &IDSet{})
		if !loaded {
			vi.valueCount.Inc()
		}
	}
	s.(*IDSet).Add(id)
}

// Index is the two-level tag index plus the flat value universe.
type Index struct {
	keys      sync.Map // string -> *ValueIndex
	allValues atomic.Pointer[sync.Map]
}

func New() *Index {
	ix := &Index{}
	ix.allValues.Store(&sync.Map{})
	return ix
}

// AddTag records that tagset id carries the (key, value) pair.
func (ix *Index) AddTag(key, value string, id int32) {
	vi, ok := ix.keys.Load(key)
	if !ok {
		vi, _ = ix.keys.LoadOrStore(key, &ValueIndex{})
	}
	vi.(*ValueIndex).add(value, id)
	ix.allValues.Load().LoadOrStore(value, struct{}{})
}

// RemoveTagset removes the tagset's pairs from the index. With pruneValues
// the flat value universe is kept exact per removed value, which costs a
// scan over all keys, bulk removals should pass false and call
// RebuildTagValues once at the end instead.
func (ix *Index) RemoveTagset(id int32, tags data_model.Tags, pruneValues bool) {
	for key, value := range tags {
		viAny, ok := ix.keys.Load(key)
		if !ok {
			continue
		}
		vi := viAny.(*ValueIndex)
		set := vi.Get(value)
		if set == nil {
			continue
		}
		set.Remove(id)
		if set.Len() == 0 {
			if _, loaded := vi.values.LoadAndDelete(value); loaded {
				vi.valueCount.Dec()
			}
			if pruneValues && !ix.valueInUse(value) {
				ix.allValues.Load().Delete(value)
			}
		}
	}
}

func (ix *Index) valueInUse(value string) bool {
	inUse := false
	ix.keys.Range(func(_, viAny any) bool {
		if s := viAny.(*ValueIndex).Get(value); s != nil && s.Len() > 0 {
			inUse = true
			return false
		}
		return true
	})
	return inUse
}

// RebuildTagValues reconstructs the flat value universe from the key index
// and swaps it in atomically. O(total live pairs).
func (ix *Index) RebuildTagValues() {
	fresh := &sync.Map{}
	ix.keys.Range(func(_, viAny any) bool {
		viAny.(*ValueIndex).Range(func(value string, ids *IDSet) bool {
			if ids.Len() > 0 {
				fresh.LoadOrStore(value, struct{}{})
			}
			return true
		})
		return true
	})
	ix.allValues.Store(fresh)
}

// TryGetTagValueIndex returns the value index of a key.
func (ix *Index) TryGetTagValueIndex(key string) (*ValueIndex, bool) {
	vi, ok := ix.keys.Load(key)
	if !ok {
		return nil, false
	}
	return vi.(*ValueIndex), true
}

// PossibleTagValueCount is the selectivity heuristic of the tagset resolver:
// the number of distinct values currently indexed under key, 0 for an
// unknown key.
func (ix *Index) PossibleTagValueCount(key string) int {
	vi, ok := ix.TryGetTagValueIndex(key)
	if !ok {
		return 0
	}
	return vi.ValueCount()
}

// TagKeys returns all indexed tag keys, sorted.
func (ix *Index) TagKeys() []string {
	var keys []string
	ix.keys.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	sort.Strings(keys)
	return keys
}

// TagValues returns the distinct values under one key, sorted.
func (ix *Index) TagValues(key string) []string {
	vi, ok := ix.TryGetTagValueIndex(key)
	if !ok {
		return nil
	}
	var values []string
	vi.Range(func(v string, ids *IDSet) bool {
		if ids.Len() > 0 {
			values = append(values, v)
		}
		return true
	})
	sort.Strings(values)
	return values
}

// AllTagValues returns the flat value universe, sorted. Used by suggest
// queries that name no tag key.
func (ix *Index) AllTagValues() []string {
	var values []string
	ix.allValues.Load().Range(func(v, _ any) bool {
		values = append(values, v.(string))
		return true
	})
	sort.Strings(values)
	return values
}
