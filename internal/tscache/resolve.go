// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package tscache

import (
	"sort"

	"github.com/tsgate/tsgate/internal/data_model"
	"github.com/tsgate/tsgate/internal/tagindex"
)

// GetTagsets resolves the tagsets of the given metrics that pass every
// filter. An empty metrics slice means "any metric". The returned map is
// owned by the caller.
//
// Filters run in ascending order of the distinct-value count under their
// key, cheap filters shrink the candidate set before expensive ones see it.
// Per filter the cheaper of two strategies wins: walking the candidates and
// matching each one's own tag value (backward), or walking the matching
// value index entries and intersecting (forward). A filter whose key is
// unknown to the index yields an empty result, OpenTSDB would error here.
func (c *Cache) GetTagsets(metrics []string, filters []*data_model.TagFilter, explicitTags bool) map[int32]data_model.Tags {
	if len(filters) == 0 && len(metrics) == 0 {
		out := make(map[int32]data_model.Tags)
		c.tagsetByID.Range(func(k, v any) bool {
			out[k.(int32)] = v.(data_model.Tags)
			return true
		})
		return out
	}

	candidates := c.candidateSet(metrics)
	if len(candidates) == 0 {
		return nil
	}

	if explicitTags {
		keySet := make(map[string]struct{}, len(filters))
		for _, f := range filters {
			keySet[f.TagKey] = struct{}{}
		}
		for id := range candidates {
			tags, ok := c.TagsetTags(id)
			if !ok || !keysEqual(tags, keySet) {
				delete(candidates, id)
			}
		}
		if len(candidates) == 0 {
			return nil
		}
	}

	ordered := make([]*data_model.TagFilter, len(filters))
	copy(ordered, filters)
	sort.SliceStable(ordered, func(i, j int) bool {
		return c.index.PossibleTagValueCount(ordered[i].TagKey) < c.index.PossibleTagValueCount(ordered[j].TagKey)
	})

	for _, f := range ordered {
		vi, ok := c.index.TryGetTagValueIndex(f.TagKey)
		if !ok || vi.ValueCount() == 0 {
			return nil
		}
		if !f.IsLiteralOr() && vi.ValueCount() > len(candidates) {
			c.filterBackward(f, candidates)
		} else {
			c.filterForward(f, vi, candidates)
		}
		if len(candidates) == 0 {
			return nil
		}
	}

	out := make(map[int32]data_model.Tags, len(candidates))
	for id := range candidates {
		if tags, ok := c.TagsetTags(id); ok {
			out[id] = tags
		}
	}
	return out
}

func (c *Cache) candidateSet(metrics []string) map[int32]struct{} {
	candidates := make(map[int32]struct{})
	if len(metrics) == 0 {
		c.tagsetByID.Range(func(k, _ any) bool {
			candidates[k.(int32)] = struct{}{}
			return true
		})
		return candidates
	}
	for _, m := range metrics {
		e, ok := c.metricByName.Load(m)
		if !ok {
			continue
		}
		e.(*metricEntry).ids.Range(func(id int32) bool {
			candidates[id] = struct{}{}
			return true
		})
	}
	return candidates
}

// filterBackward evaluates the filter against each candidate's own value of
// the key. Candidates without the key never match.
func (c *Cache) filterBackward(f *data_model.TagFilter, candidates map[int32]struct{}) {
	for id := range candidates {
		tags, ok := c.TagsetTags(id)
		if !ok {
			delete(candidates, id)
			continue
		}
		v, ok := tags[f.TagKey]
		if !ok || !f.Matches(v) {
			delete(candidates, id)
		}
	}
}

// filterForward unions the id sets of all values accepted by the filter and
// intersects the candidates with that union in place. For a plain
// literal_or the accepted values are looked up directly instead of scanning
// the whole value index.
func (c *Cache) filterForward(f *data_model.TagFilter, vi *tagindex.ValueIndex, candidates map[int32]struct{}) {
	matching := make(map[int32]struct{})
	collect := func(ids *tagindex.IDSet) {
		ids.Range(func(id int32) bool {
			if _, ok := candidates[id]; ok {
				matching[id] = struct{}{}
			}
			return true
		})
	}
	if f.IsLiteralOr() {
		for _, v := range f.LiteralValues() {
			if ids := vi.Get(v); ids != nil {
				collect(ids)
			}
		}
	} else {
		vi.Range(func(value string, ids *tagindex.IDSet) bool {
			if f.Matches(value) {
				collect(ids)
			}
			return true
		})
	}
	for id := range candidates {
		if _, ok := matching[id]; !ok {
			delete(candidates, id)
		}
	}
}

func keysEqual(tags data_model.Tags, keySet map[string]struct{}) bool {
	if len(tags) != len(keySet) {
		return false
	}
	for k := range tags {
		if _, ok := keySet[k]; !ok {
			return false
		}
	}
	return true
}
