// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package data_model

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Tags is the decoded form of a tagset: unordered string key/value pairs.
// Instances stored in the tagset cache are shared between goroutines and
// must never be mutated after publication.
type Tags map[string]string

// TagPair is a single key/value pair in canonical (sorted) order.
type TagPair struct {
	Key   string
	Value string
}

// SortedPairs returns the tags as a slice sorted by key.
func (t Tags) SortedPairs() []TagPair {
	pairs := make([]TagPair, 0, len(t))
	for k, v := range t {
		pairs = append(pairs, TagPair{Key: k, Value: v})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Key < pairs[j].Key })
	return pairs
}

// CanonicalJSON is the unique JSON form of the tagset, with keys sorted.
// It must match the form the database considers unique, encoding/json
// writes map keys in sorted order which is exactly that.
func (t Tags) CanonicalJSON() (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("marshal tagset: %w", err)
	}
	return string(b), nil
}

// Keys returns the sorted key set.
func (t Tags) Keys() []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Equal reports whether two tagsets have identical content.
func (t Tags) Equal(other Tags) bool {
	if len(t) != len(other) {
		return false
	}
	for k, v := range t {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// TagsetKey is the interned cache key of a tagset: the canonical JSON plus
// a precomputed hash. It is a comparable value, two keys built from equal
// tagsets compare equal regardless of insertion order.
type TagsetKey struct {
	canon string
	hash  uint64
}

// MakeTagsetKey builds the cache key for a tagset.
func MakeTagsetKey(t Tags) (TagsetKey, error) {
	canon, err := t.CanonicalJSON()
	if err != nil {
		return TagsetKey{}, err
	}
	return TagsetKey{canon: canon, hash: xxhash.Sum64String(canon)}, nil
}

// Canonical returns the canonical JSON the key was built from.
func (k TagsetKey) Canonical() string { return k.canon }

// Hash returns the precomputed xxhash of the canonical form.
func (k TagsetKey) Hash() uint64 { return k.hash }

// DecodeTags parses the jsonb column value into Tags.
func DecodeTags(raw []byte) (Tags, error) {
	var t Tags
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode tagset json: %w", err)
	}
	return t, nil
}
