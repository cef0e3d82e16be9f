// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package data_model

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestTagsetKeyEquality(t *testing.T) {
	rapid.Check(t, func(r *rapid.T) {
		tags := rapid.MapOfN(rapid.StringMatching(`[a-z]{1,4}`), rapid.StringMatching(`[a-z0-9]{1,4}`), 1, 6).Draw(r, "tags")
		a := Tags(tags)
		b := make(Tags, len(a))
		for k, v := range a {
			b[k] = v
		}
		ka, err := MakeTagsetKey(a)
		require.NoError(r, err)
		kb, err := MakeTagsetKey(b)
		require.NoError(r, err)
		require.Equal(r, ka, kb)
		require.Equal(r, ka.Hash(), kb.Hash())
	})
}

func TestCanonicalJSONRoundTrip(t *testing.T) {
	tags := Tags{"host": "a", "dc": "east"}
	canon, err := tags.CanonicalJSON()
	require.NoError(t, err)
	require.Equal(t, `{"dc":"east","host":"a"}`, canon)

	decoded, err := DecodeTags([]byte(canon))
	require.NoError(t, err)
	require.True(t, tags.Equal(decoded))
}

func TestDecodeTagsInvalid(t *testing.T) {
	_, err := DecodeTags([]byte(`{`))
	require.Error(t, err)
}

func TestSortedPairs(t *testing.T) {
	tags := Tags{"b": "2", "a": "1", "c": "3"}
	pairs := tags.SortedPairs()
	require.Equal(t, []TagPair{{"a", "1"}, {"b", "2"}, {"c", "3"}}, pairs)
	require.Equal(t, []string{"a", "b", "c"}, tags.Keys())
}

func TestTagsEqual(t *testing.T) {
	require.True(t, Tags{"a": "1"}.Equal(Tags{"a": "1"}))
	require.False(t, Tags{"a": "1"}.Equal(Tags{"a": "2"}))
	require.False(t, Tags{"a": "1"}.Equal(Tags{"a": "1", "b": "2"}))
}
