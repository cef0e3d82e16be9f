// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package data_model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestLiteralOr(t *testing.T) {
	f, err := NewTagFilter("literal_or", "host", "a|b", false)
	require.NoError(t, err)
	require.True(t, f.Matches("a"))
	require.True(t, f.Matches("b"))
	require.False(t, f.Matches("c"))
	require.False(t, f.Matches("A"))
}

func TestILiteralOr(t *testing.T) {
	f, err := NewTagFilter("iliteral_or", "host", "Web01|WEB02", false)
	require.NoError(t, err)
	require.True(t, f.Matches("web01"))
	require.True(t, f.Matches("WEB01"))
	require.True(t, f.Matches("Web02"))
	require.False(t, f.Matches("web03"))
}

func TestNotLiteralOrIsNegation(t *testing.T) {
	rapid.Check(t, func(r *rapid.T) {
		values := rapid.SliceOfN(rapid.StringMatching(`[a-z]{1,5}`), 1, 5).Draw(r, "values")
		probe := rapid.StringMatching(`[a-z]{1,5}`).Draw(r, "probe")
		expr := strings.Join(values, "|")
		pos, err := NewTagFilter("literal_or", "k", expr, false)
		require.NoError(r, err)
		neg, err := NewTagFilter("not_literal_or", "k", expr, false)
		require.NoError(r, err)
		require.Equal(r, pos.Matches(probe), !neg.Matches(probe))
		ipos, err := NewTagFilter("iliteral_or", "k", expr, false)
		require.NoError(r, err)
		ineg, err := NewTagFilter("not_iliteral_or", "k", expr, false)
		require.NoError(r, err)
		require.Equal(r, ipos.Matches(probe), !ineg.Matches(probe))
	})
}

func TestWildcard(t *testing.T) {
	f, err := NewTagFilter("wildcard", "host", "web*", false)
	require.NoError(t, err)
	require.True(t, f.Matches("web01"))
	require.True(t, f.Matches("web"))
	require.False(t, f.Matches("WEB01"))
	require.False(t, f.Matches("db01"))

	f, err = NewTagFilter("iwildcard", "host", "web*", false)
	require.NoError(t, err)
	require.True(t, f.Matches("WEB01"))

	f, err = NewTagFilter("wildcard", "host", "*", false)
	require.NoError(t, err)
	require.True(t, f.Matches(""))
	require.True(t, f.Matches("anything"))

	_, err = NewTagFilter("wildcard", "host", "web01", false)
	require.Error(t, err)
}

func TestWildcardMiddle(t *testing.T) {
	f, err := NewTagFilter("wildcard", "host", "web*.example.com", false)
	require.NoError(t, err)
	require.True(t, f.Matches("web01.example.com"))
	require.False(t, f.Matches("web01.example.org"))
	require.False(t, f.Matches("web01-example-com"))
}

func TestRegexp(t *testing.T) {
	f, err := NewTagFilter("regexp", "host", "web[0-9]+", false)
	require.NoError(t, err)
	require.True(t, f.Matches("web1"))
	require.False(t, f.Matches("web"))
	require.False(t, f.Matches("xweb1x"), "regexp must be anchored")

	_, err = NewTagFilter("regexp", "host", "(", false)
	require.Error(t, err)
}

func TestParseTagFilterInference(t *testing.T) {
	f, err := ParseTagFilter("host", "a", true)
	require.NoError(t, err)
	require.Equal(t, FilterLiteralOr, f.Kind)
	require.True(t, f.GroupBy)

	f, err = ParseTagFilter("host", "a|b", false)
	require.NoError(t, err)
	require.Equal(t, FilterLiteralOr, f.Kind)
	require.True(t, f.Matches("b"))

	f, err = ParseTagFilter("host", "web*", false)
	require.NoError(t, err)
	require.Equal(t, FilterIWildcard, f.Kind)
	require.True(t, f.Matches("WEBx"))

	f, err = ParseTagFilter("host", "regexp(w.b)", false)
	require.NoError(t, err)
	require.Equal(t, FilterRegexp, f.Kind)
	require.True(t, f.Matches("web"))

	f, err = ParseTagFilter("host", "not_literal_or(a|b)", false)
	require.NoError(t, err)
	require.False(t, f.Matches("a"))
	require.True(t, f.Matches("c"))

	_, err = NewTagFilter("bogus", "host", "a", false)
	require.Error(t, err)
}
