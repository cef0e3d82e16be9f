// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package data_model

import (
	"fmt"
	"regexp"
	"strings"
)

// FilterKind enumerates the OpenTSDB tag filter types.
type FilterKind int

const (
	FilterLiteralOr FilterKind = iota
	FilterILiteralOr
	FilterNotLiteralOr
	FilterNotILiteralOr
	FilterWildcard
	FilterIWildcard
	FilterRegexp
)

var filterKindNames = map[string]FilterKind{
	"literal_or":      FilterLiteralOr,
	"iliteral_or":     FilterILiteralOr,
	"not_literal_or":  FilterNotLiteralOr,
	"not_iliteral_or": FilterNotILiteralOr,
	"wildcard":        FilterWildcard,
	"iwildcard":       FilterIWildcard,
	"regexp":          FilterRegexp,
}

func (k FilterKind) String() string {
	for name, kind := range filterKindNames {
		if kind == k {
			return name
		}
	}
	return fmt.Sprintf("filter(%d)", int(k))
}

// TagFilter is a compiled predicate over the values of one tag key.
// GroupBy additionally declares the key as a grouping axis for the
// query pipeline.
type TagFilter struct {
	Kind    FilterKind
	TagKey  string
	Expr    string
	GroupBy bool

	values map[string]struct{} // literal_or family, lowercased for the i-variants
	re     *regexp.Regexp      // wildcard and regexp family
}

// NewTagFilter compiles a filter of an explicitly named kind, as sent in the
// "filters" array of a query ({"type": "wildcard", "filter": "web*"}).
func NewTagFilter(kind, tagKey, expr string, groupBy bool) (*TagFilter, error) {
	k, ok := filterKindNames[kind]
	if !ok {
		return nil, fmt.Errorf("unknown filter type %q", kind)
	}
	return compileFilter(k, tagKey, expr, groupBy)
}

// ParseTagFilter compiles a filter from the value side of an inline tag or a
// lookup pair. Long forms like "wildcard(web*)" name the kind explicitly.
// A bare value containing '*' is a case-insensitive wildcard, any other bare
// value is a literal_or, both for OpenTSDB parity.
func ParseTagFilter(tagKey, expr string, groupBy bool) (*TagFilter, error) {
	if open := strings.IndexByte(expr, '('); open > 0 && strings.HasSuffix(expr, ")") {
		if k, ok := filterKindNames[expr[:open]]; ok {
			return compileFilter(k, tagKey, expr[open+1:len(expr)-1], groupBy)
		}
	}
	if strings.ContainsRune(expr, '*') {
		return compileFilter(FilterIWildcard, tagKey, expr, groupBy)
	}
	return compileFilter(FilterLiteralOr, tagKey, expr, groupBy)
}

func compileFilter(kind FilterKind, tagKey, expr string, groupBy bool) (*TagFilter, error) {
	f := &TagFilter{Kind: kind, TagKey: tagKey, Expr: expr, GroupBy: groupBy}
	switch kind {
	case FilterLiteralOr, FilterNotLiteralOr:
		f.values = literalSet(expr, false)
	case FilterILiteralOr, FilterNotILiteralOr:
		f.values = literalSet(expr, true)
	case FilterWildcard, FilterIWildcard:
		if !strings.ContainsRune(expr, '*') {
			return nil, fmt.Errorf("wildcard filter %q contains no wildcard", expr)
		}
		re, err := regexp.Compile(wildcardToRegexp(expr, kind == FilterIWildcard))
		if err != nil {
			return nil, fmt.Errorf("compile wildcard %q: %w", expr, err)
		}
		f.re = re
	case FilterRegexp:
		re, err := regexp.Compile("^(?:" + expr + ")$")
		if err != nil {
			return nil, fmt.Errorf("compile regexp %q: %w", expr, err)
		}
		f.re = re
	default:
		return nil, fmt.Errorf("unknown filter kind %d", int(kind))
	}
	return f, nil
}

func literalSet(expr string, fold bool) map[string]struct{} {
	set := make(map[string]struct{})
	for _, v := range strings.Split(expr, "|") {
		if fold {
			v = strings.ToLower(v)
		}
		set[v] = struct{}{}
	}
	return set
}

func wildcardToRegexp(expr string, fold bool) string {
	var sb strings.Builder
	if fold {
		sb.WriteString("(?i)")
	}
	sb.WriteString("^")
	for i, part := range strings.Split(expr, "*") {
		if i > 0 {
			sb.WriteString(".*")
		}
		sb.WriteString(regexp.QuoteMeta(part))
	}
	sb.WriteString("$")
	return sb.String()
}

// Matches reports whether the filter accepts the given tag value.
func (f *TagFilter) Matches(value string) bool {
	switch f.Kind {
	case FilterLiteralOr:
		_, ok := f.values[value]
		return ok
	case FilterILiteralOr:
		_, ok := f.values[strings.ToLower(value)]
		return ok
	case FilterNotLiteralOr:
		_, ok := f.values[value]
		return !ok
	case FilterNotILiteralOr:
		_, ok := f.values[strings.ToLower(value)]
		return !ok
	default:
		return f.re.MatchString(value)
	}
}

// IsLiteralOr reports whether the filter is a plain (case-sensitive,
// non-negated) literal set, the one kind the tagset resolver can evaluate
// by direct index lookup instead of scanning values.
func (f *TagFilter) IsLiteralOr() bool { return f.Kind == FilterLiteralOr }

// LiteralValues returns the literal value set for the literal_or family,
// nil otherwise.
func (f *TagFilter) LiteralValues() []string {
	if f.values == nil {
		return nil
	}
	out := make([]string, 0, len(f.values))
	for v := range f.values {
		out = append(out, v)
	}
	return out
}
