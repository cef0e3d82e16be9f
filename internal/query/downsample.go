// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package query

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FillPolicy names what a downsample emits for an empty bucket.
type FillPolicy int

const (
	FillNone FillPolicy = iota // bucket omitted
	FillNaN
	FillNull
	FillZero
)

var fillPolicyNames = map[string]FillPolicy{
	"none": FillNone,
	"nan":  FillNaN,
	"null": FillNull,
	"zero": FillZero,
}

// Downsample describes per-series time-bucket pre-aggregation.
// All set means the "0all" sentinel: one bucket per series spanning the
// whole query range, stamped with the range start.
type Downsample struct {
	Bucket time.Duration
	All    bool
	Fn     string
	Fill   FillPolicy
}

// ParseDownsample decodes the wire form "<quantity><unit>-<agg>[-<fill>]",
// e.g. "1m-sum-zero" or "0all-avg".
func ParseDownsample(s string) (*Downsample, error) {
	parts := strings.Split(s, "-")
	if len(parts) < 2 || len(parts) > 3 {
		return nil, fmt.Errorf("invalid downsample %q", s)
	}
	d := &Downsample{}
	if strings.HasSuffix(parts[0], "all") {
		d.All = true
	} else {
		bucket, err := ParseShortDuration(parts[0])
		if err != nil {
			return nil, fmt.Errorf("invalid downsample %q: %w", s, err)
		}
		if bucket <= 0 {
			return nil, fmt.Errorf("invalid downsample %q: zero bucket", s)
		}
		d.Bucket = bucket
	}
	if _, err := NewAggregatorFactory(parts[1]); err != nil {
		return nil, fmt.Errorf("invalid downsample %q: %w", s, err)
	}
	d.Fn = parts[1]
	if len(parts) == 3 {
		fill, ok := fillPolicyNames[parts[2]]
		if !ok {
			return nil, fmt.Errorf("invalid downsample %q: unknown fill policy %q", s, parts[2])
		}
		d.Fill = fill
	}
	return d, nil
}

// aggExpr returns the SQL aggregation expression for the downsample
// function. Function names here come from the closed table below, never
// from user input directly.
func aggExpr(fn string) (string, error) {
	switch fn {
	case "count":
		return `count(1)::float8`, nil
	case "first":
		return `first(value, "time")`, nil
	case "last":
		return `last(value, "time")`, nil
	case "min", "max", "sum":
		return fn + `(value)`, nil
	case "avg", "mean":
		return `avg(value)`, nil
	case "median":
		return `percentile_cont(0.5) within group (order by value)`, nil
	}
	return "", fmt.Errorf("no SQL aggregation for %q", fn)
}

var shortDurationUnits = map[string]time.Duration{
	"ms": time.Millisecond,
	"s":  time.Second,
	"m":  time.Minute,
	"h":  time.Hour,
	"d":  24 * time.Hour,
	"w":  7 * 24 * time.Hour,
	"n":  30 * 24 * time.Hour,
	"y":  365 * 24 * time.Hour,
}

// ParseShortDuration decodes OpenTSDB's relative duration syntax, e.g.
// "30s", "1m", "2w". Fractional quantities are accepted ("1.5h").
func ParseShortDuration(s string) (time.Duration, error) {
	i := 0
	for i < len(s) && (s[i] >= '0' && s[i] <= '9' || s[i] == '.') {
		i++
	}
	if i == 0 {
		return 0, fmt.Errorf("duration %q has no quantity", s)
	}
	unit, ok := shortDurationUnits[s[i:]]
	if !ok {
		return 0, fmt.Errorf("duration %q has unknown unit %q", s, s[i:])
	}
	q, err := strconv.ParseFloat(s[:i], 64)
	if err != nil {
		return 0, fmt.Errorf("duration %q: %w", s, err)
	}
	return time.Duration(q * float64(unit)), nil
}
