// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package query

import (
	"fmt"
	"sort"
)

// Aggregator is a streaming fold over the values of one bucket. Absent
// (null) inputs are simply never added, so every aggregator trivially
// ignores them, count included. Result reports ok=false when nothing was
// added, the pipeline renders that as a null datapoint.
type Aggregator interface {
	Add(v float64)
	Result() (float64, bool)
}

// NewAggregatorFactory returns a constructor for the named aggregator.
// "mean" is accepted as an alias of "avg".
func NewAggregatorFactory(name string) (func() Aggregator, error) {
	switch name {
	case "avg", "mean":
		return func() Aggregator { return &meanAgg{} }, nil
	case "sum":
		return func() Aggregator { return &sumAgg{} }, nil
	case "count":
		return func() Aggregator { return &countAgg{} }, nil
	case "min":
		return func() Aggregator { return &minAgg{} }, nil
	case "max":
		return func() Aggregator { return &maxAgg{} }, nil
	case "first":
		return func() Aggregator { return &firstAgg{} }, nil
	case "last":
		return func() Aggregator { return &lastAgg{} }, nil
	case "median":
		return func() Aggregator { return &medianAgg{} }, nil
	}
	return nil, fmt.Errorf("unknown aggregator %q", name)
}

// IsAggregatorName reports whether name is a known aggregator or "none".
func IsAggregatorName(name string) bool {
	if name == "none" {
		return true
	}
	_, err := NewAggregatorFactory(name)
	return err == nil
}

type meanAgg struct {
	sum float64
	n   int64
}

func (a *meanAgg) Add(v float64) { a.sum += v; a.n++ }
func (a *meanAgg) Result() (float64, bool) {
	if a.n == 0 {
		return 0, false
	}
	return a.sum / float64(a.n), true
}

type sumAgg struct {
	sum float64
	n   int64
}

func (a *sumAgg) Add(v float64) { a.sum += v; a.n++ }
func (a *sumAgg) Result() (float64, bool) {
	if a.n == 0 {
		return 0, false
	}
	return a.sum, true
}

type countAgg struct {
	n int64
}

func (a *countAgg) Add(float64) { a.n++ }
func (a *countAgg) Result() (float64, bool) {
	if a.n == 0 {
		return 0, false
	}
	return float64(a.n), true
}

type minAgg struct {
	min float64
	n   int64
}

func (a *minAgg) Add(v float64) {
	if a.n == 0 || v < a.min {
		a.min = v
	}
	a.n++
}
func (a *minAgg) Result() (float64, bool) {
	if a.n == 0 {
		return 0, false
	}
	return a.min, true
}

type maxAgg struct {
	max float64
	n   int64
}

func (a *maxAgg) Add(v float64) {
	if a.n == 0 || v > a.max {
		a.max = v
	}
	a.n++
}
func (a *maxAgg) Result() (float64, bool) {
	if a.n == 0 {
		return 0, false
	}
	return a.max, true
}

// firstAgg and lastAgg rely on the pipeline feeding values in time order
// within a bucket.
type firstAgg struct {
	v   float64
	set bool
}

func (a *firstAgg) Add(v float64) {
	if !a.set {
		a.v = v
		a.set = true
	}
}
func (a *firstAgg) Result() (float64, bool) { return a.v, a.set }

type lastAgg struct {
	v   float64
	set bool
}

func (a *lastAgg) Add(v float64)           { a.v = v; a.set = true }
func (a *lastAgg) Result() (float64, bool) { return a.v, a.set }

// medianAgg buffers values and sorts once, on the first Result read.
type medianAgg struct {
	buf    []float64
	sorted bool
}

func (a *medianAgg) Add(v float64) {
	a.buf = append(a.buf, v)
	a.sorted = false
}

func (a *medianAgg) Result() (float64, bool) {
	if len(a.buf) == 0 {
		return 0, false
	}
	if !a.sorted {
		sort.Float64s(a.buf)
		a.sorted = true
	}
	n := len(a.buf)
	if n%2 == 1 {
		return a.buf[n/2], true
	}
	return (a.buf[n/2-1] + a.buf[n/2]) / 2, true
}
