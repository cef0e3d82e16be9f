// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package query

import "math"

// RateOptions mirrors the OpenTSDB rateOptions wire object.
type RateOptions struct {
	Counter    bool    `json:"counter"`
	CounterMax float64 `json:"counterMax"`
	DropResets bool    `json:"dropResets"`
}

// RateConverter turns a time-ordered value sequence of one series into
// first differences per second. The query window is widened by an hour
// upstream so the first in-range point has a predecessor, emission is gated
// at queryStart to cut the widening back off.
type RateConverter struct {
	opts       RateOptions
	queryStart float64 // unix seconds

	hasPrev bool
	prevT   float64
	prevV   float64
}

func NewRateConverter(opts RateOptions, queryStart float64) *RateConverter {
	if opts.Counter && opts.CounterMax == 0 {
		opts.CounterMax = math.MaxInt64
	}
	return &RateConverter{opts: opts, queryStart: queryStart}
}

// Reset clears the predecessor. Must be called at every series boundary.
func (r *RateConverter) Reset() {
	r.hasPrev = false
}

// TryCalc feeds the next point (t in unix seconds) and returns the rate to
// emit, if any.
func (r *RateConverter) TryCalc(t, v float64) (float64, bool) {
	if !r.hasPrev {
		r.hasPrev = true
		r.prevT, r.prevV = t, v
		return 0, false
	}
	dt := t - r.prevT
	if dt <= 0 {
		r.prevT, r.prevV = t, v
		return 0, false
	}
	prevV := r.prevV
	r.prevT, r.prevV = t, v

	emit := t >= r.queryStart
	if r.opts.Counter && v < prevV {
		if r.opts.DropResets {
			return 0, false
		}
		return (r.opts.CounterMax - prevV + v) / dt, emit
	}
	return (v - prevV) / dt, emit
}
