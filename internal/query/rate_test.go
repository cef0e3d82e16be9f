// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package query

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRatePlain(t *testing.T) {
	rc := NewRateConverter(RateOptions{}, 100)
	_, ok := rc.TryCalc(95, 10) // predecessor before the window
	require.False(t, ok)
	rate, ok := rc.TryCalc(105, 30)
	require.True(t, ok)
	require.Equal(t, 2.0, rate)
}

func TestRateGateAtQueryStart(t *testing.T) {
	rc := NewRateConverter(RateOptions{}, 100)
	_, ok := rc.TryCalc(90, 1)
	require.False(t, ok)
	_, ok = rc.TryCalc(95, 2) // both points before the window
	require.False(t, ok)
	rate, ok := rc.TryCalc(100, 4)
	require.True(t, ok, "point exactly at the window start is emitted")
	require.Equal(t, 0.4, rate)
}

func TestRateCounterRollover(t *testing.T) {
	rc := NewRateConverter(RateOptions{Counter: true, CounterMax: 15}, 0)
	_, ok := rc.TryCalc(0, 10)
	require.False(t, ok)
	rate, ok := rc.TryCalc(10, 2)
	require.True(t, ok)
	require.Equal(t, (15.0-10+2)/10, rate)
}

func TestRateCounterDropResets(t *testing.T) {
	rc := NewRateConverter(RateOptions{Counter: true, CounterMax: 15, DropResets: true}, 0)
	_, ok := rc.TryCalc(0, 10)
	require.False(t, ok)
	_, ok = rc.TryCalc(10, 2)
	require.False(t, ok, "reset dropped")
	rate, ok := rc.TryCalc(20, 6)
	require.True(t, ok, "the reset point still becomes the predecessor")
	require.Equal(t, 0.4, rate)
}

// values [100,150,20,60] at 1-minute intervals, counterMax=200 -> rates
// [50/60, 70/60, 40/60].
func TestRateCounterSequence(t *testing.T) {
	rc := NewRateConverter(RateOptions{Counter: true, CounterMax: 200}, 0)
	values := []float64{100, 150, 20, 60}
	var rates []float64
	for i, v := range values {
		if rate, ok := rc.TryCalc(float64(i*60), v); ok {
			rates = append(rates, rate)
		}
	}
	require.Equal(t, []float64{50.0 / 60, 70.0 / 60, 40.0 / 60}, rates)
}

func TestRateReset(t *testing.T) {
	rc := NewRateConverter(RateOptions{}, 0)
	_, _ = rc.TryCalc(0, 1)
	rc.Reset()
	_, ok := rc.TryCalc(10, 2)
	require.False(t, ok, "no predecessor after a series boundary")
}

func TestRateNonAdvancingTime(t *testing.T) {
	rc := NewRateConverter(RateOptions{}, 0)
	_, _ = rc.TryCalc(10, 1)
	_, ok := rc.TryCalc(10, 2)
	require.False(t, ok)
	rate, ok := rc.TryCalc(20, 4)
	require.True(t, ok)
	require.Equal(t, 0.2, rate)
}
