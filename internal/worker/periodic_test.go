// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestRunPeriodicTicksAndStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var ticks atomic.Int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		RunPeriodic(ctx, Options{Name: "test", Interval: 5 * time.Millisecond}, func(context.Context) error {
			ticks.Inc()
			return nil
		})
	}()
	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop on cancellation")
	}
}

func TestRunPeriodicSurvivesErrorsAndPanics(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var ticks atomic.Int64
	go RunPeriodic(ctx, Options{Name: "test", Interval: 5 * time.Millisecond}, func(context.Context) error {
		n := ticks.Inc()
		if n == 1 {
			return errors.New("boom")
		}
		if n == 2 {
			panic("bang")
		}
		return nil
	})
	require.Eventually(t, func() bool { return ticks.Load() >= 4 }, time.Second, time.Millisecond)
}

func TestRunPeriodicAppliesTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sawDeadline := make(chan struct{})
	var once atomic.Bool
	go RunPeriodic(ctx, Options{Name: "test", Interval: 5 * time.Millisecond, Timeout: time.Millisecond}, func(tctx context.Context) error {
		if _, ok := tctx.Deadline(); ok && once.CompareAndSwap(false, true) {
			close(sawDeadline)
		}
		return nil
	})
	select {
	case <-sawDeadline:
	case <-time.After(time.Second):
		t.Fatal("cycle context carried no deadline")
	}
}

func TestRunPeriodicJitteredFirstTick(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	started := time.Now()
	ran := make(chan struct{})
	var once atomic.Bool
	go RunPeriodic(ctx, Options{Name: "test", Interval: 20 * time.Millisecond, Jitter: 0.2}, func(context.Context) error {
		if once.CompareAndSwap(false, true) {
			close(ran)
		}
		return nil
	})
	select {
	case <-ran:
		elapsed := time.Since(started)
		require.GreaterOrEqual(t, elapsed, 10*time.Millisecond, "first tick within the jitter window")
	case <-time.After(time.Second):
		t.Fatal("first tick never fired")
	}
}
