// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package worker runs background tasks on a fixed interval. A task error
// or panic is logged and the loop keeps ticking, only context cancellation
// stops it.
package worker

import (
	"context"
	"log"
	"runtime/debug"
	"time"

	"github.com/benbjohnson/clock"
	"pgregory.net/rand"
)

// Task is one worker cycle. The passed context carries the per-cycle
// timeout and is canceled on shutdown.
type Task func(ctx context.Context) error

// Options configures a periodic loop.
type Options struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration // per-cycle, 0 disables
	Jitter   float64       // multiplicative spread of the first tick, e.g. 0.2
}

// RunPeriodic blocks until ctx is canceled, running task every Interval.
// The first tick is jittered so restarted replicas do not align their
// database load.
func RunPeriodic(ctx context.Context, opts Options, task Task) {
	runPeriodic(ctx, clock.New(), opts, task)
}

func runPeriodic(ctx context.Context, clk clock.Clock, opts Options, task Task) {
	delay := opts.Interval
	if opts.Jitter > 0 {
		spread := 1 + opts.Jitter*(2*rand.Float64()-1)
		delay = time.Duration(float64(delay) * spread)
	}
	timer := clk.Timer(delay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		started := clk.Now()
		runCycle(ctx, opts, task)
		elapsed := clk.Now().Sub(started)
		if opts.Timeout > 0 && elapsed > opts.Timeout {
			log.Printf("[warning] %s cycle took %v, exceeding its %v timeout", opts.Name, elapsed, opts.Timeout)
		} else if elapsed > opts.Interval {
			log.Printf("[warning] %s cycle took %v, longer than its %v interval", opts.Name, elapsed, opts.Interval)
		}
		timer.Reset(opts.Interval)
	}
}

func runCycle(ctx context.Context, opts Options, task Task) {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("[error] %s cycle panic: %v\n%s", opts.Name, p, debug.Stack())
		}
	}()
	cctx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	if err := task(cctx); err != nil {
		log.Printf("[error] %s cycle failed: %v", opts.Name, err)
	}
}
