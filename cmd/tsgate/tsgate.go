// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudflare/tableflip"
	"github.com/gorilla/handlers"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/tsgate/tsgate/internal/api"
	"github.com/tsgate/tsgate/internal/housekeeping"
	"github.com/tsgate/tsgate/internal/ingest"
	"github.com/tsgate/tsgate/internal/pg"
	"github.com/tsgate/tsgate/internal/query"
	"github.com/tsgate/tsgate/internal/tscache"
	"github.com/tsgate/tsgate/internal/worker"
)

const (
	shutdownTimeout = 30 * time.Second
	upgradeTimeout  = 60 * time.Second

	httpReadHeaderTimeout = 10 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 5 * time.Minute
)

// version is stamped by the linker.
var version = "devel"

var argv struct {
	listenHTTPAddr string
	pidFile        string
	accessLog      bool
	slow           time.Duration
	help           bool
	version        bool
}

func parseCommandLine() {
	pflag.StringVar(&argv.listenHTTPAddr, "http-addr", ":4242", "HTTP listen address")
	pflag.StringVar(&argv.pidFile, "pid-file", "", "path to PID file for zero-downtime upgrades")
	pflag.BoolVar(&argv.accessLog, "access-log", false, "write an access log to stdout")
	pflag.DurationVar(&argv.slow, "slow", 0, "log queries slower than this duration, 0 disables")
	pflag.BoolVarP(&argv.help, "help", "h", false, "print usage and exit")
	pflag.BoolVar(&argv.version, "version", false, "print version and exit")
	pflag.Parse()
}

func main() {
	log.SetPrefix("[tsgate] ")
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lmsgprefix)
	os.Exit(run())
}

func run() int {
	parseCommandLine()
	if argv.help {
		pflag.Usage()
		return 0
	}
	if argv.version {
		log.Println(version)
		return 0
	}

	cfg, err := api.LoadConfigFromEnv()
	if err != nil {
		log.Printf("failed to load configuration: %v", err)
		return 1
	}
	if err := cfg.ValidateConfig(); err != nil {
		log.Printf("invalid configuration: %v", err)
		return 1
	}

	tf, err := tableflip.New(tableflip.Options{
		PIDFile:        argv.pidFile,
		UpgradeTimeout: upgradeTimeout,
	})
	if err != nil {
		log.Printf("failed to init tableflip: %v", err)
		return 1
	}
	defer tf.Stop()

	go func() {
		ch := make(chan os.Signal, 3)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		for sig := range ch {
			switch sig {
			case syscall.SIGINT, syscall.SIGTERM:
				log.Printf("got %v, exiting...", sig)
				tf.Stop()
				return
			case syscall.SIGHUP:
				log.Println("got SIGHUP, upgrading...")
				if err := tf.Upgrade(); err != nil {
					log.Printf("[error] upgrade failed: %v", err)
				}
			}
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pg.NewPool(ctx, cfg.DB)
	if err != nil {
		log.Printf("failed to connect to timescale: %v", err)
		return 1
	}
	defer pool.Close()

	tsc := tscache.New(pool)
	func() {
		rctx, rcancel := context.WithTimeout(ctx, cfg.TagsetCacheUpdateTimeout)
		defer rcancel()
		if err := tsc.Refresh(rctx); err != nil {
			log.Printf("[warning] initial tagset cache refresh failed, starting degraded: %v", err)
		}
	}()

	inserter := ingest.New(pool, cfg.InsertMetricCacheSize, cfg.InsertTagsetCacheSize, cfg.CacheEntryTTL())
	engine := query.NewEngine(pool, tsc)
	keeper := housekeeping.New(pool, tsc, cfg.DataRetention)
	handler := api.NewHandler(cfg, inserter, engine, tsc, api.HandlerOptions{
		Version: version,
		Slow:    argv.slow,
	})

	ln, err := tf.Listen("tcp", argv.listenHTTPAddr)
	if err != nil {
		log.Printf("failed to listen on %q: %v", argv.listenHTTPAddr, err)
		return 1
	}
	var httpHandler http.Handler = handler.Routes()
	if argv.accessLog {
		httpHandler = handlers.CombinedLoggingHandler(os.Stdout, httpHandler)
	}
	srv := &http.Server{
		Handler:           httpHandler,
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		worker.RunPeriodic(gctx, worker.Options{
			Name:     "tagset-cache-refresh",
			Interval: cfg.TagsetCacheUpdateInterval,
			Timeout:  cfg.TagsetCacheUpdateTimeout,
			Jitter:   0.1,
		}, tsc.Refresh)
		return nil
	})
	g.Go(func() error {
		worker.RunPeriodic(gctx, worker.Options{
			Name:     "housekeeping",
			Interval: cfg.HousekeepingInterval,
			Timeout:  cfg.HousekeepingTimeout,
			Jitter:   0.2,
		}, keeper.RunOnce)
		return nil
	})
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	if err := tf.Ready(); err != nil {
		log.Printf("failed to signal readiness: %v", err)
		return 1
	}
	log.Printf("listening on %q, version %s", argv.listenHTTPAddr, version)
	<-tf.Exit()

	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Printf("[warning] HTTP shutdown incomplete: %v", err)
	}
	cancel()
	if err := g.Wait(); err != nil {
		log.Printf("[error] %v", err)
		return 1
	}
	return 0
}
