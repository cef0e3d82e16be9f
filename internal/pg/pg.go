// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package pg owns the TimescaleDB connection pool. Long-lived components
// hold the pool, never a connection, a connection is checked out per
// operation and returned on every exit path by the pgx machinery.
package pg

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	dialTimeout = 5 * time.Second
	maxConns    = 16
)

// Querier is the subset of pgxpool.Pool the rest of the system depends on.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Config is the TIMESCALE_* connection contract.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
}

func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("timescale host is empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("timescale port %d out of range", c.Port)
	}
	if c.DBName == "" {
		return fmt.Errorf("timescale dbname is empty")
	}
	return nil
}

// DSN renders the pool connection string.
func (c Config) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.DBName,
	}
	q := u.Query()
	q.Set("connect_timeout", fmt.Sprintf("%d", int(dialTimeout.Seconds())))
	u.RawQuery = q.Encode()
	return u.String()
}

// NewPool connects and pings the database.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pc, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	pc.MaxConns = maxConns
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.DBName, err)
	}
	return pool, nil
}
