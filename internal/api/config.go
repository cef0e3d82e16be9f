// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package api

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/tsgate/tsgate/internal/pg"
)

const (
	defaultRetentionDays         = 30
	defaultTagsetUpdateInterval  = 30 * time.Second
	defaultTagsetUpdateTimeout   = 15 * time.Second
	defaultHousekeepingInterval  = time.Hour
	defaultHousekeepingTimeout   = 10 * time.Minute
	defaultInsertMetricCacheSize = 65536
	defaultInsertTagsetCacheSize = 2097152
)

// Config is the runtime configuration, loaded from the environment. No
// command-line flag overrides any of its fields.
type Config struct {
	DB pg.Config

	DataRetention             time.Duration
	TagsetCacheUpdateInterval time.Duration
	TagsetCacheUpdateTimeout  time.Duration
	HousekeepingInterval      time.Duration
	HousekeepingTimeout       time.Duration
	InsertMetricCacheSize     int
	InsertTagsetCacheSize     int
}

// CacheEntryTTL bounds how long an ingest cache entry may be trusted.
// Half the retention period guarantees a cached id cannot outlive its row.
func (c *Config) CacheEntryTTL() time.Duration {
	return c.DataRetention / 2
}

func (c *Config) ValidateConfig() error {
	if err := c.DB.Validate(); err != nil {
		return err
	}
	if c.DataRetention <= 0 {
		return fmt.Errorf("data retention must be positive, got %v", c.DataRetention)
	}
	if c.TagsetCacheUpdateInterval <= 0 {
		return fmt.Errorf("tagset cache update interval must be positive, got %v", c.TagsetCacheUpdateInterval)
	}
	if c.HousekeepingInterval <= 0 {
		return fmt.Errorf("housekeeping interval must be positive, got %v", c.HousekeepingInterval)
	}
	if c.InsertMetricCacheSize <= 0 || c.InsertTagsetCacheSize <= 0 {
		return fmt.Errorf("insert cache sizes must be positive")
	}
	return nil
}

// LoadConfigFromEnv reads the TIMESCALE_* contract plus tuning knobs.
// Unset variables fall back to defaults, malformed ones are an error.
func LoadConfigFromEnv() (Config, error) {
	c := Config{
		DB: pg.Config{
			Host:     envString("TIMESCALE_HOST", "localhost"),
			User:     envString("TIMESCALE_USER", "postgres"),
			Password: envString("TIMESCALE_PASSWORD", ""),
			DBName:   envString("TIMESCALE_DBNAME", "postgres"),
		},
	}
	var err error
	if c.DB.Port, err = envInt("TIMESCALE_PORT", 5432); err != nil {
		return c, err
	}
	retentionDays, err := envInt("DATA_RETENTION_DAYS", defaultRetentionDays)
	if err != nil {
		return c, err
	}
	c.DataRetention = time.Duration(retentionDays) * 24 * time.Hour
	if c.TagsetCacheUpdateInterval, err = envSeconds("TAGSET_CACHE_UPDATE_INTERVAL_SECONDS", defaultTagsetUpdateInterval); err != nil {
		return c, err
	}
	if c.TagsetCacheUpdateTimeout, err = envSeconds("TAGSET_CACHE_UPDATE_TIMEOUT_SECONDS", defaultTagsetUpdateTimeout); err != nil {
		return c, err
	}
	if c.HousekeepingInterval, err = envSeconds("HOUSEKEEPING_INTERVAL_SECONDS", defaultHousekeepingInterval); err != nil {
		return c, err
	}
	if c.HousekeepingTimeout, err = envSeconds("HOUSEKEEPING_TIMEOUT_SECONDS", defaultHousekeepingTimeout); err != nil {
		return c, err
	}
	if c.InsertMetricCacheSize, err = envInt("INSERT_METRIC_CACHE_SIZE", defaultInsertMetricCacheSize); err != nil {
		return c, err
	}
	if c.InsertTagsetCacheSize, err = envInt("INSERT_TAGSET_CACHE_SIZE", defaultInsertTagsetCacheSize); err != nil {
		return c, err
	}
	return c, nil
}

func envString(name, def string) string {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) (int, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not an integer: %w", name, v, err)
	}
	return n, nil
}

func envSeconds(name string, def time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s=%q is not a non-negative number of seconds", name, v)
	}
	return time.Duration(n) * time.Second, nil
}
