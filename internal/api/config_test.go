// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromEnvDefaults(t *testing.T) {
	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)
	require.Equal(t, "localhost", cfg.DB.Host)
	require.Equal(t, 5432, cfg.DB.Port)
	require.Equal(t, 30*24*time.Hour, cfg.DataRetention)
	require.Equal(t, 30*time.Second, cfg.TagsetCacheUpdateInterval)
	require.Equal(t, time.Hour, cfg.HousekeepingInterval)
	require.Equal(t, 65536, cfg.InsertMetricCacheSize)
	require.Equal(t, 2097152, cfg.InsertTagsetCacheSize)
	require.NoError(t, cfg.ValidateConfig())
}

func TestLoadConfigFromEnvOverrides(t *testing.T) {
	t.Setenv("TIMESCALE_HOST", "db.internal")
	t.Setenv("TIMESCALE_PORT", "6432")
	t.Setenv("TIMESCALE_DBNAME", "tsdb")
	t.Setenv("DATA_RETENTION_DAYS", "7")
	t.Setenv("TAGSET_CACHE_UPDATE_INTERVAL_SECONDS", "10")
	t.Setenv("INSERT_METRIC_CACHE_SIZE", "1024")

	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)
	require.Equal(t, "db.internal", cfg.DB.Host)
	require.Equal(t, 6432, cfg.DB.Port)
	require.Equal(t, "tsdb", cfg.DB.DBName)
	require.Equal(t, 7*24*time.Hour, cfg.DataRetention)
	require.Equal(t, 10*time.Second, cfg.TagsetCacheUpdateInterval)
	require.Equal(t, 1024, cfg.InsertMetricCacheSize)
	require.Equal(t, 84*time.Hour, cfg.CacheEntryTTL(), "ttl is half the retention")
}

func TestLoadConfigFromEnvMalformed(t *testing.T) {
	t.Setenv("TIMESCALE_PORT", "not-a-port")
	_, err := LoadConfigFromEnv()
	require.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)

	bad := cfg
	bad.DataRetention = 0
	require.Error(t, bad.ValidateConfig())

	bad = cfg
	bad.DB.Port = 0
	require.Error(t, bad.ValidateConfig())

	bad = cfg
	bad.InsertTagsetCacheSize = 0
	require.Error(t, bad.ValidateConfig())
}
