// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianCoverage/services/coverage/provider"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "covproj.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, provider.InterfaceVersion, cfg.Interface.Required)
	assert.Equal(t, "badger", cfg.Index.Backend)
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Engine.BatchSize)
	assert.Equal(t, 200*time.Millisecond, cfg.Watch.Debounce)
}

func TestLoad_FileOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
engine:
  workers: 3
index:
  backend: sqlite
  in_memory: true
  gc_interval: 1m
interface:
  required: "1.0"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Engine.Workers)
	assert.Equal(t, 64, cfg.Engine.BatchSize, "unset keys keep defaults")
	assert.Equal(t, "sqlite", cfg.Index.Backend)
	assert.True(t, cfg.Index.InMemory)
	assert.Equal(t, time.Minute, cfg.Index.GCInterval)
	assert.Equal(t, "1.0", cfg.Interface.Required)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "engine:\n  workers: 3\n")
	t.Setenv("COVPROJ_ENGINE_WORKERS", "5")
	t.Setenv("COVPROJ_INDEX_BACKEND", "sqlite")
	t.Setenv("COVPROJ_WATCH_DEBOUNCE", "1s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Engine.Workers)
	assert.Equal(t, "sqlite", cfg.Index.Backend)
	assert.Equal(t, time.Second, cfg.Watch.Debounce)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
	t.Run("bad yaml", func(t *testing.T) {
		_, err := Load(writeConfig(t, "engine: [1, 2"))
		assert.Error(t, err)
	})
	t.Run("bad env", func(t *testing.T) {
		t.Setenv("COVPROJ_ENGINE_WORKERS", "many")
		_, err := Load("")
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Index.Backend = "postgres" }},
		{"negative workers", func(c *Config) { c.Engine.Workers = -1 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"otlp without endpoint", func(c *Config) { c.Telemetry.Traces = "otlp" }},
		{"bad metrics addr", func(c *Config) { c.Telemetry.MetricsAddr = "not an address" }},
		{"bad feed addr", func(c *Config) { c.Watch.FeedAddr = "nowhere" }},
		{"missing path", func(c *Config) { c.Index.Path = "" }},
		{"invalid version", func(c *Config) { c.Interface.Required = "latest" }},
		{"newer major", func(c *Config) { c.Interface.Required = "v2.0.0" }},
		{"newer minor", func(c *Config) { c.Interface.Required = "v1.9.0" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestValidate_Accepts(t *testing.T) {
	cfg := Default()
	cfg.Index.Path = ""
	cfg.Index.InMemory = true
	cfg.Telemetry.Traces = "otlp"
	cfg.Telemetry.OTLPEndpoint = "localhost:4317"
	cfg.Telemetry.Metrics = "prometheus"
	cfg.Watch.FeedAddr = "localhost:9465"
	cfg.Telemetry.MetricsAddr = "localhost:9464"
	assert.NoError(t, cfg.Validate())
}

func TestMarshal_RoundTripsThroughLoad(t *testing.T) {
	cfg := Default()
	cfg.Engine.Workers = 7
	cfg.Index.InMemory = true

	data, err := cfg.Marshal()
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, yaml.Unmarshal(data, &raw))
	assert.Contains(t, raw, "engine")

	loaded, err := Load(writeConfig(t, string(data)))
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.Engine.Workers)
	assert.Equal(t, cfg.Index.GCInterval, loaded.Index.GCInterval)
}
