// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads covproj configuration.
//
// Values are layered: Default, then the YAML file, then COVPROJ_*
// environment variables. The result is checked with Validate.
//
//	engine:
//	  workers: 4
//	  batch_size: 64
//	index:
//	  backend: sqlite
//	  path: ~/.covproj/index.db
//	telemetry:
//	  traces: stdout
//	interface:
//	  required: v1.0.0
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianCoverage/services/coverage/provider"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "COVPROJ_"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the full covproj configuration.
type Config struct {
	Engine    EngineConfig    `yaml:"engine" envPrefix:"ENGINE_"`
	Index     IndexConfig     `yaml:"index" envPrefix:"INDEX_"`
	Logging   LoggingConfig   `yaml:"logging" envPrefix:"LOG_"`
	Telemetry TelemetryConfig `yaml:"telemetry" envPrefix:"TELEMETRY_"`
	Interface InterfaceConfig `yaml:"interface" envPrefix:"INTERFACE_"`
	Watch     WatchConfig     `yaml:"watch" envPrefix:"WATCH_"`
}

// EngineConfig tunes the projection engine.
type EngineConfig struct {
	Workers    int `yaml:"workers" env:"WORKERS" validate:"gte=0,lte=256"`
	BatchSize  int `yaml:"batch_size" env:"BATCH_SIZE" validate:"gte=0,lte=65536"`
	SinkBuffer int `yaml:"sink_buffer" env:"SINK_BUFFER" validate:"gte=0"`
}

// IndexConfig selects the block index store.
type IndexConfig struct {
	Backend    string        `yaml:"backend" env:"BACKEND" validate:"omitempty,oneof=badger sqlite"`
	Path       string        `yaml:"path" env:"PATH"`
	InMemory   bool          `yaml:"in_memory" env:"IN_MEMORY"`
	GCInterval time.Duration `yaml:"gc_interval" env:"GC_INTERVAL" validate:"gte=0"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" env:"LEVEL" validate:"omitempty,oneof=debug info warn warning error"`
	Dir   string `yaml:"dir" env:"DIR"`
	JSON  bool   `yaml:"json" env:"JSON"`
}

// TelemetryConfig selects trace and metric exporters.
type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name" env:"SERVICE_NAME"`
	Traces       string `yaml:"traces" env:"TRACES" validate:"omitempty,oneof=none stdout otlp"`
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT" validate:"required_if=Traces otlp"`
	Metrics      string `yaml:"metrics" env:"METRICS" validate:"omitempty,oneof=none stdout prometheus"`
	MetricsAddr  string `yaml:"metrics_addr" env:"METRICS_ADDR" validate:"omitempty,hostname_port"`
}

// InterfaceConfig pins the provider interface version a consumer needs.
type InterfaceConfig struct {
	Required string `yaml:"required" env:"REQUIRED" validate:"required,semver_loose"`
}

// WatchConfig tunes watch mode.
type WatchConfig struct {
	Debounce time.Duration `yaml:"debounce" env:"DEBOUNCE" validate:"gte=0"`
	MaxRuns  float64       `yaml:"max_runs_per_second" env:"MAX_RUNS_PER_SECOND" validate:"gte=0"`
	FeedAddr string        `yaml:"feed_addr" env:"FEED_ADDR" validate:"omitempty,hostname_port"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Engine: EngineConfig{BatchSize: 64, SinkBuffer: 16},
		Index: IndexConfig{
			Backend:    "badger",
			Path:       "~/.covproj/index",
			GCInterval: 10 * time.Minute,
		},
		Logging:   LoggingConfig{Level: "info"},
		Telemetry: TelemetryConfig{ServiceName: "covproj", Traces: "none", Metrics: "none"},
		Interface: InterfaceConfig{Required: provider.InterfaceVersion},
		Watch:     WatchConfig{Debounce: 200 * time.Millisecond, MaxRuns: 2},
	}
}

// Load builds the configuration.
//
// Description:
//
//	Starts from Default, overlays the YAML file at path when path is
//	non-empty, then applies COVPROJ_* environment variables, expands ~ in
//	paths, and validates the result. A missing file is an error only when
//	the path was given explicitly.
//
// Inputs:
//
//	path - YAML file. Empty means defaults and environment only.
//
// Outputs:
//
//	Config - The validated configuration.
//	error - Read, parse, environment or validation failure.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(expandPath(path))
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg.Index.Path = expandPath(cfg.Index.Path)
	cfg.Logging.Dir = expandPath(cfg.Logging.Dir)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints and interface version compatibility.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if !c.Index.InMemory && strings.TrimSpace(c.Index.Path) == "" {
		return fmt.Errorf("%w: index.path is required unless index.in_memory is set", ErrInvalid)
	}
	if err := provider.CheckCompatible(provider.InterfaceVersion, c.Interface.Required); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// Marshal renders the configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("semver_loose", validateSemverLoose)
}

// validateSemverLoose accepts semantic versions with or without a leading v.
func validateSemverLoose(fl validator.FieldLevel) bool {
	v := strings.TrimSpace(fl.Field().String())
	if v != "" && !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return semver.IsValid(v)
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
