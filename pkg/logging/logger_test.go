// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{" INFO ", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"Warn", LevelWarn, false},
		{"error", LevelError, false},
		{"trace", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLevel_StringAndSlog(t *testing.T) {
	assert.Equal(t, "WARN", LevelWarn.String())
	assert.Equal(t, "UNKNOWN", Level(42).String())
	assert.Equal(t, slog.LevelDebug, LevelDebug.Slog())
	assert.Equal(t, slog.LevelInfo, Level(42).Slog())
}

func TestNew_ConsoleFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Output: &buf, Service: "covproj-test"})
	defer logger.Close()

	logger.Info("hidden")
	logger.Warn("shown", "block", 3)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "block=3")
	assert.Contains(t, out, "service=covproj-test")
}

func TestNew_JSONConsole(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Output: &buf, JSON: true})
	logger.Info("projection finished", "delivered", 4)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "projection finished", record["msg"])
	assert.EqualValues(t, 4, record["delivered"])
}

func TestNew_WritesLogFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	logger := New(Config{Level: LevelDebug, LogDir: dir, Service: "svc", Quiet: true})
	logger.Debug("to file", "fn", "fn:7")
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close(), "close is idempotent")

	matches, err := filepath.Glob(filepath.Join(dir, "svc_*.log"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))

	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &record))
	assert.Equal(t, "to file", record["msg"])
	assert.Equal(t, "svc", record["service"])
}

func TestNew_UnwritableLogDirIsSkipped(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	var buf bytes.Buffer
	logger := New(Config{LogDir: filepath.Join(blocker, "logs"), Output: &buf})
	logger.Info("still logs")
	assert.Contains(t, buf.String(), "still logs")
	assert.NoError(t, logger.Close())
}

func TestNew_QuietWithoutFileDiscards(t *testing.T) {
	logger := New(Config{Quiet: true})
	assert.NotPanics(t, func() { logger.Error("nowhere") })
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf}).With("request_id", "abc")
	logger.Info("hello")
	assert.Contains(t, buf.String(), "request_id=abc")
	assert.NoError(t, logger.Close())
}

func TestFanout(t *testing.T) {
	debug := NewCapture(slog.LevelDebug)
	warn := NewCapture(slog.LevelWarn)
	logger := slog.New(Fanout(debug, warn)).With("component", "engine")

	logger.Debug("d")
	logger.Warn("w")

	assert.Equal(t, []string{"d", "w"}, debug.Messages())
	assert.Equal(t, []string{"w"}, warn.Messages())
	assert.Equal(t, "engine", warn.Entries()[0].Attrs["component"])
}

func TestCapture_DerivedHandlersShareEntries(t *testing.T) {
	capture := NewCapture(slog.LevelInfo)
	base := slog.New(capture)
	base.With("a", 1).Info("one")
	base.Info("two", "b", 2)

	entries := capture.Entries()
	require.Len(t, entries, 2)
	assert.EqualValues(t, 1, entries[0].Attrs["a"])
	assert.EqualValues(t, 2, entries[1].Attrs["b"])
	assert.NotContains(t, entries[1].Attrs, "a")
}
