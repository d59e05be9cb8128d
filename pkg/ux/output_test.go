// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestPrinter(mode Mode) (*Printer, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	return NewPrinter(&out, &errOut, mode), &out, &errOut
}

func TestParseMode(t *testing.T) {
	tests := map[string]Mode{
		"rich":    ModeRich,
		" FULL ":  ModeRich,
		"machine": ModeMachine,
		"tsv":     ModeMachine,
		"plain":   ModePlain,
		"bogus":   ModePlain,
	}
	for in, want := range tests {
		if got := ParseMode(in); got != want {
			t.Errorf("ParseMode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDetectMode(t *testing.T) {
	var buf bytes.Buffer

	t.Setenv(EnvMode, "")
	assert.Equal(t, ModeMachine, DetectMode(&buf), "buffers are not terminals")

	t.Setenv(EnvMode, "plain")
	assert.Equal(t, ModePlain, DetectMode(&buf))
	assert.False(t, IsTerminal(&buf))
}

func TestPrinter_StatusLines(t *testing.T) {
	t.Run("machine", func(t *testing.T) {
		p, out, errOut := newTestPrinter(ModeMachine)
		p.Title("ignored")
		p.Success("indexed %d projections", 3)
		p.Warning("skipped %s", "fn:8")
		p.Error("failed")
		p.Info("note")

		assert.Equal(t, "OK\tindexed 3 projections\nnote\n", out.String())
		assert.Equal(t, "WARN\tskipped fn:8\nERROR\tfailed\n", errOut.String())
	})

	t.Run("plain", func(t *testing.T) {
		p, out, errOut := newTestPrinter(ModePlain)
		p.Title("Projection")
		p.Success("done")
		p.Warning("careful")

		assert.Equal(t, "Projection\n✓ done\n", out.String())
		assert.Equal(t, "⚠ careful\n", errOut.String())
	})

	t.Run("rich", func(t *testing.T) {
		p, out, _ := newTestPrinter(ModeRich)
		p.Success("done")
		p.Info("detail")
		assert.Contains(t, out.String(), "done")
		assert.Contains(t, out.String(), "│ detail")
	})
}

func TestPrinter_NilErrOutUsesOut(t *testing.T) {
	var out bytes.Buffer
	p := NewPrinter(&out, nil, ModeMachine)
	p.Error("boom")
	assert.Equal(t, "ERROR\tboom\n", out.String())
	assert.Equal(t, ModeMachine, p.Mode())
}

func TestPrinter_KeyValues(t *testing.T) {
	p, out, _ := newTestPrinter(ModeMachine)
	p.KeyValues("Result", KV{"delivered", 4}, KV{"cancelled", false})
	assert.Equal(t, "delivered=4\ncancelled=false\n", out.String())

	p, out, _ = newTestPrinter(ModePlain)
	p.KeyValues("Result", KV{"delivered", 4}, KV{"suppressed", 1})
	assert.Equal(t, "Result\ndelivered   4\nsuppressed  1\n", out.String())

	p, out, _ = newTestPrinter(ModeRich)
	p.KeyValues("Result", KV{"delivered", 4})
	assert.Contains(t, out.String(), "Result")
	assert.Contains(t, out.String(), "╭", "rich mode draws a box")
}

func TestPrinter_Table(t *testing.T) {
	headers := []string{"REGION", "COUNTER", "COUNT"}
	rows := [][]string{
		{"0", "c0", "12"},
		{"1", "e10", "3"},
	}

	p, out, _ := newTestPrinter(ModeMachine)
	p.Table(headers, rows)
	assert.Equal(t, "REGION\tCOUNTER\tCOUNT\n0\tc0\t12\n1\te10\t3\n", out.String())

	p, out, _ = newTestPrinter(ModePlain)
	p.Table(headers, rows)
	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	assert.Equal(t, []string{
		"REGION  COUNTER  COUNT",
		"0       c0       12",
		"1       e10      3",
	}, lines)
}

func TestPrinter_TableShortRow(t *testing.T) {
	p, out, _ := newTestPrinter(ModePlain)
	p.Table([]string{"A", "B"}, [][]string{{"x"}})
	assert.Equal(t, "A  B\nx\n", out.String())
}

func TestPrinter_Summary(t *testing.T) {
	p, out, _ := newTestPrinter(ModeMachine)
	p.Summary(Count{"delivered", 3}, Count{"suppressed", 1})
	assert.Equal(t, "SUMMARY\tdelivered=3 suppressed=1\n", out.String())

	p, out, _ = newTestPrinter(ModePlain)
	p.Summary(Count{"delivered", 3}, Count{"suppressed", 1})
	assert.Equal(t, "3 delivered  1 suppressed\n", out.String())
}
