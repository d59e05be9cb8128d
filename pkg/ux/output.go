// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders covproj command output.
//
// A Printer writes status lines, key/value blocks and tables in one of
// three modes. Machine mode is stable, tab-separated and uncolored so
// scripts can parse it.
package ux

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// Palette.
var (
	ColorAccent  = lipgloss.Color("#20B9B4")
	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
	ColorMuted   = lipgloss.Color("#2C4A54")
	ColorBorder  = lipgloss.Color("#16858E")
)

// Icon is a status marker.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
)

type styles struct {
	title   lipgloss.Style
	bold    lipgloss.Style
	muted   lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	errs    lipgloss.Style
	header  lipgloss.Style
	box     lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		title:   r.NewStyle().Bold(true).Foreground(ColorAccent),
		bold:    r.NewStyle().Bold(true),
		muted:   r.NewStyle().Foreground(ColorMuted),
		success: r.NewStyle().Foreground(ColorSuccess),
		warning: r.NewStyle().Foreground(ColorWarning),
		errs:    r.NewStyle().Foreground(ColorError),
		header:  r.NewStyle().Bold(true).Foreground(ColorAccent),
		box:     r.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(ColorBorder).Padding(0, 1),
	}
}

// Printer writes formatted output.
//
// # Thread Safety
//
// Safe for concurrent use; each call writes whole lines.
type Printer struct {
	out    io.Writer
	errOut io.Writer
	mode   Mode
	st     styles

	mu sync.Mutex
}

// NewPrinter returns a printer writing results to out and warnings and
// errors to errOut. A nil errOut means out.
func NewPrinter(out, errOut io.Writer, mode Mode) *Printer {
	if errOut == nil {
		errOut = out
	}
	r := lipgloss.NewRenderer(out)
	p := &Printer{out: out, errOut: errOut, mode: mode, st: newStyles(r)}
	return p
}

// Mode returns the printer's mode.
func (p *Printer) Mode() Mode { return p.mode }

func (p *Printer) writeln(w io.Writer, s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(w, s)
}

func (p *Printer) rich() bool { return p.mode == ModeRich }

// Title prints a heading. Machine mode omits it.
func (p *Printer) Title(text string) {
	switch p.mode {
	case ModeMachine:
		return
	case ModeRich:
		p.writeln(p.out, p.st.title.Render(text))
	default:
		p.writeln(p.out, text)
	}
}

// Success prints a success line.
func (p *Printer) Success(format string, args ...any) {
	p.status(p.out, IconSuccess, "OK", p.st.success, fmt.Sprintf(format, args...))
}

// Warning prints a warning line to the error stream.
func (p *Printer) Warning(format string, args ...any) {
	p.status(p.errOut, IconWarning, "WARN", p.st.warning, fmt.Sprintf(format, args...))
}

// Error prints an error line to the error stream.
func (p *Printer) Error(format string, args ...any) {
	p.status(p.errOut, IconError, "ERROR", p.st.errs, fmt.Sprintf(format, args...))
}

func (p *Printer) status(w io.Writer, icon Icon, tag string, style lipgloss.Style, text string) {
	switch p.mode {
	case ModeMachine:
		p.writeln(w, tag+"\t"+text)
	case ModeRich:
		p.writeln(w, style.Render(string(icon))+" "+style.Render(text))
	default:
		p.writeln(w, string(icon)+" "+text)
	}
}

// Info prints an informational line.
func (p *Printer) Info(format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	switch p.mode {
	case ModeMachine:
		p.writeln(p.out, text)
	case ModeRich:
		p.writeln(p.out, p.st.muted.Render("│")+" "+text)
	default:
		p.writeln(p.out, "  "+text)
	}
}

// KV is one key/value pair.
type KV struct {
	Key   string
	Value any
}

// KeyValues prints pairs as an aligned block. Machine mode prints
// "key=value" lines.
func (p *Printer) KeyValues(title string, pairs ...KV) {
	if p.mode == ModeMachine {
		var b strings.Builder
		for i, kv := range pairs {
			if i > 0 {
				b.WriteByte('\n')
			}
			fmt.Fprintf(&b, "%s=%v", kv.Key, kv.Value)
		}
		p.writeln(p.out, b.String())
		return
	}

	width := 0
	for _, kv := range pairs {
		width = max(width, len(kv.Key))
	}
	lines := make([]string, 0, len(pairs)+1)
	if title != "" {
		if p.rich() {
			lines = append(lines, p.st.title.Render(title))
		} else {
			lines = append(lines, title)
		}
	}
	for _, kv := range pairs {
		key := fmt.Sprintf("%-*s", width, kv.Key)
		if p.rich() {
			key = p.st.muted.Render(key)
		}
		lines = append(lines, fmt.Sprintf("%s  %v", key, kv.Value))
	}
	body := strings.Join(lines, "\n")
	if p.rich() {
		body = p.st.box.Render(body)
	}
	p.writeln(p.out, body)
}

// Table prints rows under headers. Machine mode prints the header line
// and rows tab-separated.
func (p *Printer) Table(headers []string, rows [][]string) {
	if p.mode == ModeMachine {
		lines := make([]string, 0, len(rows)+1)
		lines = append(lines, strings.Join(headers, "\t"))
		for _, r := range rows {
			lines = append(lines, strings.Join(r, "\t"))
		}
		p.writeln(p.out, strings.Join(lines, "\n"))
		return
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, r := range rows {
		for i := 0; i < len(r) && i < len(widths); i++ {
			widths[i] = max(widths[i], lipgloss.Width(r[i]))
		}
	}

	format := func(cells []string, style *lipgloss.Style) string {
		parts := make([]string, len(widths))
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			padded := cell + strings.Repeat(" ", widths[i]-lipgloss.Width(cell))
			if style != nil {
				padded = style.Render(padded)
			}
			parts[i] = padded
		}
		return strings.TrimRight(strings.Join(parts, "  "), " ")
	}

	lines := make([]string, 0, len(rows)+1)
	if p.rich() {
		lines = append(lines, format(headers, &p.st.header))
	} else {
		lines = append(lines, format(headers, nil))
	}
	for _, r := range rows {
		lines = append(lines, format(r, nil))
	}
	p.writeln(p.out, strings.Join(lines, "\n"))
}

// Count is one labelled number in a summary line.
type Count struct {
	Label string
	N     int
}

// Summary prints labelled counts on one line.
func (p *Printer) Summary(counts ...Count) {
	parts := make([]string, len(counts))
	for i, c := range counts {
		switch p.mode {
		case ModeMachine:
			parts[i] = fmt.Sprintf("%s=%d", c.Label, c.N)
		case ModeRich:
			parts[i] = p.st.bold.Render(fmt.Sprint(c.N)) + " " + p.st.muted.Render(c.Label)
		default:
			parts[i] = fmt.Sprintf("%d %s", c.N, c.Label)
		}
	}
	if p.mode == ModeMachine {
		p.writeln(p.out, "SUMMARY\t"+strings.Join(parts, " "))
		return
	}
	p.writeln(p.out, strings.Join(parts, "  "))
}
