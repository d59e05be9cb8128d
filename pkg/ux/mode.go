// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Mode controls how much styling command output carries.
type Mode string

const (
	// ModeRich uses colors, icons and boxed tables.
	ModeRich Mode = "rich"

	// ModePlain uses icons and aligned tables without color.
	ModePlain Mode = "plain"

	// ModeMachine emits tab-separated lines for scripts.
	ModeMachine Mode = "machine"
)

// EnvMode overrides mode detection when set.
const EnvMode = "COVPROJ_OUTPUT"

// ParseMode converts a string to a Mode. Unknown values yield ModePlain.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rich", "full", "color":
		return ModeRich
	case "machine", "tsv", "quiet", "q":
		return ModeMachine
	default:
		return ModePlain
	}
}

// DetectMode picks a mode for w: the COVPROJ_OUTPUT override if set, rich
// on a terminal, machine otherwise.
func DetectMode(w io.Writer) Mode {
	if v := os.Getenv(EnvMode); v != "" {
		return ParseMode(v)
	}
	if IsTerminal(w) {
		return ModeRich
	}
	return ModeMachine
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
