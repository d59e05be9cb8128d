// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command covproj evaluates coverage maps and projects updated blocks.
//
// Usage:
//
//	covproj evaluate coverage.yaml
//	covproj validate --kind changes changes.yaml
//	covproj index record projections.yaml
//	covproj project --coverage coverage.yaml changes.yaml
//	covproj watch ./manifests
//
// Configuration comes from --config (YAML) and COVPROJ_* environment
// variables. Results go to stdout; logs and warnings go to stderr.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
