// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianCoverage/pkg/logging"
	"github.com/AleutianAI/AleutianCoverage/pkg/ux"
	"github.com/AleutianAI/AleutianCoverage/services/coverage/config"
	"github.com/AleutianAI/AleutianCoverage/services/coverage/feed"
	"github.com/AleutianAI/AleutianCoverage/services/coverage/index"
	"github.com/AleutianAI/AleutianCoverage/services/coverage/projection"
	"github.com/AleutianAI/AleutianCoverage/services/coverage/provider"
	"github.com/AleutianAI/AleutianCoverage/services/coverage/telemetry"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// app holds state shared by every command for one invocation.
type app struct {
	// flags
	configPath string
	logLevel   string
	jsonLogs   bool
	output     string

	cfg     config.Config
	logger  *logging.Logger
	printer *ux.Printer
	tel     *telemetry.Telemetry
	feed    *feed.Hub
}

// execute runs one covproj invocation.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	a := &app{}
	root := a.rootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err != nil && a.printer != nil {
		a.printer.Error("%v", err)
	} else if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
	}
	a.close()
	return err
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "covproj",
		Short:         "Evaluate coverage counter maps and project updated blocks",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "YAML configuration file")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.BoolVar(&a.jsonLogs, "json", false, "write logs as JSON")
	flags.StringVarP(&a.output, "output", "o", "", "output style: rich, plain, machine (default: detect)")

	root.AddCommand(
		a.evaluateCommand(),
		a.validateCommand(),
		a.indexCommand(),
		a.projectCommand(),
		a.watchCommand(),
		a.configCommand(),
		a.versionCommand(),
	)
	return root
}

// setup loads configuration and builds the logger, printer and telemetry.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if a.jsonLogs {
		cfg.Logging.JSON = true
	}
	a.cfg = cfg

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	a.logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "covproj",
		JSON:    cfg.Logging.JSON,
		Output:  cmd.ErrOrStderr(),
	})

	mode := ux.DetectMode(cmd.OutOrStdout())
	if a.output != "" {
		mode = ux.ParseMode(a.output)
	}
	a.printer = ux.NewPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), mode)

	a.tel, err = telemetry.Init(cmd.Context(), telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Traces:         cfg.Telemetry.Traces,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   true,
		Metrics:        cfg.Telemetry.Metrics,
		Output:         cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}

	a.logger.Debug("configuration loaded",
		slog.String("config", a.configPath),
		slog.String("index_backend", cfg.Index.Backend),
		slog.Int("workers", cfg.Engine.Workers),
	)
	return nil
}

func (a *app) close() {
	if a.tel != nil {
		if err := a.tel.Shutdown(context.Background()); err != nil && a.logger != nil {
			a.logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}
	if a.logger != nil {
		_ = a.logger.Close()
	}
}

// openStore opens the configured block index store.
func (a *app) openStore(ctx context.Context) (index.Store, error) {
	backend, err := index.ParseBackend(a.cfg.Index.Backend)
	if err != nil {
		return nil, err
	}
	return index.OpenStore(ctx, index.Options{
		Backend:    backend,
		Path:       a.cfg.Index.Path,
		InMemory:   a.cfg.Index.InMemory,
		GCInterval: a.cfg.Index.GCInterval,
		Logger:     a.logger.Slog(),
	})
}

func (a *app) engine() *projection.Engine {
	return projection.NewEngine(projection.Config{
		Workers:   a.cfg.Engine.Workers,
		BatchSize: a.cfg.Engine.BatchSize,
	}, projection.WithLogger(a.logger.Slog()))
}

func (a *app) newHost() *provider.Host {
	return provider.NewHost(a.engine(), provider.WithLogger(a.logger.Slog()))
}
