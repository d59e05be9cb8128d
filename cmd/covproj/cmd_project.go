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
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianCoverage/pkg/ux"
	"github.com/AleutianAI/AleutianCoverage/services/coverage"
	"github.com/AleutianAI/AleutianCoverage/services/coverage/index"
	"github.com/AleutianAI/AleutianCoverage/services/coverage/manifest"
	"github.com/AleutianAI/AleutianCoverage/services/coverage/projection"
	"github.com/AleutianAI/AleutianCoverage/services/coverage/provider"
)

func (a *app) projectCommand() *cobra.Command {
	var (
		coveragePath string
		limit        int
	)

	cmd := &cobra.Command{
		Use:   "project [changes.yaml]...",
		Short: "Project updated blocks to the projections built from them",
		Long: `Marks the blocks listed in each change manifest as updated, plus every
block of a --coverage document (as if each function was just compiled),
then streams the distinct projection ids recorded for those blocks in
the block index.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			host := a.newHost()

			if coveragePath != "" {
				if err := publishDocument(host, coveragePath); err != nil {
					return err
				}
			}
			for _, path := range args {
				changes, err := manifest.LoadChanges(path)
				if err != nil {
					return err
				}
				host.MarkUpdated(changes.UpdatedBlocks()...)
			}

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			_, err = a.projectSession(ctx, host, index.New(store, index.WithLogger(a.logger.Slog())), limit)
			return err
		},
	}
	cmd.Flags().StringVar(&coveragePath, "coverage", "", "coverage document whose functions are published first")
	cmd.Flags().IntVar(&limit, "limit", 0, "stop after this many projection ids (0 = all)")
	return cmd
}

// publishDocument publishes every function of a coverage document to host.
func publishDocument(host *provider.Host, path string) error {
	doc, err := manifest.LoadCoverage(path)
	if err != nil {
		return err
	}
	for _, f := range doc.Functions {
		m, err := f.CoverageMap()
		if err != nil {
			return err
		}
		host.Publish(f.Function(), m.Expressions, m.Regions)
	}
	return nil
}

// projectSession binds host at the configured interface version, runs one
// session into a channel sink and prints the ids as they arrive.
func (a *app) projectSession(ctx context.Context, host *provider.Host, lookup coverage.ProjectorLookup, limit int) (*projection.Result, error) {
	p, err := provider.Bind(host, a.cfg.Interface.Required)
	if err != nil {
		return nil, err
	}

	pending := host.Tracker().Pending()
	sink := projection.NewChannelSink(a.cfg.Engine.SinkBuffer)
	consumed := make(chan [][]string, 1)
	go func() {
		var rows [][]string
		for batch := range sink.C() {
			if a.feed != nil {
				if err := a.feed.PublishBatch(batch); err != nil {
					a.logger.Debug("feed publish failed", slog.String("error", err.Error()))
				}
			}
			for _, id := range batch {
				rows = append(rows, []string{strconv.FormatUint(id.Uint64(), 10)})
				if limit > 0 && len(rows) >= limit {
					sink.Close()
				}
			}
		}
		consumed <- rows
	}()

	result, err := p.ProjectUpdatedBlocks(ctx, lookup, sink)
	sink.CloseSend()
	rows := <-consumed
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	a.printer.Table([]string{"PROJECTION"}, rows)
	if result == nil {
		return nil, err
	}
	if a.feed != nil {
		if err := a.feed.PublishResult(result); err != nil {
			a.logger.Debug("feed publish failed", slog.String("error", err.Error()))
		}
	}

	for _, f := range result.Failures {
		a.printer.Warning("%s: %v", f.Block, f.Err)
	}
	if result.Cancelled {
		a.printer.Warning("session stopped early, %d blocks requeued", pending)
	}
	a.printer.Summary(
		ux.Count{Label: "blocks", N: result.BlocksProcessed},
		ux.Count{Label: "projections", N: len(rows)},
		ux.Count{Label: "suppressed", N: result.Suppressed},
		ux.Count{Label: "failed", N: result.BlocksFailed},
		ux.Count{Label: "skipped", N: result.FunctionsSkipped},
	)
	if err != nil {
		return result, fmt.Errorf("projection: %w", err)
	}
	return result, nil
}
