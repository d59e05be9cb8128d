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
	"fmt"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianCoverage/services/coverage"
	"github.com/AleutianAI/AleutianCoverage/services/coverage/manifest"
)

func (a *app) indexCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Maintain the block index projections are looked up in",
	}
	cmd.AddCommand(a.indexRecordCommand(), a.indexForgetCommand(), a.indexShowCommand())
	return cmd
}

func (a *app) indexRecordCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "record <index.yaml>...",
		Short: "Record which blocks each projection was built from",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			recorded := 0
			for _, path := range args {
				doc, err := manifest.LoadIndex(path)
				if err != nil {
					return err
				}
				for _, p := range doc.Projections {
					if err := store.Record(ctx, p.Projection(), p.FunctionID(), p.BasicBlocks()); err != nil {
						return err
					}
					recorded++
				}
				a.logger.Debug("index document recorded",
					slog.String("path", path),
					slog.Int("projections", len(doc.Projections)),
				)
			}
			a.printer.Success("recorded %d projection entries", recorded)
			return nil
		},
	}
}

func (a *app) indexForgetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "forget <projection-id>...",
		Short: "Remove projections from the index",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]coverage.ProjectionID, len(args))
			for i, arg := range args {
				id, err := strconv.ParseUint(arg, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid projection id %q: %w", arg, err)
				}
				ids[i] = coverage.NewProjectionID(id)
			}

			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			for _, id := range ids {
				if err := store.Forget(ctx, id); err != nil {
					return err
				}
			}
			a.printer.Success("forgot %d projections", len(ids))
			return nil
		},
	}
}

func (a *app) indexShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <function-id> <block-id>",
		Short: "List the projections recorded for one block",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fnID, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid function id %q: %w", args[0], err)
			}
			blockID, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid block id %q: %w", args[1], err)
			}

			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			var rows [][]string
			for id, err := range store.Projections(ctx, coverage.NewFunction(fnID), coverage.NewBasicBlock(blockID)) {
				if err != nil {
					return err
				}
				rows = append(rows, []string{strconv.FormatUint(id.Uint64(), 10)})
			}
			a.printer.Table([]string{"PROJECTION"}, rows)
			return nil
		},
	}
}
