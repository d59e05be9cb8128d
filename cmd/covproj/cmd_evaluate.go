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
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianCoverage/pkg/ux"
	"github.com/AleutianAI/AleutianCoverage/services/coverage"
	"github.com/AleutianAI/AleutianCoverage/services/coverage/counter"
	"github.com/AleutianAI/AleutianCoverage/services/coverage/manifest"
	"github.com/AleutianAI/AleutianCoverage/services/coverage/model"
	"github.com/AleutianAI/AleutianCoverage/services/coverage/telemetry"
)

const cliTracer = "covproj.cli"

func (a *app) evaluateCommand() *cobra.Command {
	var functions []string

	cmd := &cobra.Command{
		Use:   "evaluate <coverage.yaml>",
		Short: "Evaluate region hit counts from a coverage document's values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx, span := telemetry.StartSpan(cmd.Context(), cliTracer, "covproj.evaluate",
				trace.WithAttributes(attribute.String("document", args[0])))
			defer func() { telemetry.EndSpan(span, err) }()

			doc, err := manifest.LoadCoverage(args[0])
			if err != nil {
				return err
			}

			m := model.New(model.WithLogger(a.logger.Slog()))
			names := make(map[coverage.Function]string, len(doc.Functions))
			values := make(map[coverage.Function]counter.Values)
			selected, err := parseIDs(functions)
			if err != nil {
				return err
			}

			for _, f := range doc.Functions {
				if len(selected) > 0 && !selected[f.ID] {
					continue
				}
				cm, err := f.CoverageMap()
				if err != nil {
					return err
				}
				m.Publish(f.Function(), cm.Expressions, cm.Regions)
				names[f.Function()] = f.Name
				if !f.HasValues() {
					a.printer.Warning("%s has no values, skipped", f.Function())
					continue
				}
				values[f.Function()] = f.CounterValues()
			}

			evals, failed, err := m.EvaluateAll(ctx, values)
			if err != nil {
				return err
			}
			for _, ev := range evals {
				a.printEvaluation(ev, names[ev.Function])
			}
			for _, fn := range m.Functions() {
				if ferr, ok := failed[fn]; ok {
					a.printer.Error("%s: %v", fn, ferr)
				}
			}

			a.printer.Summary(ux.Count{Label: "evaluated", N: len(evals)}, ux.Count{Label: "failed", N: len(failed)})
			if len(failed) > 0 {
				return fmt.Errorf("%d of %d functions failed to evaluate", len(failed), len(values))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&functions, "function", "f", nil, "only evaluate these function ids")
	return cmd
}

func (a *app) printEvaluation(ev *model.Evaluation, name string) {
	title := ev.Function.String()
	if name != "" {
		title += " " + name
	}
	a.printer.Title(fmt.Sprintf("%s (generation %d)", title, ev.Generation))

	rows := make([][]string, len(ev.Regions))
	for i, r := range ev.Regions {
		rows[i] = []string{
			ev.Function.String(),
			strconv.Itoa(r.Index),
			manifest.FormatCounter(r.Counter),
			joinBlocks(r.BasicBlocks),
			string(r.SourceRegion),
			strconv.FormatUint(r.Count, 10),
		}
	}
	a.printer.Table([]string{"FUNCTION", "REGION", "COUNTER", "BLOCKS", "SOURCE", "COUNT"}, rows)

	for _, s := range ev.Saturations {
		a.printer.Warning("%s: expression e%d (%s %d, %d) saturated", ev.Function, s.Expression, s.Kind, s.LHS, s.RHS)
	}
}

func joinBlocks(blocks []coverage.BasicBlock) string {
	parts := make([]string, len(blocks))
	for i, b := range blocks {
		parts[i] = strconv.FormatUint(b.Uint64(), 10)
	}
	return strings.Join(parts, ",")
}

// parseIDs parses decimal ids into a set.
func parseIDs(raw []string) (map[uint64]bool, error) {
	out := make(map[uint64]bool, len(raw))
	for _, r := range raw {
		id, err := strconv.ParseUint(strings.TrimSpace(r), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q: %w", r, err)
		}
		out[id] = true
	}
	return out, nil
}
