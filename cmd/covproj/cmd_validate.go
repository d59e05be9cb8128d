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

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianCoverage/pkg/ux"
	"github.com/AleutianAI/AleutianCoverage/services/coverage/manifest"
)

// Document kinds accepted by validate.
const (
	kindCoverage = "coverage"
	kindChanges  = "changes"
	kindIndex    = "index"
)

func (a *app) validateCommand() *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "validate <file>...",
		Short: "Check documents without evaluating or projecting",
		Long: `Checks coverage documents (operand kinds, index ranges, expression
cycles), change manifests, or index documents.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			check, err := validatorFor(kind)
			if err != nil {
				return err
			}

			bad := 0
			for _, path := range args {
				detail, err := check(path)
				if err != nil {
					bad++
					a.printer.Error("%v", err)
					continue
				}
				a.printer.Success("%s: %s", path, detail)
			}
			a.printer.Summary(ux.Count{Label: "valid", N: len(args) - bad}, ux.Count{Label: "invalid", N: bad})
			if bad > 0 {
				return fmt.Errorf("%d of %d documents invalid", bad, len(args))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", kindCoverage, "document kind: coverage, changes, index")
	return cmd
}

func validatorFor(kind string) (func(path string) (string, error), error) {
	switch kind {
	case kindCoverage:
		return func(path string) (string, error) {
			doc, err := manifest.LoadCoverage(path)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%d functions", len(doc.Functions)), nil
		}, nil
	case kindChanges:
		return func(path string) (string, error) {
			m, err := manifest.LoadChanges(path)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%d updated blocks", len(m.Updated)), nil
		}, nil
	case kindIndex:
		return func(path string) (string, error) {
			doc, err := manifest.LoadIndex(path)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%d projections", len(doc.Projections)), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown document kind %q", kind)
	}
}
