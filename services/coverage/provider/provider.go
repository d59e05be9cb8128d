// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package provider defines the versioned root interface consumers bind to.
//
// A consumer calls Bind once at startup with the interface version it was
// built against. Bind fails with coverage.ErrIncompatibleVersion before any
// other call is made, so a mismatched provider never serves a request.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/AleutianAI/AleutianCoverage/services/coverage"
	"github.com/AleutianAI/AleutianCoverage/services/coverage/projection"
)

// InterfaceVersion is the version of the Provider contract implemented by
// this module.
const InterfaceVersion = "v1.0.0"

// ErrNilProvider is returned by Bind when no provider is supplied.
var ErrNilProvider = errors.New("provider must not be nil")

// Provider is the root interface exposed to coverage consumers.
type Provider interface {
	// InterfaceVersion returns the semantic version of the contract.
	InterfaceVersion() string

	// GetExpressionsAndCounterRegions returns copies of a function's
	// expression table and region list. Unknown functions yield empty
	// slices.
	GetExpressionsAndCounterRegions(fn coverage.Function) ([]coverage.CounterExpression, []coverage.CounterRegion)

	// ProjectUpdatedBlocks projects the blocks updated since the previous
	// session through lookup and streams ids to sink.
	ProjectUpdatedBlocks(ctx context.Context, lookup coverage.ProjectorLookup, sink coverage.Sink) (*projection.Result, error)
}

// Bind validates that p implements a contract compatible with required.
//
// Description:
//
//	Performs the version handshake. Versions are semantic versions with
//	or without a leading "v". They are compatible when:
//	  - both are valid,
//	  - the majors match, and for major 0 the minors match too,
//	  - the provider is not older than required.
//
// Inputs:
//
//	p - The provider to bind.
//	required - The interface version the consumer was built against.
//
// Outputs:
//
//	Provider - p, once validated.
//	error - ErrNilProvider, or an error wrapping
//	        coverage.ErrIncompatibleVersion.
func Bind(p Provider, required string) (Provider, error) {
	if p == nil {
		return nil, ErrNilProvider
	}
	if err := CheckCompatible(p.InterfaceVersion(), required); err != nil {
		return nil, err
	}
	return p, nil
}

// CheckCompatible applies the Bind rules to two version strings.
func CheckCompatible(provided, required string) error {
	pv, rv := canonical(provided), canonical(required)

	switch {
	case !semver.IsValid(pv):
		return fmt.Errorf("%w: provider version %q is not a semantic version", coverage.ErrIncompatibleVersion, provided)
	case !semver.IsValid(rv):
		return fmt.Errorf("%w: required version %q is not a semantic version", coverage.ErrIncompatibleVersion, required)
	case semver.Major(pv) != semver.Major(rv):
		return fmt.Errorf("%w: provider %s, required %s: major versions differ", coverage.ErrIncompatibleVersion, pv, rv)
	case semver.Major(pv) == "v0" && semver.MajorMinor(pv) != semver.MajorMinor(rv):
		return fmt.Errorf("%w: provider %s, required %s: unstable minor versions differ", coverage.ErrIncompatibleVersion, pv, rv)
	case semver.Compare(pv, rv) < 0:
		return fmt.Errorf("%w: provider %s is older than required %s", coverage.ErrIncompatibleVersion, pv, rv)
	}
	return nil
}

func canonical(v string) string {
	v = strings.TrimSpace(v)
	if v != "" && !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}
