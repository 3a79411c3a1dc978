// Copyright (C) 2025 Oxbow Labs (dev@oxbowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package model defines the persistent entities of the translation pipeline:
// projects, translation units, sessions, results and snapshots.
//
// The JSON field names and enum string values in this package are the wire
// contract for persisted records. External tooling (progress viewers, resume
// commands) parses them; renaming any of them is a breaking change.
package model

import (
	"errors"
	"fmt"
	"strings"
)

// UnitKind classifies a translation unit by its role in the source tree.
type UnitKind string

const (
	// UnitKindPureHeader is a header file with no matching implementation.
	UnitKindPureHeader UnitKind = "pure_header"

	// UnitKindPureImpl is an implementation file with no matching header.
	UnitKindPureImpl UnitKind = "pure_impl"

	// UnitKindComplete is an implementation file paired with a header.
	UnitKindComplete UnitKind = "complete"

	// UnitKindTest is a test source file.
	UnitKindTest UnitKind = "test"
)

// Valid reports whether k is a known unit kind.
func (k UnitKind) Valid() bool {
	switch k {
	case UnitKindPureHeader, UnitKindPureImpl, UnitKindComplete, UnitKindTest:
		return true
	}
	return false
}

// UnitStatus is the lifecycle state of a translation unit.
//
// The state machine is:
//
//	pending → in_progress → {completed, failed}
//	pending → skipped
//
// There is no transition out of a terminal state.
type UnitStatus string

const (
	StatusPending    UnitStatus = "pending"
	StatusInProgress UnitStatus = "in_progress"
	StatusCompleted  UnitStatus = "completed"
	StatusFailed     UnitStatus = "failed"
	StatusSkipped    UnitStatus = "skipped"
)

// Valid reports whether s is a known status value.
func (s UnitStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal status.
func (s UnitStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// CanTransition reports whether the state machine permits s → to.
func (s UnitStatus) CanTransition(to UnitStatus) bool {
	switch s {
	case StatusPending:
		return to == StatusInProgress || to == StatusSkipped
	case StatusInProgress:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// DependencyKind classifies a dependency edge.
type DependencyKind string

const (
	DependencyInclude DependencyKind = "include"
	DependencyImport  DependencyKind = "import"
	DependencyLink    DependencyKind = "link"
	DependencyRuntime DependencyKind = "runtime"
)

// Valid reports whether k is a known dependency kind.
func (k DependencyKind) Valid() bool {
	switch k {
	case DependencyInclude, DependencyImport, DependencyLink, DependencyRuntime:
		return true
	}
	return false
}

// Dependency is a directional edge from one file to another. It is immutable
// once created.
type Dependency struct {
	// Source is the path of the file declaring the dependency.
	Source string `json:"source"`

	// Target is the resolved path of the dependency.
	Target string `json:"target"`

	// Kind is the dependency classification.
	Kind DependencyKind `json:"kind"`

	// Line is the 1-based line where the dependency is declared, if known.
	Line int `json:"line,omitempty"`

	// Context is optional surrounding text for diagnostics.
	Context string `json:"context,omitempty"`
}

// SystemIncludeRoots are the resolution roots treated as outside the project.
// Dependencies resolved under these roots never gate unit readiness.
var SystemIncludeRoots = []string{
	"/usr/include",
	"/usr/local/include",
}

// IsSystemPath reports whether path resolves under a system include root.
func IsSystemPath(path string) bool {
	for _, root := range SystemIncludeRoots {
		if strings.HasPrefix(path, root) {
			return true
		}
	}
	return false
}

// Sentinel errors shared by model consumers.
var (
	// ErrInvalidTransition is returned for a disallowed status change.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrUnitNotFound is returned when a unit lookup fails.
	ErrUnitNotFound = errors.New("unit not found")
)

// TransitionError carries the offending pair for diagnostics.
type TransitionError struct {
	From UnitStatus
	To   UnitStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s → %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
