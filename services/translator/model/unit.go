// Copyright (C) 2025 Oxbow Labs (dev@oxbowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package model

import (
	"time"

	"github.com/google/uuid"
)

// TranslationUnit is one source file tracked through the pipeline.
//
// Invariants:
//   - Status == StatusCompleted implies TranslatedContent is non-empty.
//   - Status == StatusFailed implies ErrorMessage is set; TranslatedContent
//     may still hold a best-effort artifact.
type TranslationUnit struct {
	ID     string     `json:"id"`
	Name   string     `json:"name"`
	Path   string     `json:"path"`
	Kind   UnitKind   `json:"kind"`
	Status UnitStatus `json:"status"`

	// OriginalContent is lazily loaded from disk by the pipeline.
	OriginalContent string `json:"original_content,omitempty"`

	// TranslatedContent is nil-equivalent (empty) until success or a
	// partial-failure write.
	TranslatedContent string `json:"translated_content,omitempty"`

	// Dependencies are the unit's outbound edges in declaration order.
	Dependencies []Dependency `json:"dependencies"`

	// Dependents lists paths of units depending on this one. Informational
	// inverse edges; readiness is computed from Dependencies only.
	Dependents []string `json:"dependents"`

	Size            int64   `json:"size"`
	ComplexityScore float64 `json:"complexity_score"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// TranslationTime is the wall-clock duration of the last translation,
	// in seconds.
	TranslationTime float64 `json:"translation_time,omitempty"`

	ErrorMessage string  `json:"error_message,omitempty"`
	QualityScore float64 `json:"quality_score,omitempty"`

	// Result is the last translation result, if any.
	Result *TranslationResult `json:"translation_result,omitempty"`
}

// NewUnit creates a pending unit for the given file.
func NewUnit(name, path string, kind UnitKind, size int64) *TranslationUnit {
	now := time.Now()
	return &TranslationUnit{
		ID:           uuid.NewString(),
		Name:         name,
		Path:         path,
		Kind:         kind,
		Status:       StatusPending,
		Dependencies: make([]Dependency, 0),
		Dependents:   make([]string, 0),
		Size:         size,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// AddDependency records an outbound edge from this unit.
func (u *TranslationUnit) AddDependency(target string, kind DependencyKind, line int) {
	u.Dependencies = append(u.Dependencies, Dependency{
		Source: u.Path,
		Target: target,
		Kind:   kind,
		Line:   line,
	})
}

// DependencyPaths returns the target paths of all outbound edges.
func (u *TranslationUnit) DependencyPaths() []string {
	paths := make([]string, 0, len(u.Dependencies))
	for _, dep := range u.Dependencies {
		paths = append(paths, dep.Target)
	}
	return paths
}

// ProjectDependencyPaths returns outbound edge targets that are not under a
// system include root. Only these gate readiness.
func (u *TranslationUnit) ProjectDependencyPaths() []string {
	paths := make([]string, 0, len(u.Dependencies))
	for _, dep := range u.Dependencies {
		if !IsSystemPath(dep.Target) {
			paths = append(paths, dep.Target)
		}
	}
	return paths
}

// IsReady reports whether every project-local dependency of this unit names
// a unit whose id is in completed. Dependency paths recorded at analysis
// time may not be canonical, so the lookup goes through
// Project.FindUnitByPath (exact, resolved, then suffix matching).
//
// A dependency path that matches no unit at all does not block readiness;
// it references an untracked file.
func (u *TranslationUnit) IsReady(completed map[string]struct{}, p *Project) bool {
	deps := u.ProjectDependencyPaths()
	if len(deps) == 0 {
		return true
	}
	for _, depPath := range deps {
		depUnit := p.FindUnitByPath(depPath)
		if depUnit == nil || depUnit.ID == u.ID {
			continue
		}
		if _, ok := completed[depUnit.ID]; !ok {
			return false
		}
	}
	return true
}

// Transition moves the unit to the given status, enforcing the state
// machine. UpdatedAt is refreshed on success.
func (u *TranslationUnit) Transition(to UnitStatus) error {
	if !u.Status.CanTransition(to) {
		return &TransitionError{From: u.Status, To: to}
	}
	u.Status = to
	u.UpdatedAt = time.Now()
	return nil
}
