// Copyright (C) 2025 Oxbow Labs (dev@oxbowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package model

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Project is the aggregate root for a source tree under translation. It
// owns its units by value; sessions reference units by id only.
//
// The rolled-up counters (TotalFiles, TranslatedFiles, FailedFiles) are a
// cache recomputable from unit statuses via UpdateStatistics. They are never
// the source of truth.
type Project struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Path           string `json:"path"`
	TargetLanguage string `json:"target_language"`

	Units []*TranslationUnit `json:"units"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	TotalFiles      int `json:"total_files"`
	TranslatedFiles int `json:"translated_files"`
	FailedFiles     int `json:"failed_files"`

	// Config is an opaque snapshot of the configuration in effect when the
	// project was analyzed.
	Config map[string]any `json:"config,omitempty"`
}

// NewProject creates an empty project rooted at path.
func NewProject(name, path string) *Project {
	now := time.Now()
	return &Project{
		ID:             uuid.NewString(),
		Name:           name,
		Path:           path,
		TargetLanguage: "rust",
		Units:          make([]*TranslationUnit, 0),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// AddUnit appends a unit and refreshes the file counter.
func (p *Project) AddUnit(unit *TranslationUnit) {
	p.Units = append(p.Units, unit)
	p.TotalFiles = len(p.Units)
	p.UpdatedAt = time.Now()
}

// UnitsByStatus returns the units currently in the given status.
func (p *Project) UnitsByStatus(status UnitStatus) []*TranslationUnit {
	var units []*TranslationUnit
	for _, u := range p.Units {
		if u.Status == status {
			units = append(units, u)
		}
	}
	return units
}

// ReadyUnits returns the units whose project-local dependencies are all in
// the completed set.
func (p *Project) ReadyUnits(completed map[string]struct{}) []*TranslationUnit {
	var units []*TranslationUnit
	for _, u := range p.Units {
		if u.IsReady(completed, p) {
			units = append(units, u)
		}
	}
	return units
}

// UpdateStatistics recomputes the cached counters from unit statuses. The
// recompute is idempotent, so re-running it after interleaved unit updates
// always converges to the authoritative counts.
func (p *Project) UpdateStatistics() {
	p.TotalFiles = len(p.Units)
	p.TranslatedFiles = len(p.UnitsByStatus(StatusCompleted))
	p.FailedFiles = len(p.UnitsByStatus(StatusFailed))
	p.UpdatedAt = time.Now()
}

// UnitByID returns the unit with the given id, or nil.
func (p *Project) UnitByID(id string) *TranslationUnit {
	for _, u := range p.Units {
		if u.ID == id {
			return u
		}
	}
	return nil
}

// UnitResult returns the last translation result recorded for a unit.
func (p *Project) UnitResult(unitID string) *TranslationResult {
	if u := p.UnitByID(unitID); u != nil {
		return u.Result
	}
	return nil
}

// FindUnitByPath locates a unit by file path. Dependency paths recorded
// during analysis are not guaranteed to be canonical, so the lookup is
// tolerant: exact match first, then resolved absolute paths, then suffix
// containment in either direction.
func (p *Project) FindUnitByPath(path string) *TranslationUnit {
	if path == "" {
		return nil
	}
	abs, absErr := filepath.Abs(path)

	for _, u := range p.Units {
		if u.Path == path {
			return u
		}
		if absErr == nil {
			if unitAbs, err := filepath.Abs(u.Path); err == nil && unitAbs == abs {
				return u
			}
		}
	}

	// Suffix containment is last: it can cross-match same-named files in
	// different directories, so exact and resolved matches win.
	for _, u := range p.Units {
		if strings.HasSuffix(u.Path, path) || strings.HasSuffix(path, u.Path) {
			return u
		}
	}
	return nil
}
