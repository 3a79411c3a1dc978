// Copyright (C) 2025 Oxbow Labs (dev@oxbowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package model

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Attempt is the transcript of one translation attempt, kept for audit.
type Attempt struct {
	// TuningValue is the exploration parameter used for the attempt.
	TuningValue float64 `json:"tuning_value"`

	Success    bool    `json:"success"`
	Confidence float64 `json:"confidence,omitempty"`
	Error      string  `json:"error,omitempty"`

	// OutputLength is the length of the candidate output, for rejected
	// candidates it explains why they were discarded.
	OutputLength int `json:"output_length,omitempty"`
}

// TranslationResult is the outcome of one unit's processing.
type TranslationResult struct {
	UnitID            string  `json:"unit_id"`
	Success           bool    `json:"success"`
	TranslatedContent string  `json:"translated_content,omitempty"`
	ErrorMessage      string  `json:"error_message,omitempty"`
	TranslationTime   float64 `json:"translation_time"`
	QualityScore      float64 `json:"quality_score,omitempty"`

	// Metadata carries free-form result context: strategy label, tuning
	// value, attempt count, compilation summary, best-effort marker.
	Metadata map[string]any `json:"metadata,omitempty"`

	// Attempts are the ordered per-attempt transcripts.
	Attempts []Attempt `json:"attempts,omitempty"`
}

// TranslationSession is one orchestration run over a project.
//
// Invariants: CompletedCount == len(CompletedUnits) and
// FailedCount == len(FailedUnits) after every AddResult.
type TranslationSession struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// CurrentUnit is the most recently dispatched unit id. Informational.
	CurrentUnit string `json:"current_unit,omitempty"`

	CompletedUnits map[string]struct{} `json:"-"`
	FailedUnits    map[string]struct{} `json:"-"`

	// CompletedUnitIDs/FailedUnitIDs are the serialized forms of the sets.
	CompletedUnitIDs []string `json:"completed_units"`
	FailedUnitIDs    []string `json:"failed_units"`

	Results []*TranslationResult `json:"results"`

	TotalUnits     int `json:"total_units"`
	CompletedCount int `json:"completed_count"`
	FailedCount    int `json:"failed_count"`
}

// NewSession creates a session over the given project.
func NewSession(projectID string, totalUnits int) *TranslationSession {
	return &TranslationSession{
		ID:             uuid.NewString(),
		ProjectID:      projectID,
		StartedAt:      time.Now(),
		CompletedUnits: make(map[string]struct{}),
		FailedUnits:    make(map[string]struct{}),
		Results:        make([]*TranslationResult, 0),
		TotalUnits:     totalUnits,
	}
}

// AddResult records a unit outcome and updates the derived sets and counts.
func (s *TranslationSession) AddResult(result *TranslationResult) {
	s.Results = append(s.Results, result)
	if result.Success {
		s.CompletedUnits[result.UnitID] = struct{}{}
	} else {
		s.FailedUnits[result.UnitID] = struct{}{}
	}
	s.CompletedCount = len(s.CompletedUnits)
	s.FailedCount = len(s.FailedUnits)
}

// IsComplete reports whether every unit has reached a terminal outcome.
func (s *TranslationSession) IsComplete() bool {
	return s.CompletedCount+s.FailedCount >= s.TotalUnits
}

// Progress returns completion as a percentage in [0, 100].
func (s *TranslationSession) Progress() float64 {
	if s.TotalUnits == 0 {
		return 0
	}
	return float64(s.CompletedCount+s.FailedCount) / float64(s.TotalUnits) * 100
}

// SyncIDLists refreshes the serialized id slices from the in-memory sets.
// Call before persisting.
func (s *TranslationSession) SyncIDLists() {
	s.CompletedUnitIDs = setToSlice(s.CompletedUnits)
	s.FailedUnitIDs = setToSlice(s.FailedUnits)
}

// SyncSets rebuilds the in-memory sets from the serialized id slices.
// Call after loading.
func (s *TranslationSession) SyncSets() {
	s.CompletedUnits = sliceToSet(s.CompletedUnitIDs)
	s.FailedUnits = sliceToSet(s.FailedUnitIDs)
	s.CompletedCount = len(s.CompletedUnits)
	s.FailedCount = len(s.FailedUnits)
}

// StateSnapshot is an immutable point-in-time capture of a session, used
// solely for pause/resume. It is never mutated after creation.
type StateSnapshot struct {
	Timestamp time.Time `json:"timestamp"`
	ProjectID string    `json:"project_id"`
	SessionID string    `json:"session_id"`

	CompletedUnits []string `json:"completed_units"`
	FailedUnits    []string `json:"failed_units"`
	CurrentUnit    string   `json:"current_unit,omitempty"`

	// Progress is the session completion percentage at capture time.
	Progress float64 `json:"progress"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// setToSlice returns the set as a sorted slice so serialized records are
// deterministic.
func setToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func sliceToSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
