// Copyright (C) 2025 Oxbow Labs (dev@oxbowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package model

import (
	"encoding/json"
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Status State Machine
// =============================================================================

func TestUnitStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from UnitStatus
		to   UnitStatus
		want bool
	}{
		{StatusPending, StatusInProgress, true},
		{StatusPending, StatusSkipped, true},
		{StatusPending, StatusCompleted, false},
		{StatusPending, StatusFailed, false},
		{StatusInProgress, StatusCompleted, true},
		{StatusInProgress, StatusFailed, true},
		{StatusInProgress, StatusPending, false},
		{StatusInProgress, StatusSkipped, false},
		{StatusCompleted, StatusInProgress, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusInProgress, false},
		{StatusSkipped, StatusInProgress, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestUnitStatus_Terminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusInProgress.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusSkipped.Terminal())
}

func TestTranslationUnit_Transition(t *testing.T) {
	unit := NewUnit("main.cpp", "/src/main.cpp", UnitKindPureImpl, 100)
	require.Equal(t, StatusPending, unit.Status)

	before := unit.UpdatedAt
	require.NoError(t, unit.Transition(StatusInProgress))
	assert.Equal(t, StatusInProgress, unit.Status)
	assert.False(t, unit.UpdatedAt.Before(before))

	require.NoError(t, unit.Transition(StatusCompleted))
	assert.Equal(t, StatusCompleted, unit.Status)
}

func TestTranslationUnit_Transition_Invalid(t *testing.T) {
	unit := NewUnit("main.cpp", "/src/main.cpp", UnitKindPureImpl, 100)

	err := unit.Transition(StatusCompleted)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, StatusPending, te.From)
	assert.Equal(t, StatusCompleted, te.To)

	// Status unchanged after a rejected transition.
	assert.Equal(t, StatusPending, unit.Status)
}

func TestTranslationUnit_Transition_TerminalIsFinal(t *testing.T) {
	unit := NewUnit("main.cpp", "/src/main.cpp", UnitKindPureImpl, 100)
	require.NoError(t, unit.Transition(StatusInProgress))
	require.NoError(t, unit.Transition(StatusFailed))

	assert.Error(t, unit.Transition(StatusInProgress))
	assert.Error(t, unit.Transition(StatusCompleted))
}

// =============================================================================
// Readiness
// =============================================================================

func newTestProject() (*Project, *TranslationUnit, *TranslationUnit, *TranslationUnit) {
	p := NewProject("demo", "/src")
	header := NewUnit("a.h", "/src/a.h", UnitKindPureHeader, 50)
	impl := NewUnit("a.cpp", "/src/a.cpp", UnitKindComplete, 200)
	other := NewUnit("b.cpp", "/src/b.cpp", UnitKindPureImpl, 150)

	impl.AddDependency("/src/a.h", DependencyInclude, 1)
	other.AddDependency("/src/a.h", DependencyInclude, 2)

	p.AddUnit(header)
	p.AddUnit(impl)
	p.AddUnit(other)
	return p, header, impl, other
}

func TestTranslationUnit_IsReady_NoDependencies(t *testing.T) {
	p, header, _, _ := newTestProject()
	assert.True(t, header.IsReady(map[string]struct{}{}, p))
}

func TestTranslationUnit_IsReady_BlockedThenUnblocked(t *testing.T) {
	p, header, impl, _ := newTestProject()

	completed := map[string]struct{}{}
	assert.False(t, impl.IsReady(completed, p))

	completed[header.ID] = struct{}{}
	assert.True(t, impl.IsReady(completed, p))
}

func TestTranslationUnit_IsReady_SystemIncludesIgnored(t *testing.T) {
	p := NewProject("demo", "/src")
	unit := NewUnit("main.cpp", "/src/main.cpp", UnitKindPureImpl, 100)
	unit.AddDependency("/usr/include/stdio.h", DependencyInclude, 1)
	unit.AddDependency("/usr/local/include/zlib.h", DependencyInclude, 2)
	p.AddUnit(unit)

	assert.True(t, unit.IsReady(map[string]struct{}{}, p))
}

func TestTranslationUnit_IsReady_UntrackedDependencyDoesNotBlock(t *testing.T) {
	p := NewProject("demo", "/src")
	unit := NewUnit("main.cpp", "/src/main.cpp", UnitKindPureImpl, 100)
	unit.AddDependency("/src/vendored/mystery.h", DependencyInclude, 1)
	p.AddUnit(unit)

	assert.True(t, unit.IsReady(map[string]struct{}{}, p))
}

func TestTranslationUnit_IsReady_SelfDependencyIgnored(t *testing.T) {
	p := NewProject("demo", "/src")
	unit := NewUnit("main.cpp", "/src/main.cpp", UnitKindPureImpl, 100)
	unit.AddDependency("/src/main.cpp", DependencyInclude, 1)
	p.AddUnit(unit)

	assert.True(t, unit.IsReady(map[string]struct{}{}, p))
}

func TestProject_ReadyUnits(t *testing.T) {
	p, header, impl, other := newTestProject()

	ready := p.ReadyUnits(map[string]struct{}{})
	require.Len(t, ready, 1)
	assert.Equal(t, header.ID, ready[0].ID)

	ready = p.ReadyUnits(map[string]struct{}{header.ID: {}})
	ids := []string{ready[0].ID, ready[1].ID, ready[2].ID}
	assert.Contains(t, ids, impl.ID)
	assert.Contains(t, ids, other.ID)
}

// =============================================================================
// Path Lookup
// =============================================================================

func TestProject_FindUnitByPath(t *testing.T) {
	p, header, _, _ := newTestProject()

	assert.Equal(t, header, p.FindUnitByPath("/src/a.h"))
	assert.Nil(t, p.FindUnitByPath(""))
	assert.Nil(t, p.FindUnitByPath("/src/nope.h"))

	// Suffix containment matches non-canonical dependency paths.
	assert.Equal(t, header, p.FindUnitByPath("a.h"))
}

func TestProject_FindUnitByPath_ExactBeatsSuffix(t *testing.T) {
	p := NewProject("demo", "/src")
	nested := NewUnit("util.h", "/src/lib/util.h", UnitKindPureHeader, 10)
	top := NewUnit("util.h", "/src/util.h", UnitKindPureHeader, 10)
	p.AddUnit(nested)
	p.AddUnit(top)

	assert.Equal(t, top, p.FindUnitByPath("/src/util.h"))
	assert.Equal(t, nested, p.FindUnitByPath("/src/lib/util.h"))
}

// =============================================================================
// Statistics
// =============================================================================

func TestProject_UpdateStatistics_Idempotent(t *testing.T) {
	p, header, impl, other := newTestProject()

	require.NoError(t, header.Transition(StatusInProgress))
	require.NoError(t, header.Transition(StatusCompleted))
	require.NoError(t, impl.Transition(StatusInProgress))
	require.NoError(t, impl.Transition(StatusFailed))
	_ = other

	p.UpdateStatistics()
	assert.Equal(t, 3, p.TotalFiles)
	assert.Equal(t, 1, p.TranslatedFiles)
	assert.Equal(t, 1, p.FailedFiles)

	// Recompute converges to the same counts.
	p.UpdateStatistics()
	assert.Equal(t, 1, p.TranslatedFiles)
	assert.Equal(t, 1, p.FailedFiles)
}

// =============================================================================
// Session
// =============================================================================

func TestSession_AddResult_CountsMatchSets(t *testing.T) {
	s := NewSession("proj-1", 3)

	s.AddResult(&TranslationResult{UnitID: "u1", Success: true})
	s.AddResult(&TranslationResult{UnitID: "u2", Success: false})
	s.AddResult(&TranslationResult{UnitID: "u3", Success: true})

	assert.Equal(t, len(s.CompletedUnits), s.CompletedCount)
	assert.Equal(t, len(s.FailedUnits), s.FailedCount)
	assert.Equal(t, 2, s.CompletedCount)
	assert.Equal(t, 1, s.FailedCount)
	assert.True(t, s.IsComplete())
}

func TestSession_AddResult_DuplicateUnit(t *testing.T) {
	s := NewSession("proj-1", 2)

	s.AddResult(&TranslationResult{UnitID: "u1", Success: true})
	s.AddResult(&TranslationResult{UnitID: "u1", Success: true})

	// Set semantics: the same unit counts once.
	assert.Equal(t, 1, s.CompletedCount)
	assert.Len(t, s.Results, 2)
}

func TestSession_Progress(t *testing.T) {
	s := NewSession("proj-1", 4)
	assert.Equal(t, 0.0, s.Progress())

	s.AddResult(&TranslationResult{UnitID: "u1", Success: true})
	assert.InDelta(t, 25.0, s.Progress(), 0.001)

	s.AddResult(&TranslationResult{UnitID: "u2", Success: false})
	assert.InDelta(t, 50.0, s.Progress(), 0.001)

	empty := NewSession("proj-1", 0)
	assert.Equal(t, 0.0, empty.Progress())
}

func TestSession_SerializationRoundTrip(t *testing.T) {
	s := NewSession("proj-1", 3)
	s.AddResult(&TranslationResult{UnitID: "zebra", Success: true})
	s.AddResult(&TranslationResult{UnitID: "alpha", Success: true})
	s.AddResult(&TranslationResult{UnitID: "mid", Success: false})

	s.SyncIDLists()
	assert.True(t, sort.StringsAreSorted(s.CompletedUnitIDs),
		"serialized id lists must be sorted for deterministic records")

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var loaded TranslationSession
	require.NoError(t, json.Unmarshal(data, &loaded))
	loaded.SyncSets()

	assert.Equal(t, s.CompletedUnits, loaded.CompletedUnits)
	assert.Equal(t, s.FailedUnits, loaded.FailedUnits)
	assert.Equal(t, s.CompletedCount, loaded.CompletedCount)
	assert.Equal(t, s.FailedCount, loaded.FailedCount)
}

// =============================================================================
// Enum Validity
// =============================================================================

func TestEnums_Valid(t *testing.T) {
	for _, k := range []UnitKind{UnitKindPureHeader, UnitKindPureImpl, UnitKindComplete, UnitKindTest} {
		assert.True(t, k.Valid(), string(k))
	}
	assert.False(t, UnitKind("mystery").Valid())

	for _, s := range []UnitStatus{StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusSkipped} {
		assert.True(t, s.Valid(), string(s))
	}
	assert.False(t, UnitStatus("mystery").Valid())

	for _, d := range []DependencyKind{DependencyInclude, DependencyImport, DependencyLink, DependencyRuntime} {
		assert.True(t, d.Valid(), string(d))
	}
	assert.False(t, DependencyKind("mystery").Valid())
}

func TestIsSystemPath(t *testing.T) {
	assert.True(t, IsSystemPath("/usr/include/stdio.h"))
	assert.True(t, IsSystemPath("/usr/local/include/zlib.h"))
	assert.False(t, IsSystemPath("/src/a.h"))
	assert.False(t, IsSystemPath("include/a.h"))
}
