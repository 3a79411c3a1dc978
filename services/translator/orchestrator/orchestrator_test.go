// Copyright (C) 2025 Oxbow Labs (dev@oxbowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxbowlabs/oxbow/pkg/logging"
	"github.com/oxbowlabs/oxbow/services/translator/capability"
	"github.com/oxbowlabs/oxbow/services/translator/model"
)

const sampleRust = "fn add(a: i32, b: i32) -> i32 { a + b }"

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelError, Quiet: true})
}

// stubWriter writes artifacts into a temp dir.
type stubWriter struct {
	dir string

	mu     sync.Mutex
	writes []string
}

func (w *stubWriter) WriteUnit(_ *model.Project, u *model.TranslationUnit) (string, error) {
	path := filepath.Join(w.dir, u.Name+".rs")
	if err := os.WriteFile(path, []byte(u.TranslatedContent), 0644); err != nil {
		return "", err
	}
	w.mu.Lock()
	w.writes = append(w.writes, u.Name)
	w.mu.Unlock()
	return path, nil
}

func (w *stubWriter) ProjectDir(_ *model.Project) string { return w.dir }

// stubStore counts checkpoint calls.
type stubStore struct {
	mu       sync.Mutex
	projects int
	sessions int
}

func (s *stubStore) SaveProject(_ *model.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects++
	return nil
}

func (s *stubStore) SaveSession(_ *model.TranslationSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions++
	return nil
}

// chainProject builds a.h ← a.cpp, a.h ← b.cpp with preloaded source.
func chainProject() *model.Project {
	p := model.NewProject("demo", "/src")
	header := model.NewUnit("a.h", "/src/a.h", model.UnitKindPureHeader, 50)
	impl := model.NewUnit("a.cpp", "/src/a.cpp", model.UnitKindComplete, 200)
	other := model.NewUnit("b.cpp", "/src/b.cpp", model.UnitKindPureImpl, 150)

	impl.AddDependency("/src/a.h", model.DependencyInclude, 1)
	other.AddDependency("/src/a.h", model.DependencyInclude, 1)

	for _, u := range []*model.TranslationUnit{header, impl, other} {
		u.OriginalContent = "int add(int a, int b) { return a + b; }\n"
		p.AddUnit(u)
	}
	return p
}

// =============================================================================
// End-to-End Runs
// =============================================================================

func TestRun_DependencyOrder(t *testing.T) {
	project := chainProject()
	session := model.NewSession(project.ID, len(project.Units))
	translator := capability.NewMockTranslator(sampleRust, 0.9)

	o, err := New(Options{
		Config:     Config{GateWidth: 1, DependencyWaitTimeout: 5 * time.Second},
		Translator: translator,
		Logger:     testLogger(),
	})
	require.NoError(t, err)

	require.NoError(t, o.Run(context.Background(), project, session))

	assert.Equal(t, 3, session.CompletedCount)
	assert.Zero(t, session.FailedCount)
	for _, u := range project.Units {
		assert.Equal(t, model.StatusCompleted, u.Status, u.Name)
		assert.Equal(t, sampleRust, u.TranslatedContent, u.Name)
	}
	assert.Equal(t, 3, project.TranslatedFiles)

	// The header has no dependencies and must be translated before either
	// dependent is admitted.
	require.GreaterOrEqual(t, translator.CallCount(), 3)
	assert.Equal(t, "a.h", translator.Requests[0].UnitName)
}

// perUnitTranslator fails the units named in failing and succeeds otherwise.
type perUnitTranslator struct {
	failing map[string]error
}

func (p *perUnitTranslator) Translate(_ context.Context, req capability.TranslateRequest) (*capability.TranslateResult, error) {
	if err, ok := p.failing[req.UnitName]; ok {
		return nil, err
	}
	return &capability.TranslateResult{Output: sampleRust, Confidence: 0.9}, nil
}

func TestRun_FailureDoesNotAbortSiblings(t *testing.T) {
	project := model.NewProject("demo", "/src")
	bad := model.NewUnit("bad.cpp", "/src/bad.cpp", model.UnitKindPureImpl, 10)
	good := model.NewUnit("good.cpp", "/src/good.cpp", model.UnitKindPureImpl, 10)
	bad.OriginalContent = "int x;\n"
	good.OriginalContent = "int y;\n"
	project.AddUnit(bad)
	project.AddUnit(good)
	session := model.NewSession(project.ID, 2)

	translator := &perUnitTranslator{
		failing: map[string]error{"bad.cpp": errors.New("model unavailable")},
	}

	o, err := New(Options{
		Config:     Config{DependencyWaitTimeout: time.Second},
		Translator: translator,
		Logger:     testLogger(),
	})
	require.NoError(t, err)

	require.NoError(t, o.Run(context.Background(), project, session))

	assert.Equal(t, model.StatusFailed, bad.Status)
	assert.Contains(t, bad.ErrorMessage, "model unavailable")
	assert.Equal(t, model.StatusCompleted, good.Status)
	assert.Equal(t, 1, session.CompletedCount)
	assert.Equal(t, 1, session.FailedCount)
}

func TestRun_ResumeSkipsTerminalUnits(t *testing.T) {
	project := chainProject()
	header := project.Units[0]
	header.Status = model.StatusCompleted
	header.TranslatedContent = sampleRust

	session := model.NewSession(project.ID, len(project.Units))
	session.AddResult(&model.TranslationResult{UnitID: header.ID, Success: true})

	translator := capability.NewMockTranslator(sampleRust, 0.9)
	o, err := New(Options{
		Config:     Config{DependencyWaitTimeout: 5 * time.Second},
		Translator: translator,
		Logger:     testLogger(),
	})
	require.NoError(t, err)

	require.NoError(t, o.Run(context.Background(), project, session))

	// The completed header seeds the board; only the two dependents run.
	assert.Equal(t, 2, translator.CallCount())
	assert.Equal(t, 3, session.CompletedCount)
}

func TestRun_WaitTimeout_ProceedsByDefault(t *testing.T) {
	project := chainProject()
	// The header never completes: it failed in an earlier run.
	project.Units[0].Status = model.StatusFailed

	session := model.NewSession(project.ID, len(project.Units))
	translator := capability.NewMockTranslator(sampleRust, 0.9)

	o, err := New(Options{
		Config:     Config{DependencyWaitTimeout: 20 * time.Millisecond},
		Translator: translator,
		Logger:     testLogger(),
	})
	require.NoError(t, err)

	require.NoError(t, o.Run(context.Background(), project, session))

	// Dependents time out waiting, proceed anyway, and complete.
	assert.Equal(t, model.StatusCompleted, project.Units[1].Status)
	assert.Equal(t, model.StatusCompleted, project.Units[2].Status)
}

func TestRun_WaitTimeout_FailPolicy(t *testing.T) {
	project := chainProject()
	project.Units[0].Status = model.StatusFailed

	session := model.NewSession(project.ID, len(project.Units))
	translator := capability.NewMockTranslator(sampleRust, 0.9)

	o, err := New(Options{
		Config: Config{
			DependencyWaitTimeout: 20 * time.Millisecond,
			FailOnWaitTimeout:     true,
		},
		Translator: translator,
		Logger:     testLogger(),
	})
	require.NoError(t, err)

	require.NoError(t, o.Run(context.Background(), project, session))

	for _, u := range project.Units[1:] {
		assert.Equal(t, model.StatusFailed, u.Status, u.Name)
		require.NotNil(t, u.Result, u.Name)
		assert.Equal(t, true, u.Result.Metadata["wait_timeout"], u.Name)
	}
	assert.Zero(t, translator.CallCount())

	// The session counts the two timed-out units; the project statistics,
	// recomputed from unit statuses, additionally see the pre-failed
	// dependency. A timed-out unit really reaches failed instead of being
	// rejected by the state machine and left pending.
	assert.Equal(t, 2, session.FailedCount)
	assert.Equal(t, 3, project.FailedFiles)
}

func TestRun_ContextCancellation(t *testing.T) {
	project := chainProject()
	session := model.NewSession(project.ID, len(project.Units))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o, err := New(Options{
		Translator: capability.NewMockTranslator(sampleRust, 0.9),
		Logger:     testLogger(),
	})
	require.NoError(t, err)

	err = o.Run(ctx, project, session)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_Checkpoints(t *testing.T) {
	project := chainProject()
	session := model.NewSession(project.ID, len(project.Units))
	store := &stubStore{}

	o, err := New(Options{
		Config:     Config{DependencyWaitTimeout: 5 * time.Second, CheckpointEvery: 1},
		Translator: capability.NewMockTranslator(sampleRust, 0.9),
		Store:      store,
		Logger:     testLogger(),
	})
	require.NoError(t, err)

	require.NoError(t, o.Run(context.Background(), project, session))

	// One checkpoint per terminal unit plus the final one.
	store.mu.Lock()
	defer store.mu.Unlock()
	assert.GreaterOrEqual(t, store.projects, 4)
	assert.Equal(t, store.projects, store.sessions)
}

func TestNew_RequiresTranslator(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

// marshalingStore serializes records the way the durable store does, so a
// checkpoint here reads every unit field while sibling pipelines are writing
// theirs. Run with -race to catch unguarded unit mutations.
type marshalingStore struct {
	mu       sync.Mutex
	projects int
	sessions int
}

func (s *marshalingStore) SaveProject(p *model.Project) error {
	if _, err := json.Marshal(p); err != nil {
		return err
	}
	s.mu.Lock()
	s.projects++
	s.mu.Unlock()
	return nil
}

func (s *marshalingStore) SaveSession(sess *model.TranslationSession) error {
	if _, err := json.Marshal(sess); err != nil {
		return err
	}
	s.mu.Lock()
	s.sessions++
	s.mu.Unlock()
	return nil
}

func TestRun_CheckpointMarshalDuringConcurrentPipelines(t *testing.T) {
	project := model.NewProject("demo", "/src")
	for i := 0; i < 64; i++ {
		u := model.NewUnit(fmt.Sprintf("u%02d.cpp", i), fmt.Sprintf("/src/u%02d.cpp", i), model.UnitKindPureImpl, 10)
		u.OriginalContent = "int x;\n"
		project.AddUnit(u)
	}
	session := model.NewSession(project.ID, len(project.Units))
	store := &marshalingStore{}

	o, err := New(Options{
		Config:     Config{GateWidth: 16, CheckpointEvery: 1, DependencyWaitTimeout: 5 * time.Second},
		Translator: capability.NewMockTranslator(sampleRust, 0.9),
		Store:      store,
		Logger:     testLogger(),
	})
	require.NoError(t, err)

	require.NoError(t, o.Run(context.Background(), project, session))

	assert.Equal(t, 64, session.CompletedCount)
	assert.Equal(t, 64, project.TranslatedFiles)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.GreaterOrEqual(t, store.projects, 64)
	assert.Equal(t, store.projects, store.sessions)
}

// =============================================================================
// Translation Attempt Loop
// =============================================================================

func TestRun_BestEffortBelowThreshold(t *testing.T) {
	project := model.NewProject("demo", "/src")
	unit := model.NewUnit("a.cpp", "/src/a.cpp", model.UnitKindPureImpl, 10)
	unit.OriginalContent = "int x;\n"
	project.AddUnit(unit)
	session := model.NewSession(project.ID, 1)

	// Confidence stays below the 0.7 threshold; the loop keeps the best
	// candidate and ships it once half the retry budget is spent.
	translator := capability.NewMockTranslator(sampleRust, 0.4)

	o, err := New(Options{
		Translator: translator,
		Logger:     testLogger(),
	})
	require.NoError(t, err)

	require.NoError(t, o.Run(context.Background(), project, session))

	assert.Equal(t, model.StatusCompleted, unit.Status)
	require.NotNil(t, unit.Result)
	assert.Equal(t, true, unit.Result.Metadata["best_effort"])
	assert.Equal(t, sampleRust, unit.TranslatedContent)
	assert.Greater(t, translator.CallCount(), 1)
}

func TestRun_RejectsShortOutput(t *testing.T) {
	project := model.NewProject("demo", "/src")
	unit := model.NewUnit("a.cpp", "/src/a.cpp", model.UnitKindPureImpl, 10)
	unit.OriginalContent = "int x;\n"
	project.AddUnit(unit)
	session := model.NewSession(project.ID, 1)

	// Every response is implausibly short; no candidate survives.
	translator := capability.NewMockTranslator("ok", 0.99)

	o, err := New(Options{
		Translator: translator,
		Logger:     testLogger(),
	})
	require.NoError(t, err)

	require.NoError(t, o.Run(context.Background(), project, session))

	assert.Equal(t, model.StatusFailed, unit.Status)
	assert.Contains(t, unit.ErrorMessage, "output too short")
	require.NotNil(t, unit.Result)
	require.NotEmpty(t, unit.Result.Attempts)
	assert.Equal(t, 2, unit.Result.Attempts[0].OutputLength)
}

func TestRun_HighConfidenceAcceptsFirstAttempt(t *testing.T) {
	project := model.NewProject("demo", "/src")
	unit := model.NewUnit("a.cpp", "/src/a.cpp", model.UnitKindPureImpl, 10)
	unit.OriginalContent = "int x;\n"
	project.AddUnit(unit)
	session := model.NewSession(project.ID, 1)

	translator := capability.NewMockTranslator(sampleRust, 0.95)
	o, err := New(Options{Translator: translator, Logger: testLogger()})
	require.NoError(t, err)

	require.NoError(t, o.Run(context.Background(), project, session))

	assert.Equal(t, 1, translator.CallCount())
	require.NotNil(t, unit.Result)
	assert.Equal(t, 0.95, unit.Result.Metadata["confidence"])
	assert.NotContains(t, unit.Result.Metadata, "best_effort")

	// The request carries the unit kind and strategy for prompting.
	req := translator.Requests[0]
	assert.Equal(t, string(model.UnitKindPureImpl), req.Context["kind"])
	assert.Equal(t, StrategySinglePass, req.Context["strategy"])
}

// =============================================================================
// Verify-Fix Loop
// =============================================================================

func TestRun_VerifyFixConverges(t *testing.T) {
	project := model.NewProject("demo", "/src")
	unit := model.NewUnit("a.cpp", "/src/a.cpp", model.UnitKindPureImpl, 10)
	unit.OriginalContent = "int x;\n"
	project.AddUnit(unit)
	session := model.NewSession(project.ID, 1)

	fixedCode := "fn add(a: i32, b: i32) -> i32 {\n    a + b\n}"
	verifier := capability.NewMockVerifier().
		QueueErrors(capability.Diagnostic{Message: "mismatched types", File: "a.cpp.rs"})
	// Second VerifyFile (after the fix) returns the clean default.
	fixer := capability.NewMockFixer().QueueFix(fixedCode)
	writer := &stubWriter{dir: t.TempDir()}

	o, err := New(Options{
		Translator: capability.NewMockTranslator(sampleRust, 0.9),
		Verifier:   verifier,
		Fixer:      fixer,
		Writer:     writer,
		Logger:     testLogger(),
	})
	require.NoError(t, err)

	require.NoError(t, o.Run(context.Background(), project, session))

	assert.Equal(t, model.StatusCompleted, unit.Status)
	assert.Equal(t, fixedCode, unit.TranslatedContent)

	require.NotNil(t, unit.Result)
	comp, ok := unit.Result.Metadata["compilation"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, comp["success"])

	// The fixer saw the original candidate and the reported diagnostic.
	require.Len(t, fixer.Requests, 1)
	assert.Equal(t, sampleRust, fixer.Requests[0].Code)
	assert.Equal(t, "mismatched types", fixer.Requests[0].Errors[0].Message)

	// The converged code landed on disk.
	onDisk, err := os.ReadFile(filepath.Join(writer.dir, "a.cpp.rs"))
	require.NoError(t, err)
	assert.Equal(t, fixedCode, string(onDisk))
}

func TestRun_VerifyFixExhausted(t *testing.T) {
	project := model.NewProject("demo", "/src")
	unit := model.NewUnit("a.cpp", "/src/a.cpp", model.UnitKindPureImpl, 10)
	unit.OriginalContent = "int x;\n"
	project.AddUnit(unit)
	session := model.NewSession(project.ID, 1)

	// Every verification round keeps failing.
	verifier := capability.NewMockVerifier()
	for i := 0; i < 10; i++ {
		verifier.QueueErrors(capability.Diagnostic{Message: "still broken", File: "a.cpp.rs"})
	}
	writer := &stubWriter{dir: t.TempDir()}

	o, err := New(Options{
		Config:     Config{MaxFixRounds: 2},
		Translator: capability.NewMockTranslator(sampleRust, 0.9),
		Verifier:   verifier,
		Fixer:      capability.NewMockFixer(),
		Writer:     writer,
		Logger:     testLogger(),
	})
	require.NoError(t, err)

	require.NoError(t, o.Run(context.Background(), project, session))

	// An exhausted fix loop annotates the result but still ships the unit.
	assert.Equal(t, model.StatusCompleted, unit.Status)
	comp, ok := unit.Result.Metadata["compilation"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, false, comp["success"])
	assert.Equal(t, 1, comp["error_count"])
}

func TestRun_HeaderSkipsVerification(t *testing.T) {
	project := model.NewProject("demo", "/src")
	unit := model.NewUnit("a.h", "/src/a.h", model.UnitKindPureHeader, 10)
	unit.OriginalContent = "int add(int, int);\n"
	project.AddUnit(unit)
	session := model.NewSession(project.ID, 1)

	verifier := capability.NewMockVerifier()
	writer := &stubWriter{dir: t.TempDir()}

	o, err := New(Options{
		Translator: capability.NewMockTranslator(sampleRust, 0.9),
		Verifier:   verifier,
		Writer:     writer,
		Logger:     testLogger(),
	})
	require.NoError(t, err)

	require.NoError(t, o.Run(context.Background(), project, session))

	assert.Equal(t, model.StatusCompleted, unit.Status)
	assert.Empty(t, verifier.Files)

	comp, ok := unit.Result.Metadata["compilation"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, comp["success"])
	assert.Contains(t, comp, "skipped")
}

func TestRunFixLoop_FixerErrorKeepsLastCandidate(t *testing.T) {
	writer := &stubWriter{dir: t.TempDir()}
	o, err := New(Options{
		Translator: capability.NewMockTranslator(sampleRust, 0.9),
		Verifier:   capability.NewMockVerifier(),
		Fixer:      capability.NewMockFixer().QueueError(errors.New("fixer down")),
		Writer:     writer,
		Logger:     testLogger(),
	})
	require.NoError(t, err)

	diags := []capability.Diagnostic{{Message: "boom"}}
	outcome := o.runFixLoop(context.Background(), "original code", diags, filepath.Join(writer.dir, "x.rs"), writer.dir)

	assert.False(t, outcome.Success)
	assert.Equal(t, "original code", outcome.Code)
	assert.Equal(t, 1, outcome.Rounds)
}

func TestCapDiagnostics(t *testing.T) {
	o, err := New(Options{
		Config:     Config{MaxErrorsPerFix: 2},
		Translator: capability.NewMockTranslator(sampleRust, 0.9),
		Logger:     testLogger(),
	})
	require.NoError(t, err)

	diags := []capability.Diagnostic{{Message: "1"}, {Message: "2"}, {Message: "3"}}
	capped := o.capDiagnostics(diags)
	assert.Len(t, capped, 2)

	assert.Len(t, o.capDiagnostics(diags[:1]), 1)
}

func TestRelevantDiagnostics(t *testing.T) {
	diags := []capability.Diagnostic{
		{Message: "mine", File: "src/a.rs"},
		{Message: "other file", File: "src/b.rs"},
		{Message: "spanless"},
	}

	kept := relevantDiagnostics(diags, "/out/demo/src/a.rs")
	require.Len(t, kept, 2)
	assert.Equal(t, "mine", kept[0].Message)
	assert.Equal(t, "spanless", kept[1].Message)
}
