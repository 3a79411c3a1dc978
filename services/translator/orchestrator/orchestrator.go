// Copyright (C) 2025 Oxbow Labs (dev@oxbowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package orchestrator runs concurrent unit pipelines over a project: a
// bounded-parallelism admission gate, dependency-order readiness via
// completion signals, a tuning-value retry loop around the translation
// capability, and a verify-fix loop against the compiler capability.
//
// Per-unit failures never abort sibling pipelines. Only context cancellation
// stops the run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/oxbowlabs/oxbow/pkg/logging"
	"github.com/oxbowlabs/oxbow/services/translator/capability"
	"github.com/oxbowlabs/oxbow/services/translator/model"
	"github.com/oxbowlabs/oxbow/services/translator/tuning"
)

// Config holds the orchestration knobs. Zero values are replaced by
// DefaultConfig values in New.
type Config struct {
	// GateWidth is the admission gate size: at most this many units run the
	// translate/verify/fix section simultaneously. Dependency waiting does
	// not occupy a slot.
	GateWidth int `yaml:"gate_width"`

	// DependencyWaitTimeout bounds how long a unit waits for its
	// dependencies before the timeout policy applies.
	DependencyWaitTimeout time.Duration `yaml:"dependency_wait_timeout"`

	// FailOnWaitTimeout marks a unit failed when its dependency wait times
	// out. The default is to proceed with a warning; translating against
	// incomplete context degrades quality but makes progress.
	FailOnWaitTimeout bool `yaml:"fail_on_wait_timeout"`

	// ConfidenceThreshold is the acceptance bar for a translation attempt.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`

	// MinOutputLength rejects implausibly short capability output.
	MinOutputLength int `yaml:"min_output_length"`

	// CheckpointEvery persists project state every N terminal units, in
	// addition to the immediate checkpoint on each terminal transition.
	CheckpointEvery int `yaml:"checkpoint_every"`

	// MaxFixRounds bounds the verify-fix loop per unit.
	MaxFixRounds int `yaml:"max_fix_rounds"`

	// MaxErrorsPerFix bounds the diagnostics sent per fix request.
	MaxErrorsPerFix int `yaml:"max_errors_per_fix"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		GateWidth:             5,
		DependencyWaitTimeout: 5 * time.Minute,
		ConfidenceThreshold:   0.7,
		MinOutputLength:       10,
		CheckpointEvery:       5,
		MaxFixRounds:          5,
		MaxErrorsPerFix:       20,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.GateWidth <= 0 {
		c.GateWidth = def.GateWidth
	}
	if c.DependencyWaitTimeout <= 0 {
		c.DependencyWaitTimeout = def.DependencyWaitTimeout
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = def.ConfidenceThreshold
	}
	if c.MinOutputLength <= 0 {
		c.MinOutputLength = def.MinOutputLength
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = def.CheckpointEvery
	}
	if c.MaxFixRounds <= 0 {
		c.MaxFixRounds = def.MaxFixRounds
	}
	if c.MaxErrorsPerFix <= 0 {
		c.MaxErrorsPerFix = def.MaxErrorsPerFix
	}
	return c
}

// OutputWriter emits translated artifacts as units complete.
type OutputWriter interface {
	// WriteUnit writes the unit's translated content into the project
	// output tree and returns the written path.
	WriteUnit(p *model.Project, u *model.TranslationUnit) (string, error)

	// ProjectDir returns the output directory for the project.
	ProjectDir(p *model.Project) string
}

// Checkpointer persists project and session state. *state.Manager satisfies
// it.
type Checkpointer interface {
	SaveProject(p *model.Project) error
	SaveSession(s *model.TranslationSession) error
}

// Orchestrator coordinates unit pipelines. Construct with New; all
// collaborators are injected, nothing is process-global.
type Orchestrator struct {
	cfg        Config
	translator capability.Translator
	verifier   capability.Verifier
	fixer      capability.Fixer
	writer     OutputWriter
	store      Checkpointer
	optimizer  *tuning.Optimizer
	logger     *logging.Logger

	board *completionBoard

	// aggMu guards the project/session aggregates shared across pipelines.
	aggMu sync.Mutex
}

// Options carries the orchestrator's collaborators. Translator is required;
// the rest degrade gracefully: no Verifier skips the verify-fix loop, no
// Writer skips artifact emission, no Checkpointer skips persistence.
type Options struct {
	Config     Config
	Translator capability.Translator
	Verifier   capability.Verifier
	Fixer      capability.Fixer
	Writer     OutputWriter
	Store      Checkpointer
	Optimizer  *tuning.Optimizer
	Logger     *logging.Logger
}

// New creates an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Translator == nil {
		return nil, errors.New("translator capability is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	optimizer := opts.Optimizer
	if optimizer == nil {
		optimizer = tuning.NewOptimizer(0.0)
	}
	return &Orchestrator{
		cfg:        opts.Config.withDefaults(),
		translator: opts.Translator,
		verifier:   opts.Verifier,
		fixer:      opts.Fixer,
		writer:     opts.Writer,
		store:      opts.Store,
		optimizer:  optimizer,
		logger:     logger,
		board:      newCompletionBoard(),
	}, nil
}

// Run translates every non-terminal unit in the project, recording outcomes
// into the session. Units already terminal (a resumed run) seed the
// completion board and are skipped.
func (o *Orchestrator) Run(ctx context.Context, project *model.Project, session *model.TranslationSession) error {
	if project == nil || session == nil {
		return errors.New("project and session must not be nil")
	}

	for _, u := range project.Units {
		if u.Status == model.StatusCompleted {
			o.board.MarkCompleted(u.ID)
		}
	}

	o.logger.Info("orchestration started",
		"project", project.Name,
		"units", len(project.Units),
		"gate_width", o.cfg.GateWidth,
	)

	gate := semaphore.NewWeighted(int64(o.cfg.GateWidth))
	g, gctx := errgroup.WithContext(ctx)

	for _, unit := range project.Units {
		if unit.Status.Terminal() {
			continue
		}
		g.Go(func() error {
			return o.runPipeline(gctx, gate, project, session, unit)
		})
	}

	err := g.Wait()

	o.aggMu.Lock()
	project.UpdateStatistics()
	o.aggMu.Unlock()
	o.checkpoint(project, session)

	o.logger.Info("orchestration finished",
		"project", project.Name,
		"completed", session.CompletedCount,
		"failed", session.FailedCount,
	)
	return err
}

// runPipeline is one unit's end-to-end pipeline. It returns an error only on
// context cancellation; every domain failure lands in the unit's status.
func (o *Orchestrator) runPipeline(ctx context.Context, gate *semaphore.Weighted, project *model.Project, session *model.TranslationSession, unit *model.TranslationUnit) error {
	// Dependency waiting happens outside the admission gate so blocked
	// units do not starve runnable ones.
	ready, err := o.waitForDependencies(ctx, project, unit)
	if err != nil {
		return err
	}
	if !ready {
		if o.cfg.FailOnWaitTimeout {
			o.logger.Warn("dependency wait timed out, failing unit", "unit", unit.Name)
			// The state machine has no pending → failed edge; the unit was
			// dispatched, so it passes through in_progress like any other.
			if err := o.startUnit(unit); err != nil {
				o.logger.Warn("unit not startable", "unit", unit.Name, "status", unit.Status, "error", err)
				return nil
			}
			result := &model.TranslationResult{
				UnitID:       unit.ID,
				Success:      false,
				ErrorMessage: fmt.Sprintf("dependencies not completed within %s", o.cfg.DependencyWaitTimeout),
				Metadata:     map[string]any{"wait_timeout": true},
			}
			o.recordOutcome(project, session, unit, result)
			return nil
		}
		o.logger.Warn("dependency wait timed out, proceeding anyway",
			"unit", unit.Name, "timeout", o.cfg.DependencyWaitTimeout)
	}

	if err := gate.Acquire(ctx, 1); err != nil {
		return err
	}
	defer gate.Release(1)

	o.setCurrentUnit(session, unit.ID)
	if err := o.startUnit(unit); err != nil {
		o.logger.Warn("unit not startable", "unit", unit.Name, "status", unit.Status, "error", err)
		return nil
	}

	result := o.processUnit(ctx, project, unit)
	o.recordOutcome(project, session, unit, result)
	return nil
}

// processUnit runs analysis, the translation attempt loop, quality checks,
// and the verify-fix loop. It never returns nil.
func (o *Orchestrator) processUnit(ctx context.Context, project *model.Project, unit *model.TranslationUnit) *model.TranslationResult {
	if unit.OriginalContent == "" {
		content, err := os.ReadFile(unit.Path)
		if err != nil {
			return &model.TranslationResult{
				UnitID:       unit.ID,
				Success:      false,
				ErrorMessage: fmt.Sprintf("read source: %v", err),
			}
		}
		o.setUnitFields(func() { unit.OriginalContent = string(content) })
	}

	score := ComplexityScore(unit.OriginalContent)
	o.setUnitFields(func() { unit.ComplexityScore = score })
	policy := PolicyFor(score)
	o.logger.Info("unit analysis complete",
		"unit", unit.Name,
		"complexity", score,
		"strategy", policy.Strategy,
	)

	result := o.translateUnit(ctx, project, unit, policy)
	if !result.Success {
		return result
	}

	result.QualityScore = QualityScore(result.TranslatedContent)

	// Headers cannot compile alone, so verification waits for their
	// implementations.
	if unit.Kind == model.UnitKindPureHeader {
		result.Metadata["compilation"] = map[string]any{
			"success": true,
			"skipped": "header verification requires implementations",
		}
		return result
	}
	if o.verifier == nil || o.writer == nil {
		return result
	}

	o.verifyAndFix(ctx, project, unit, result)
	return result
}

// verifyAndFix writes the candidate output, verifies it in the project
// context, and runs the fix loop on errors. The result's content and
// metadata are updated in place; verification failure after an exhausted fix
// loop does not flip Success — the artifact still ships, annotated.
func (o *Orchestrator) verifyAndFix(ctx context.Context, project *model.Project, unit *model.TranslationUnit, result *model.TranslationResult) {
	o.setUnitFields(func() { unit.TranslatedContent = result.TranslatedContent })
	filePath, err := o.writer.WriteUnit(project, unit)
	if err != nil {
		o.logger.Warn("write candidate output failed", "unit", unit.Name, "error", err)
		result.Metadata["compilation"] = map[string]any{"success": false, "error": err.Error()}
		return
	}

	report, err := o.verifier.VerifyFile(ctx, filePath, o.writer.ProjectDir(project))
	if err != nil {
		o.logger.Warn("verification unavailable", "unit", unit.Name, "error", err)
		result.Metadata["compilation"] = map[string]any{"success": false, "error": err.Error()}
		return
	}

	if !report.Success && report.ErrorCount > 0 && o.fixer != nil {
		outcome := o.runFixLoop(ctx, result.TranslatedContent, report.Errors, filePath, o.writer.ProjectDir(project))
		result.TranslatedContent = outcome.Code
		o.setUnitFields(func() { unit.TranslatedContent = outcome.Code })
		if outcome.Success {
			report = &capability.VerifyReport{Success: true}
			o.logger.Info("unit compiles after fixes", "unit", unit.Name, "rounds", outcome.Rounds)
		} else {
			report = &capability.VerifyReport{
				Success:    false,
				Errors:     outcome.Remaining,
				ErrorCount: len(outcome.Remaining),
			}
		}
	}

	result.Metadata["compilation"] = map[string]any{
		"success":       report.Success,
		"error_count":   report.ErrorCount,
		"warning_count": report.WarningCount,
		"timed_out":     report.TimedOut,
	}
}

// translateUnit runs the retry/exploration loop over the tuning parameter.
// The first attempt uses the complexity-seeded value; retries diversify
// through the optimizer. Any attempt at or above the confidence threshold
// wins immediately; otherwise the best candidate ships as a best-effort
// success once half the retry budget is spent.
func (o *Orchestrator) translateUnit(ctx context.Context, project *model.Project, unit *model.TranslationUnit, policy Policy) *model.TranslationResult {
	start := time.Now()

	base := o.optimizer.SeedForComplexity(unit.ComplexityScore)
	values := []float64{base}

	var (
		attempts       []model.Attempt
		attemptCount   int
		lastErr        error
		bestOutput     string
		bestConfidence float64
		bestValue      float64
		haveBest       bool
	)

	for attemptCount <= policy.MaxRetries && len(values) > 0 && ctx.Err() == nil {
		if attemptCount > 0 {
			values = o.optimizer.RetryValues(base, policy.MaxRetries)
			o.logger.Info("retrying with diversified tuning values",
				"unit", unit.Name, "attempt", attemptCount, "values", values)
		}

		for _, value := range values {
			attemptCount++

			res, err := o.translator.Translate(ctx, capability.TranslateRequest{
				UnitName:       unit.Name,
				Source:         unit.OriginalContent,
				TuningValue:    value,
				TargetLanguage: project.TargetLanguage,
				Context: map[string]string{
					"kind":     string(unit.Kind),
					"strategy": policy.Strategy,
				},
			})
			if err != nil {
				lastErr = err
				o.optimizer.Record(tuning.Attempt{Value: value, Error: err.Error()})
				attempts = append(attempts, model.Attempt{TuningValue: value, Error: err.Error()})
				o.logger.Warn("translation attempt failed",
					"unit", unit.Name, "attempt", attemptCount, "tuning_value", value, "error", err)
				if attemptCount > policy.MaxRetries {
					break
				}
				continue
			}

			output := strings.TrimSpace(res.Output)
			if len(output) < o.cfg.MinOutputLength {
				lastErr = fmt.Errorf("output too short: %d chars", len(output))
				attempts = append(attempts, model.Attempt{
					TuningValue:  value,
					Error:        lastErr.Error(),
					OutputLength: len(output),
				})
				o.logger.Warn("implausible translation output",
					"unit", unit.Name, "attempt", attemptCount, "length", len(output))
				if attemptCount > policy.MaxRetries {
					break
				}
				continue
			}

			o.optimizer.Record(tuning.Attempt{Value: value, Success: true, Confidence: res.Confidence})
			attempts = append(attempts, model.Attempt{
				TuningValue:  value,
				Success:      true,
				Confidence:   res.Confidence,
				OutputLength: len(output),
			})

			if !haveBest || res.Confidence > bestConfidence {
				haveBest = true
				bestOutput = output
				bestConfidence = res.Confidence
				bestValue = value
			}

			if res.Confidence >= o.cfg.ConfidenceThreshold {
				o.logger.Info("translation accepted",
					"unit", unit.Name, "tuning_value", value,
					"confidence", res.Confidence, "attempts", attemptCount)
				return &model.TranslationResult{
					UnitID:            unit.ID,
					Success:           true,
					TranslatedContent: output,
					TranslationTime:   time.Since(start).Seconds(),
					Metadata: map[string]any{
						"strategy":     policy.Strategy,
						"tuning_value": value,
						"confidence":   res.Confidence,
						"attempts":     attemptCount,
					},
					Attempts: attempts,
				}
			}

			if attemptCount > policy.MaxRetries {
				break
			}
		}

		// With a viable candidate in hand, spending the whole budget
		// chasing the threshold has diminishing returns.
		if haveBest && attemptCount > policy.MaxRetries/2 {
			break
		}
	}

	elapsed := time.Since(start).Seconds()

	if haveBest {
		o.logger.Info("translation accepted as best effort",
			"unit", unit.Name, "confidence", bestConfidence, "attempts", attemptCount)
		return &model.TranslationResult{
			UnitID:            unit.ID,
			Success:           true,
			TranslatedContent: bestOutput,
			TranslationTime:   elapsed,
			Metadata: map[string]any{
				"strategy":     policy.Strategy,
				"tuning_value": bestValue,
				"confidence":   bestConfidence,
				"attempts":     attemptCount,
				"best_effort":  true,
			},
			Attempts: attempts,
		}
	}

	msg := "translation failed after all retries"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	o.logger.Error("translation failed",
		"unit", unit.Name, "attempts", attemptCount, "error", msg)
	return &model.TranslationResult{
		UnitID:          unit.ID,
		Success:         false,
		ErrorMessage:    msg,
		TranslationTime: elapsed,
		Metadata: map[string]any{
			"strategy": policy.Strategy,
			"attempts": attemptCount,
		},
		Attempts: attempts,
	}
}

// waitForDependencies blocks until all project-local dependencies of unit
// are completed. Returns false on timeout.
func (o *Orchestrator) waitForDependencies(ctx context.Context, project *model.Project, unit *model.TranslationUnit) (bool, error) {
	if len(unit.ProjectDependencyPaths()) == 0 {
		return true, nil
	}
	return o.board.WaitUntil(ctx, o.cfg.DependencyWaitTimeout, func(completed map[string]struct{}) bool {
		return unit.IsReady(completed, project)
	})
}

// recordOutcome applies a result to the unit, session, and project
// aggregates, emits the artifact, signals completion, and checkpoints.
//
// Every unit-field write happens under aggMu: checkpointing marshals the
// whole project while other pipelines are mid-flight, so a bare write here
// would tear a concurrent checkpoint.
func (o *Orchestrator) recordOutcome(project *model.Project, session *model.TranslationSession, unit *model.TranslationUnit, result *model.TranslationResult) {
	if result.Metadata == nil {
		result.Metadata = make(map[string]any)
	}

	emit := false

	o.aggMu.Lock()
	if result.Success {
		unit.TranslatedContent = result.TranslatedContent
		unit.QualityScore = result.QualityScore
		unit.TranslationTime = result.TranslationTime
		unit.Result = result
		if err := unit.Transition(model.StatusCompleted); err != nil {
			o.logger.Warn("completed transition rejected", "unit", unit.Name, "error", err)
		}
		emit = true
	} else {
		unit.ErrorMessage = result.ErrorMessage
		unit.TranslationTime = result.TranslationTime
		unit.Result = result
		if err := unit.Transition(model.StatusFailed); err != nil {
			o.logger.Warn("failed transition rejected", "unit", unit.Name, "error", err)
		}
		// Partial output from a failed unit is still worth shipping for
		// manual completion.
		if len(strings.TrimSpace(result.TranslatedContent)) > o.cfg.MinOutputLength {
			unit.TranslatedContent = result.TranslatedContent
			emit = true
		}
	}
	session.AddResult(result)
	project.UpdateStatistics()
	processed := session.CompletedCount + session.FailedCount
	terminal := unit.Status.Terminal()
	o.aggMu.Unlock()

	if emit {
		o.emitArtifact(project, unit)
	}
	if result.Success {
		o.board.MarkCompleted(unit.ID)
	}

	if processed%o.cfg.CheckpointEvery == 0 || terminal {
		o.checkpoint(project, session)
	}
}

// startUnit moves a unit to in_progress under the aggregate lock, keeping the
// write safe against a concurrent checkpoint marshal.
func (o *Orchestrator) startUnit(unit *model.TranslationUnit) error {
	o.aggMu.Lock()
	defer o.aggMu.Unlock()
	return unit.Transition(model.StatusInProgress)
}

// setUnitFields runs a unit-field mutation under the aggregate lock. See
// recordOutcome for why bare unit writes are not safe.
func (o *Orchestrator) setUnitFields(fn func()) {
	o.aggMu.Lock()
	fn()
	o.aggMu.Unlock()
}

func (o *Orchestrator) emitArtifact(project *model.Project, unit *model.TranslationUnit) {
	if o.writer == nil || unit.TranslatedContent == "" {
		return
	}
	path, err := o.writer.WriteUnit(project, unit)
	if err != nil {
		o.logger.Warn("emit artifact failed", "unit", unit.Name, "error", err)
		return
	}
	o.logger.Info("artifact written", "unit", unit.Name, "path", path)
}

// checkpoint persists current state. Write failures lose this checkpoint
// only, never in-memory progress.
func (o *Orchestrator) checkpoint(project *model.Project, session *model.TranslationSession) {
	if o.store == nil {
		return
	}
	o.aggMu.Lock()
	defer o.aggMu.Unlock()
	if err := o.store.SaveProject(project); err != nil {
		o.logger.Error("checkpoint project failed", "project_id", project.ID, "error", err)
	}
	if err := o.store.SaveSession(session); err != nil {
		o.logger.Error("checkpoint session failed", "session_id", session.ID, "error", err)
	}
}

func (o *Orchestrator) setCurrentUnit(session *model.TranslationSession, unitID string) {
	o.aggMu.Lock()
	session.CurrentUnit = unitID
	o.aggMu.Unlock()
}
