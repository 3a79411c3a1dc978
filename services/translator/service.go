// Copyright (C) 2025 Oxbow Labs (dev@oxbowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package translator is the service facade: it wires the dependency
// analyzer, orchestrator, state manager, capabilities, and output writer
// into the process-level operations the CLI exposes (translate, status,
// pause, resume, cleanup).
package translator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oxbowlabs/oxbow/pkg/logging"
	"github.com/oxbowlabs/oxbow/services/translator/analyzer"
	"github.com/oxbowlabs/oxbow/services/translator/capability"
	"github.com/oxbowlabs/oxbow/services/translator/config"
	"github.com/oxbowlabs/oxbow/services/translator/model"
	"github.com/oxbowlabs/oxbow/services/translator/orchestrator"
	"github.com/oxbowlabs/oxbow/services/translator/output"
	"github.com/oxbowlabs/oxbow/services/translator/state"
	"github.com/oxbowlabs/oxbow/services/translator/tuning"
)

// Service owns the long-lived collaborators for one process.
type Service struct {
	cfg    *config.Config
	logger *logging.Logger

	analyzer   *analyzer.Analyzer
	store      *state.Manager
	writer     *output.Writer
	translator capability.Translator
	verifier   capability.Verifier
	fixer      capability.Fixer
	optimizer  *tuning.Optimizer

	project *model.Project
	session *model.TranslationSession
}

// Options overrides individual collaborators, mainly for tests. Nil fields
// are built from the configuration.
type Options struct {
	Translator capability.Translator
	Verifier   capability.Verifier
	Fixer      capability.Fixer
	Store      *state.Manager
}

// New builds a service from configuration. The translation capability is
// only constructed when a credentialed operation needs it, so status and
// cleanup work without an API key.
func New(cfg *config.Config, logger *logging.Logger, opts Options) (*Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = logging.Default()
	}

	store := opts.Store
	if store == nil {
		var err error
		store, err = state.NewManager(state.DefaultDBConfig(cfg.State.Dir), logger)
		if err != nil {
			return nil, fmt.Errorf("open state store: %w", err)
		}
	}

	verifier := opts.Verifier
	if verifier == nil {
		verifier = capability.NewCargoVerifier(logger)
	}

	return &Service{
		cfg:        cfg,
		logger:     logger,
		analyzer:   analyzer.New(cfg.Dependency, logger),
		store:      store,
		writer:     output.NewWriter(cfg.Output.OutputDir, logger),
		translator: opts.Translator,
		verifier:   verifier,
		fixer:      opts.Fixer,
		optimizer:  tuning.NewOptimizer(cfg.Model.Temperature),
	}, nil
}

// Close releases the state store.
func (s *Service) Close() error {
	return s.store.Close()
}

// TranslateProject runs the full pipeline against a source tree: reconcile
// stale state, analyze or reload the project, orchestrate translation,
// generate final output, and verify the result.
func (s *Service) TranslateProject(ctx context.Context, projectPath string) (*model.Project, error) {
	if err := s.ensureCapabilities(); err != nil {
		return nil, err
	}

	project, err := s.loadOrAnalyze(ctx, projectPath)
	if err != nil {
		return nil, err
	}

	session := model.NewSession(project.ID, len(project.Units))
	seedSessionFromProject(session, project)

	s.project = project
	s.session = session
	s.store.SetCurrent(project.ID, session.ID)

	orch, err := orchestrator.New(orchestrator.Options{
		Config:     s.cfg.Translation,
		Translator: s.translator,
		Verifier:   s.verifier,
		Fixer:      s.fixer,
		Writer:     s.writer,
		Store:      s.store,
		Optimizer:  s.optimizer,
		Logger:     s.logger,
	})
	if err != nil {
		return nil, err
	}

	if err := orch.Run(ctx, project, session); err != nil {
		return nil, fmt.Errorf("orchestration: %w", err)
	}

	if err := s.store.SaveProject(project); err != nil {
		s.logger.Error("save final project state failed", "error", err)
	}
	if err := s.store.SaveSession(session); err != nil {
		s.logger.Error("save final session state failed", "error", err)
	}

	finalDir, err := s.writer.GenerateFinal(project)
	if err != nil {
		s.logger.Error("final output generation failed", "error", err)
		return project, nil
	}
	s.verifyFinal(ctx, project, finalDir)

	return project, nil
}

// Status reports store contents plus the progress of a specific project when
// projectID is given.
func (s *Service) Status(projectID string) (*StatusReport, error) {
	summary, err := s.store.Summary()
	if err != nil {
		return nil, err
	}
	report := &StatusReport{Store: summary}

	if projectID != "" {
		project, err := s.store.LoadProject(projectID)
		if err != nil {
			return nil, err
		}
		report.Project = &ProjectStatus{
			ID:              project.ID,
			Name:            project.Name,
			Path:            project.Path,
			TotalFiles:      project.TotalFiles,
			TranslatedFiles: project.TranslatedFiles,
			FailedFiles:     project.FailedFiles,
			UpdatedAt:       project.UpdatedAt,
		}
	}
	return report, nil
}

// StatusReport is the status operation's result.
type StatusReport struct {
	Store   *state.SummaryReport `json:"store"`
	Project *ProjectStatus       `json:"project,omitempty"`
}

// ProjectStatus summarizes one project's progress.
type ProjectStatus struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Path            string    `json:"path"`
	TotalFiles      int       `json:"total_files"`
	TranslatedFiles int       `json:"translated_files"`
	FailedFiles     int       `json:"failed_files"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Pause snapshots the in-memory session for later resumption. When no run is
// active in this process it falls back to the most recently saved session
// record, so `pause` works after an interrupted run.
func (s *Service) Pause() (*model.StateSnapshot, error) {
	session := s.session
	if session == nil {
		loaded, err := s.store.LatestSession()
		if err != nil {
			if errors.Is(err, state.ErrNotFound) {
				return nil, errors.New("no active session to pause")
			}
			return nil, err
		}
		session = loaded
	}
	return s.store.CreateSnapshot(session, map[string]any{"reason": "pause"})
}

// Resume restores the most recent snapshot and continues translating its
// project's remaining units.
func (s *Service) Resume(ctx context.Context) (*model.Project, error) {
	if err := s.ensureCapabilities(); err != nil {
		return nil, err
	}

	snap, err := s.store.LatestSnapshot("")
	if err != nil {
		return nil, fmt.Errorf("find snapshot: %w", err)
	}

	project, err := s.store.LoadProject(snap.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot project: %w", err)
	}
	session, err := s.store.LoadSession(snap.SessionID)
	if err != nil {
		if !errors.Is(err, state.ErrNotFound) {
			return nil, fmt.Errorf("load snapshot session: %w", err)
		}
		session = model.NewSession(project.ID, len(project.Units))
		session.ID = snap.SessionID
	}
	if err := s.store.RestoreSnapshot(session, snap); err != nil {
		return nil, err
	}

	s.project = project
	s.session = session
	s.store.SetCurrent(project.ID, session.ID)

	s.logger.Info("resuming from snapshot",
		"snapshot_time", snap.Timestamp,
		"project", project.Name,
		"progress", snap.Progress,
	)

	orch, err := orchestrator.New(orchestrator.Options{
		Config:     s.cfg.Translation,
		Translator: s.translator,
		Verifier:   s.verifier,
		Fixer:      s.fixer,
		Writer:     s.writer,
		Store:      s.store,
		Optimizer:  s.optimizer,
		Logger:     s.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := orch.Run(ctx, project, session); err != nil {
		return nil, fmt.Errorf("orchestration: %w", err)
	}

	if _, err := s.writer.GenerateFinal(project); err != nil {
		s.logger.Error("final output generation failed", "error", err)
	}
	return project, nil
}

// Cleanup prunes state records older than maxAge, sparing the current ones.
func (s *Service) Cleanup(maxAge time.Duration) (int, error) {
	return s.store.CleanupOldStates(maxAge)
}

// loadOrAnalyze reconciles duplicate records for the path and either reloads
// the surviving project or analyzes the source tree fresh.
func (s *Service) loadOrAnalyze(ctx context.Context, projectPath string) (*model.Project, error) {
	existingID, err := s.store.Reconcile(projectPath)
	if err != nil {
		return nil, fmt.Errorf("reconcile state: %w", err)
	}
	if existingID != "" {
		project, err := s.store.LoadProject(existingID)
		if err == nil {
			s.logger.Info("continuing existing project",
				"project_id", project.ID,
				"translated", project.TranslatedFiles,
				"total", project.TotalFiles,
			)
			return project, nil
		}
		s.logger.Warn("existing project record unusable, re-analyzing",
			"project_id", existingID, "error", err)
	}

	project, err := s.analyzer.Analyze(ctx, projectPath)
	if err != nil {
		return nil, fmt.Errorf("analyze project: %w", err)
	}
	project.TargetLanguage = s.cfg.TargetLanguage

	order := s.analyzer.OptimizeTranslationOrder(project.Units)
	s.logger.Info("translation order computed", "units", len(order))

	if err := s.store.SaveProject(project); err != nil {
		return nil, fmt.Errorf("save analyzed project: %w", err)
	}
	return project, nil
}

// ensureCapabilities lazily builds the credentialed translation capability.
// A missing key terminates the run before any unit starts.
func (s *Service) ensureCapabilities() error {
	if s.translator != nil {
		return nil
	}
	client, err := capability.NewOpenAIClient(capability.OpenAIOptions{
		APIKey:  s.cfg.Model.APIKey,
		BaseURL: s.cfg.Model.BaseURL,
		Model:   s.cfg.Model.ModelName,
		Logger:  s.logger,
	})
	if err != nil {
		return err
	}
	s.translator = client
	if s.fixer == nil {
		s.fixer = client
	}
	return nil
}

// verifyFinal runs a whole-crate check on the generated output. Failures are
// reported, never raised: the artifacts already shipped.
func (s *Service) verifyFinal(ctx context.Context, project *model.Project, finalDir string) {
	report, err := s.verifier.VerifyProject(ctx, finalDir)
	if err != nil {
		if errors.Is(err, capability.ErrCargoNotFound) {
			s.logger.Warn("cargo not found, skipping final verification")
			return
		}
		s.logger.Warn("final verification failed to run", "error", err)
		return
	}
	if report.Success {
		s.logger.Info("final project verification passed",
			"project", project.Name, "warnings", report.WarningCount)
		return
	}
	s.logger.Warn("final project verification found errors",
		"project", project.Name,
		"errors", report.ErrorCount,
		"warnings", report.WarningCount,
	)
	for i, d := range report.Errors {
		if i >= 5 {
			s.logger.Warn("additional errors omitted", "remaining", report.ErrorCount-5)
			break
		}
		s.logger.Warn("compile error", "file", d.File, "line", d.Line, "message", d.Message)
	}
}

// seedSessionFromProject pre-marks units already terminal from a previous
// run so session progress and dependency readiness reflect them.
func seedSessionFromProject(session *model.TranslationSession, project *model.Project) {
	for _, u := range project.Units {
		switch u.Status {
		case model.StatusCompleted:
			session.CompletedUnits[u.ID] = struct{}{}
		case model.StatusFailed:
			session.FailedUnits[u.ID] = struct{}{}
		}
	}
	session.CompletedCount = len(session.CompletedUnits)
	session.FailedCount = len(session.FailedUnits)
}
