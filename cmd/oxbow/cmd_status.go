// Copyright (C) 2025 Oxbow Labs (dev@oxbowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/oxbowlabs/oxbow/services/translator"
	"github.com/oxbowlabs/oxbow/services/translator/progress"
)

func runStatus(cmd *cobra.Command, args []string) error {
	svc, err := translator.New(cfg, logger, translator.Options{})
	if err != nil {
		return err
	}
	defer svc.Close()

	report, err := svc.Status(projectID)
	if err != nil {
		return err
	}

	fmt.Printf("State store: %d projects, %d sessions, %d snapshots\n",
		report.Store.Projects, report.Store.Sessions, report.Store.Snapshots)
	if p := report.Project; p != nil {
		done := p.TranslatedFiles + p.FailedFiles
		pct := 0.0
		if p.TotalFiles > 0 {
			pct = float64(done) / float64(p.TotalFiles) * 100
		}
		fmt.Printf("Project %s (%s)\n", p.Name, p.ID)
		fmt.Printf("  path:       %s\n", p.Path)
		fmt.Printf("  progress:   %.1f%% (%d/%d, failed: %d)\n", pct, done, p.TotalFiles, p.FailedFiles)
		fmt.Printf("  updated at: %s\n", p.UpdatedAt.Format(time.RFC3339))
	}

	if !watchMode {
		return nil
	}
	return watchOutput(cmd.Context())
}

// watchOutput tails artifact writes in the output directory until
// interrupted.
func watchOutput(ctx context.Context) error {
	watcher, err := progress.NewWatcher(cfg.Output.OutputDir, logger)
	if err != nil {
		return err
	}
	defer watcher.Close()

	fmt.Printf("Watching %s (%d artifacts so far; Ctrl-C to stop)\n",
		cfg.Output.OutputDir, watcher.CountArtifacts())

	events := make(chan progress.Event)
	done := make(chan error, 1)
	go func() {
		done <- watcher.Run(ctx, events)
	}()

	for ev := range events {
		fmt.Printf("[%s] %s (%d artifacts)\n", ev.Time.Format("15:04:05"), ev.Path, ev.Total)
	}
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runCleanup(cmd *cobra.Command, args []string) error {
	age, err := time.ParseDuration(maxAge)
	if err != nil {
		return fmt.Errorf("invalid --max-age: %w", err)
	}

	svc, err := translator.New(cfg, logger, translator.Options{})
	if err != nil {
		return err
	}
	defer svc.Close()

	removed, err := svc.Cleanup(age)
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d state records older than %s\n", removed, age)
	return nil
}
