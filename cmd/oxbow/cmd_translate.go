// Copyright (C) 2025 Oxbow Labs (dev@oxbowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oxbowlabs/oxbow/services/translator"
)

func runTranslate(cmd *cobra.Command, args []string) error {
	if outputDir != "" {
		cfg.Output.OutputDir = outputDir
	}

	svc, err := translator.New(cfg, logger, translator.Options{})
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, stop := interruptContext(cmd.Context(), svc)
	defer stop()

	project, err := svc.TranslateProject(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Translation finished: %s\n", project.Name)
	fmt.Printf("  translated: %d/%d (failed: %d)\n",
		project.TranslatedFiles, project.TotalFiles, project.FailedFiles)
	return nil
}

func runPause(cmd *cobra.Command, args []string) error {
	svc, err := translator.New(cfg, logger, translator.Options{})
	if err != nil {
		return err
	}
	defer svc.Close()

	snap, err := svc.Pause()
	if err != nil {
		return err
	}
	fmt.Printf("Snapshot created for session %s (%.1f%% complete)\n", snap.SessionID, snap.Progress)
	return nil
}

func runResume(cmd *cobra.Command, args []string) error {
	svc, err := translator.New(cfg, logger, translator.Options{})
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, stop := interruptContext(cmd.Context(), svc)
	defer stop()

	project, err := svc.Resume(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Resumed translation finished: %s\n", project.Name)
	fmt.Printf("  translated: %d/%d (failed: %d)\n",
		project.TranslatedFiles, project.TotalFiles, project.FailedFiles)
	return nil
}

// interruptContext cancels on SIGINT/SIGTERM after snapshotting the active
// session, so an interrupted run can resume.
func interruptContext(parent context.Context, svc *translator.Service) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			logger.Warn("interrupt received, snapshotting before shutdown")
			if _, err := svc.Pause(); err != nil {
				logger.Warn("snapshot on interrupt failed", "error", err)
			}
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}
