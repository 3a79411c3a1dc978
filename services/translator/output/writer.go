// Copyright (C) 2025 Oxbow Labs (dev@oxbowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package output materializes translated units as a Rust crate: one .rs file
// per unit mirroring the source tree layout, plus a Cargo.toml manifest and
// .gitignore.
package output

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"github.com/oxbowlabs/oxbow/pkg/logging"
	"github.com/oxbowlabs/oxbow/services/translator/model"
)

// manifestEvery regenerates the manifest on every Nth unit write after the
// first, keeping the crate checkable mid-run without rewriting the manifest
// on each file.
const manifestEvery = 10

// finalDirSuffix marks the directory holding the end-of-run full generation,
// kept separate from the incrementally-written working tree.
const finalDirSuffix = "-final"

// Writer emits translated artifacts under a base output directory.
type Writer struct {
	baseDir string
	logger  *logging.Logger

	mu     sync.Mutex
	writes int
}

// NewWriter creates a writer rooted at baseDir.
func NewWriter(baseDir string, logger *logging.Logger) *Writer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Writer{baseDir: baseDir, logger: logger}
}

// ProjectDir returns the working output directory for a project.
func (w *Writer) ProjectDir(p *model.Project) string {
	return filepath.Join(w.baseDir, p.Name)
}

// FinalDir returns the end-of-run output directory for a project.
func (w *Writer) FinalDir(p *model.Project) string {
	return filepath.Join(w.baseDir, p.Name+finalDirSuffix)
}

// WriteUnit writes the unit's translated content into the working output
// tree, preserving the unit's path relative to the project root and swapping
// the extension for .rs. The manifest is (re)generated on the first write
// and every tenth after.
func (w *Writer) WriteUnit(p *model.Project, u *model.TranslationUnit) (string, error) {
	if u.TranslatedContent == "" {
		return "", fmt.Errorf("unit %s has no translated content", u.Name)
	}

	projectDir := w.ProjectDir(p)
	outPath := w.unitPath(projectDir, p, u)

	if err := writeFileCreating(outPath, u.TranslatedContent); err != nil {
		return "", fmt.Errorf("write unit output %s: %w", u.Name, err)
	}

	w.mu.Lock()
	w.writes++
	needManifest := w.writes == 1 || w.writes%manifestEvery == 0
	w.mu.Unlock()

	if needManifest {
		if err := w.WriteManifest(p, projectDir); err != nil {
			w.logger.Warn("manifest update failed", "project", p.Name, "error", err)
		}
	}

	return outPath, nil
}

// WriteManifest generates Cargo.toml and .gitignore in dir.
func (w *Writer) WriteManifest(p *model.Project, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create output dir %s: %w", dir, err)
	}

	manifest := fmt.Sprintf(`[package]
name = "%s"
version = "0.1.0"
edition = "2021"

[dependencies]
# Add dependencies as needed
# libc = "0.2"
`, CrateName(p.Name))

	if err := os.WriteFile(filepath.Join(dir, "Cargo.toml"), []byte(manifest), 0644); err != nil {
		return fmt.Errorf("write Cargo.toml: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("/target/\nCargo.lock\n"), 0644); err != nil {
		return fmt.Errorf("write .gitignore: %w", err)
	}

	w.logger.Debug("manifest written", "dir", dir, "crate", CrateName(p.Name))
	return nil
}

// GenerateFinal writes every translated unit plus the manifest into the
// project's final directory and returns its path. Units without translated
// content are skipped with a warning.
func (w *Writer) GenerateFinal(p *model.Project) (string, error) {
	dir := w.FinalDir(p)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create final dir %s: %w", dir, err)
	}

	written := 0
	for _, u := range p.Units {
		if u.TranslatedContent == "" {
			w.logger.Warn("no translated content, skipping output", "unit", u.Name)
			continue
		}
		outPath := w.unitPath(dir, p, u)
		if err := writeFileCreating(outPath, u.TranslatedContent); err != nil {
			return "", fmt.Errorf("write final output for %s: %w", u.Name, err)
		}
		written++
	}

	if err := w.WriteManifest(p, dir); err != nil {
		return "", err
	}

	w.logger.Info("final output generated", "dir", dir, "files", written)
	return dir, nil
}

// unitPath maps a unit's source path into dir, relative to the project root,
// with a .rs extension. Units outside the project root fall back to their
// base name.
func (w *Writer) unitPath(dir string, p *model.Project, u *model.TranslationUnit) string {
	rel, err := filepath.Rel(p.Path, u.Path)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(u.Path)
	}
	ext := filepath.Ext(rel)
	return filepath.Join(dir, strings.TrimSuffix(rel, ext)+".rs")
}

// CrateName sanitizes a project name into a valid cargo package name:
// lowercase, hyphen-separated, alphanumeric. Names that sanitize to nothing
// or start with a digit get a "translated-" prefix.
func CrateName(name string) string {
	lowered := strings.ToLower(name)
	lowered = strings.ReplaceAll(lowered, " ", "-")
	lowered = strings.ReplaceAll(lowered, "_", "-")

	var b strings.Builder
	for _, r := range lowered {
		if unicode.IsLetter(r) && r < unicode.MaxASCII || unicode.IsDigit(r) || r == '-' {
			b.WriteRune(r)
		}
	}
	safe := b.String()
	if safe == "" || unicode.IsDigit(rune(safe[0])) {
		safe = "translated-" + safe
	}
	return strings.TrimSuffix(safe, "-")
}

func writeFileCreating(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0644)
}
