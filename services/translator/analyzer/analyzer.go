// Copyright (C) 2025 Oxbow Labs (dev@oxbowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package analyzer scans a C/C++ source tree, classifies files into
// translation units, extracts include edges, and derives a processing order
// from the resulting dependency graph.
//
// Include extraction is a textual directive scan, not a preprocessor run.
// References that cannot be resolved to a file are dropped without creating
// an edge; this is a deliberate best-effort policy, not an error.
package analyzer

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/oxbowlabs/oxbow/pkg/logging"
	"github.com/oxbowlabs/oxbow/services/translator/model"
)

// includePattern matches #include directives with either bracket form.
var includePattern = regexp.MustCompile(`#include\s*[<"]([^>"]+)[>"]`)

var (
	headerExtensions = map[string]struct{}{
		".h": {}, ".hpp": {}, ".hxx": {}, ".h++": {},
	}
	implExtensions = map[string]struct{}{
		".c": {}, ".cpp": {}, ".cc": {}, ".cxx": {}, ".c++": {},
	}
)

// defaultExcludedDirs are skipped during the tree walk: build output, VCS
// metadata, and dependency caches.
var defaultExcludedDirs = map[string]struct{}{
	"build": {}, "cmake-build": {}, ".git": {}, "node_modules": {},
	"target": {}, ".svn": {},
}

// Config controls include resolution.
type Config struct {
	// IncludePaths are extra directories searched after the including
	// file's own directory.
	IncludePaths []string `yaml:"include_paths"`

	// SystemIncludeRoots are searched last. Defaults to the usual compiler
	// locations when empty.
	SystemIncludeRoots []string `yaml:"system_include_roots"`

	// ExcludedDirs are directory names skipped during the walk, in
	// addition to the built-in set.
	ExcludedDirs []string `yaml:"excluded_dirs"`
}

// Analyzer builds projects from source trees.
type Analyzer struct {
	cfg    Config
	logger *logging.Logger
}

// New creates an analyzer. A nil logger falls back to the default.
func New(cfg Config, logger *logging.Logger) *Analyzer {
	if logger == nil {
		logger = logging.Default()
	}
	if len(cfg.SystemIncludeRoots) == 0 {
		cfg.SystemIncludeRoots = []string{
			"/usr/include",
			"/usr/local/include",
			"/usr/include/c++",
		}
	}
	return &Analyzer{cfg: cfg, logger: logger}
}

// Analyze walks the tree at rootPath and returns a project with one unit per
// source file, dependencies extracted and statistics up to date.
func (a *Analyzer) Analyze(ctx context.Context, rootPath string) (*model.Project, error) {
	root, err := filepath.Abs(rootPath)
	if err != nil {
		return nil, fmt.Errorf("resolve project root %s: %w", rootPath, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat project root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("project root %s is not a directory", root)
	}

	a.logger.Info("analyzing project", "path", root)

	files, err := a.findSourceFiles(ctx, root)
	if err != nil {
		return nil, err
	}
	a.logger.Info("source files found", "count", len(files))

	units := a.createUnits(files)
	a.extractDependencies(units)

	project := model.NewProject(filepath.Base(root), root)
	for _, u := range units {
		project.AddUnit(u)
	}
	project.UpdateStatistics()

	a.logger.Info("project analysis complete", "files", project.TotalFiles)
	return project, nil
}

// findSourceFiles walks the tree collecting C/C++ sources, skipping excluded
// directories. The result is sorted for deterministic unit ordering.
func (a *Analyzer) findSourceFiles(ctx context.Context, root string) ([]string, error) {
	excluded := make(map[string]struct{}, len(defaultExcludedDirs)+len(a.cfg.ExcludedDirs))
	for d := range defaultExcludedDirs {
		excluded[d] = struct{}{}
	}
	for _, d := range a.cfg.ExcludedDirs {
		excluded[d] = struct{}{}
	}

	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if _, skip := excluded[d.Name()]; skip && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if _, ok := headerExtensions[ext]; ok {
			files = append(files, path)
		} else if _, ok := implExtensions[ext]; ok {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk project tree: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// createUnits classifies files into units. Implementation files with a
// same-stem header in the tree become "complete"; headers are always
// "pure_header".
func (a *Analyzer) createUnits(files []string) []*model.TranslationUnit {
	headers := make(map[string]struct{})
	for _, f := range files {
		if _, ok := headerExtensions[strings.ToLower(filepath.Ext(f))]; ok {
			headers[f] = struct{}{}
		}
	}

	units := make([]*model.TranslationUnit, 0, len(files))
	for _, f := range files {
		var size int64
		if info, err := os.Stat(f); err == nil {
			size = info.Size()
		}
		units = append(units, model.NewUnit(filepath.Base(f), f, classify(f, headers), size))
	}
	return units
}

func classify(path string, headers map[string]struct{}) model.UnitKind {
	ext := strings.ToLower(filepath.Ext(path))
	if _, ok := headerExtensions[ext]; ok {
		return model.UnitKindPureHeader
	}
	headerPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".h"
	if _, ok := headers[headerPath]; ok {
		return model.UnitKindComplete
	}
	return model.UnitKindPureImpl
}

// extractDependencies scans each unit for include directives, resolves them,
// and records the informational inverse edges on the targets.
func (a *Analyzer) extractDependencies(units []*model.TranslationUnit) {
	byPath := make(map[string]*model.TranslationUnit, len(units))
	for _, u := range units {
		byPath[u.Path] = u
	}

	for _, u := range units {
		content, err := os.ReadFile(u.Path)
		if err != nil {
			a.logger.Warn("dependency scan skipped", "path", u.Path, "error", err.Error())
			continue
		}
		for _, dep := range a.scanIncludes(u.Path, string(content)) {
			u.Dependencies = append(u.Dependencies, dep)
			if target, ok := byPath[dep.Target]; ok {
				target.Dependents = append(target.Dependents, u.Path)
			}
		}
	}
}

// scanIncludes extracts and resolves #include directives from content.
// Unresolvable references produce no Dependency record.
func (a *Analyzer) scanIncludes(sourcePath, content string) []model.Dependency {
	var deps []model.Dependency
	for _, match := range includePattern.FindAllStringSubmatchIndex(content, -1) {
		ref := content[match[2]:match[3]]
		line := strings.Count(content[:match[0]], "\n") + 1

		resolved, ok := a.resolveInclude(sourcePath, ref)
		if !ok {
			continue
		}
		deps = append(deps, model.Dependency{
			Source: sourcePath,
			Target: resolved,
			Kind:   model.DependencyInclude,
			Line:   line,
		})
	}
	return deps
}

// resolveInclude maps an include reference to a concrete file, checking in
// order: the including file's directory, configured include paths, then the
// system roots.
func (a *Analyzer) resolveInclude(sourcePath, ref string) (string, bool) {
	candidates := make([]string, 0, 1+len(a.cfg.IncludePaths)+len(a.cfg.SystemIncludeRoots))
	candidates = append(candidates, filepath.Join(filepath.Dir(sourcePath), ref))
	for _, dir := range a.cfg.IncludePaths {
		candidates = append(candidates, filepath.Join(dir, ref))
	}
	for _, dir := range a.cfg.SystemIncludeRoots {
		candidates = append(candidates, filepath.Join(dir, ref))
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, true
		}
	}
	return "", false
}

// OptimizeTranslationOrder returns the units reordered so that dependencies
// come before dependents. Units trapped in a dependency cycle are logged and
// appended in their original relative order.
func (a *Analyzer) OptimizeTranslationOrder(units []*model.TranslationUnit) []*model.TranslationUnit {
	g := BuildDependencyGraph(units)
	order := g.TopologicalSort(true)

	if missing := g.MissingNodes(g.TopologicalSort(false)); len(missing) > 0 {
		a.logger.Warn("dependency cycle detected", "nodes", strings.Join(missing, ", "))
	}

	byPath := make(map[string]*model.TranslationUnit, len(units))
	for _, u := range units {
		byPath[u.Path] = u
	}

	ordered := make([]*model.TranslationUnit, 0, len(units))
	seen := make(map[string]struct{}, len(units))
	for _, path := range order {
		if u, ok := byPath[path]; ok {
			ordered = append(ordered, u)
			seen[path] = struct{}{}
		}
	}
	for _, u := range units {
		if _, ok := seen[u.Path]; !ok {
			ordered = append(ordered, u)
		}
	}
	return ordered
}
