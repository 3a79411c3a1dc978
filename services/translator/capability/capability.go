// Copyright (C) 2025 Oxbow Labs (dev@oxbowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package capability defines the external collaborator interfaces the
// orchestrator depends on: translation, compilation verification, and error
// fixing. Implementations are injected at runtime.
//
// Each capability has exactly one return contract. The orchestrator never
// handles alternate response shapes.
//
// Thread Safety:
//
//	Implementations must be safe for concurrent use; unit pipelines invoke
//	them in parallel.
package capability

import (
	"context"
)

// TranslateRequest carries one unit's source text and the tuning value for
// this attempt.
type TranslateRequest struct {
	// UnitName is the source file name, for prompting and logs.
	UnitName string

	// Source is the original source text.
	Source string

	// TuningValue is the exploration parameter (sampling temperature
	// analog) for this attempt.
	TuningValue float64

	// TargetLanguage is the output language tag (e.g. "rust").
	TargetLanguage string

	// Context is optional free-form project context.
	Context map[string]string
}

// TranslateResult is the fixed return contract of the translation
// capability: output text, a confidence score, and an optional transcript.
type TranslateResult struct {
	Output     string
	Confidence float64

	// Transcript optionally records the full exchange for audit.
	Transcript string
}

// Translator is the code-transformation capability. It must be callable
// repeatedly with different tuning values and may not have side effects
// visible to the orchestrator beyond its return value.
type Translator interface {
	Translate(ctx context.Context, req TranslateRequest) (*TranslateResult, error)
}

// Diagnostic is one compiler message. Only Message is guaranteed; the other
// fields are populated when the toolchain provides them.
type Diagnostic struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`

	// Rendered is the human-readable form, when available.
	Rendered string `json:"rendered,omitempty"`
}

// VerifyReport is the structured outcome of a compilation check.
type VerifyReport struct {
	Success      bool         `json:"success"`
	Errors       []Diagnostic `json:"errors"`
	Warnings     []Diagnostic `json:"warnings"`
	ErrorCount   int          `json:"error_count"`
	WarningCount int          `json:"warning_count"`

	// TimedOut marks reports synthesized from a verification timeout.
	TimedOut bool `json:"timeout,omitempty"`
}

// Verifier is the compiler/toolchain capability.
type Verifier interface {
	// VerifyFile checks a single output file in its project context.
	VerifyFile(ctx context.Context, filePath string, projectDir string) (*VerifyReport, error)

	// VerifyProject checks the whole output project.
	VerifyProject(ctx context.Context, projectDir string) (*VerifyReport, error)
}

// FixRequest carries code and the diagnostics to repair.
type FixRequest struct {
	Code     string
	Errors   []Diagnostic
	FilePath string

	// Context is optional free-form project context.
	Context map[string]string
}

// Fixer is the repair capability. The returned code is best-effort; the
// caller re-verifies.
type Fixer interface {
	Fix(ctx context.Context, req FixRequest) (string, error)
}
