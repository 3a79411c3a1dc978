// Copyright (C) 2025 Oxbow Labs (dev@oxbowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package capability

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/oxbowlabs/oxbow/pkg/logging"
)

// defaultCargoTimeout bounds a single cargo invocation. Exceeding it produces
// a synthetic timeout diagnostic rather than an error, so the caller can
// record the result and move on.
const defaultCargoTimeout = 60 * time.Second

// ErrCargoNotFound indicates the cargo binary is not installed or not on PATH.
var ErrCargoNotFound = errors.New("cargo executable not found")

// CargoVerifier runs `cargo check` against translated output and converts
// compiler JSON messages into Diagnostics.
type CargoVerifier struct {
	timeout time.Duration
	logger  *logging.Logger
}

// CargoOption configures a CargoVerifier.
type CargoOption func(*CargoVerifier)

// WithCargoTimeout overrides the per-invocation wall-clock limit.
func WithCargoTimeout(d time.Duration) CargoOption {
	return func(v *CargoVerifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// NewCargoVerifier creates a verifier. It does not probe for the cargo
// binary up front; a missing binary surfaces as ErrCargoNotFound at verify
// time.
func NewCargoVerifier(logger *logging.Logger, opts ...CargoOption) *CargoVerifier {
	if logger == nil {
		logger = logging.Default()
	}
	v := &CargoVerifier{
		timeout: defaultCargoTimeout,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// VerifyFile checks a whole crate and filters the diagnostics down to those
// attributable to the given file.
func (v *CargoVerifier) VerifyFile(ctx context.Context, filePath, projectDir string) (*VerifyReport, error) {
	report, err := v.VerifyProject(ctx, projectDir)
	if err != nil {
		return nil, err
	}
	if report.TimedOut {
		return report, nil
	}

	base := filepath.Base(filePath)
	filtered := &VerifyReport{Success: true, TimedOut: false}
	for _, d := range report.Errors {
		if diagnosticMatchesFile(d, filePath, base) {
			filtered.Errors = append(filtered.Errors, d)
		}
	}
	for _, d := range report.Warnings {
		if diagnosticMatchesFile(d, filePath, base) {
			filtered.Warnings = append(filtered.Warnings, d)
		}
	}
	filtered.ErrorCount = len(filtered.Errors)
	filtered.WarningCount = len(filtered.Warnings)
	filtered.Success = filtered.ErrorCount == 0
	return filtered, nil
}

// VerifyProject runs `cargo check --message-format json` in projectDir and
// aggregates every diagnostic the compiler emits.
func (v *CargoVerifier) VerifyProject(ctx context.Context, projectDir string) (*VerifyReport, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, "cargo", "check", "--message-format", "json")
	cmd.Dir = projectDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		v.logger.Warn("cargo check timed out", "dir", projectDir, "timeout", v.timeout)
		return timeoutReport(v.timeout), nil
	}
	if err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return nil, fmt.Errorf("%w: %v", ErrCargoNotFound, err)
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("run cargo check in %s: %w", projectDir, err)
		}
		// Non-zero exit with diagnostics on stdout is the normal failure
		// path; fall through to parsing.
	}

	report := ParseCargoMessages(stdout.Bytes())
	if report.ErrorCount == 0 && err != nil && stdout.Len() == 0 {
		// cargo failed before the compiler ran (bad manifest, lock issues).
		report.Success = false
		report.Errors = append(report.Errors, Diagnostic{
			Message: strings.TrimSpace(stderr.String()),
			Code:    "cargo",
		})
		report.ErrorCount = 1
	}

	v.logger.Debug("cargo check finished",
		"dir", projectDir,
		"errors", report.ErrorCount,
		"warnings", report.WarningCount,
		"elapsed", elapsed,
	)
	return report, nil
}

// cargoMessage is the subset of cargo's JSON message stream the verifier
// cares about.
type cargoMessage struct {
	Reason  string `json:"reason"`
	Message struct {
		Message  string `json:"message"`
		Level    string `json:"level"`
		Rendered string `json:"rendered"`
		Code     *struct {
			Code string `json:"code"`
		} `json:"code"`
		Spans []struct {
			FileName  string `json:"file_name"`
			LineStart int    `json:"line_start"`
			IsPrimary bool   `json:"is_primary"`
		} `json:"spans"`
	} `json:"message"`
}

// ParseCargoMessages converts the newline-delimited JSON emitted by
// `cargo check --message-format json` into a report. Unparseable lines are
// skipped; cargo interleaves non-JSON output on some toolchains.
func ParseCargoMessages(raw []byte) *VerifyReport {
	report := &VerifyReport{Success: true}

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var msg cargoMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.Reason != "compiler-message" {
			continue
		}

		d := Diagnostic{
			Message:  msg.Message.Message,
			Rendered: msg.Message.Rendered,
		}
		if msg.Message.Code != nil {
			d.Code = msg.Message.Code.Code
		}
		for _, span := range msg.Message.Spans {
			if span.IsPrimary {
				d.File = span.FileName
				d.Line = span.LineStart
				break
			}
		}
		if d.File == "" && len(msg.Message.Spans) > 0 {
			d.File = msg.Message.Spans[0].FileName
			d.Line = msg.Message.Spans[0].LineStart
		}

		switch msg.Message.Level {
		case "error", "error: internal compiler error":
			report.Errors = append(report.Errors, d)
		case "warning":
			report.Warnings = append(report.Warnings, d)
		}
	}

	report.ErrorCount = len(report.Errors)
	report.WarningCount = len(report.Warnings)
	report.Success = report.ErrorCount == 0
	return report
}

func timeoutReport(timeout time.Duration) *VerifyReport {
	return &VerifyReport{
		Success:  false,
		TimedOut: true,
		Errors: []Diagnostic{{
			Message: fmt.Sprintf("verification timed out after %s", timeout),
			Code:    "timeout",
		}},
		ErrorCount: 1,
	}
}

func diagnosticMatchesFile(d Diagnostic, fullPath, base string) bool {
	if d.File == "" {
		// Diagnostics without a span (manifest errors, timeouts) apply to
		// every file.
		return true
	}
	return strings.HasSuffix(d.File, base) || strings.HasSuffix(fullPath, filepath.Base(d.File))
}
