// Copyright (C) 2025 Oxbow Labs (dev@oxbowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/oxbowlabs/oxbow/services/translator/capability"
)

// fixOutcome is the result of a verify-fix loop. Code always holds the most
// recent candidate, even when the loop gave up, so a partial repair is never
// thrown away.
type fixOutcome struct {
	Success   bool
	Code      string
	Rounds    int
	Remaining []capability.Diagnostic
}

// runFixLoop repairs compiler errors in code until the file verifies clean,
// the round ceiling is hit, or the fixer stops making progress. Each round
// sends at most MaxErrorsPerFix diagnostics, writes the candidate to
// filePath, and re-verifies in the project context.
func (o *Orchestrator) runFixLoop(ctx context.Context, code string, diags []capability.Diagnostic, filePath, projectDir string) *fixOutcome {
	if len(diags) == 0 {
		return &fixOutcome{Success: true, Code: code}
	}

	remaining := o.capDiagnostics(diags)
	rounds := 0

	for rounds < o.cfg.MaxFixRounds && len(remaining) > 0 {
		if ctx.Err() != nil {
			break
		}
		rounds++
		o.logger.Info("fix round started",
			"file", filePath, "round", rounds, "max_rounds", o.cfg.MaxFixRounds, "errors", len(remaining))

		fixed, err := o.fixer.Fix(ctx, capability.FixRequest{
			Code:     code,
			Errors:   remaining,
			FilePath: filePath,
			Context: map[string]string{
				"project_dir": projectDir,
			},
		})
		if err != nil {
			o.logger.Warn("fix request failed", "file", filePath, "round", rounds, "error", err)
			break
		}
		if strings.TrimSpace(fixed) != "" {
			code = fixed
		}

		if err := os.WriteFile(filePath, []byte(code), 0644); err != nil {
			o.logger.Warn("write fixed code failed", "file", filePath, "error", err)
			break
		}

		report, err := o.verifier.VerifyFile(ctx, filePath, projectDir)
		if err != nil {
			o.logger.Warn("re-verify after fix failed", "file", filePath, "error", err)
			break
		}
		if report.Success {
			o.logger.Info("fix loop converged", "file", filePath, "rounds", rounds)
			return &fixOutcome{Success: true, Code: code, Rounds: rounds}
		}

		remaining = o.capDiagnostics(relevantDiagnostics(report.Errors, filePath))
	}

	o.logger.Warn("fix loop exhausted",
		"file", filePath, "rounds", rounds, "remaining_errors", len(remaining))
	return &fixOutcome{Success: false, Code: code, Rounds: rounds, Remaining: remaining}
}

// relevantDiagnostics keeps diagnostics attributable to filePath. Spanless
// diagnostics stay: better to over-fix than to loop on an invisible error.
func relevantDiagnostics(diags []capability.Diagnostic, filePath string) []capability.Diagnostic {
	base := filepath.Base(filePath)
	out := make([]capability.Diagnostic, 0, len(diags))
	for _, d := range diags {
		if d.File == "" || strings.HasSuffix(filePath, d.File) || strings.HasSuffix(d.File, base) {
			out = append(out, d)
		}
	}
	return out
}

// capDiagnostics bounds a diagnostic batch so fix prompts stay within
// capability limits.
func (o *Orchestrator) capDiagnostics(diags []capability.Diagnostic) []capability.Diagnostic {
	max := o.cfg.MaxErrorsPerFix
	if max <= 0 || len(diags) <= max {
		return diags
	}
	o.logger.Warn("limiting fix batch", "total", len(diags), "limit", max)
	return diags[:max]
}
