// Copyright (C) 2025 Oxbow Labs (dev@oxbowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package capability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Cargo Message Parsing
// =============================================================================

// sampleCargoOutput mimics `cargo check --message-format json`: a progress
// line cargo sometimes interleaves, a compiler error with a primary span, a
// warning, a non-message artifact record, and a malformed line.
const sampleCargoOutput = `   Compiling demo v0.1.0
{"reason":"compiler-message","message":{"message":"cannot find value ` + "`x`" + ` in this scope","level":"error","rendered":"error[E0425]: cannot find value","code":{"code":"E0425"},"spans":[{"file_name":"src/main.rs","line_start":3,"is_primary":true}]}}
{"reason":"compiler-message","message":{"message":"unused variable: ` + "`y`" + `","level":"warning","rendered":"warning: unused variable","code":null,"spans":[{"file_name":"src/lib.rs","line_start":7,"is_primary":true}]}}
{"reason":"compiler-artifact","package_id":"demo 0.1.0"}
{not json at all
`

func TestParseCargoMessages(t *testing.T) {
	report := ParseCargoMessages([]byte(sampleCargoOutput))

	assert.False(t, report.Success)
	require.Equal(t, 1, report.ErrorCount)
	require.Equal(t, 1, report.WarningCount)

	e := report.Errors[0]
	assert.Contains(t, e.Message, "cannot find value")
	assert.Equal(t, "E0425", e.Code)
	assert.Equal(t, "src/main.rs", e.File)
	assert.Equal(t, 3, e.Line)
	assert.Contains(t, e.Rendered, "E0425")

	w := report.Warnings[0]
	assert.Equal(t, "src/lib.rs", w.File)
	assert.Equal(t, 7, w.Line)
}

func TestParseCargoMessages_CleanBuild(t *testing.T) {
	report := ParseCargoMessages([]byte(`{"reason":"compiler-artifact","package_id":"demo 0.1.0"}` + "\n"))
	assert.True(t, report.Success)
	assert.Zero(t, report.ErrorCount)
	assert.Zero(t, report.WarningCount)
}

func TestParseCargoMessages_Empty(t *testing.T) {
	report := ParseCargoMessages(nil)
	assert.True(t, report.Success)
}

func TestParseCargoMessages_NonPrimarySpanFallback(t *testing.T) {
	raw := `{"reason":"compiler-message","message":{"message":"mismatched types","level":"error","rendered":"","code":null,"spans":[{"file_name":"src/util.rs","line_start":12,"is_primary":false}]}}`
	report := ParseCargoMessages([]byte(raw))

	require.Equal(t, 1, report.ErrorCount)
	assert.Equal(t, "src/util.rs", report.Errors[0].File)
	assert.Equal(t, 12, report.Errors[0].Line)
}

func TestDiagnosticMatchesFile(t *testing.T) {
	withSpan := Diagnostic{Message: "err", File: "src/parser.rs"}
	assert.True(t, diagnosticMatchesFile(withSpan, "/out/demo/src/parser.rs", "parser.rs"))
	assert.False(t, diagnosticMatchesFile(withSpan, "/out/demo/src/lexer.rs", "lexer.rs"))

	// Spanless diagnostics (manifest errors, timeouts) match every file.
	spanless := Diagnostic{Message: "bad manifest", Code: "cargo"}
	assert.True(t, diagnosticMatchesFile(spanless, "/out/demo/src/lexer.rs", "lexer.rs"))
}

func TestTimeoutReport(t *testing.T) {
	report := timeoutReport(defaultCargoTimeout)
	assert.False(t, report.Success)
	assert.True(t, report.TimedOut)
	require.Equal(t, 1, report.ErrorCount)
	assert.Equal(t, "timeout", report.Errors[0].Code)
}

// =============================================================================
// Completion Post-Processing
// =============================================================================

func TestExtractCode(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		want       string
		wantFenced bool
	}{
		{
			name:       "rust fence",
			content:    "Here is the translation:\n```rust\nfn main() {}\n```\nDone.",
			want:       "fn main() {}",
			wantFenced: true,
		},
		{
			name:       "bare fence",
			content:    "```\nfn main() {}\n```",
			want:       "fn main() {}",
			wantFenced: true,
		},
		{
			name:       "no fence falls back to trimmed content",
			content:    "  fn main() {}  \n",
			want:       "fn main() {}",
			wantFenced: false,
		},
		{
			name:       "first of several fences",
			content:    "```rust\nfirst\n```\ntext\n```rust\nsecond\n```",
			want:       "first",
			wantFenced: true,
		},
		{
			name:       "c++ language tag",
			content:    "```c++\ncode\n```",
			want:       "code",
			wantFenced: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, fenced := extractCode(tt.content)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantFenced, fenced)
		})
	}
}

func TestEstimateConfidence(t *testing.T) {
	assert.Equal(t, 0.0, estimateConfidence("", true, "stop"))
	assert.InDelta(t, 0.5, estimateConfidence("code", false, "length"), 0.001)
	assert.InDelta(t, 0.75, estimateConfidence("code", true, "length"), 0.001)
	assert.InDelta(t, 0.65, estimateConfidence("code", false, "stop"), 0.001)
	assert.InDelta(t, 0.9, estimateConfidence("code", true, "stop"), 0.001)
}

func TestNewOpenAIClient_MissingKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	_, err := NewOpenAIClient(OpenAIOptions{})
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestNewOpenAIClient_Defaults(t *testing.T) {
	t.Setenv("OPENAI_MODEL", "")

	client, err := NewOpenAIClient(OpenAIOptions{APIKey: "test-key"})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", client.model)

	client, err = NewOpenAIClient(OpenAIOptions{APIKey: "test-key", Model: "custom"})
	require.NoError(t, err)
	assert.Equal(t, "custom", client.model)
}

// =============================================================================
// Mocks
// =============================================================================

func TestMockTranslator_QueueThenFallback(t *testing.T) {
	m := NewMockTranslator("fallback code", 0.9).
		QueueResult("queued code", 0.5).
		QueueError(errors.New("transient"))

	res, err := m.Translate(context.Background(), TranslateRequest{UnitName: "a.cpp"})
	require.NoError(t, err)
	assert.Equal(t, "queued code", res.Output)
	assert.Equal(t, 0.5, res.Confidence)

	_, err = m.Translate(context.Background(), TranslateRequest{UnitName: "a.cpp"})
	assert.EqualError(t, err, "transient")

	res, err = m.Translate(context.Background(), TranslateRequest{UnitName: "a.cpp"})
	require.NoError(t, err)
	assert.Equal(t, "fallback code", res.Output)

	assert.Equal(t, 3, m.CallCount())
	assert.Equal(t, "a.cpp", m.Requests[0].UnitName)
}

func TestMockVerifier_QueueThenClean(t *testing.T) {
	m := NewMockVerifier().QueueErrors(Diagnostic{Message: "boom"})

	report, err := m.VerifyFile(context.Background(), "/out/src/a.rs", "/out")
	require.NoError(t, err)
	assert.False(t, report.Success)
	assert.Equal(t, 1, report.ErrorCount)

	report, err = m.VerifyProject(context.Background(), "/out")
	require.NoError(t, err)
	assert.True(t, report.Success)

	assert.Equal(t, []string{"/out/src/a.rs"}, m.Files)
	assert.Equal(t, []string{"/out"}, m.Projects)
}

func TestMockFixer_EchoWhenQueueEmpty(t *testing.T) {
	m := NewMockFixer().QueueFix("fixed code")

	code, err := m.Fix(context.Background(), FixRequest{Code: "broken"})
	require.NoError(t, err)
	assert.Equal(t, "fixed code", code)

	code, err = m.Fix(context.Background(), FixRequest{Code: "broken"})
	require.NoError(t, err)
	assert.Equal(t, "broken", code)

	assert.Len(t, m.Requests, 2)
}
