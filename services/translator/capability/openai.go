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
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/oxbowlabs/oxbow/pkg/logging"
)

// ErrMissingAPIKey indicates the client cannot authenticate. This is a
// misconfiguration and should terminate the run, unlike per-unit capability
// failures.
var ErrMissingAPIKey = errors.New("translation API key not set")

// codeBlockPattern extracts the first fenced code block from a completion.
var codeBlockPattern = regexp.MustCompile("(?s)```[a-zA-Z+]*\n?(.*?)\n?```")

const translateSystemPrompt = `You are an expert systems programmer translating C/C++ source files to idiomatic, safe Rust.

Guidelines:
1. Preserve the semantics of the original code exactly
2. Prefer safe Rust; use unsafe blocks only where unavoidable
3. Map C idioms to their Rust equivalents (pointers to references or Box, manual memory management to ownership)
4. Translate the complete file; do not elide any function
5. Return ONLY the translated code in a single code block`

const fixSystemPrompt = `You are an expert Rust compiler error fixer. Analyze the compilation errors and provide corrected code.

Guidelines:
1. Fix all reported compilation errors
2. Maintain code functionality and logic
3. Follow Rust best practices and idiomatic patterns
4. Provide complete corrected code, not patches
5. Return ONLY the corrected code in a single code block`

// fixTuningValue is used for repair requests; fixing wants determinism.
const fixTuningValue = 0.3

// OpenAIClient implements Translator and Fixer over an OpenAI-compatible
// chat completion API.
type OpenAIClient struct {
	client *openai.Client
	model  string
	logger *logging.Logger
}

// OpenAIOptions configures the client.
type OpenAIOptions struct {
	// APIKey authenticates requests. Falls back to OPENAI_API_KEY.
	APIKey string

	// BaseURL overrides the API endpoint, for OpenAI-compatible providers.
	BaseURL string

	// Model is the completion model name. Falls back to OPENAI_MODEL, then
	// a default.
	Model string

	Logger *logging.Logger
}

// NewOpenAIClient creates a client, reading missing credentials from the
// environment. A missing key is a hard error.
func NewOpenAIClient(opts OpenAIOptions) (*OpenAIClient, error) {
	apiKey := opts.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	model := opts.Model
	if model == "" {
		model = os.Getenv("OPENAI_MODEL")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	cfg := openai.DefaultConfig(apiKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}

	logger.Info("translation client initialized", "model", model)
	return &OpenAIClient{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		logger: logger,
	}, nil
}

// Translate implements Translator.
func (c *OpenAIClient) Translate(ctx context.Context, req TranslateRequest) (*TranslateResult, error) {
	target := req.TargetLanguage
	if target == "" {
		target = "rust"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Translate the following C/C++ file to %s.\n\nFile: %s\n\n```\n%s\n```\n", target, req.UnitName, req.Source)
	for k, v := range req.Context {
		fmt.Fprintf(&sb, "\n%s: %s", k, v)
	}
	sb.WriteString("\nReturn ONLY the translated code in a single code block.")

	content, finish, err := c.complete(ctx, translateSystemPrompt, sb.String(), float32(req.TuningValue))
	if err != nil {
		return nil, fmt.Errorf("translate %s: %w", req.UnitName, err)
	}

	output, fenced := extractCode(content)
	return &TranslateResult{
		Output:     output,
		Confidence: estimateConfidence(output, fenced, finish),
		Transcript: content,
	}, nil
}

// Fix implements Fixer.
func (c *OpenAIClient) Fix(ctx context.Context, req FixRequest) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Fix the following Rust code that has compilation errors.\n\nFile: %s\n\nCurrent code:\n```rust\n%s\n```\n\nCompilation errors:\n", filepath.Base(req.FilePath), req.Code)
	for i, diag := range req.Errors {
		rendered := diag.Rendered
		if rendered == "" {
			rendered = diag.Message
		}
		fmt.Fprintf(&sb, "\nError %d:\n%s\n", i+1, rendered)
	}
	sb.WriteString("\nProvide the complete corrected Rust code. Return ONLY the corrected code in a code block, no explanations.")

	content, _, err := c.complete(ctx, fixSystemPrompt, sb.String(), fixTuningValue)
	if err != nil {
		return "", fmt.Errorf("fix %s: %w", req.FilePath, err)
	}

	fixed, _ := extractCode(content)
	c.logger.Debug("fix response received", "file", req.FilePath, "length", len(fixed))
	return fixed, nil
}

func (c *OpenAIClient) complete(ctx context.Context, system, user string, temperature float32) (string, string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return "", "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", "", errors.New("completion returned no choices")
	}
	choice := resp.Choices[0]
	return choice.Message.Content, string(choice.FinishReason), nil
}

// extractCode pulls the first fenced code block out of a completion, falling
// back to the trimmed raw content. The second return reports whether a fence
// was found.
func extractCode(content string) (string, bool) {
	if m := codeBlockPattern.FindStringSubmatch(content); m != nil {
		return strings.TrimSpace(m[1]), true
	}
	return strings.TrimSpace(content), false
}

// estimateConfidence maps completion shape onto the capability's confidence
// contract. The API reports no confidence itself, so this is a coarse
// heuristic: fenced, cleanly-finished output scores high.
func estimateConfidence(output string, fenced bool, finishReason string) float64 {
	if output == "" {
		return 0
	}
	confidence := 0.5
	if fenced {
		confidence += 0.25
	}
	if finishReason == string(openai.FinishReasonStop) {
		confidence += 0.15
	}
	return confidence
}
