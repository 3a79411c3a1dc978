// Copyright (C) 2025 Oxbow Labs (dev@oxbowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package capability

import (
	"context"
	"fmt"
	"sync"
)

// MockTranslator is a scripted Translator for tests. Responses are consumed
// in FIFO order; once the queue drains, the default response is returned.
type MockTranslator struct {
	mu sync.Mutex

	queued   []mockTranslateResponse
	fallback mockTranslateResponse

	// Requests records every call in order.
	Requests []TranslateRequest
}

type mockTranslateResponse struct {
	result *TranslateResult
	err    error
}

// NewMockTranslator returns a mock whose default response succeeds with the
// given output and confidence.
func NewMockTranslator(output string, confidence float64) *MockTranslator {
	return &MockTranslator{
		fallback: mockTranslateResponse{
			result: &TranslateResult{Output: output, Confidence: confidence},
		},
	}
}

// QueueResult queues a successful response.
func (m *MockTranslator) QueueResult(output string, confidence float64) *MockTranslator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued = append(m.queued, mockTranslateResponse{
		result: &TranslateResult{Output: output, Confidence: confidence},
	})
	return m
}

// QueueError queues a failed response.
func (m *MockTranslator) QueueError(err error) *MockTranslator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued = append(m.queued, mockTranslateResponse{err: err})
	return m
}

// Translate implements Translator.
func (m *MockTranslator) Translate(_ context.Context, req TranslateRequest) (*TranslateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Requests = append(m.Requests, req)

	resp := m.fallback
	if len(m.queued) > 0 {
		resp = m.queued[0]
		m.queued = m.queued[1:]
	}
	if resp.err != nil {
		return nil, resp.err
	}
	if resp.result == nil {
		return nil, fmt.Errorf("mock translator: no response configured for %s", req.UnitName)
	}
	out := *resp.result
	return &out, nil
}

// CallCount returns how many times Translate was invoked.
func (m *MockTranslator) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}

// MockVerifier is a scripted Verifier. Reports queue in FIFO order; an empty
// queue yields a clean report.
type MockVerifier struct {
	mu sync.Mutex

	queued []*VerifyReport

	// Files records every VerifyFile path in order.
	Files []string
	// Projects records every VerifyProject dir in order.
	Projects []string
}

// NewMockVerifier returns a verifier that passes everything by default.
func NewMockVerifier() *MockVerifier {
	return &MockVerifier{}
}

// QueueReport queues the next report to return.
func (m *MockVerifier) QueueReport(report *VerifyReport) *MockVerifier {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued = append(m.queued, report)
	return m
}

// QueueErrors queues a failing report containing the given diagnostics.
func (m *MockVerifier) QueueErrors(diags ...Diagnostic) *MockVerifier {
	return m.QueueReport(&VerifyReport{
		Success:    false,
		Errors:     diags,
		ErrorCount: len(diags),
	})
}

// VerifyFile implements Verifier.
func (m *MockVerifier) VerifyFile(_ context.Context, filePath string, _ string) (*VerifyReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Files = append(m.Files, filePath)
	return m.next(), nil
}

// VerifyProject implements Verifier.
func (m *MockVerifier) VerifyProject(_ context.Context, projectDir string) (*VerifyReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Projects = append(m.Projects, projectDir)
	return m.next(), nil
}

// next must hold m.mu.
func (m *MockVerifier) next() *VerifyReport {
	if len(m.queued) > 0 {
		report := m.queued[0]
		m.queued = m.queued[1:]
		return report
	}
	return &VerifyReport{Success: true}
}

// MockFixer is a scripted Fixer. Fixed code queues in FIFO order; an empty
// queue echoes the input code back unchanged.
type MockFixer struct {
	mu sync.Mutex

	queued []mockFixResponse

	// Requests records every call in order.
	Requests []FixRequest
}

type mockFixResponse struct {
	code string
	err  error
}

// NewMockFixer returns a mock fixer.
func NewMockFixer() *MockFixer {
	return &MockFixer{}
}

// QueueFix queues corrected code to return.
func (m *MockFixer) QueueFix(code string) *MockFixer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued = append(m.queued, mockFixResponse{code: code})
	return m
}

// QueueError queues a failed response.
func (m *MockFixer) QueueError(err error) *MockFixer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued = append(m.queued, mockFixResponse{err: err})
	return m
}

// Fix implements Fixer.
func (m *MockFixer) Fix(_ context.Context, req FixRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Requests = append(m.Requests, req)

	if len(m.queued) > 0 {
		resp := m.queued[0]
		m.queued = m.queued[1:]
		if resp.err != nil {
			return "", resp.err
		}
		return resp.code, nil
	}
	return req.Code, nil
}
