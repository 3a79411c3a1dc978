// Copyright (C) 2025 Oxbow Labs (dev@oxbowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import "strings"

// Policy is the per-unit translation policy derived from complexity. It is
// plain data: the strategy label feeds prompts and result metadata, MaxRetries
// bounds the attempt loop, and ParallelismHint is advisory for capabilities
// that can fan out internally. Behavior never dispatches on the label.
type Policy struct {
	Strategy        string
	MaxRetries      int
	ParallelismHint int
}

// Strategy labels recorded in result metadata.
const (
	StrategySinglePass = "single_pass"
	StrategyMultiPass  = "multi_pass"
	StrategyHybrid     = "hybrid"
)

// Complexity bands selecting the policy.
const (
	simpleComplexity  = 0.3
	complexComplexity = 0.7
)

// PolicyFor maps a complexity score onto a translation policy. Simple units
// get a cheap retry budget; library-grade units get the full exploration
// budget.
func PolicyFor(complexity float64) Policy {
	switch {
	case complexity < simpleComplexity:
		return Policy{Strategy: StrategySinglePass, MaxRetries: 2, ParallelismHint: 1}
	case complexity < complexComplexity:
		return Policy{Strategy: StrategyMultiPass, MaxRetries: 3, ParallelismHint: 2}
	default:
		return Policy{Strategy: StrategyHybrid, MaxRetries: 5, ParallelismHint: 3}
	}
}

// ComplexityScore estimates source complexity in [0, 1] from coarse lexical
// counts. The weights keep a 1000-line file with moderate nesting near the
// top of the scale.
func ComplexityScore(content string) float64 {
	if content == "" {
		return 0
	}

	lines := strings.Count(content, "\n") + 1
	nesting := strings.Count(content, "{") - strings.Count(content, "}")
	if nesting < 0 {
		nesting = 0
	}
	classes := strings.Count(content, "class ")
	templates := strings.Count(content, "template")

	score := float64(lines)/1000 + float64(nesting)/100 + float64(classes)/50 + float64(templates)/20
	if score > 1 {
		return 1
	}
	if score < 0 {
		return 0
	}
	return score
}
