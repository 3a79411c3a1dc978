// Copyright (C) 2025 Oxbow Labs (dev@oxbowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import "strings"

// QualityScore grades translated output in [0, 1] as the mean of three coarse
// checks. It is a smoke detector, not a review: real verification is the
// compiler's job.
func QualityScore(content string) float64 {
	if strings.TrimSpace(content) == "" {
		return 0
	}
	return (syntaxScore(content) + completenessScore(content) + styleScore(content)) / 3
}

func syntaxScore(content string) float64 {
	if strings.Contains(content, "fn ") && strings.Contains(content, "{") && strings.Contains(content, "}") {
		return 0.8
	}
	return 0.3
}

func completenessScore(content string) float64 {
	if len(strings.TrimSpace(content)) > 10 {
		return 0.7
	}
	return 0.2
}

func styleScore(content string) float64 {
	if strings.HasPrefix(content, "//") || strings.HasPrefix(content, "/*") {
		return 0.6
	}
	return 0.4
}
