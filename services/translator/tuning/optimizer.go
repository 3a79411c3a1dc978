// Copyright (C) 2025 Oxbow Labs (dev@oxbowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package tuning tracks translation attempts and adapts the exploration
// parameter passed to the translation capability.
//
// The parameter space is a small fixed set of recommended values rather than
// a continuum: every value handed out is snapped to the nearest member of
// the set. Low values favor determinism, high values favor exploration.
package tuning

import (
	"math"
	"math/rand/v2"
	"sync"
)

// RecommendedValues is the fixed candidate set for the tuning parameter.
var RecommendedValues = []float64{0.0, 1.0, 1.3, 1.5}

// Complexity thresholds selecting the seed value band.
const (
	lowComplexity  = 0.3
	highComplexity = 0.7
)

// Attempt records the outcome of one translation invocation.
type Attempt struct {
	// Value is the tuning value the attempt used.
	Value float64

	Success    bool
	Confidence float64
	Error      string
}

// score maps an attempt to [0, 1]: failures score zero, successes score 0.7
// plus a confidence bonus.
func (a Attempt) score() float64 {
	if !a.Success {
		return 0
	}
	return 0.7 + 0.3*a.Confidence
}

// Optimizer adapts the tuning value from observed attempts. It remembers the
// best-scoring value seen and nudges the current value toward values that
// succeeded, always snapping to the recommended set.
//
// Optimizer is safe for concurrent use; unit pipelines share one instance.
type Optimizer struct {
	mu sync.Mutex

	recommended []float64
	initial     float64

	current   float64
	best      float64
	bestScore float64
	history   []Attempt
}

// NewOptimizer creates an optimizer seeded at initial, snapped to the
// recommended set. An empty custom set falls back to RecommendedValues.
func NewOptimizer(initial float64, recommended ...float64) *Optimizer {
	values := recommended
	if len(values) == 0 {
		values = RecommendedValues
	}
	start := snap(initial, values)
	return &Optimizer{
		recommended: values,
		initial:     initial,
		current:     start,
		best:        start,
	}
}

// Current returns the current tuning value.
func (o *Optimizer) Current() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Best returns the best-scoring value seen and its score.
func (o *Optimizer) Best() (float64, float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.best, o.bestScore
}

// History returns a copy of the recorded attempts.
func (o *Optimizer) History() []Attempt {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Attempt, len(o.history))
	copy(out, o.history)
	return out
}

// Record folds an attempt into the optimizer state and returns the new
// current value. Successful attempts pull the current value toward the value
// that succeeded; failed attempts at the current value step down to the next
// lower recommended value.
func (o *Optimizer) Record(attempt Attempt) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.history = append(o.history, attempt)

	if s := attempt.score(); s > o.bestScore {
		o.bestScore = s
		o.best = attempt.Value
	}

	if attempt.Success {
		if attempt.Value != o.current {
			closest := snap(attempt.Value, o.recommended)
			if math.Abs(closest-o.current) < math.Abs(o.current-attempt.Value) {
				o.current = closest
			}
		}
	} else if attempt.Value == o.current {
		o.current = o.stepDown(o.current)
	}

	o.current = snap(o.current, o.recommended)
	return o.current
}

// SeedForComplexity returns the starting value for a unit of the given
// complexity: low complexity prefers the low candidates, high complexity the
// high ones, and mid complexity uses the fixed default. Within a band, the
// candidate closest to the best-known value wins.
func (o *Optimizer) SeedForComplexity(complexity float64) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	var candidates []float64
	switch {
	case complexity < lowComplexity:
		candidates = []float64{0.0, 1.0}
	case complexity < highComplexity:
		return 1.0
	default:
		candidates = []float64{1.3, 1.5}
	}
	return snap(o.best, candidates)
}

// RetryValues returns up to n values to try after a failure at failed. The
// failed value is excluded first; remaining slots fill with values closest
// to the best-known value. The result is shuffled so retries do not always
// start from the same candidate.
func (o *Optimizer) RetryValues(failed float64, n int) []float64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	values := make([]float64, 0, n)
	for _, v := range o.recommended {
		if len(values) >= n {
			break
		}
		if v != failed {
			values = append(values, v)
		}
	}

	if len(values) < n {
		byProximity := make([]float64, len(o.recommended))
		copy(byProximity, o.recommended)
		best := o.best
		sortByDistance(byProximity, best)
		for _, v := range byProximity {
			if len(values) >= n {
				break
			}
			if !contains(values, v) {
				values = append(values, v)
			}
		}
	}

	rand.Shuffle(len(values), func(i, j int) {
		values[i], values[j] = values[j], values[i]
	})
	return values
}

// Reset returns the optimizer to its initial state.
func (o *Optimizer) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.current = snap(o.initial, o.recommended)
	o.best = o.current
	o.bestScore = 0
	o.history = nil
}

// stepDown returns the next lower recommended value, or current when already
// at the bottom.
func (o *Optimizer) stepDown(current float64) float64 {
	next := current
	for _, v := range o.recommended {
		if v < current && (next == current || v > next) {
			next = v
		}
	}
	return next
}

// snap returns the member of values closest to x.
func snap(x float64, values []float64) float64 {
	best := values[0]
	for _, v := range values[1:] {
		if math.Abs(v-x) < math.Abs(best-x) {
			best = v
		}
	}
	return best
}

func sortByDistance(values []float64, center float64) {
	for i := 1; i < len(values); i++ {
		for j := i; j > 0 && math.Abs(values[j]-center) < math.Abs(values[j-1]-center); j-- {
			values[j], values[j-1] = values[j-1], values[j]
		}
	}
}

func contains(values []float64, x float64) bool {
	for _, v := range values {
		if v == x {
			return true
		}
	}
	return false
}
