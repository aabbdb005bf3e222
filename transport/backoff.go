// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package transport

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff computes reconnect delays: exponential growth with upward-only
// jitter, capped at a maximum. When randomizeInitial is set (multiple
// candidate endpoints), the very first delay is drawn from
// [initial, 2*initial) so a fleet of clients does not stampede a gateway
// that just went down.
type Backoff struct {
	mu               sync.Mutex
	initial          time.Duration
	max              time.Duration
	factor           float64
	jitter           float64
	attempt          int
	randomizeInitial bool
	rng              *rand.Rand
}

// NewBackoff builds a backoff schedule. factor must be >= 1 and jitter in
// [0, 1); out-of-range values are clamped.
func NewBackoff(initial, max time.Duration, factor, jitter float64, randomizeInitial bool) *Backoff {
	if factor < 1 {
		factor = 1
	}
	if jitter < 0 {
		jitter = 0
	}
	if jitter >= 1 {
		jitter = 0.99
	}
	return &Backoff{
		initial:          initial,
		max:              max,
		factor:           factor,
		jitter:           jitter,
		randomizeInitial: randomizeInitial,
		rng:              rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay before the next connection attempt and advances the
// schedule. Jitter is added on top of the base delay so successive base
// delays never shrink.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	base := float64(b.initial)
	for i := 0; i < b.attempt; i++ {
		base *= b.factor
		if base >= float64(b.max) {
			base = float64(b.max)
			break
		}
	}
	b.attempt++

	d := time.Duration(base)
	if b.attempt == 1 && b.randomizeInitial {
		d += time.Duration(b.rng.Float64() * float64(b.initial))
	} else if b.jitter > 0 {
		d += time.Duration(b.rng.Float64() * b.jitter * base)
	}
	if d > b.max {
		d = b.max
	}
	return d
}

// Reset rewinds the schedule to the initial delay. Called after a connection
// has stayed open long enough to count as stable.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
}

// Attempt reports how many delays have been handed out since the last reset.
func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}
