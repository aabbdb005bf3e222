// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second, 2, 0, false)

	var prev time.Duration
	for i := 0; i < 10; i++ {
		d := b.Next()
		assert.GreaterOrEqual(t, d, prev, "delay must never shrink")
		assert.LessOrEqual(t, d, 30*time.Second)
		prev = d
	}
	assert.Equal(t, 30*time.Second, prev, "schedule must reach the cap")
}

func TestBackoffJitterStaysWithinBounds(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second, 2, 0.25, false)

	var prev time.Duration
	for i := 0; i < 8; i++ {
		d := b.Next()
		require.GreaterOrEqual(t, d, prev, "jitter is upward-only, delays stay non-decreasing")
		require.LessOrEqual(t, d, 30*time.Second)
		prev = d
	}
}

func TestBackoffRandomizedInitial(t *testing.T) {
	for i := 0; i < 20; i++ {
		b := NewBackoff(time.Second, 30*time.Second, 2, 0, true)
		d := b.Next()
		assert.GreaterOrEqual(t, d, time.Second)
		assert.Less(t, d, 2*time.Second)
	}
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second, 2, 0, false)

	for i := 0; i < 5; i++ {
		b.Next()
	}
	require.Equal(t, 5, b.Attempt())

	b.Reset()
	assert.Equal(t, 0, b.Attempt())
	assert.Equal(t, time.Second, b.Next(), "first delay after reset is the initial delay")
}
