// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package commons

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplicationLogger(t *testing.T) {
	logger, err := NewApplicationLogger()
	require.NoError(t, err)

	logger.Debugf("debug %d", 1)
	logger.Infow("info", "key", "value")
	logger.Benchmark("dial", 12*time.Millisecond)
}

func TestRotatingLoggerWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voice.log")

	logger, err := NewRotatingLogger(path, "info")
	require.NoError(t, err)

	logger.Infow("call open", "call", "CA1")
	logger.Debugw("suppressed at info level")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "call open")
	assert.NotContains(t, string(data), "suppressed at info level")
}

func TestRotatingLoggerFallsBackToInfoOnBadLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voice.log")

	logger, err := NewRotatingLogger(path, "not-a-level")
	require.NoError(t, err, "an unknown level must not fail logger construction")

	logger.Infow("still logging")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "still logging")
}
