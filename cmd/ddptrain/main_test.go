// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"path/filepath"
	"testing"

	"github.com/gomlx/ddp/pkg/ml/train"
	"github.com/stretchr/testify/assert"
)

// setFlag sets a string flag for the duration of the test.
func setFlag(t *testing.T, flag *string, value string) {
	previous := *flag
	*flag = value
	t.Cleanup(func() { *flag = previous })
}

func TestSetupErrorsExitWithConfigKind(t *testing.T) {
	setFlag(t, flagSnapshot, filepath.Join(t.TempDir(), "snapshot.bin"))
	configExitCode := train.ExitCode(flagError("x", assert.AnError))
	assert.Equal(t, train.KindConfig, train.ErrorKind(flagError("data", assert.AnError)))

	t.Run("missing data file", func(t *testing.T) {
		setFlag(t, flagData, filepath.Join(t.TempDir(), "missing.csv"))
		assert.Equal(t, configExitCode, run())
	})
	t.Run("unknown snapshot compression", func(t *testing.T) {
		setFlag(t, flagSnapshotCompression, "zstd")
		assert.Equal(t, configExitCode, run())
	})
	t.Run("unknown gradient compression", func(t *testing.T) {
		setFlag(t, flagCompression, "int8")
		assert.Equal(t, configExitCode, run())
	})
}
