// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.23s", FormatDuration(1234567890*time.Nanosecond))
	assert.Equal(t, "12.35ms", FormatDuration(12345678*time.Nanosecond))
	assert.Equal(t, "1.50µs", FormatDuration(1500*time.Nanosecond))
	assert.Equal(t, "999ns", FormatDuration(999*time.Nanosecond))
	assert.Equal(t, "0s", FormatDuration(0))
	// Epochs and runs: all units, rounded to the second.
	assert.Equal(t, "1h2m4s", FormatDuration(time.Hour+2*time.Minute+3500*time.Millisecond))
	assert.Equal(t, "2m0s", FormatDuration(2*time.Minute+100*time.Millisecond))
}

func TestRenderTable(t *testing.T) {
	out := RenderTable([]string{"Epoch", "Loss"}, [][]string{{"0", "0.5"}, {"1", "0.25"}})
	for _, want := range []string{"Epoch", "Loss", "0.5", "0.25"} {
		assert.Contains(t, out, want)
	}
	// Header plus its separator, 2 rows and the borders.
	assert.Len(t, strings.Split(out, "\n"), 6)

	out = RenderTable(nil, [][]string{{"Global Step", "1,024"}})
	assert.Contains(t, out, "Global Step")
	assert.Contains(t, out, "1,024")
	assert.Len(t, strings.Split(out, "\n"), 3)
}
