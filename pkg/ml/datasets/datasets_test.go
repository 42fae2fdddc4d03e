// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSynthetic(t *testing.T) {
	ds, weights, bias := Synthetic(100, 3, 0, 42)
	assert.Equal(t, 100, ds.Size())
	assert.Equal(t, 3, ds.NumFeatures())
	require.Len(t, weights, 3)

	// Without noise the target is exactly linear.
	for i := range ds.Size() {
		value, err := ds.Get(i)
		require.NoError(t, err)
		example := value.(Example)
		want := bias
		for j, x := range example.Features {
			assert.True(t, x >= -1 && x < 1)
			want += weights[j] * x
		}
		assert.InDelta(t, want, example.Target, 1e-12)
	}

	// Same seed, same dataset.
	ds2, weights2, _ := Synthetic(100, 3, 0, 42)
	assert.Equal(t, weights, weights2)
	assert.Equal(t, ds.Examples(), ds2.Examples())
	ds3, _, _ := Synthetic(100, 3, 0, 43)
	assert.NotEqual(t, ds.Examples(), ds3.Examples())

	_, err := ds.Get(100)
	assert.Error(t, err)
	_, err = ds.Get(-1)
	assert.Error(t, err)
}

func TestCSV(t *testing.T) {
	ds, _, _ := Synthetic(20, 4, 0.1, 1)
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, ds, "y"))
	filePath := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, os.WriteFile(filePath, buf.Bytes(), 0o600))

	loaded, err := ReadCSV(filePath, "y")
	require.NoError(t, err)
	assert.Equal(t, 20, loaded.Size())
	assert.Equal(t, 4, loaded.NumFeatures())
	for i, example := range loaded.Examples() {
		assert.InDeltaSlice(t, ds.Examples()[i].Features, example.Features, 1e-6)
		assert.InDelta(t, ds.Examples()[i].Target, example.Target, 1e-6)
	}

	_, err = ReadCSV(filePath, "label")
	assert.ErrorContains(t, err, "no target column")
	_, err = ReadCSV(filepath.Join(t.TempDir(), "missing.csv"), "y")
	assert.Error(t, err)
}

func TestReadCSVTargetInTheMiddle(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, os.WriteFile(filePath, []byte("a,target,b\n1,10,2\n3,20,4\n"), 0o600))
	ds, err := ReadCSV(filePath, "target")
	require.NoError(t, err)
	require.Equal(t, 2, ds.Size())
	assert.Equal(t, Example{Features: []float64{1, 2}, Target: 10}, ds.Examples()[0])
	assert.Equal(t, Example{Features: []float64{3, 4}, Target: 20}, ds.Examples()[1])
}

func TestNewInMemory(t *testing.T) {
	_, err := NewInMemory("empty", nil)
	assert.Error(t, err)
	_, err = NewInMemory("ragged", []Example{{Features: []float64{1}}, {Features: []float64{1, 2}}})
	assert.Error(t, err)
	ds, err := NewInMemory("ok", []Example{{Features: []float64{1}, Target: 2}})
	require.NoError(t, err)
	assert.Equal(t, "ok (1 examples, 1 features)", ds.String())
}
