// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/ddp/pkg/distributed/rank"
	"github.com/gomlx/ddp/pkg/ml/train"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyModel fails after failAfter steps, if failAfter > 0.
type flakyModel struct {
	w                float64
	steps, failAfter int
}

func (m *flakyModel) ComputeGradients(batch []any) ([]float64, float64, error) {
	m.steps++
	if m.failAfter > 0 && m.steps > m.failAfter {
		return nil, 0, errors.New("loss is NaN")
	}
	return []float64{m.w - 1}, (m.w - 1) * (m.w - 1) / 2, nil
}

func (m *flakyModel) ApplyUpdate(gradients []float64) error {
	m.w -= 0.1 * gradients[0]
	return nil
}

func (m *flakyModel) SerializeState() ([]byte, error) { return []byte{0}, nil }

func (m *flakyModel) LoadState([]byte) error { return nil }

type ones int

func (d ones) Size() int { return int(d) }

func (d ones) Get(int) (any, error) { return 1.0, nil }

func newSingleRankTrainer(t *testing.T, model train.Model) *train.Trainer {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	cfg := train.DefaultConfig()
	cfg.TotalEpochs = 2
	cfg.BatchSize = 1
	cfg.JoinTimeout = 10 * time.Second
	cfg.CollectiveTimeout = 10 * time.Second
	cfg.SnapshotPath = filepath.Join(t.TempDir(), "snapshot.bin")
	id := rank.Identity{WorldSize: 1, LocalWorldSize: 1,
		Rendezvous: rank.Rendezvous{Host: "127.0.0.1", Port: lis.Addr().(*net.TCPAddr).Port}}
	trainer, err := train.Build(model, ones(4)).Config(cfg).Identity(id).Listener(lis).Done()
	require.NoError(t, err)
	return trainer
}

// requireDrawingStopped fails if the goroutine drawing the progress bar is still running.
func requireDrawingStopped(t *testing.T, pBar *progressBar) {
	done := make(chan struct{})
	go func() {
		pBar.asyncUpdatesDone.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		require.Fail(t, "progress bar still drawing after the training ended")
	}
	_, open := <-pBar.updates
	assert.False(t, open)
}

func TestProgressBar(t *testing.T) {
	t.Run("finished", func(t *testing.T) {
		trainer := newSingleRankTrainer(t, &flakyModel{})
		pBar := attachProgressBar(trainer, nil)
		state, err := trainer.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(8), state.GlobalStep)
		assert.Equal(t, 8, pBar.stepsReported)
		requireDrawingStopped(t, pBar)
	})

	t.Run("aborted", func(t *testing.T) {
		trainer := newSingleRankTrainer(t, &flakyModel{failAfter: 3})
		pBar := attachProgressBar(trainer, nil)
		_, err := trainer.Run(context.Background())
		require.Error(t, err)
		assert.Equal(t, train.KindModel, train.ErrorKind(err))
		assert.Equal(t, train.Aborted, trainer.Phase())
		assert.Equal(t, 3, pBar.stepsReported)
		requireDrawingStopped(t, pBar)
	})
}
