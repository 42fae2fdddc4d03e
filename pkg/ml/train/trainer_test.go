// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"context"
	"encoding/binary"
	"math"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gomlx/ddp/pkg/distributed/collective"
	"github.com/gomlx/ddp/pkg/distributed/partition"
	"github.com/gomlx/ddp/pkg/distributed/rank"
	"github.com/gomlx/ddp/pkg/ml/snapshot"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// meanModel learns the mean of the dataset values, with SGD and momentum: loss = mean((w-x)^2)/2.
type meanModel struct {
	w, velocity float64
	lr          float64

	mu         sync.Mutex
	seen       []int
	panicAfter int
	steps      int
}

func newMeanModel() *meanModel {
	return &meanModel{lr: 0.1, panicAfter: -1}
}

func (m *meanModel) ComputeGradients(batch []any) ([]float64, float64, error) {
	m.steps++
	if m.panicAfter >= 0 && m.steps > m.panicAfter {
		panic("exploding gradients")
	}
	var grad, loss float64
	for _, example := range batch {
		x := example.(float64)
		m.mu.Lock()
		m.seen = append(m.seen, int(x))
		m.mu.Unlock()
		grad += m.w - x
		loss += (m.w - x) * (m.w - x) / 2
	}
	n := float64(len(batch))
	return []float64{grad / n}, loss / n, nil
}

func (m *meanModel) ApplyUpdate(gradients []float64) error {
	m.velocity = 0.5*m.velocity + gradients[0]
	m.w -= m.lr * m.velocity
	return nil
}

func encodeFloat(v float64) []byte {
	return binary.BigEndian.AppendUint64(nil, math.Float64bits(v))
}

func decodeFloat(data []byte) (float64, error) {
	if len(data) != 8 {
		return 0, errors.Errorf("invalid state of %d bytes", len(data))
	}
	return math.Float64frombits(binary.BigEndian.Uint64(data)), nil
}

func (m *meanModel) SerializeState() ([]byte, error) { return encodeFloat(m.w), nil }

func (m *meanModel) LoadState(state []byte) (err error) {
	m.w, err = decodeFloat(state)
	return
}

func (m *meanModel) SerializeOptimizerState() ([]byte, error) { return encodeFloat(m.velocity), nil }

func (m *meanModel) LoadOptimizerState(state []byte) (err error) {
	m.velocity, err = decodeFloat(state)
	return
}

// indexDataset returns the index itself as the example value.
type indexDataset int

func (d indexDataset) Size() int { return int(d) }

func (d indexDataset) Get(index int) (any, error) { return float64(index), nil }

func testConfig(t *testing.T, snapshotPath string) Config {
	cfg := DefaultConfig()
	cfg.JoinTimeout = 10 * time.Second
	cfg.CollectiveTimeout = 10 * time.Second
	cfg.Shuffle = false
	cfg.SnapshotPath = snapshotPath
	return cfg
}

type rankResult struct {
	trainer *Trainer
	model   *meanModel
	state   RunState
	err     error
}

// runGroup runs one Trainer per rank, each in its own goroutine. setup is called on each trainer
// before it runs.
func runGroup(t *testing.T, worldSize int, ds Dataset, cfg Config, setup func(r int, trainer *Trainer, model *meanModel)) []rankResult {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := lis.Addr().(*net.TCPAddr).Port
	results := make([]rankResult, worldSize)
	for r := range worldSize {
		id := rank.Identity{
			Rank: r, LocalRank: r, WorldSize: worldSize, LocalWorldSize: worldSize,
			Rendezvous: rank.Rendezvous{Host: "127.0.0.1", Port: port},
		}
		model := newMeanModel()
		builder := Build(model, ds).Config(cfg).Identity(id)
		if r == rank.Main {
			builder = builder.Listener(lis)
		}
		trainer, err := builder.Done()
		require.NoError(t, err)
		if setup != nil {
			setup(r, trainer, model)
		}
		results[r] = rankResult{trainer: trainer, model: model}
	}
	var wg sync.WaitGroup
	for r := range worldSize {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[r].state, results[r].err = results[r].trainer.Run(context.Background())
		}()
	}
	wg.Wait()
	return results
}

func loadSnapshot(t *testing.T, path string) *snapshot.Snapshot {
	store, err := snapshot.New(path)
	require.NoError(t, err)
	snap, found, err := store.Load()
	require.NoError(t, err)
	require.True(t, found)
	return snap
}

func TestSingleEpochScenario(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "snapshot.bin")
	cfg := testConfig(t, snapshotPath)
	cfg.TotalEpochs = 1
	cfg.BatchSize = 5
	results := runGroup(t, 2, indexDataset(10), cfg, nil)
	for r, result := range results {
		require.NoError(t, result.err, "rank %d", r)
		assert.Equal(t, int64(2), result.state.GlobalStep, "rank %d", r)
		assert.Equal(t, 1, result.state.Epoch, "rank %d", r)
		assert.Equal(t, Finished, result.trainer.Phase())
		assert.Equal(t, collective.Closed, result.trainer.Session().Phase())
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, results[0].model.seen)
	assert.Equal(t, []int{5, 6, 7, 8, 9}, results[1].model.seen)
	assert.Equal(t, results[0].model.w, results[1].model.w, "replicas must stay identical")

	snap := loadSnapshot(t, snapshotPath)
	assert.Equal(t, 1, snap.Epoch)
	assert.Equal(t, int64(2), snap.GlobalStep)
	assert.Equal(t, 2, snap.WorldSize)
	assert.Equal(t, results[0].trainer.RunID(), snap.RunID)
}

func TestCheckpointCadence(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "snapshot.bin")
	cfg := testConfig(t, snapshotPath)
	cfg.TotalEpochs = 5
	cfg.CheckpointCadenceEpochs = 2
	cfg.BatchSize = 4
	var mu sync.Mutex
	written := make(map[int][]int)
	results := runGroup(t, 2, indexDataset(16), cfg, func(r int, trainer *Trainer, _ *meanModel) {
		trainer.OnCheckpoint("record", 0, func(_ *Trainer, info CheckpointInfo) error {
			mu.Lock()
			defer mu.Unlock()
			if info.Written {
				written[r] = append(written[r], info.Epoch)
			}
			return nil
		})
	})
	for r, result := range results {
		require.NoError(t, result.err, "rank %d", r)
		assert.Equal(t, 5, result.state.Epoch)
	}
	assert.Equal(t, []int{2, 4}, written[rank.Main])
	assert.Empty(t, written[1], "only the main rank writes snapshots")
	snap := loadSnapshot(t, snapshotPath)
	assert.Equal(t, 4, snap.Epoch)
	assert.Equal(t, int64(4*2*2), snap.GlobalStep, "4 epochs of 2 steps on 2 ranks")
}

func TestResumeMatchesUninterruptedRun(t *testing.T) {
	const worldSize = 2
	ds := indexDataset(20)
	newConfig := func(path string) Config {
		cfg := testConfig(t, path)
		cfg.TotalEpochs = 5
		cfg.BatchSize = 3
		cfg.Shuffle = true
		cfg.ShuffleSeedBase = 11
		return cfg
	}

	// Uninterrupted.
	reference := runGroup(t, worldSize, ds, newConfig(filepath.Join(t.TempDir(), "reference.bin")), nil)
	for r, result := range reference {
		require.NoError(t, result.err, "rank %d", r)
	}

	// Interrupted: rank 1 fails at the end of epoch 2 (the third).
	snapshotPath := filepath.Join(t.TempDir(), "snapshot.bin")
	interrupted := runGroup(t, worldSize, ds, newConfig(snapshotPath), func(r int, trainer *Trainer, _ *meanModel) {
		if r != 1 {
			return
		}
		trainer.OnEpochEnd("crash", 0, func(_ *Trainer, stats EpochStats) error {
			if stats.Epoch == 2 {
				return errors.New("simulated crash")
			}
			return nil
		})
	})
	require.Error(t, interrupted[1].err)
	assert.Equal(t, Aborted, interrupted[1].trainer.Phase())
	require.Error(t, interrupted[0].err)
	assert.Equal(t, KindGroupAborted, ErrorKind(interrupted[0].err))
	snap := loadSnapshot(t, snapshotPath)
	assert.Equal(t, 3, snap.Epoch, "the main rank completed epoch 2 and saved it before noticing the abort")

	// Restart with fresh replicas.
	resumed := runGroup(t, worldSize, ds, newConfig(snapshotPath), nil)
	for r, result := range resumed {
		require.NoError(t, result.err, "rank %d", r)
		assert.True(t, result.trainer.Resumed())
		assert.Equal(t, 3, result.trainer.StartEpoch())
		assert.Equal(t, reference[r].state.GlobalStep, result.state.GlobalStep, "rank %d", r)
		assert.Equal(t, reference[r].state.Epoch, result.state.Epoch, "rank %d", r)
		assert.InDelta(t, reference[r].model.w, result.model.w, 1e-12, "rank %d", r)
		assert.InDelta(t, reference[r].model.velocity, result.model.velocity, 1e-12, "rank %d", r)
	}
}

func TestResumeWithDifferentWorldSize(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "snapshot.bin")
	cfg := testConfig(t, snapshotPath)
	cfg.TotalEpochs = 1
	cfg.CheckpointCadenceEpochs = 1
	cfg.BatchSize = 5
	for r, result := range runGroup(t, 2, indexDataset(10), cfg, nil) {
		require.NoError(t, result.err, "rank %d", r)
	}
	saved := loadSnapshot(t, snapshotPath)
	require.Equal(t, 2, saved.WorldSize)
	savedW, err := decodeFloat(saved.ModelState)
	require.NoError(t, err)

	// Resume on a single rank: the whole dataset is now its shard.
	cfg.TotalEpochs = 2
	var startW float64
	results := runGroup(t, 1, indexDataset(10), cfg, func(_ int, trainer *Trainer, model *meanModel) {
		trainer.OnStart("capture", 0, func(*Trainer) error {
			startW = model.w
			return nil
		})
	})
	result := results[0]
	require.NoError(t, result.err)
	assert.True(t, result.trainer.Resumed())
	assert.Equal(t, 1, result.trainer.StartEpoch())
	assert.Equal(t, savedW, startW, "model state restored from the 2-rank snapshot")
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, result.model.seen)
	assert.Equal(t, 2, result.state.Epoch)
	assert.Equal(t, int64(2+2), result.state.GlobalStep, "2 steps on 2 ranks, then 2 steps on 1 rank")

	snap := loadSnapshot(t, snapshotPath)
	assert.Equal(t, 1, snap.WorldSize)
	assert.Equal(t, 2, snap.Epoch)
	assert.Equal(t, int64(4), snap.GlobalStep)
}

func TestCorruptSnapshotAbortsAllRanks(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "snapshot.bin")
	require.NoError(t, os.WriteFile(snapshotPath, []byte("not a snapshot at all, sorry"), 0o600))
	cfg := testConfig(t, snapshotPath)
	results := runGroup(t, 2, indexDataset(10), cfg, nil)
	for r, result := range results {
		require.Error(t, result.err, "rank %d", r)
		var corruptErr *snapshot.CorruptError
		assert.True(t, errors.As(result.err, &corruptErr), "rank %d: got %v", r, result.err)
		assert.Equal(t, KindSnapshotCorrupt, ErrorKind(result.err))
		assert.Empty(t, result.model.seen, "rank %d must not train", r)
	}
}

func TestModelPanicAbortsWithoutSnapshot(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "snapshot.bin")
	cfg := testConfig(t, snapshotPath)
	cfg.BatchSize = 2
	results := runGroup(t, 2, indexDataset(10), cfg, func(r int, _ *Trainer, model *meanModel) {
		if r == 1 {
			model.panicAfter = 1
		}
	})
	var modelErr *ModelError
	require.True(t, errors.As(results[1].err, &modelErr), "got %v", results[1].err)
	assert.Equal(t, "ComputeGradients", modelErr.Op)
	assert.Equal(t, KindModel, ErrorKind(results[1].err))
	assert.Equal(t, KindGroupAborted, ErrorKind(results[0].err))
	_, err := os.Stat(snapshotPath)
	assert.True(t, os.IsNotExist(err), "no snapshot must be written")
}

func TestBuildErrors(t *testing.T) {
	id := rank.Identity{Rank: 0, LocalRank: 0, WorldSize: 4, LocalWorldSize: 4,
		Rendezvous: rank.Rendezvous{Host: "127.0.0.1", Port: 29500}}
	cfg := testConfig(t, filepath.Join(t.TempDir(), "snapshot.bin"))

	_, err := Build(newMeanModel(), indexDataset(3)).Config(cfg).Identity(id).Done()
	var partitionErr *partition.PartitionError
	assert.True(t, errors.As(err, &partitionErr), "got %v", err)

	mismatch := cfg
	mismatch.WorldSize = 2
	_, err = Build(newMeanModel(), indexDataset(10)).Config(mismatch).Identity(id).Done()
	var identityErr *rank.IdentityError
	assert.True(t, errors.As(err, &identityErr), "got %v", err)
	assert.Equal(t, KindIdentity, ErrorKind(err))

	invalid := cfg
	invalid.BatchSize = 0
	_, err = Build(newMeanModel(), indexDataset(10)).Config(invalid).Identity(id).Done()
	var configErr *ConfigError
	require.True(t, errors.As(err, &configErr), "got %v", err)
	assert.Equal(t, "batch_size", configErr.Field)
	assert.Equal(t, 2, ExitCode(err))
	assert.Equal(t, 0, ExitCode(nil))
}

func TestHooksPriority(t *testing.T) {
	cfg := testConfig(t, filepath.Join(t.TempDir(), "snapshot.bin"))
	cfg.TotalEpochs = 1
	cfg.BatchSize = 10
	var order []string
	results := runGroup(t, 1, indexDataset(10), cfg, func(_ int, trainer *Trainer, _ *meanModel) {
		trainer.OnStart("second", 10, func(*Trainer) error { order = append(order, "start:second"); return nil })
		trainer.OnStart("first", -10, func(*Trainer) error { order = append(order, "start:first"); return nil })
		trainer.OnStep("step", 0, func(*Trainer, RunState) error { order = append(order, "step"); return nil })
		trainer.OnEpochEnd("epoch", 0, func(*Trainer, EpochStats) error { order = append(order, "epoch"); return nil })
		trainer.OnCheckpoint("checkpoint", 0, func(*Trainer, CheckpointInfo) error {
			order = append(order, "checkpoint")
			return nil
		})
		trainer.OnEnd("end", 0, func(*Trainer, RunState) error { order = append(order, "end"); return nil })
	})
	require.NoError(t, results[0].err)
	assert.Equal(t, []string{"start:first", "start:second", "step", "epoch", "checkpoint", "end"}, order)
}

func TestEveryNSteps(t *testing.T) {
	cfg := testConfig(t, filepath.Join(t.TempDir(), "snapshot.bin"))
	cfg.TotalEpochs = 2
	cfg.BatchSize = 1
	var steps []int64
	results := runGroup(t, 1, indexDataset(5), cfg, func(_ int, trainer *Trainer, _ *meanModel) {
		EveryNSteps(trainer, 3, "record", 0, func(_ *Trainer, state RunState) error {
			steps = append(steps, state.GlobalStep)
			return nil
		})
	})
	require.NoError(t, results[0].err)
	assert.Equal(t, []int64{3, 6, 9}, steps)
	assert.Len(t, results[0].trainer.StepDurations, 10)
	assert.Greater(t, results[0].trainer.MedianStepDuration(), time.Duration(0))
}

func TestParseSettings(t *testing.T) {
	cfg := DefaultConfig()
	err := ParseSettings(&cfg, "total_epochs=1_000;save_every=5; batch_size = 64;shuffle=false;"+
		"join_timeout=90s;partition_policy=drop_remainder;compression=float16;snapshot_path=/tmp/s.bin")
	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.TotalEpochs)
	assert.Equal(t, 5, cfg.CheckpointCadenceEpochs)
	assert.Equal(t, 64, cfg.BatchSize)
	assert.False(t, cfg.Shuffle)
	assert.Equal(t, 90*time.Second, cfg.JoinTimeout)
	assert.Equal(t, partition.PolicyDropRemainder, cfg.PartitionPolicy)
	assert.Equal(t, collective.CompressionFloat16, cfg.Compression)
	assert.Equal(t, "/tmp/s.bin", cfg.SnapshotPath)

	// Round trip through String.
	cfg2 := DefaultConfig()
	require.NoError(t, ParseSettings(&cfg2, cfg.String()))
	assert.Equal(t, cfg, cfg2)

	// From a file.
	settingsPath := filepath.Join(t.TempDir(), "settings.txt")
	require.NoError(t, os.WriteFile(settingsPath, []byte("# comment\nbatch_size=7\n\ntotal_epochs=3;shuffle_seed_base=9\n"), 0o600))
	cfg3 := DefaultConfig()
	require.NoError(t, ParseSettings(&cfg3, "file:"+settingsPath))
	assert.Equal(t, 7, cfg3.BatchSize)
	assert.Equal(t, 3, cfg3.TotalEpochs)
	assert.Equal(t, int64(9), cfg3.ShuffleSeedBase)

	assert.Error(t, ParseSettings(&cfg, "learning_rate=0.1"))
	assert.Error(t, ParseSettings(&cfg, "batch_size"))
	assert.Error(t, ParseSettings(&cfg, "batch_size=many"))
}
