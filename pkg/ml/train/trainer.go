// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package train runs a synchronized data-parallel training loop over a group of ranks, with periodic
// snapshots and recovery from the last snapshot.
//
// Every rank runs the same Trainer with the same Config. The Trainer moves through the phases:
//
//	Initializing -> Resuming -> Running <-> Checkpointing -> Finished
//
// and to Aborted from any of them on a fatal error. In Initializing it joins the collective group. In Resuming
// the main rank loads the snapshot, if any, and broadcasts the resume epoch and the model and optimizer states,
// so all replicas start identical. Each step computes local gradients, averages them (and the loss) over all
// ranks with a single all-reduce and applies the averaged update. Every CheckpointCadenceEpochs completed
// epochs the main rank writes the snapshot and all ranks synchronize on a barrier.
//
// Any error is fatal for the whole group: the rank that fails aborts the group, so the others fail promptly,
// and no snapshot is written. Recovery is a restart of all ranks, which resume from the last snapshot.
package train

import (
	"context"
	"fmt"
	"math"
	"net"
	"os"
	"time"

	"github.com/gomlx/ddp/internal/telemetry"
	"github.com/gomlx/ddp/pkg/distributed/collective"
	"github.com/gomlx/ddp/pkg/distributed/partition"
	"github.com/gomlx/ddp/pkg/distributed/rank"
	"github.com/gomlx/ddp/pkg/ml/snapshot"
	"github.com/gomlx/exceptions"
	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Phase of the Trainer.
type Phase int

const (
	Initializing Phase = iota
	Resuming
	Running
	Checkpointing
	Finished
	Aborted
)

// String implements fmt.Stringer.
func (p Phase) String() string {
	switch p {
	case Initializing:
		return "Initializing"
	case Resuming:
		return "Resuming"
	case Running:
		return "Running"
	case Checkpointing:
		return "Checkpointing"
	case Finished:
		return "Finished"
	case Aborted:
		return "Aborted"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// RunState is the progress of the training.
type RunState struct {
	// Epoch being trained, starting at 0. When training finishes it is Config.TotalEpochs.
	Epoch int

	// LocalStep is the index of the step within the epoch.
	LocalStep int

	// GlobalStep counts the batches processed by the whole group: it grows by WorldSize at every
	// synchronized step.
	GlobalStep int64

	// LastLoss is the group-averaged loss of the last step.
	LastLoss float64
}

// Trainer runs the training loop of one rank. Create it with Build.
type Trainer struct {
	model    Model
	dataset  Dataset
	cfg      Config
	id       rank.Identity
	listener net.Listener
	store    *snapshot.Store
	sampler  *partition.Sampler
	session  *collective.Session

	phase      Phase
	state      RunState
	startEpoch int
	resumed    bool
	hooks      hooks

	// StepDurations of the steps run so far, including the all-reduce.
	StepDurations []time.Duration

	// SharedData allows for cross-tools to publish and consume information. Keys (strings)
	// and semantics/type of their values are not specified by the trainer.
	SharedData map[string]any
}

// Builder for a Trainer.
type Builder struct {
	trainer *Trainer
	idSet   bool
}

// Build a Trainer for the model and dataset. Configure it with the Builder methods and finish with Done.
func Build(model Model, dataset Dataset) *Builder {
	return &Builder{trainer: &Trainer{
		model:      model,
		dataset:    dataset,
		cfg:        DefaultConfig(),
		hooks:      newHooks(),
		SharedData: make(map[string]any),
	}}
}

// Config sets the configuration. Defaults to DefaultConfig().
func (b *Builder) Config(cfg Config) *Builder {
	b.trainer.cfg = cfg
	return b
}

// Identity sets the rank identity. If not set, it is resolved from the environment with rank.Resolve.
func (b *Builder) Identity(id rank.Identity) *Builder {
	b.trainer.id = id
	b.idSet = true
	return b
}

// Listener sets the listener used by the main rank to serve the rendezvous. Optional.
func (b *Builder) Listener(lis net.Listener) *Builder {
	b.trainer.listener = lis
	return b
}

// SnapshotStore sets the store of the snapshot. If not set, one is created for Config.SnapshotPath.
func (b *Builder) SnapshotStore(store *snapshot.Store) *Builder {
	b.trainer.store = store
	return b
}

// Done validates the configuration and returns the Trainer, in the Initializing phase.
//
// It fails with a *ConfigError, a *rank.IdentityError or a *partition.PartitionError.
func (b *Builder) Done() (*Trainer, error) {
	t := b.trainer
	if t.model == nil || t.dataset == nil {
		return nil, newConfigError("model", "model and dataset must be given")
	}
	if err := t.cfg.Validate(); err != nil {
		return nil, err
	}
	if !b.idSet {
		id, err := rank.Resolve()
		if err != nil {
			return nil, err
		}
		t.id = id
	} else if err := t.id.Validate(); err != nil {
		return nil, err
	}
	if err := t.id.CheckWorldSize(t.cfg.WorldSize); err != nil {
		return nil, err
	}
	sampler, err := partition.Build(t.dataset.Size(), t.id.WorldSize).
		Shuffle(t.cfg.Shuffle).
		Seed(t.cfg.ShuffleSeedBase).
		Policy(t.cfg.PartitionPolicy).
		Done()
	if err != nil {
		return nil, err
	}
	t.sampler = sampler
	if t.store == nil {
		t.store, err = snapshot.New(t.cfg.SnapshotPath)
		if err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Identity of this rank.
func (t *Trainer) Identity() rank.Identity { return t.id }

// Config of the training.
func (t *Trainer) Config() Config { return t.cfg }

// Phase of the Trainer.
func (t *Trainer) Phase() Phase { return t.phase }

// State of the training. Only safe to call from hooks or after Run returned.
func (t *Trainer) State() RunState { return t.state }

// StartEpoch is the epoch the training started (or resumed) at.
func (t *Trainer) StartEpoch() int { return t.startEpoch }

// Resumed returns whether the training resumed from a snapshot.
func (t *Trainer) Resumed() bool { return t.resumed }

// StepsPerEpoch each rank runs.
func (t *Trainer) StepsPerEpoch() int { return t.sampler.NumSteps(t.cfg.BatchSize) }

// SnapshotStore used by the main rank.
func (t *Trainer) SnapshotStore() *snapshot.Store { return t.store }

// Session is the collective session, only available while training.
func (t *Trainer) Session() *collective.Session { return t.session }

// RunID identifies this run of the group. It is the collective session id, and is only available once
// the group formed.
func (t *Trainer) RunID() string {
	if t.session == nil {
		return ""
	}
	return t.session.ID()
}

func (t *Trainer) setPhase(phase Phase) {
	if klog.V(2).Enabled() {
		klog.Infof("[%s] %s -> %s", t.id, t.phase, phase)
	}
	t.phase = phase
}

// Run the training to completion. It returns the final RunState, or the error that aborted the training.
//
// A Trainer can only be run once.
func (t *Trainer) Run(ctx context.Context) (state RunState, err error) {
	if t.phase != Initializing || t.session != nil {
		return t.state, errors.Errorf("[%s] Trainer.Run called in phase %s, a Trainer can only be run once", t.id, t.phase)
	}
	defer func() {
		if err != nil {
			t.abort(err)
		}
	}()

	if err = t.initialize(ctx); err != nil {
		return t.state, err
	}
	t.setPhase(Resuming)
	if err = t.resume(ctx); err != nil {
		return t.state, err
	}
	if err = t.runOnStart(); err != nil {
		return t.state, err
	}

	for epoch := t.state.Epoch; epoch < t.cfg.TotalEpochs; epoch++ {
		t.setPhase(Running)
		if err = ctx.Err(); err != nil {
			return t.state, errors.Wrapf(err, "[%s] training interrupted at epoch %d", t.id, epoch)
		}
		if err = t.runEpoch(ctx, epoch); err != nil {
			return t.state, err
		}
		completed := epoch + 1
		if completed%t.cfg.CheckpointCadenceEpochs == 0 {
			t.setPhase(Checkpointing)
			if err = t.checkpoint(ctx, completed); err != nil {
				return t.state, err
			}
		}
	}
	t.state.Epoch = t.cfg.TotalEpochs
	t.state.LocalStep = 0

	if err = t.session.Barrier(ctx); err != nil {
		return t.state, errors.WithMessagef(err, "[%s] final barrier", t.id)
	}
	if err = t.runOnEnd(); err != nil {
		return t.state, err
	}
	if closeErr := t.session.Close(); closeErr != nil {
		klog.Warningf("[%s] training finished, but leaving the group failed: %v", t.id, closeErr)
	}
	t.setPhase(Finished)
	klog.Infof("[%s] training finished: %d epochs, global step %d, last loss %g",
		t.id, t.state.Epoch, t.state.GlobalStep, t.state.LastLoss)
	return t.state, nil
}

// initialize joins the group and waits at the entry barrier.
func (t *Trainer) initialize(ctx context.Context) error {
	klog.Infof("[%s] host %q, CPU %s (%d physical cores), rendezvous %s",
		t.id, hostname(), cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, t.id.Rendezvous.Address())
	opts := []collective.Option{
		collective.WithJoinTimeout(t.cfg.JoinTimeout),
		collective.WithTimeout(t.cfg.CollectiveTimeout),
		collective.WithCompression(t.cfg.Compression),
	}
	if t.listener != nil {
		opts = append(opts, collective.WithListener(t.listener))
	}
	session, err := collective.Join(ctx, t.id, opts...)
	if err != nil {
		return err
	}
	t.session = session
	if err = t.session.Barrier(ctx); err != nil {
		return errors.WithMessagef(err, "[%s] entry barrier", t.id)
	}
	return nil
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}

// resumeDecision is broadcast by the main rank after trying to load the snapshot.
type resumeDecision struct {
	Found      bool
	Epoch      int
	GlobalStep int64
	LastLoss   float64
	WorldSize  int

	// Error loading the snapshot. Corrupt tells whether it was a *snapshot.CorruptError.
	Error   string
	Corrupt bool
}

// resume recovers the run state from the snapshot, if any, and makes all replicas identical to the main rank's.
func (t *Trainer) resume(ctx context.Context) error {
	var decision resumeDecision
	var snap *snapshot.Snapshot
	var loadErr error
	if t.id.IsMain() {
		var found bool
		snap, found, loadErr = t.store.Load()
		switch {
		case loadErr != nil:
			var corruptErr *snapshot.CorruptError
			decision.Corrupt = errors.As(loadErr, &corruptErr)
			decision.Error = loadErr.Error()
		case found:
			decision = resumeDecision{
				Found: true, Epoch: snap.Epoch, GlobalStep: snap.GlobalStep,
				LastLoss: snap.LastLoss, WorldSize: snap.WorldSize,
			}
		}
	}
	if err := collective.BroadcastObject(ctx, t.session, &decision, rank.Main); err != nil {
		return errors.WithMessagef(err, "[%s] broadcasting resume decision", t.id)
	}
	if decision.Error != "" {
		if loadErr != nil {
			return loadErr
		}
		if decision.Corrupt {
			return errors.WithStack(&snapshot.CorruptError{
				Path: t.cfg.SnapshotPath, Reason: "reported by rank 0: " + decision.Error})
		}
		return errors.Errorf("[%s] rank 0 failed to load the snapshot: %s", t.id, decision.Error)
	}

	if t.id.IsMain() && decision.Found {
		if err := t.loadState(snap.ModelState, snap.OptimizerState); err != nil {
			return errors.WithMessagef(err, "[%s] restoring %s", t.id, t.store)
		}
	}
	if err := t.broadcastState(ctx); err != nil {
		return err
	}

	if decision.Found {
		if decision.Epoch > t.cfg.TotalEpochs {
			return newConfigError("total_epochs", "snapshot already has %d epochs, more than the %d configured",
				decision.Epoch, t.cfg.TotalEpochs)
		}
		if decision.WorldSize != 0 && decision.WorldSize != t.id.WorldSize {
			klog.Warningf("[%s] snapshot was written with world size %d, data will be repartitioned for %d ranks",
				t.id, decision.WorldSize, t.id.WorldSize)
		}
		t.resumed = true
		t.state = RunState{Epoch: decision.Epoch, GlobalStep: decision.GlobalStep, LastLoss: decision.LastLoss}
		klog.Infof("[%s] resuming training from snapshot at epoch %d (global step %d)",
			t.id, decision.Epoch, decision.GlobalStep)
	} else {
		klog.V(1).Infof("[%s] no snapshot found, training from scratch", t.id)
	}
	t.startEpoch = t.state.Epoch
	return nil
}

// broadcastState sends the main rank's model (and optimizer) state to every rank.
func (t *Trainer) broadcastState(ctx context.Context) error {
	var modelState, optimizerState []byte
	var err error
	if t.id.IsMain() {
		modelState, optimizerState, err = t.serializeState()
		if err != nil {
			return err
		}
	}
	modelState, err = t.session.Broadcast(ctx, modelState, rank.Main)
	if err != nil {
		return errors.WithMessagef(err, "[%s] broadcasting model state", t.id)
	}
	if _, ok := t.model.(OptimizerStater); ok {
		optimizerState, err = t.session.Broadcast(ctx, optimizerState, rank.Main)
		if err != nil {
			return errors.WithMessagef(err, "[%s] broadcasting optimizer state", t.id)
		}
	}
	if !t.id.IsMain() {
		return t.loadState(modelState, optimizerState)
	}
	return nil
}

// runEpoch runs all the steps of the rank's shard for the epoch.
func (t *Trainer) runEpoch(ctx context.Context, epoch int) error {
	start := time.Now()
	t.state.Epoch = epoch
	t.state.LocalStep = 0
	telemetry.TrainEpoch.Set(float64(epoch))
	shard := t.sampler.Shard(t.id.Rank, epoch)
	batches := partition.Batches(shard, t.cfg.BatchSize)
	klog.Infof("[%s] epoch %d | batch size: %d | steps: %d", t.id, epoch, t.cfg.BatchSize, len(batches))

	var sumLoss float64
	for stepIdx, indices := range batches {
		t.state.LocalStep = stepIdx
		batch := make([]any, len(indices))
		for i, idx := range indices {
			example, err := t.getExample(idx)
			if err != nil {
				return err
			}
			batch[i] = example
		}
		if err := t.step(ctx, batch); err != nil {
			return err
		}
		sumLoss += t.state.LastLoss
	}

	stats := EpochStats{
		Epoch:      epoch,
		Steps:      len(batches),
		GlobalStep: t.state.GlobalStep,
		LastLoss:   t.state.LastLoss,
		Duration:   time.Since(start),
	}
	if len(batches) > 0 {
		stats.MeanLoss = sumLoss / float64(len(batches))
	}
	return t.runOnEpochEnd(stats)
}

// step runs one synchronized training step.
func (t *Trainer) step(ctx context.Context, batch []any) error {
	start := time.Now()
	gradients, loss, err := t.computeGradients(batch)
	if err != nil {
		return err
	}

	// Loss travels with the gradients, so a step costs a single all-reduce.
	buf := make([]float64, len(gradients)+1)
	copy(buf, gradients)
	buf[len(gradients)] = loss
	averaged, err := t.session.AllReduceAverage(ctx, buf)
	if err != nil {
		return errors.WithMessagef(err, "[%s] epoch %d step %d", t.id, t.state.Epoch, t.state.LocalStep)
	}
	if len(averaged) != len(buf) {
		return errors.Errorf("[%s] all-reduce returned %d values, expected %d", t.id, len(averaged), len(buf))
	}
	loss = averaged[len(gradients)]
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return newModelError("ComputeGradients",
			errors.Errorf("loss became %f at epoch %d, global step %d", loss, t.state.Epoch, t.state.GlobalStep))
	}
	if err = t.applyUpdate(averaged[:len(gradients)]); err != nil {
		return err
	}

	t.state.GlobalStep += int64(t.id.WorldSize)
	t.state.LastLoss = loss
	t.StepDurations = append(t.StepDurations, time.Since(start))
	telemetry.TrainSteps.Inc()
	telemetry.TrainLoss.Set(loss)
	return t.runOnStep()
}

// checkpoint writes the snapshot on the main rank and synchronizes all ranks after it.
func (t *Trainer) checkpoint(ctx context.Context, completedEpochs int) error {
	info := CheckpointInfo{Epoch: completedEpochs, GlobalStep: t.state.GlobalStep, Path: t.store.Path()}
	if t.id.IsMain() {
		modelState, optimizerState, err := t.serializeState()
		if err != nil {
			return err
		}
		snap := &snapshot.Snapshot{
			Epoch:          completedEpochs,
			GlobalStep:     t.state.GlobalStep,
			ModelState:     modelState,
			OptimizerState: optimizerState,
			RunID:          t.RunID(),
			WorldSize:      t.id.WorldSize,
			LastLoss:       t.state.LastLoss,
		}
		info.Bytes, err = t.store.Save(snap)
		if err != nil {
			return err
		}
		info.Written = true
		telemetry.SnapshotWrites.Inc()
		telemetry.SnapshotBytes.Set(float64(info.Bytes))
		klog.Infof("[%s] epoch %d | training snapshot saved at %s", t.id, completedEpochs, t.store.Path())
	}
	if err := t.session.Barrier(ctx); err != nil {
		return errors.WithMessagef(err, "[%s] barrier after snapshot of epoch %d", t.id, completedEpochs)
	}
	return t.runOnCheckpoint(info)
}

// abort tears down the group membership after a fatal error.
func (t *Trainer) abort(err error) {
	t.setPhase(Aborted)
	klog.Errorf("[%s] training aborted (%s): %v", t.id, ErrorKind(err), err)
	if t.session != nil {
		t.session.Abort(fmt.Sprintf("%s: %v", ErrorKind(err), err))
	}
	t.runOnAbort(err)
}

// Calls into the model and dataset convert panics into errors.

func (t *Trainer) computeGradients(batch []any) (gradients []float64, loss float64, err error) {
	err = catch("ComputeGradients", func() error {
		var err error
		gradients, loss, err = t.model.ComputeGradients(batch)
		return err
	})
	return
}

func (t *Trainer) applyUpdate(gradients []float64) error {
	return catch("ApplyUpdate", func() error { return t.model.ApplyUpdate(gradients) })
}

func (t *Trainer) getExample(index int) (example any, err error) {
	err = catch("Dataset.Get", func() error {
		var err error
		example, err = t.dataset.Get(index)
		return err
	})
	return
}

func (t *Trainer) serializeState() (modelState, optimizerState []byte, err error) {
	err = catch("SerializeState", func() error {
		var err error
		modelState, err = t.model.SerializeState()
		return err
	})
	if err != nil {
		return
	}
	if opt, ok := t.model.(OptimizerStater); ok {
		err = catch("SerializeOptimizerState", func() error {
			var err error
			optimizerState, err = opt.SerializeOptimizerState()
			return err
		})
	}
	return
}

func (t *Trainer) loadState(modelState, optimizerState []byte) error {
	err := catch("LoadState", func() error { return t.model.LoadState(modelState) })
	if err != nil {
		return err
	}
	if opt, ok := t.model.(OptimizerStater); ok {
		return catch("LoadOptimizerState", func() error { return opt.LoadOptimizerState(optimizerState) })
	}
	return nil
}

// catch runs fn and returns its error, or the panic it raised, as a *ModelError.
func catch(op string, fn func() error) error {
	var err error
	exception := exceptions.Try(func() { err = fn() })
	if exception != nil {
		if e, ok := exception.(error); ok {
			err = errors.WithMessage(e, "panic")
		} else {
			err = errors.Errorf("panic: %v", exception)
		}
	}
	if err != nil {
		return newModelError(op, err)
	}
	return nil
}
