// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"iter"
	"slices"
	"sort"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks. They are called once the group formed and the state was
// recovered, before the first step.
type OnStartFn func(trainer *Trainer) error

// OnStepFn is the type of OnStep hooks, called after each synchronized step.
type OnStepFn func(trainer *Trainer, state RunState) error

// OnEpochEndFn is the type of OnEpochEnd hooks, called after the last step of each epoch and before
// the snapshot, if any.
type OnEpochEndFn func(trainer *Trainer, stats EpochStats) error

// OnCheckpointFn is the type of OnCheckpoint hooks, called on every rank after a snapshot was written
// and all ranks went through the following barrier.
type OnCheckpointFn func(trainer *Trainer, info CheckpointInfo) error

// OnEndFn is the type of OnEnd hooks, called after the last epoch, before leaving the group.
type OnEndFn func(trainer *Trainer, state RunState) error

// OnAbortFn is the type of OnAbort hooks, called instead of OnEnd when a fatal error aborts the training,
// after leaving the group. They cannot change the outcome: errors they return are only logged.
type OnAbortFn func(trainer *Trainer, err error) error

// EpochStats summarizes an epoch.
type EpochStats struct {
	Epoch      int
	Steps      int
	GlobalStep int64

	// MeanLoss is the mean over the epoch's steps of the group-averaged loss.
	MeanLoss, LastLoss float64
	Duration           time.Duration
}

// CheckpointInfo describes a snapshot.
type CheckpointInfo struct {
	// Epoch is the number of completed epochs stored in the snapshot.
	Epoch      int
	GlobalStep int64

	// Written is true only on the rank that wrote the snapshot, the main rank.
	Written bool
	Path    string
	Bytes   int64
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			return keys[i] < keys[j]
		})
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}

type hooks struct {
	onStart      *priorityHooks[*hookWithName[OnStartFn]]
	onStep       *priorityHooks[*hookWithName[OnStepFn]]
	onEpochEnd   *priorityHooks[*hookWithName[OnEpochEndFn]]
	onCheckpoint *priorityHooks[*hookWithName[OnCheckpointFn]]
	onEnd        *priorityHooks[*hookWithName[OnEndFn]]
	onAbort      *priorityHooks[*hookWithName[OnAbortFn]]
}

func newHooks() hooks {
	return hooks{
		onStart:      newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:       newPriorityHooks[*hookWithName[OnStepFn]](),
		onEpochEnd:   newPriorityHooks[*hookWithName[OnEpochEndFn]](),
		onCheckpoint: newPriorityHooks[*hookWithName[OnCheckpointFn]](),
		onEnd:        newPriorityHooks[*hookWithName[OnEndFn]](),
		onAbort:      newPriorityHooks[*hookWithName[OnAbortFn]](),
	}
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of the training.
func (t *Trainer) OnStart(name string, priority Priority, fn OnStartFn) {
	t.hooks.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnStep adds a hook with given priority and name (for error reporting) called after each step.
func (t *Trainer) OnStep(name string, priority Priority, fn OnStepFn) {
	t.hooks.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEpochEnd adds a hook with given priority and name (for error reporting) called at the end of each epoch.
func (t *Trainer) OnEpochEnd(name string, priority Priority, fn OnEpochEndFn) {
	t.hooks.onEpochEnd.Add(priority, &hookWithName[OnEpochEndFn]{name: name, fn: fn})
}

// OnCheckpoint adds a hook with given priority and name (for error reporting) called after each snapshot.
func (t *Trainer) OnCheckpoint(name string, priority Priority, fn OnCheckpointFn) {
	t.hooks.onCheckpoint.Add(priority, &hookWithName[OnCheckpointFn]{name: name, fn: fn})
}

// OnEnd adds a hook with given priority and name (for error reporting) called when training finishes.
func (t *Trainer) OnEnd(name string, priority Priority, fn OnEndFn) {
	t.hooks.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

// OnAbort adds a hook with given priority and name (for error reporting) called when the training aborts.
func (t *Trainer) OnAbort(name string, priority Priority, fn OnAbortFn) {
	t.hooks.onAbort.Add(priority, &hookWithName[OnAbortFn]{name: name, fn: fn})
}

func (t *Trainer) runOnStart() error {
	for hook := range t.hooks.onStart.All() {
		if err := hook.fn(t); err != nil {
			return errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}
	return nil
}

func (t *Trainer) runOnStep() error {
	for hook := range t.hooks.onStep.All() {
		if err := hook.fn(t, t.state); err != nil {
			return errors.WithMessagef(err, "OnStep(hook %q)", hook.name)
		}
	}
	return nil
}

func (t *Trainer) runOnEpochEnd(stats EpochStats) error {
	for hook := range t.hooks.onEpochEnd.All() {
		if err := hook.fn(t, stats); err != nil {
			return errors.WithMessagef(err, "OnEpochEnd(hook %q)", hook.name)
		}
	}
	return nil
}

func (t *Trainer) runOnCheckpoint(info CheckpointInfo) error {
	for hook := range t.hooks.onCheckpoint.All() {
		if err := hook.fn(t, info); err != nil {
			return errors.WithMessagef(err, "OnCheckpoint(hook %q)", hook.name)
		}
	}
	return nil
}

func (t *Trainer) runOnEnd() error {
	for hook := range t.hooks.onEnd.All() {
		if err := hook.fn(t, t.state); err != nil {
			return errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return nil
}

// runOnAbort runs all OnAbort hooks, even if some fail.
func (t *Trainer) runOnAbort(cause error) {
	for hook := range t.hooks.onAbort.All() {
		if err := hook.fn(t, cause); err != nil {
			klog.Warningf("[%s] OnAbort(hook %q): %v", t.id, hook.name, err)
		}
	}
}

// MedianStepDuration returns the median duration of the training steps, including the all-reduce.
// It returns 1 millisecond if no step was recorded (to avoid potential division by 0).
func (t *Trainer) MedianStepDuration() time.Duration {
	if len(t.StepDurations) == 0 {
		return time.Millisecond
	}
	times := slices.Clone(t.StepDurations)
	slices.Sort(times)
	return times[len(times)/2]
}
