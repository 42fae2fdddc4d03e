// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"
	"time"

	"github.com/gomlx/exceptions"
)

type everyNSteps struct {
	n, count int
	fn       OnStepFn
}

func (eN *everyNSteps) onStep(trainer *Trainer, state RunState) error {
	eN.count++
	if eN.count%eN.n != 0 {
		return nil
	}
	return eN.fn(trainer, state)
}

// EveryNSteps registers a OnStep hook on the trainer that is called every N steps.
//
// Notice that it does not call `fn` at the last step (except by coincidence).
func EveryNSteps(trainer *Trainer, n int, name string, priority Priority, fn OnStepFn) {
	if n <= 0 {
		exceptions.Panicf("EveryNSteps(n=%d): n must be > 0", n)
	}
	eN := &everyNSteps{n: n, fn: fn}
	fullName := fmt.Sprintf("EveryNSteps(%d): %s", n, name)
	trainer.OnStep(fullName, priority, eN.onStep)
}

type periodicCallback struct {
	last    time.Time
	period  time.Duration
	started bool
	fn      OnStepFn
}

func (p *periodicCallback) onStep(trainer *Trainer, state RunState) error {
	if !p.started {
		// Start the clock.
		p.started = true
		p.last = time.Now()
		return nil
	}
	if time.Since(p.last) < p.period {
		return nil
	}
	err := p.fn(trainer, state)
	p.last = time.Now()
	return err
}

// PeriodicCallback registers an `OnStep` hook on the trainer that is called every period of time.
// The period counts after the execution of `fn`, so an expensive `fn` doesn't eat into the period.
//
// If callOnEnd is set, it will also call at the end of the training.
func PeriodicCallback(trainer *Trainer, period time.Duration, callOnEnd bool, name string, priority Priority, fn OnStepFn) {
	p := &periodicCallback{
		period: period,
		fn:     fn,
	}
	fullName := fmt.Sprintf("PeriodicCallback(%s): %s", period, name)
	trainer.OnStep(fullName, priority, p.onStep)
	if callOnEnd {
		trainer.OnEnd(fullName, priority, func(trainer *Trainer, state RunState) error { return p.fn(trainer, state) })
	}
}
