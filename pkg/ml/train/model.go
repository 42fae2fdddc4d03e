// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

// Model is the numerical unit being trained. The Trainer treats it as opaque: it only moves gradients
// and serialized states around.
//
// Every rank holds a replica of the model. Replicas start identical (the main rank's state is broadcast
// before training) and stay identical because they all apply the same averaged gradients.
type Model interface {
	// ComputeGradients for a batch of examples, as returned by Dataset.Get. It returns a flat gradient vector,
	// whose length must be the same on all ranks, and the local loss of the batch.
	ComputeGradients(batch []any) (gradients []float64, loss float64, err error)

	// ApplyUpdate applies the gradients averaged over all ranks.
	ApplyUpdate(gradients []float64) error

	// SerializeState returns the model parameters.
	SerializeState() ([]byte, error)

	// LoadState replaces the model parameters with the output of SerializeState.
	LoadState(state []byte) error
}

// OptimizerStater is optionally implemented by models that carry optimizer state (e.g. momentum), which is
// then persisted in snapshots and broadcast along with the model state.
type OptimizerStater interface {
	SerializeOptimizerState() ([]byte, error)
	LoadOptimizerState(state []byte) error
}

// Dataset is a random-access collection of examples.
type Dataset interface {
	// Size is the number of examples. It must be the same on all ranks.
	Size() int

	// Get returns the example at index, in [0, Size()).
	Get(index int) (any, error)
}
