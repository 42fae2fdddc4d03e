// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package linear implements a linear regression model, trained with the mean squared error and
// SGD with momentum. It implements train.Model and train.OptimizerStater.
package linear

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gomlx/ddp/pkg/ml/datasets"
	"github.com/pkg/errors"
)

// Config of the model optimizer.
type Config struct {
	LearningRate float64
	Momentum     float64
}

// DefaultConfig returns the default optimizer configuration: plain SGD with a learning rate of 1e-3.
func DefaultConfig() Config {
	return Config{LearningRate: 1e-3}
}

// Model predicts target = weights·features + bias.
//
// Parameters are packed in a single slice: the weights followed by the bias. The gradients and the
// optimizer velocity follow the same layout.
type Model struct {
	cfg      Config
	params   []float64
	velocity []float64
}

// New creates a model for numFeatures features, with all parameters initialized to zero.
func New(numFeatures int, cfg Config) (*Model, error) {
	if numFeatures <= 0 {
		return nil, errors.Errorf("linear model needs at least one feature, got %d", numFeatures)
	}
	if cfg.LearningRate <= 0 || cfg.Momentum < 0 || cfg.Momentum >= 1 {
		return nil, errors.Errorf("invalid optimizer configuration: learning rate %g must be > 0, momentum %g in [0, 1)",
			cfg.LearningRate, cfg.Momentum)
	}
	return &Model{
		cfg:      cfg,
		params:   make([]float64, numFeatures+1),
		velocity: make([]float64, numFeatures+1),
	}, nil
}

// String implements fmt.Stringer.
func (m *Model) String() string {
	return fmt.Sprintf("linear(features=%d, lr=%g, momentum=%g)", m.NumFeatures(), m.cfg.LearningRate, m.cfg.Momentum)
}

// NumFeatures of the model.
func (m *Model) NumFeatures() int { return len(m.params) - 1 }

// Weights of the model. They should not be changed.
func (m *Model) Weights() []float64 { return m.params[:m.NumFeatures()] }

// Bias of the model.
func (m *Model) Bias() float64 { return m.params[m.NumFeatures()] }

// Predict the target for the features.
func (m *Model) Predict(features []float64) float64 {
	prediction := m.Bias()
	for i, w := range m.Weights() {
		prediction += w * features[i]
	}
	return prediction
}

// ComputeGradients implements train.Model. Examples must be datasets.Example. The loss is the mean over the
// batch of (prediction - target)^2 / 2.
func (m *Model) ComputeGradients(batch []any) (gradients []float64, loss float64, err error) {
	if len(batch) == 0 {
		return nil, 0, errors.New("empty batch")
	}
	numFeatures := m.NumFeatures()
	gradients = make([]float64, len(m.params))
	for i, value := range batch {
		example, ok := value.(datasets.Example)
		if !ok {
			return nil, 0, errors.Errorf("example #%d of the batch is a %T, expected a datasets.Example", i, value)
		}
		if len(example.Features) != numFeatures {
			return nil, 0, errors.Errorf("example #%d of the batch has %d features, the model takes %d",
				i, len(example.Features), numFeatures)
		}
		diff := m.Predict(example.Features) - example.Target
		loss += diff * diff / 2
		for j, x := range example.Features {
			gradients[j] += diff * x
		}
		gradients[numFeatures] += diff
	}
	n := float64(len(batch))
	for j := range gradients {
		gradients[j] /= n
	}
	return gradients, loss / n, nil
}

// ApplyUpdate implements train.Model, with SGD with momentum.
func (m *Model) ApplyUpdate(gradients []float64) error {
	if len(gradients) != len(m.params) {
		return errors.Errorf("got %d gradients for %d parameters", len(gradients), len(m.params))
	}
	for j, g := range gradients {
		m.velocity[j] = m.cfg.Momentum*m.velocity[j] + g
		m.params[j] -= m.cfg.LearningRate * m.velocity[j]
	}
	return nil
}

// encodeValues encodes the number of values (uint32) followed by the values, all big-endian.
func encodeValues(values []float64) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(values))); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := binary.Write(&buf, binary.BigEndian, values); err != nil {
		return nil, errors.WithStack(err)
	}
	return buf.Bytes(), nil
}

// decodeValues into values, which must have the length recorded in data.
func decodeValues(data []byte, values []float64, what string) error {
	if len(data) != 4+8*len(values) {
		return errors.Errorf("%s of %d bytes doesn't match a model with %d parameters", what, len(data), len(values))
	}
	if n := binary.BigEndian.Uint32(data); int(n) != len(values) {
		return errors.Errorf("%s has %d parameters, the model has %d", what, n, len(values))
	}
	decoded := make([]float64, len(values))
	if err := binary.Read(bytes.NewReader(data[4:]), binary.BigEndian, decoded); err != nil {
		return errors.Wrapf(err, "decoding %s", what)
	}
	for _, v := range decoded {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.Errorf("%s has invalid value %g", what, v)
		}
	}
	copy(values, decoded)
	return nil
}

// SerializeState implements train.Model.
func (m *Model) SerializeState() ([]byte, error) { return encodeValues(m.params) }

// LoadState implements train.Model.
func (m *Model) LoadState(state []byte) error { return decodeValues(state, m.params, "model state") }

// SerializeOptimizerState implements train.OptimizerStater.
func (m *Model) SerializeOptimizerState() ([]byte, error) { return encodeValues(m.velocity) }

// LoadOptimizerState implements train.OptimizerStater.
func (m *Model) LoadOptimizerState(state []byte) error {
	return decodeValues(state, m.velocity, "optimizer state")
}
