// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package datasets provides in-memory regression datasets for training: synthetic ones, and ones read
// from CSV files.
//
// All of them implement train.Dataset, with examples of type Example.
package datasets

import (
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"slices"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/ddp/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// Example of a regression dataset.
type Example struct {
	Features []float64
	Target   float64
}

// InMemory is a dataset fully loaded in memory.
type InMemory struct {
	name        string
	examples    []Example
	numFeatures int
}

// NewInMemory creates a dataset with the given examples, which must all have the same number of features.
func NewInMemory(name string, examples []Example) (*InMemory, error) {
	if len(examples) == 0 {
		return nil, errors.Errorf("dataset %q has no examples", name)
	}
	numFeatures := len(examples[0].Features)
	for i, example := range examples {
		if len(example.Features) != numFeatures {
			return nil, errors.Errorf("dataset %q: example #%d has %d features, but example #0 has %d",
				name, i, len(example.Features), numFeatures)
		}
	}
	return &InMemory{name: name, examples: examples, numFeatures: numFeatures}, nil
}

// Name of the dataset.
func (ds *InMemory) Name() string { return ds.name }

// String implements fmt.Stringer.
func (ds *InMemory) String() string {
	return fmt.Sprintf("%s (%d examples, %d features)", ds.name, len(ds.examples), ds.numFeatures)
}

// Size implements train.Dataset.
func (ds *InMemory) Size() int { return len(ds.examples) }

// Get implements train.Dataset. It returns an Example.
func (ds *InMemory) Get(index int) (any, error) {
	if index < 0 || index >= len(ds.examples) {
		return nil, errors.Errorf("dataset %q: index %d out of range [0, %d)", ds.name, index, len(ds.examples))
	}
	return ds.examples[index], nil
}

// NumFeatures of each example.
func (ds *InMemory) NumFeatures() int { return ds.numFeatures }

// Examples returns the examples of the dataset. They should not be changed.
func (ds *InMemory) Examples() []Example { return ds.examples }

// Synthetic generates a linear regression dataset with numExamples examples of numFeatures features
// uniformly distributed in [-1, 1), and target = weights·features + bias + noise, with a normally
// distributed noise of the given standard deviation.
//
// Everything is derived from seed, so every rank generates the same dataset. It returns the dataset and
// the weights and bias used to generate it.
func Synthetic(numExamples, numFeatures int, noise float64, seed int64) (ds *InMemory, weights []float64, bias float64) {
	rng := rand.New(rand.NewSource(seed))
	weights = make([]float64, numFeatures)
	for i := range weights {
		weights[i] = rng.NormFloat64()
	}
	bias = rng.NormFloat64()
	examples := make([]Example, numExamples)
	for i := range examples {
		features := make([]float64, numFeatures)
		target := bias
		for j := range features {
			features[j] = 2*rng.Float64() - 1
			target += weights[j] * features[j]
		}
		examples[i] = Example{Features: features, Target: target + noise*rng.NormFloat64()}
	}
	ds = &InMemory{
		name:        fmt.Sprintf("synthetic(seed=%d)", seed),
		examples:    examples,
		numFeatures: numFeatures,
	}
	return
}

// ReadCSV reads a dataset from a CSV file with a header. All columns must be numeric: target is the name of the
// column with the regression target, all the others are features, in the order of the file.
func ReadCSV(filePath, target string) (*InMemory, error) {
	filePath, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open dataset %q", filePath)
	}
	defer func() { _ = f.Close() }()
	df := dataframe.ReadCSV(f,
		dataframe.HasHeader(true),
		dataframe.DetectTypes(false),
		dataframe.DefaultType(series.Float))
	if df.Err != nil {
		return nil, errors.Wrapf(df.Err, "failed to parse dataset %q", filePath)
	}
	return fromDataFrame(filePath, df, target)
}

func fromDataFrame(name string, df dataframe.DataFrame, target string) (*InMemory, error) {
	names := df.Names()
	if !slices.Contains(names, target) {
		return nil, errors.Errorf("dataset %q has no target column %q, columns are %q", name, target, names)
	}
	if len(names) < 2 {
		return nil, errors.Errorf("dataset %q has no feature columns", name)
	}
	numRows := df.Nrow()
	if numRows == 0 {
		return nil, errors.Errorf("dataset %q has no examples", name)
	}
	examples := make([]Example, numRows)
	for i := range examples {
		examples[i].Features = make([]float64, 0, len(names)-1)
	}
	for _, column := range names {
		values := df.Col(column).Float()
		for row, v := range values {
			if math.IsNaN(v) {
				return nil, errors.Errorf("dataset %q: invalid or missing value in column %q, row %d", name, column, row+1)
			}
			if column == target {
				examples[row].Target = v
			} else {
				examples[row].Features = append(examples[row].Features, v)
			}
		}
	}
	return &InMemory{name: name, examples: examples, numFeatures: len(names) - 1}, nil
}

// WriteCSV writes the dataset as a CSV file with a header: features are named "x0", "x1", ..., and the
// target column is named target. It can be read back with ReadCSV.
func WriteCSV(w io.Writer, ds *InMemory, target string) error {
	columns := make([]series.Series, 0, ds.numFeatures+1)
	for j := range ds.numFeatures {
		values := make([]float64, len(ds.examples))
		for i, example := range ds.examples {
			values[i] = example.Features[j]
		}
		columns = append(columns, series.New(values, series.Float, fmt.Sprintf("x%d", j)))
	}
	targets := make([]float64, len(ds.examples))
	for i, example := range ds.examples {
		targets[i] = example.Target
	}
	columns = append(columns, series.New(targets, series.Float, target))
	df := dataframe.New(columns...)
	if df.Err != nil {
		return errors.Wrapf(df.Err, "failed to convert dataset %q", ds.name)
	}
	return errors.Wrapf(df.WriteCSV(w), "failed to write dataset %q", ds.name)
}
