// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package partition splits a dataset's indices across the ranks of a training group.
//
// For a given (datasetSize, worldSize, epoch, shuffle, seed) every rank computes the same permutation of
// [0, datasetSize), so the union of all shards covers every index, no two ranks share an index (before padding),
// and all shards have the same length. No communication is needed.
//
// With the default PolicyPad the permutation is extended by repeating its prefix up to the next multiple of
// worldSize, so a few indices are seen twice per epoch. PolicyDropRemainder instead truncates it, so a few
// indices are not seen in that epoch.
package partition

import (
	"fmt"
	"math/rand"

	"github.com/gomlx/ddp/pkg/distributed/rank"
	"github.com/pkg/errors"
)

// Policy for datasets whose size is not a multiple of the world size.
type Policy int

const (
	// PolicyPad repeats a prefix of the permutation so every rank gets ceil(datasetSize/worldSize) indices.
	PolicyPad Policy = iota

	// PolicyDropRemainder drops the tail of the permutation so every rank gets floor(datasetSize/worldSize) indices.
	PolicyDropRemainder
)

// String implements fmt.Stringer.
func (p Policy) String() string {
	switch p {
	case PolicyPad:
		return "pad"
	case PolicyDropRemainder:
		return "drop_remainder"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy parses the output of Policy.String.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "pad", "":
		return PolicyPad, nil
	case "drop_remainder", "drop":
		return PolicyDropRemainder, nil
	}
	return PolicyPad, errors.Errorf("unknown partition policy %q, valid values are \"pad\" or \"drop_remainder\"", s)
}

// Sampler computes the shards of a dataset for every rank and epoch.
// It holds no mutable state and is safe for concurrent use.
type Sampler struct {
	datasetSize, worldSize int
	shuffle                bool
	seedBase               int64
	policy                 Policy
}

// Builder for a Sampler. Create it with Build and finish with Done.
type Builder struct {
	sampler *Sampler
}

// Build a Sampler for the dataset size and world size. By default, it doesn't shuffle, uses seed base 0 and
// PolicyPad.
func Build(datasetSize, worldSize int) *Builder {
	return &Builder{sampler: &Sampler{datasetSize: datasetSize, worldSize: worldSize}}
}

// Shuffle sets whether each epoch uses a different pseudo-random permutation.
func (b *Builder) Shuffle(shuffle bool) *Builder {
	b.sampler.shuffle = shuffle
	return b
}

// Seed sets the base of the shuffle seed. Epoch e is shuffled with seed base+e.
func (b *Builder) Seed(base int64) *Builder {
	b.sampler.seedBase = base
	return b
}

// Policy sets how to handle a dataset size that is not a multiple of the world size.
func (b *Builder) Policy(policy Policy) *Builder {
	b.sampler.policy = policy
	return b
}

// Done validates the configuration and returns the Sampler.
//
// It returns a *PartitionError if worldSize > datasetSize, or either is not positive.
func (b *Builder) Done() (*Sampler, error) {
	s := b.sampler
	if s.worldSize <= 0 {
		return nil, newPartitionError(s.datasetSize, s.worldSize, "world size must be > 0")
	}
	if s.datasetSize <= 0 {
		return nil, newPartitionError(s.datasetSize, s.worldSize, "dataset is empty")
	}
	if s.worldSize > s.datasetSize {
		return nil, newPartitionError(s.datasetSize, s.worldSize, "world size is larger than the dataset")
	}
	if s.policy != PolicyPad && s.policy != PolicyDropRemainder {
		return nil, newPartitionError(s.datasetSize, s.worldSize, fmt.Sprintf("invalid policy %s", s.policy))
	}
	return s, nil
}

// DatasetSize used by the sampler.
func (s *Sampler) DatasetSize() int { return s.datasetSize }

// WorldSize used by the sampler.
func (s *Sampler) WorldSize() int { return s.worldSize }

// ShardSize is the number of indices every rank gets per epoch.
func (s *Sampler) ShardSize() int {
	if s.policy == PolicyDropRemainder {
		return s.datasetSize / s.worldSize
	}
	return (s.datasetSize + s.worldSize - 1) / s.worldSize
}

// NumSteps returns the number of batches of batchSize (the last one possibly short) every rank runs per epoch.
func (s *Sampler) NumSteps(batchSize int) int {
	if batchSize <= 0 {
		return 0
	}
	return (s.ShardSize() + batchSize - 1) / batchSize
}

// Permutation of the dataset indices for the epoch, before padding or truncation.
func (s *Sampler) Permutation(epoch int) []int {
	if !s.shuffle {
		perm := make([]int, s.datasetSize)
		for i := range perm {
			perm[i] = i
		}
		return perm
	}
	rng := rand.New(rand.NewSource(s.seedBase + int64(epoch)))
	return rng.Perm(s.datasetSize)
}

// Shard returns the indices for the rank in the given epoch.
//
// It panics if rank is out of range, since that is checked when the rank identity is resolved.
func (s *Sampler) Shard(rankIdx, epoch int) []int {
	if rankIdx < 0 || rankIdx >= s.worldSize {
		panic(newPartitionError(s.datasetSize, s.worldSize, fmt.Sprintf("rank %d out of range", rankIdx)))
	}
	perm := s.Permutation(epoch)
	shardSize := s.ShardSize()
	total := shardSize * s.worldSize
	if total <= len(perm) {
		perm = perm[:total]
	} else {
		for len(perm) < total {
			padding := min(total-len(perm), s.datasetSize)
			perm = append(perm, perm[:padding]...)
		}
	}
	shard := make([]int, shardSize)
	copy(shard, perm[rankIdx*shardSize:(rankIdx+1)*shardSize])
	return shard
}

// ShardFor returns the indices of the dataset that the rank identified by id must process in the epoch,
// using seed base 0 and PolicyPad.
//
// It returns a *PartitionError if id.WorldSize > datasetSize.
func ShardFor(datasetSize int, id rank.Identity, epoch int, shuffle bool) ([]int, error) {
	s, err := Build(datasetSize, id.WorldSize).Shuffle(shuffle).Done()
	if err != nil {
		return nil, err
	}
	if id.Rank < 0 || id.Rank >= id.WorldSize {
		return nil, newPartitionError(datasetSize, id.WorldSize, fmt.Sprintf("rank %d out of range", id.Rank))
	}
	return s.Shard(id.Rank, epoch), nil
}

// Batches splits a shard into consecutive batches of batchSize indices. The last batch may be shorter.
func Batches(shard []int, batchSize int) [][]int {
	if batchSize <= 0 || len(shard) == 0 {
		return nil
	}
	batches := make([][]int, 0, (len(shard)+batchSize-1)/batchSize)
	for start := 0; start < len(shard); start += batchSize {
		end := min(start+batchSize, len(shard))
		batches = append(batches, shard[start:end])
	}
	return batches
}

// PartitionError is returned when a dataset can't be partitioned over the world size. It is fatal.
type PartitionError struct {
	DatasetSize, WorldSize int
	Reason                 string
}

func newPartitionError(datasetSize, worldSize int, reason string) error {
	return errors.WithStack(&PartitionError{DatasetSize: datasetSize, WorldSize: worldSize, Reason: reason})
}

// Error implements the error interface.
func (e *PartitionError) Error() string {
	return fmt.Sprintf("cannot partition dataset of size %d over world size %d: %s", e.DatasetSize, e.WorldSize, e.Reason)
}
