// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"context"
	"fmt"

	"github.com/gomlx/ddp/pkg/distributed/collective"
	"github.com/gomlx/ddp/pkg/distributed/partition"
	"github.com/gomlx/ddp/pkg/distributed/rank"
	"github.com/gomlx/ddp/pkg/ml/snapshot"
	"github.com/pkg/errors"
)

// ModelError wraps errors (or panics) raised by the Model or the Dataset.
type ModelError struct {
	Op    string
	cause error
}

func newModelError(op string, cause error) error {
	return errors.WithStack(&ModelError{Op: op, cause: cause})
}

// Error implements the error interface.
func (e *ModelError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.cause)
}

// Unwrap returns the model's error.
func (e *ModelError) Unwrap() error { return e.cause }

// Error kinds returned by ErrorKind.
const (
	KindIdentity           = "identity"
	KindConfig             = "config"
	KindPartition          = "partition"
	KindJoinTimeout        = "join_timeout"
	KindCollectiveTimeout  = "collective_timeout"
	KindGroupAborted       = "group_aborted"
	KindCollectiveMismatch = "collective_mismatch"
	KindSnapshotCorrupt    = "snapshot_corrupt"
	KindModel              = "model"
	KindCanceled           = "canceled"
	KindUnknown            = "unknown"
)

// kindExitCodes are the process exit codes for each kind of error.
var kindExitCodes = map[string]int{
	KindUnknown:            1,
	KindConfig:             2,
	KindIdentity:           3,
	KindPartition:          4,
	KindJoinTimeout:        5,
	KindCollectiveTimeout:  6,
	KindGroupAborted:       7,
	KindCollectiveMismatch: 8,
	KindSnapshotCorrupt:    9,
	KindModel:              10,
	KindCanceled:           11,
}

// ErrorKind classifies a training error, for operators. It returns "" for a nil error.
func ErrorKind(err error) string {
	var (
		identityErr  *rank.IdentityError
		configErr    *ConfigError
		partitionErr *partition.PartitionError
		joinErr      *collective.JoinTimeoutError
		timeoutErr   *collective.CollectiveTimeoutError
		abortedErr   *collective.GroupAbortedError
		mismatchErr  *collective.CollectiveMismatchError
		corruptErr   *snapshot.CorruptError
		modelErr     *ModelError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &identityErr):
		return KindIdentity
	case errors.As(err, &configErr):
		return KindConfig
	case errors.As(err, &partitionErr):
		return KindPartition
	case errors.As(err, &joinErr):
		return KindJoinTimeout
	case errors.As(err, &timeoutErr):
		return KindCollectiveTimeout
	case errors.As(err, &abortedErr):
		return KindGroupAborted
	case errors.As(err, &mismatchErr):
		return KindCollectiveMismatch
	case errors.As(err, &corruptErr):
		return KindSnapshotCorrupt
	case errors.As(err, &modelErr):
		return KindModel
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	}
	return KindUnknown
}

// ExitCode for the process, given the error that ended the training: 0 for nil, and a distinct non-zero
// value for each kind of error.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return kindExitCodes[ErrorKind(err)]
}
