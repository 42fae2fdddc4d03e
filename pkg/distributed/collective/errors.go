// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collective

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gomlx/ddp/pkg/distributed/rank"
	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrNotJoined is returned by operations on a Session that is not in the Joined phase.
var ErrNotJoined = errors.New("collective session is not joined")

// JoinTimeoutError is returned by Join when the group didn't form within the join timeout.
// It is fatal, there is no retry.
type JoinTimeoutError struct {
	Rank, WorldSize int
	Timeout         time.Duration
	Address         string
	cause           error
}

// Error implements the error interface.
func (e *JoinTimeoutError) Error() string {
	return fmt.Sprintf("rank %d failed to join a group of %d ranks at %s within %s: %v",
		e.Rank, e.WorldSize, e.Address, e.Timeout, e.cause)
}

// Unwrap returns the underlying transport error.
func (e *JoinTimeoutError) Unwrap() error { return e.cause }

// CollectiveTimeoutError is returned when a collective operation didn't complete within the per-operation timeout.
type CollectiveTimeoutError struct {
	Op      string
	Seq     uint64
	Timeout time.Duration
	cause   error
}

// Error implements the error interface.
func (e *CollectiveTimeoutError) Error() string {
	return fmt.Sprintf("collective %s (#%d) did not complete within %s: %v", e.Op, e.Seq, e.Timeout, e.cause)
}

// Unwrap returns the underlying transport error.
func (e *CollectiveTimeoutError) Unwrap() error { return e.cause }

// GroupAbortedError is returned when another rank aborted the group, or when the rendezvous is no longer
// reachable after the group formed.
type GroupAbortedError struct {
	Op     string
	Reason string
}

// Error implements the error interface.
func (e *GroupAbortedError) Error() string {
	return fmt.Sprintf("collective %s failed, group aborted: %s", e.Op, e.Reason)
}

// CollectiveMismatchError is returned when ranks issue different collectives at the same point of the sequence,
// a programming error that would otherwise deadlock or corrupt the reduction.
type CollectiveMismatchError struct {
	Op     string
	Seq    uint64
	Reason string
}

// Error implements the error interface.
func (e *CollectiveMismatchError) Error() string {
	return fmt.Sprintf("collective %s (#%d) mismatched across ranks: %s", e.Op, e.Seq, e.Reason)
}

// statusToError converts a gRPC error from a collective round into one of the package's error types.
func statusToError(err error, op opKind, seq uint64, timeout time.Duration) error {
	if err == nil {
		return nil
	}
	st := status.Convert(err)
	switch st.Code() {
	case codes.DeadlineExceeded:
		return errors.WithStack(&CollectiveTimeoutError{Op: string(op), Seq: seq, Timeout: timeout, cause: err})
	case codes.Aborted:
		return errors.WithStack(&GroupAbortedError{Op: string(op), Reason: st.Message()})
	case codes.Unavailable:
		// The main rank only stops the rendezvous when leaving or aborting the group.
		return errors.WithStack(&GroupAbortedError{Op: string(op), Reason: "rendezvous gone: " + st.Message()})
	case codes.FailedPrecondition:
		return errors.WithStack(&CollectiveMismatchError{Op: string(op), Seq: seq, Reason: st.Message()})
	case codes.Canceled:
		return errors.Wrapf(context.Canceled, "collective %s (#%d) canceled", op, seq)
	}
	return errors.Wrapf(err, "collective %s (#%d) failed", op, seq)
}

// joinStatusToError converts a gRPC error from Join.
func joinStatusToError(err error, id rank.Identity, timeout time.Duration) error {
	st := status.Convert(err)
	switch st.Code() {
	case codes.DeadlineExceeded, codes.Unavailable:
		return errors.WithStack(&JoinTimeoutError{
			Rank: id.Rank, WorldSize: id.WorldSize, Timeout: timeout,
			Address: id.Rendezvous.Address(), cause: err})
	case codes.AlreadyExists, codes.InvalidArgument:
		return errors.WithStack(&rank.IdentityError{
			Field: rank.EnvRank, Value: strconv.Itoa(id.Rank), Reason: st.Message()})
	case codes.Aborted:
		return errors.WithStack(&GroupAbortedError{Op: string(opJoin), Reason: st.Message()})
	case codes.Canceled:
		return errors.Wrapf(context.Canceled, "join canceled")
	}
	return errors.Wrapf(err, "rank %d failed to join at %s", id.Rank, id.Rendezvous.Address())
}

// statusLabel is the metrics label for an operation outcome.
func statusLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var (
		joinTimeout *JoinTimeoutError
		opTimeout   *CollectiveTimeoutError
		aborted     *GroupAbortedError
	)
	switch {
	case errors.As(err, &joinTimeout), errors.As(err, &opTimeout):
		return "timeout"
	case errors.As(err, &aborted):
		return "aborted"
	}
	return "error"
}
