// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package rank resolves the identity of a process within a distributed training group.
//
// The identity is provided by an external launcher (torchrun, a container orchestrator manifest, a JobSet, ...)
// through environment variables, using the torchrun conventions:
//
//   - RANK: global rank of the process, in [0, WORLD_SIZE).
//   - LOCAL_RANK: rank of the process within its machine.
//   - WORLD_SIZE: total number of processes in the group.
//   - LOCAL_WORLD_SIZE: number of processes on this machine. Optional, defaults to WORLD_SIZE.
//   - MASTER_ADDR and MASTER_PORT: rendezvous address, hosted by rank 0.
//
// Resolving an identity never touches the network.
package rank

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Environment variable names read by Resolve.
const (
	EnvRank           = "RANK"
	EnvLocalRank      = "LOCAL_RANK"
	EnvWorldSize      = "WORLD_SIZE"
	EnvLocalWorldSize = "LOCAL_WORLD_SIZE"
	EnvMasterAddr     = "MASTER_ADDR"
	EnvMasterPort     = "MASTER_PORT"
)

// Main is the rank that hosts the rendezvous and owns the snapshot.
const Main = 0

// Rendezvous is the network address where the group meets. It is served by the Main rank.
type Rendezvous struct {
	Host string
	Port int
}

// Address returns the "host:port" address of the rendezvous.
func (r Rendezvous) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// Identity of a process within the training group.
type Identity struct {
	// Rank is the global rank, in [0, WorldSize).
	Rank int

	// LocalRank is the rank within the machine, in [0, LocalWorldSize).
	LocalRank int

	// LocalWorldSize is the number of ranks in this machine.
	LocalWorldSize int

	// WorldSize is the total number of ranks in the group.
	WorldSize int

	// Rendezvous address of the group.
	Rendezvous Rendezvous
}

// IsMain returns whether this is rank 0, the rank responsible for hosting the rendezvous and writing snapshots.
func (id Identity) IsMain() bool {
	return id.Rank == Main
}

// String implements fmt.Stringer.
func (id Identity) String() string {
	return fmt.Sprintf("rank %d/%d (local %d/%d)", id.Rank, id.WorldSize, id.LocalRank, id.LocalWorldSize)
}

// Validate checks the ranges of the identity fields.
func (id Identity) Validate() error {
	if id.WorldSize <= 0 {
		return newIdentityError(EnvWorldSize, strconv.Itoa(id.WorldSize), "world size must be > 0")
	}
	if id.Rank < 0 || id.Rank >= id.WorldSize {
		return newIdentityError(EnvRank, strconv.Itoa(id.Rank),
			fmt.Sprintf("rank must be in the range [0, %d)", id.WorldSize))
	}
	if id.LocalWorldSize <= 0 || id.LocalWorldSize > id.WorldSize {
		return newIdentityError(EnvLocalWorldSize, strconv.Itoa(id.LocalWorldSize),
			fmt.Sprintf("local world size must be in the range [1, %d]", id.WorldSize))
	}
	if id.LocalRank < 0 || id.LocalRank >= id.LocalWorldSize {
		return newIdentityError(EnvLocalRank, strconv.Itoa(id.LocalRank),
			fmt.Sprintf("local rank must be in the range [0, %d)", id.LocalWorldSize))
	}
	if strings.TrimSpace(id.Rendezvous.Host) == "" {
		return newIdentityError(EnvMasterAddr, id.Rendezvous.Host, "rendezvous host is empty")
	}
	if id.Rendezvous.Port <= 0 || id.Rendezvous.Port > 65535 {
		return newIdentityError(EnvMasterPort, strconv.Itoa(id.Rendezvous.Port),
			"rendezvous port must be in the range [1, 65535]")
	}
	return nil
}

// CheckWorldSize returns an IdentityError if the configured world size doesn't match the one given by the launcher.
// An expected value <= 0 means "not configured" and always passes.
func (id Identity) CheckWorldSize(expected int) error {
	if expected <= 0 || expected == id.WorldSize {
		return nil
	}
	return newIdentityError(EnvWorldSize, strconv.Itoa(id.WorldSize),
		fmt.Sprintf("launcher world size doesn't match the configured world size %d", expected))
}

// LookupFn looks up a configuration value by name, like os.LookupEnv.
type LookupFn func(key string) (string, bool)

// Resolve the identity of the current process from the environment.
//
// It returns an *IdentityError if any required variable is missing or out of range.
func Resolve() (Identity, error) {
	return ResolveFrom(os.LookupEnv)
}

// ResolveFrom resolves the identity using the given lookup function.
func ResolveFrom(lookup LookupFn) (Identity, error) {
	var id Identity
	var err error
	if id.Rank, err = lookupInt(lookup, EnvRank); err != nil {
		return id, err
	}
	if id.LocalRank, err = lookupInt(lookup, EnvLocalRank); err != nil {
		return id, err
	}
	if id.WorldSize, err = lookupInt(lookup, EnvWorldSize); err != nil {
		return id, err
	}
	if _, found := lookup(EnvLocalWorldSize); found {
		if id.LocalWorldSize, err = lookupInt(lookup, EnvLocalWorldSize); err != nil {
			return id, err
		}
	} else {
		id.LocalWorldSize = id.WorldSize
	}
	host, found := lookup(EnvMasterAddr)
	if !found || strings.TrimSpace(host) == "" {
		return id, newIdentityError(EnvMasterAddr, host, "missing")
	}
	id.Rendezvous.Host = strings.TrimSpace(host)
	if id.Rendezvous.Port, err = lookupInt(lookup, EnvMasterPort); err != nil {
		return id, err
	}
	if err = id.Validate(); err != nil {
		return id, err
	}
	return id, nil
}

// MapLookup returns a LookupFn backed by a map. Useful for tests and for flag overrides.
func MapLookup(values map[string]string) LookupFn {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

// Environ returns the environment variables (in "KEY=VALUE" form) that describe the identity,
// as a launcher would set them.
func (id Identity) Environ() []string {
	return []string{
		fmt.Sprintf("%s=%d", EnvRank, id.Rank),
		fmt.Sprintf("%s=%d", EnvLocalRank, id.LocalRank),
		fmt.Sprintf("%s=%d", EnvWorldSize, id.WorldSize),
		fmt.Sprintf("%s=%d", EnvLocalWorldSize, id.LocalWorldSize),
		fmt.Sprintf("%s=%s", EnvMasterAddr, id.Rendezvous.Host),
		fmt.Sprintf("%s=%d", EnvMasterPort, id.Rendezvous.Port),
	}
}

func lookupInt(lookup LookupFn, key string) (int, error) {
	value, found := lookup(key)
	if !found || strings.TrimSpace(value) == "" {
		return 0, newIdentityError(key, value, "missing")
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, errors.WithStack(&IdentityError{Field: key, Value: value, Reason: "not an integer", cause: err})
	}
	return n, nil
}

// IdentityError is returned when the launch identity is missing or inconsistent. It is fatal.
type IdentityError struct {
	// Field is the name of the offending environment variable.
	Field string

	// Value as found, possibly empty.
	Value string

	// Reason describes what is wrong with the value.
	Reason string

	cause error
}

func newIdentityError(field, value, reason string) error {
	return errors.WithStack(&IdentityError{Field: field, Value: value, Reason: reason})
}

// Error implements the error interface.
func (e *IdentityError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid identity: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid identity: %s=%q: %s", e.Field, e.Value, e.Reason)
}

// Unwrap returns the parsing error, if any.
func (e *IdentityError) Unwrap() error {
	return e.cause
}
