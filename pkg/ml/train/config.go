// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gomlx/ddp/pkg/distributed/collective"
	"github.com/gomlx/ddp/pkg/distributed/partition"
	"github.com/gomlx/ddp/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// Config of a training run. All ranks must use the same configuration.
type Config struct {
	// WorldSize expected by the configuration. If > 0 it must match the launcher's WORLD_SIZE.
	WorldSize int

	// CheckpointCadenceEpochs is the number of epochs between snapshots.
	CheckpointCadenceEpochs int

	// TotalEpochs to train, counting the epochs of previous runs recovered from the snapshot.
	TotalEpochs int

	// BatchSize per rank. Each step processes BatchSize examples on every rank.
	BatchSize int

	// JoinTimeout is how long to wait for the group to form.
	JoinTimeout time.Duration

	// CollectiveTimeout bounds each collective operation.
	CollectiveTimeout time.Duration

	// Shuffle the dataset every epoch, with seed ShuffleSeedBase+epoch.
	Shuffle         bool
	ShuffleSeedBase int64

	// PartitionPolicy for datasets whose size is not a multiple of the world size.
	PartitionPolicy partition.Policy

	// Compression of the gradients exchanged every step.
	Compression collective.Compression

	// SnapshotPath is the file holding the snapshot. Only read and written by the main rank.
	SnapshotPath string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		CheckpointCadenceEpochs: 1,
		TotalEpochs:             10,
		BatchSize:               32,
		JoinTimeout:             collective.DefaultJoinTimeout,
		CollectiveTimeout:       collective.DefaultTimeout,
		Shuffle:                 true,
		SnapshotPath:            "snapshot.bin",
	}
}

// ConfigError is returned for invalid configurations.
type ConfigError struct {
	Field, Reason string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}

func newConfigError(field, format string, args ...any) error {
	return errors.WithStack(&ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)})
}

// Validate returns a *ConfigError if any of the values is out of range.
func (c Config) Validate() error {
	switch {
	case c.WorldSize < 0:
		return newConfigError("world_size", "must be >= 0, got %d", c.WorldSize)
	case c.CheckpointCadenceEpochs <= 0:
		return newConfigError("checkpoint_cadence_epochs", "must be > 0, got %d", c.CheckpointCadenceEpochs)
	case c.TotalEpochs <= 0:
		return newConfigError("total_epochs", "must be > 0, got %d", c.TotalEpochs)
	case c.BatchSize <= 0:
		return newConfigError("batch_size", "must be > 0, got %d", c.BatchSize)
	case c.JoinTimeout <= 0:
		return newConfigError("join_timeout", "must be > 0, got %s", c.JoinTimeout)
	case c.CollectiveTimeout <= 0:
		return newConfigError("collective_timeout", "must be > 0, got %s", c.CollectiveTimeout)
	case c.SnapshotPath == "":
		return newConfigError("snapshot_path", "must be set")
	}
	return nil
}

// String implements fmt.Stringer, in the format accepted by ParseSettings.
func (c Config) String() string {
	return strings.Join([]string{
		fmt.Sprintf("world_size=%d", c.WorldSize),
		fmt.Sprintf("checkpoint_cadence_epochs=%d", c.CheckpointCadenceEpochs),
		fmt.Sprintf("total_epochs=%d", c.TotalEpochs),
		fmt.Sprintf("batch_size=%d", c.BatchSize),
		fmt.Sprintf("join_timeout=%s", c.JoinTimeout),
		fmt.Sprintf("collective_timeout=%s", c.CollectiveTimeout),
		fmt.Sprintf("shuffle=%t", c.Shuffle),
		fmt.Sprintf("shuffle_seed_base=%d", c.ShuffleSeedBase),
		fmt.Sprintf("partition_policy=%s", c.PartitionPolicy),
		fmt.Sprintf("compression=%s", c.Compression),
		fmt.Sprintf("snapshot_path=%s", c.SnapshotPath),
	}, ";")
}

// ParseSettings updates cfg from settings, a list separated by ";": e.g.: "total_epochs=5;batch_size=64".
//
// Keys are the snake_case names of the Config fields ("save_every" is an alias of checkpoint_cadence_epochs).
// A setting "file:<path>" reads more settings from a file, one or more per line, "#" starting a comment line.
//
// For integer values "_" is removed: it allows one to enter large numbers using it as a separator, like
// in Go. E.g.: 1_000_000 = 1000000.
func ParseSettings(cfg *Config, settings string) error {
	for _, setting := range strings.Split(settings, ";") {
		if err := parseSetting(cfg, strings.TrimSpace(setting)); err != nil {
			return err
		}
	}
	return nil
}

func parseSetting(cfg *Config, setting string) error {
	if setting == "" {
		return nil
	}
	if strings.HasPrefix(setting, "file:") {
		filePath, err := fsutil.ReplaceTildeInDir(strings.TrimPrefix(setting, "file:"))
		if err != nil {
			return err
		}
		contents, err := os.ReadFile(filePath)
		if err != nil {
			return errors.Wrapf(err, "failed to read settings from file %q", filePath)
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			if err := ParseSettings(cfg, line); err != nil {
				return errors.WithMessagef(err, "in settings file %q", filePath)
			}
		}
		return nil
	}

	key, value, found := strings.Cut(setting, "=")
	if !found {
		return errors.Errorf("can't parse setting %q, it should be in the format \"key=value\"", setting)
	}
	key, value = strings.TrimSpace(key), strings.TrimSpace(value)
	var err error
	switch key {
	case "world_size":
		cfg.WorldSize, err = parseInt(value)
	case "checkpoint_cadence_epochs", "save_every":
		cfg.CheckpointCadenceEpochs, err = parseInt(value)
	case "total_epochs":
		cfg.TotalEpochs, err = parseInt(value)
	case "batch_size":
		cfg.BatchSize, err = parseInt(value)
	case "join_timeout":
		cfg.JoinTimeout, err = time.ParseDuration(value)
	case "collective_timeout":
		cfg.CollectiveTimeout, err = time.ParseDuration(value)
	case "shuffle":
		cfg.Shuffle, err = strconv.ParseBool(value)
	case "shuffle_seed_base":
		var seed int
		seed, err = parseInt(value)
		cfg.ShuffleSeedBase = int64(seed)
	case "partition_policy":
		cfg.PartitionPolicy, err = partition.ParsePolicy(value)
	case "compression":
		cfg.Compression, err = collective.ParseCompression(value)
	case "snapshot_path":
		cfg.SnapshotPath = value
	default:
		return errors.Errorf("unknown setting %q", key)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to parse setting %q", setting)
	}
	return nil
}

func parseInt(value string) (int, error) {
	return strconv.Atoi(strings.ReplaceAll(value, "_", ""))
}
