// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package history keeps a ledger of the epochs and snapshots of a training run, in a LevelDB database
// next to the snapshot.
//
// The ledger is written only by the main rank. Epochs re-run after a resume overwrite their previous
// records, so the ledger always describes the lineage of the current snapshot.
package history

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gomlx/ddp/pkg/ml/train"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/util"
	"k8s.io/klog/v2"
)

const (
	epochPrefix    = "epoch/"
	snapshotPrefix = "snapshot/"
)

// EpochRecord is the ledger entry of one epoch.
type EpochRecord struct {
	RunID      string        `json:"run_id"`
	Epoch      int           `json:"epoch"`
	Steps      int           `json:"steps"`
	GlobalStep int64         `json:"global_step"`
	MeanLoss   float64       `json:"mean_loss"`
	LastLoss   float64       `json:"last_loss"`
	Duration   time.Duration `json:"duration"`
	WorldSize  int           `json:"world_size"`
	Time       time.Time     `json:"time"`
}

// SnapshotRecord is the ledger entry of a written snapshot.
type SnapshotRecord struct {
	RunID      string    `json:"run_id"`
	Epoch      int       `json:"epoch"`
	GlobalStep int64     `json:"global_step"`
	Path       string    `json:"path"`
	Bytes      int64     `json:"bytes"`
	Time       time.Time `json:"time"`
}

// Ledger of a training run.
type Ledger struct {
	db   *leveldb.DB
	path string
}

// Open the ledger database at path, creating it if needed. A corrupted database is recovered
// with whatever records are still readable.
func Open(path string) (*Ledger, error) {
	db, err := leveldb.OpenFile(path, nil)
	if lerrors.IsCorrupted(err) {
		klog.Warningf("history ledger %q is corrupted, recovering: %v", path, err)
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open history ledger %q", path)
	}
	return &Ledger{db: db, path: path}, nil
}

// Path of the ledger database.
func (l *Ledger) Path() string { return l.path }

// Close the ledger.
func (l *Ledger) Close() error {
	return errors.Wrapf(l.db.Close(), "closing history ledger %q", l.path)
}

func epochKey(epoch int) []byte    { return []byte(fmt.Sprintf("%s%08d", epochPrefix, epoch)) }
func snapshotKey(epoch int) []byte { return []byte(fmt.Sprintf("%s%08d", snapshotPrefix, epoch)) }

func (l *Ledger) put(key []byte, record any) error {
	value, err := json.Marshal(record)
	if err != nil {
		return errors.Wrapf(err, "encoding %s", key)
	}
	return errors.Wrapf(l.db.Put(key, value, nil), "writing %s to history ledger %q", key, l.path)
}

// RecordEpoch stores (or replaces) the record of an epoch.
func (l *Ledger) RecordEpoch(record EpochRecord) error {
	return l.put(epochKey(record.Epoch), record)
}

// RecordSnapshot stores (or replaces) the record of the snapshot of an epoch.
func (l *Ledger) RecordSnapshot(record SnapshotRecord) error {
	return l.put(snapshotKey(record.Epoch), record)
}

// list decodes all records under prefix, in key order.
func list[R any](l *Ledger, prefix string) ([]R, error) {
	it := l.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer it.Release()
	var records []R
	for it.Next() {
		var record R
		if err := json.Unmarshal(it.Value(), &record); err != nil {
			return nil, errors.Wrapf(err, "decoding %s of history ledger %q", it.Key(), l.path)
		}
		records = append(records, record)
	}
	return records, errors.Wrapf(it.Error(), "reading history ledger %q", l.path)
}

// Epochs returns the epoch records, ordered by epoch.
func (l *Ledger) Epochs() ([]EpochRecord, error) {
	return list[EpochRecord](l, epochPrefix)
}

// Snapshots returns the snapshot records, ordered by epoch.
func (l *Ledger) Snapshots() ([]SnapshotRecord, error) {
	return list[SnapshotRecord](l, snapshotPrefix)
}

// LastEpoch returns the record of the highest epoch, and whether there is any.
func (l *Ledger) LastEpoch() (record EpochRecord, found bool, err error) {
	it := l.db.NewIterator(util.BytesPrefix([]byte(epochPrefix)), nil)
	defer it.Release()
	if !it.Last() {
		return record, false, errors.Wrapf(it.Error(), "reading history ledger %q", l.path)
	}
	if err = json.Unmarshal(it.Value(), &record); err != nil {
		return record, false, errors.Wrapf(err, "decoding %s of history ledger %q", it.Key(), l.path)
	}
	return record, true, nil
}

// Priority of the hooks registered by Attach: after the default ones.
const Priority train.Priority = 100

// Attach registers hooks on the trainer that record every epoch and snapshot in the ledger.
// It is a no-op on all ranks but the main one.
func Attach(trainer *train.Trainer, ledger *Ledger) {
	if !trainer.Identity().IsMain() {
		return
	}
	trainer.OnEpochEnd("history", Priority, func(trainer *train.Trainer, stats train.EpochStats) error {
		return ledger.RecordEpoch(EpochRecord{
			RunID:      trainer.RunID(),
			Epoch:      stats.Epoch,
			Steps:      stats.Steps,
			GlobalStep: stats.GlobalStep,
			MeanLoss:   stats.MeanLoss,
			LastLoss:   stats.LastLoss,
			Duration:   stats.Duration,
			WorldSize:  trainer.Identity().WorldSize,
			Time:       time.Now(),
		})
	})
	trainer.OnCheckpoint("history", Priority, func(trainer *train.Trainer, info train.CheckpointInfo) error {
		if !info.Written {
			return nil
		}
		return ledger.RecordSnapshot(SnapshotRecord{
			RunID:      trainer.RunID(),
			Epoch:      info.Epoch,
			GlobalStep: info.GlobalStep,
			Path:       info.Path,
			Bytes:      info.Bytes,
			Time:       time.Now(),
		})
	})
}
