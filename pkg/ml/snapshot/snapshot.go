// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package snapshot persists the recoverable state of a training run: the number of completed epochs,
// the global step and the opaque model and optimizer states.
//
// There is a single snapshot slot per run, overwritten in place. Writes are atomic: the new snapshot is
// written to a temporary file in the same directory, synced and renamed over the previous one, so a crash
// leaves either the old or the new snapshot, never a partial one.
//
// File format:
//
//	----------------------------------------------------------------------
//	| "gomlx_ddp_snapshot" | len (uint8) | compression name ("gzip"/"none") |
//	----------------------------------------------------------------------
//	| body, gzip compressed or not:                                       |
//	|   metadata length (uint32, big-endian) | metadata (JSON)            |
//	|   model state bytes | optimizer state bytes                         |
//	----------------------------------------------------------------------
//
// The metadata holds the sizes of both states and a CRC-32 of their contents.
package snapshot

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gomlx/ddp/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CurrentFormatVersion of the snapshot files written by this package. Files with a different version are
// rejected as corrupt.
const CurrentFormatVersion = 1

const (
	magicHeader    = "gomlx_ddp_snapshot"
	maxMetadataLen = 1 << 20
)

// Snapshot is the persisted state of a training run.
type Snapshot struct {
	// FormatVersion of the file it was loaded from. Set by Store.Save.
	FormatVersion int

	// Epoch is the number of completed epochs, which is also the epoch training resumes at.
	Epoch int

	// GlobalStep at the end of Epoch.
	GlobalStep int64

	// ModelState and OptimizerState are opaque serialized states.
	ModelState     []byte
	OptimizerState []byte

	// RunID identifies the training run that wrote the snapshot.
	RunID string

	// WorldSize of the run that wrote the snapshot.
	WorldSize int

	// LastLoss is the group-averaged loss of the last step before the snapshot.
	LastLoss float64

	// CreatedAt is set by Store.Save.
	CreatedAt time.Time
}

// metadata is the JSON header of the body.
type metadata struct {
	FormatVersion  int       `json:"format_version"`
	Epoch          int       `json:"epoch"`
	GlobalStep     int64     `json:"global_step"`
	RunID          string    `json:"run_id,omitempty"`
	WorldSize      int       `json:"world_size"`
	LastLoss       float64   `json:"last_loss"`
	CreatedAt      time.Time `json:"created_at"`
	ModelSize      int64     `json:"model_size"`
	OptimizerSize  int64     `json:"optimizer_size"`
	ContentsCRC32C uint32    `json:"contents_crc32c"`
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

func contentsChecksum(model, optimizer []byte) uint32 {
	crc := crc32.Update(0, crcTable, model)
	return crc32.Update(crc, crcTable, optimizer)
}

// Store reads and writes the snapshot at a fixed path.
type Store struct {
	path string
	opts storeOptions
}

// New creates a Store for the snapshot file at path. "~" in path is expanded to the user's home directory.
// The file doesn't need to exist.
func New(path string, options ...Option) (*Store, error) {
	if path == "" {
		return nil, errors.New("snapshot path is empty")
	}
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: filepath.Clean(path)}
	for _, option := range options {
		option(&s.opts)
	}
	return s, nil
}

// Path of the snapshot file.
func (s *Store) Path() string {
	return s.path
}

// String implements fmt.Stringer.
func (s *Store) String() string {
	return fmt.Sprintf("snapshot(%s)", s.path)
}

// Exists returns whether there is a snapshot file.
func (s *Store) Exists() (bool, error) {
	return fsutil.FileExists(s.path)
}

// Save atomically replaces the snapshot with snap. It sets snap.FormatVersion and snap.CreatedAt, and
// returns the size of the file written.
func (s *Store) Save(snap *Snapshot) (int64, error) {
	if snap.Epoch < 0 {
		return 0, errors.Errorf("%s: cannot save snapshot with negative epoch %d", s, snap.Epoch)
	}
	snap.FormatVersion = CurrentFormatVersion
	snap.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	meta := metadata{
		FormatVersion:  snap.FormatVersion,
		Epoch:          snap.Epoch,
		GlobalStep:     snap.GlobalStep,
		RunID:          snap.RunID,
		WorldSize:      snap.WorldSize,
		LastLoss:       snap.LastLoss,
		CreatedAt:      snap.CreatedAt,
		ModelSize:      int64(len(snap.ModelState)),
		OptimizerSize:  int64(len(snap.OptimizerState)),
		ContentsCRC32C: contentsChecksum(snap.ModelState, snap.OptimizerState),
	}
	metaJSON, err := json.Marshal(&meta)
	if err != nil {
		return 0, errors.Wrapf(err, "%s: failed to serialize metadata", s)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), DirPermMode); err != nil {
		return 0, errors.Wrapf(err, "%s: failed to create directory", s)
	}
	size, err := fsutil.WriteFileAtomic(s.path, FilePermMode, func(w io.Writer) error {
		header := make([]byte, 0, len(magicHeader)+1+8)
		header = append(header, magicHeader...)
		compression := s.opts.compression.String()
		header = append(header, byte(len(compression)))
		header = append(header, compression...)
		if _, err := w.Write(header); err != nil {
			return errors.Wrap(err, "write header")
		}

		body := w
		var zw *gzip.Writer
		if s.opts.compression == Gzip {
			zw = gzip.NewWriter(w)
			body = zw
		}
		if err := binary.Write(body, binary.BigEndian, uint32(len(metaJSON))); err != nil {
			return errors.Wrap(err, "write metadata length")
		}
		for _, part := range [][]byte{metaJSON, snap.ModelState, snap.OptimizerState} {
			if _, err := body.Write(part); err != nil {
				return errors.Wrap(err, "write body")
			}
		}
		if zw != nil {
			if err := zw.Close(); err != nil {
				return errors.Wrap(err, "close gzip stream")
			}
		}
		return nil
	})
	if err != nil {
		return 0, errors.WithMessagef(err, "%s: failed to save epoch %d", s, snap.Epoch)
	}
	if klog.V(1).Enabled() {
		klog.Infof("%s: saved epoch %d, global step %d (%d bytes)", s, snap.Epoch, snap.GlobalStep, size)
	}
	return size, nil
}

// Load reads the snapshot. If there is no snapshot file it returns found=false and no error.
//
// A file that exists but can't be fully read and verified yields a *CorruptError: the run must not
// silently restart from epoch 0.
func (s *Store) Load() (snap *Snapshot, found bool, err error) {
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, errors.Wrapf(err, "%s: failed to open", s)
	}
	defer func() { _ = f.Close() }()
	snap, err = s.read(bufio.NewReader(f))
	if err != nil {
		return nil, true, err
	}
	return snap, true, nil
}

func (s *Store) read(r io.Reader) (*Snapshot, error) {
	magic := make([]byte, len(magicHeader))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, s.corrupt("truncated header", err)
	}
	if string(magic) != magicHeader {
		return nil, s.corrupt("not a snapshot file", nil)
	}
	var nameLen uint8
	if err := binary.Read(r, binary.BigEndian, &nameLen); err != nil {
		return nil, s.corrupt("truncated header", err)
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return nil, s.corrupt("truncated header", err)
	}

	var body io.Reader
	switch string(name) {
	case Gzip.String():
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, s.corrupt("invalid gzip stream", err)
		}
		defer func() { _ = zr.Close() }()
		body = zr
	case Uncompressed.String():
		body = r
	default:
		return nil, s.corrupt(fmt.Sprintf("unsupported compression %q", name), nil)
	}

	var metaLen uint32
	if err := binary.Read(body, binary.BigEndian, &metaLen); err != nil {
		return nil, s.corrupt("truncated metadata", err)
	}
	if metaLen > maxMetadataLen {
		return nil, s.corrupt(fmt.Sprintf("metadata length %d too large", metaLen), nil)
	}
	metaJSON := make([]byte, metaLen)
	if _, err := io.ReadFull(body, metaJSON); err != nil {
		return nil, s.corrupt("truncated metadata", err)
	}
	var meta metadata
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return nil, s.corrupt("invalid metadata", err)
	}
	if meta.FormatVersion != CurrentFormatVersion {
		return nil, s.corrupt(fmt.Sprintf("unsupported format version %d (expected %d)",
			meta.FormatVersion, CurrentFormatVersion), nil)
	}
	if meta.Epoch < 0 || meta.ModelSize < 0 || meta.OptimizerSize < 0 {
		return nil, s.corrupt("invalid metadata values", nil)
	}

	model, err := readExactly(body, meta.ModelSize)
	if err != nil {
		return nil, s.corrupt("truncated model state", err)
	}
	optimizer, err := readExactly(body, meta.OptimizerSize)
	if err != nil {
		return nil, s.corrupt("truncated optimizer state", err)
	}
	trailing, err := io.Copy(io.Discard, body)
	if err != nil {
		return nil, s.corrupt("invalid trailing data", err)
	}
	if trailing > 0 {
		return nil, s.corrupt(fmt.Sprintf("%d unexpected trailing bytes", trailing), nil)
	}
	if crc := contentsChecksum(model, optimizer); crc != meta.ContentsCRC32C {
		return nil, s.corrupt(fmt.Sprintf("checksum mismatch: got %08x, expected %08x", crc, meta.ContentsCRC32C), nil)
	}
	return &Snapshot{
		FormatVersion:  meta.FormatVersion,
		Epoch:          meta.Epoch,
		GlobalStep:     meta.GlobalStep,
		ModelState:     model,
		OptimizerState: optimizer,
		RunID:          meta.RunID,
		WorldSize:      meta.WorldSize,
		LastLoss:       meta.LastLoss,
		CreatedAt:      meta.CreatedAt,
	}, nil
}

// readExactly reads n bytes, without trusting n for the allocation.
func readExactly(r io.Reader, n int64) ([]byte, error) {
	var buf bytes.Buffer
	read, err := io.Copy(&buf, io.LimitReader(r, n))
	if err != nil {
		return nil, err
	}
	if read != n {
		return nil, io.ErrUnexpectedEOF
	}
	return buf.Bytes(), nil
}

func (s *Store) corrupt(reason string, cause error) error {
	return errors.WithStack(&CorruptError{Path: s.path, Reason: reason, cause: cause})
}

// CorruptError is returned by Store.Load when the snapshot file exists but is unreadable, truncated,
// fails verification or has an unsupported format version.
type CorruptError struct {
	Path   string
	Reason string
	cause  error
}

// Error implements the error interface.
func (e *CorruptError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("corrupt snapshot %q: %s: %v", e.Path, e.Reason, e.cause)
	}
	return fmt.Sprintf("corrupt snapshot %q: %s", e.Path, e.Reason)
}

// Unwrap returns the underlying I/O or parsing error, if any.
func (e *CorruptError) Unwrap() error {
	return e.cause
}
