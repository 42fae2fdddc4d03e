// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fsutil contains utilities for working with the file system.
package fsutil

import (
	"io"
	"os"
	"os/user"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// FileExists returns whether the file or directory exists or an error if something went wrong in the filesystem.
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to FileExists(%q)", path)
}

// ReplaceTildeInDir by the user's home directory. Returns dir if it doesn't start with "~".
//
// It returns an error if `dir` has an unknown user or some other filesystem error (e.g: `~unknown/...`)
func ReplaceTildeInDir(dir string) (string, error) {
	if len(dir) == 0 || dir[0] != '~' {
		return dir, nil
	}
	var userName string
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		sepIdx := strings.IndexRune(dir, '/')
		if sepIdx == -1 {
			userName = dir[1:]
		} else {
			userName = dir[1:sepIdx]
		}
	}
	var usr *user.User
	var err error
	if userName == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to lookup home directory for user in path %q", dir)
	}
	return path.Join(usr.HomeDir, dir[1+len(userName):]), nil
}

// countingWriter counts the bytes written through it.
type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// WriteFileAtomic replaces the file at filePath with the contents produced by write.
//
// The contents are written to a temporary file in the same directory, synced to disk and renamed
// over filePath, and the directory is synced. Readers see either the old file or the complete new one.
// If write fails, the old file is left untouched. It returns the number of bytes written.
func WriteFileAtomic(filePath string, perm os.FileMode, write func(w io.Writer) error) (int64, error) {
	dir, base := filepath.Split(filePath)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return 0, errors.Wrapf(err, "failed to create temporary file for %q", filePath)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	cw := &countingWriter{w: tmp}
	if err = write(cw); err != nil {
		return 0, err
	}
	if err = tmp.Chmod(perm); err != nil {
		return 0, errors.Wrapf(err, "failed to set permissions of %q", tmpPath)
	}
	if err = tmp.Sync(); err != nil {
		return 0, errors.Wrapf(err, "failed to sync %q", tmpPath)
	}
	if err = tmp.Close(); err != nil {
		return 0, errors.Wrapf(err, "failed to close %q", tmpPath)
	}
	if err = os.Rename(tmpPath, filePath); err != nil {
		_ = os.Remove(tmpPath)
		committed = true
		return 0, errors.Wrapf(err, "failed to rename %q to %q", tmpPath, filePath)
	}
	committed = true
	if err = SyncDir(dir); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

// SyncDir flushes the directory entry changes (creations, renames) to disk.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.Wrapf(err, "failed to open directory %q", dir)
	}
	defer func() { _ = d.Close() }()
	if err = d.Sync(); err != nil {
		return errors.Wrapf(err, "failed to sync directory %q", dir)
	}
	return nil
}
