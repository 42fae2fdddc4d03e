// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"os"

	"github.com/pkg/errors"
)

// Compression of the snapshot file.
type Compression int

const (
	// Gzip compresses the snapshot contents. It is the default.
	Gzip Compression = iota

	// Uncompressed writes the contents as is. Faster for large, high-entropy model states.
	Uncompressed
)

// String implements the Stringer interface. It is also the name stored in the file header.
func (c Compression) String() string {
	switch c {
	case Gzip:
		return "gzip"
	case Uncompressed:
		return "none"
	default:
		return "unknown"
	}
}

// ParseCompression returns the Compression with the given name, as returned by Compression.String.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "gzip", "":
		return Gzip, nil
	case "none":
		return Uncompressed, nil
	}
	return Gzip, errors.Errorf("unknown snapshot compression %q, valid values are \"gzip\" or \"none\"", name)
}

// DirPermMode is the default directory permission when creating the directory that holds the snapshot.
var DirPermMode = os.FileMode(0770)

// FilePermMode is the permission of the snapshot file.
var FilePermMode = os.FileMode(0660)

type storeOptions struct {
	compression Compression
}

// Option configures a Store.
type Option func(opts *storeOptions)

// WithCompression defines the compression of the snapshot file. The default is Gzip.
// Loading detects the compression from the file header, regardless of this option.
func WithCompression(c Compression) Option {
	return func(opts *storeOptions) {
		opts.compression = c
		if c != Gzip && c != Uncompressed {
			opts.compression = Gzip
		}
	}
}
