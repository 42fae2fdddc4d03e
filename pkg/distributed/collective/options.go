// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collective

import (
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
)

// Default values for the Session options.
const (
	DefaultJoinTimeout    = 5 * time.Minute
	DefaultTimeout        = 30 * time.Minute
	DefaultMaxMessageSize = 1 << 30
)

// Compression of the values exchanged by AllReduceAverage.
type Compression int

const (
	// CompressionNone sends float64 values.
	CompressionNone Compression = iota

	// CompressionFloat16 sends values as IEEE 754 half-precision floats, trading precision for a 4x smaller
	// message. Values outside the float16 range saturate to ±Inf.
	CompressionFloat16
)

// String implements fmt.Stringer.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionFloat16:
		return "float16"
	default:
		return fmt.Sprintf("Compression(%d)", int(c))
	}
}

// ParseCompression parses the output of Compression.String.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "none", "":
		return CompressionNone, nil
	case "float16", "fp16":
		return CompressionFloat16, nil
	}
	return CompressionNone, errors.Errorf("unknown compression %q, valid values are \"none\" or \"float16\"", s)
}

type options struct {
	listener       net.Listener
	joinTimeout    time.Duration
	timeout        time.Duration
	compression    Compression
	maxMessageSize int
}

func defaultOptions() options {
	return options{
		joinTimeout:    DefaultJoinTimeout,
		timeout:        DefaultTimeout,
		maxMessageSize: DefaultMaxMessageSize,
	}
}

// Option configures Join.
type Option func(*options)

// WithListener sets the listener used by the main rank to serve the rendezvous, instead of listening on the
// rendezvous port. Ignored by the other ranks.
func WithListener(lis net.Listener) Option {
	return func(o *options) {
		o.listener = lis
	}
}

// WithJoinTimeout sets how long Join waits for the whole group to register.
func WithJoinTimeout(timeout time.Duration) Option {
	return func(o *options) {
		if timeout > 0 {
			o.joinTimeout = timeout
		}
	}
}

// WithTimeout sets the time limit of each collective operation.
func WithTimeout(timeout time.Duration) Option {
	return func(o *options) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

// WithCompression sets the compression of AllReduceAverage values. All ranks must use the same.
func WithCompression(compression Compression) Option {
	return func(o *options) {
		o.compression = compression
	}
}

// WithMaxMessageSize sets the largest message, in bytes, the session sends or receives.
func WithMaxMessageSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.maxMessageSize = size
		}
	}
}
