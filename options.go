// Copyright 2021 The appendkv Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package appendkv

import (
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

const defaultInitialSize = 4 * 1024 * 1024

// Option configures a Store.
type Option func(*options)

type options struct {
	logger      *slog.Logger
	registerer  prometheus.Registerer
	initialSize int64
}

func newOptions(opts []Option) options {
	var o options
	o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	o.initialSize = defaultInitialSize
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets an optional logger for the store to report opening,
// recovery and file growth.  If not provided, no logging output will be
// produced.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRegisterer registers the store's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithInitialSize sets the size newly created data and index files start
// out with.  Files double in size as they fill up.
func WithInitialSize(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.initialSize = n
		}
	}
}
