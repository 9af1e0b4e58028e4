// Package xlog binds structured logging fields for pool and worker
// identity onto a zerolog.Logger, the way logiface's zerolog adapter binds
// its own field set before handing events to the caller.
package xlog

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	baseOnce sync.Once
	base     zerolog.Logger
)

// Base returns the process-wide root logger. Output defaults to stderr at
// info level; callers that want a different sink should use New directly.
func Base() zerolog.Logger {
	baseOnce.Do(func() {
		base = New(os.Stderr, zerolog.InfoLevel)
	})
	return base
}

// New constructs a logger writing to w at the given minimum level.
func New(w io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Pool returns a logger with a bound pool identity.
func Pool(l zerolog.Logger, poolIndex int, poolType uint32) zerolog.Logger {
	return l.With().Int("pool_index", poolIndex).Uint32("pool_type", poolType).Logger()
}

// Worker returns a logger with a bound worker identity, derived from a pool
// logger.
func Worker(l zerolog.Logger, workerID int, class string) zerolog.Logger {
	return l.With().Int("worker_id", workerID).Str("worker_class", class).Logger()
}
