package coedit

import (
	"context"
	"log/slog"
	"time"

	"github.com/gradkit/coedit/internal/platform"
	"github.com/gradkit/coedit/pkg/conflict"
	"github.com/gradkit/coedit/pkg/core"
	"github.com/gradkit/coedit/pkg/session"
)

// --- Types ---

type (
	Record        = core.Record
	Fields        = core.Fields
	Peer          = core.Peer
	Holder        = core.Holder
	Store         = core.Store
	Resolution    = conflict.Resolution
	Outcome       = conflict.Outcome
	Session       = session.Session
	SessionConfig = session.Config
	Handlers      = session.Handlers
)

const (
	Reload    = conflict.Reload
	Overwrite = conflict.Overwrite

	Applied     = conflict.Applied
	Overwritten = conflict.Overwritten
	Reloaded    = conflict.Reloaded
)

// --- Configuration ---

// Option defines a functional option for opening a store.
type Option = platform.Option

// WithAdapter selects the storage adapter by name ("fs" or "memory").
func WithAdapter(name string) Option {
	return platform.WithAdapter(name)
}

// WithStore injects a custom store implementation.
func WithStore(s Store) Option {
	return platform.WithStore(s)
}

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return platform.WithLogger(logger)
}

// WithClock sets the clock used to stamp writes.
func WithClock(c core.Clock) Option {
	return platform.WithClock(c)
}

// WithAutoInit creates the directory (and git repository, with versioning) when missing.
func WithAutoInit(auto bool) Option {
	return platform.WithAutoInit(auto)
}

// WithVersioning commits content saves to git.
func WithVersioning(enabled bool) Option {
	return platform.WithVersioning(enabled)
}

// WithMustExist ensures the directory already exists.
func WithMustExist(must bool) Option {
	return platform.WithMustExist(must)
}

// WithReadOnly rejects every write.
func WithReadOnly(enabled bool) Option {
	return platform.WithReadOnly(enabled)
}

// WithSystemDir sets the hidden bookkeeping directory name (e.g. ".coedit").
func WithSystemDir(name string) Option {
	return platform.WithSystemDir(name)
}

// WithFormat sets the record file extension.
func WithFormat(ext string) Option {
	return platform.WithFormat(ext)
}

// WithStrict keeps JSON numbers as json.Number.
func WithStrict(strict bool) Option {
	return platform.WithStrict(strict)
}

// WithDebounce sets the filesystem event coalescing window.
func WithDebounce(d time.Duration) Option {
	return platform.WithDebounce(d)
}

// WithErrorHandler registers a callback for background failures.
func WithErrorHandler(fn func(error)) Option {
	return platform.WithErrorHandler(fn)
}

// --- Factory ---

// Open creates and initializes a store at path.
func Open(ctx context.Context, path string, opts ...Option) (Store, error) {
	return platform.Open(ctx, path, opts...)
}

// NewSession creates an editing session on store. Call Open on it to start.
func NewSession(store Store, cfg SessionConfig, opts ...session.Option) (*Session, error) {
	return session.New(store, cfg, opts...)
}

// FindRoot looks upwards from startDir for a record directory.
func FindRoot(startDir string) (string, error) {
	return platform.FindRoot(startDir)
}
