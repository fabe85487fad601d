package platform

import (
	"log/slog"
	"time"

	"github.com/gradkit/coedit/pkg/core"
)

// options holds the internal configuration for opening a store.
type options struct {
	store        core.Store
	logger       *slog.Logger
	clock        core.Clock
	adapter      string
	systemDir    string
	format       string
	strict       bool
	versioning   bool
	autoInit     bool
	mustExist    bool
	readOnly     bool
	debounce     time.Duration
	errorHandler func(error)
}

// Option defines a functional option for configuring a store.
type Option func(*options)

func defaultOptions() *options {
	return &options{
		adapter: "fs",
	}
}

// WithStore injects an already constructed store (e.g. a test double).
// If provided, the adapter is skipped.
func WithStore(s core.Store) Option {
	return func(o *options) {
		o.store = s
	}
}

// WithAdapter selects the storage adapter by name: "fs" (default) or "memory".
func WithAdapter(name string) Option {
	return func(o *options) {
		o.adapter = name
	}
}

// WithLogger sets the logger handed to the adapter.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock sets the clock used to stamp writes.
func WithClock(c core.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithSystemDir sets the hidden bookkeeping directory name. Defaults to ".coedit".
func WithSystemDir(name string) Option {
	return func(o *options) {
		o.systemDir = name
	}
}

// WithFormat sets the record file extension (".yaml", ".yml" or ".json").
func WithFormat(ext string) Option {
	return func(o *options) {
		o.format = ext
	}
}

// WithStrict keeps JSON numbers as json.Number to preserve large integers.
func WithStrict(strict bool) Option {
	return func(o *options) {
		o.strict = strict
	}
}

// WithVersioning commits content saves to a git repository at the store root.
// Coordination writes (presence, locks) are never committed.
func WithVersioning(enabled bool) Option {
	return func(o *options) {
		o.versioning = enabled
	}
}

// WithAutoInit creates the directory (and git repository, with versioning) when missing.
func WithAutoInit(auto bool) Option {
	return func(o *options) {
		o.autoInit = auto
	}
}

// WithMustExist fails initialization if the directory does not exist.
func WithMustExist(must bool) Option {
	return func(o *options) {
		o.mustExist = must
	}
}

// WithReadOnly rejects every write with core.ErrReadOnly and skips initialization writes.
func WithReadOnly(enabled bool) Option {
	return func(o *options) {
		o.readOnly = enabled
	}
}

// WithDebounce sets how long filesystem events are coalesced per record.
func WithDebounce(d time.Duration) Option {
	return func(o *options) {
		o.debounce = d
	}
}

// WithErrorHandler receives failures from background work (watcher, dispatch, commits)
// which are otherwise only logged.
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) {
		o.errorHandler = fn
	}
}
