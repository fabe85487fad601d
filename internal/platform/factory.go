package platform

import (
	"context"
	"fmt"

	"github.com/gradkit/coedit/pkg/adapters/fs"
	"github.com/gradkit/coedit/pkg/adapters/memory"
	"github.com/gradkit/coedit/pkg/core"
)

// Open builds and initializes a store.
// The URI argument is adapter-specific (a directory for "fs", ignored by "memory").
//
//	store, err := platform.Open(ctx, "./records", platform.WithAutoInit(true))
func Open(ctx context.Context, uri string, opts ...Option) (core.Store, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	if o.store != nil {
		return o.store, nil
	}

	var store core.Store
	switch o.adapter {
	case "fs":
		s, err := fs.NewStore(fs.Config{
			Path:         uri,
			SystemDir:    o.systemDir,
			Format:       o.format,
			Strict:       o.strict,
			Versioning:   o.versioning,
			AutoInit:     o.autoInit,
			MustExist:    o.mustExist,
			ReadOnly:     o.readOnly,
			Logger:       o.logger,
			Clock:        o.clock,
			ErrorHandler: o.errorHandler,
			Debounce:     o.debounce,
		})
		if err != nil {
			return nil, err
		}
		store = s
	case "memory":
		var mopts []memory.Option
		if o.clock != nil {
			mopts = append(mopts, memory.WithClock(o.clock))
		}
		if o.logger != nil {
			mopts = append(mopts, memory.WithLogger(o.logger))
		}
		store = memory.New(mopts...)
	default:
		return nil, fmt.Errorf("unknown adapter: %s", o.adapter)
	}

	if initializer, ok := store.(core.Initializer); ok {
		if err := initializer.Initialize(ctx); err != nil {
			return nil, fmt.Errorf("initialize %s store: %w", o.adapter, err)
		}
	}
	return store, nil
}
