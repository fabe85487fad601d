package fs

import (
	"sort"
	"time"

	"github.com/aretw0/introspection"
)

// StoreState exposes internal state for observability.
type StoreState struct {
	Path          string     `json:"path"`
	SystemDir     string     `json:"system_dir"`
	Format        string     `json:"format"`
	Versioning    bool       `json:"versioning"`
	ReadOnly      bool       `json:"read_only"`
	WatcherActive bool       `json:"watcher_active"`
	Subscribed    []string   `json:"subscribed,omitempty"`
	Writes        int        `json:"writes"`
	Reads         int        `json:"reads"`
	LastWrite     *time.Time `json:"last_write,omitempty"`
}

// State implements introspection.Introspectable.
func (s *Store) State() any {
	s.subMu.Lock()
	subscribed := make([]string, 0, len(s.subs))
	for id := range s.subs {
		subscribed = append(subscribed, id)
	}
	s.subMu.Unlock()
	sort.Strings(subscribed)

	s.mu.RLock()
	defer s.mu.RUnlock()
	return StoreState{
		Path:          s.Path,
		SystemDir:     s.config.SystemDir,
		Format:        s.serializer.Extension(),
		Versioning:    s.config.Versioning,
		ReadOnly:      s.config.ReadOnly,
		WatcherActive: s.watchers > 0,
		Subscribed:    subscribed,
		Writes:        s.writes,
		Reads:         s.reads,
		LastWrite:     s.lastWrite,
	}
}

// ComponentType implements introspection.Component.
func (s *Store) ComponentType() string {
	return "fs-store"
}

var _ introspection.Introspectable = (*Store)(nil)
var _ introspection.Component = (*Store)(nil)

// setWatcherActive counts running watchers; the feed and every Watch call own one.
func (s *Store) setWatcherActive(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if active {
		s.watchers++
	} else if s.watchers > 0 {
		s.watchers--
	}
}
