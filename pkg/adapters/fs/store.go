// Package fs implements core.Store on a local directory, one file per record.
//
// Processes on the same machine share records through the directory: writes
// are serialized by a per-record lock file and land atomically, and changes
// made by other processes are pushed to subscribers via fsnotify.
package fs

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aretw0/lifecycle"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/gradkit/coedit/pkg/core"
	"github.com/gradkit/coedit/pkg/git"
)

// Config holds the configuration for the filesystem store.
type Config struct {
	Path      string
	SystemDir string // default ".coedit"
	Format    string // record file extension, default ".yaml"
	// Strict keeps JSON numbers as json.Number.
	Strict bool
	// Versioning commits every content write to a git repository at Path.
	Versioning bool
	AutoInit   bool
	MustExist  bool
	ReadOnly   bool
	Logger     *slog.Logger
	Clock      core.Clock
	// ErrorHandler receives background failures (watcher, dispatch, commits).
	ErrorHandler func(error)
	// Debounce coalesces filesystem events per record; default 50ms.
	Debounce time.Duration
}

// Store implements core.Store using the filesystem.
type Store struct {
	Path       string
	config     Config
	git        *git.Client
	serializer Serializer

	mu        sync.RWMutex
	watchers  int
	writes    int
	reads     int
	lastWrite *time.Time

	subMu      sync.Mutex
	subs       map[string]map[int]func(core.Record)
	nextSub    int
	feed       *watchWorker
	feedCancel context.CancelFunc
}

// NewStore creates a filesystem store. Call Initialize before use.
func NewStore(config Config) (*Store, error) {
	if config.Path == "" {
		return nil, errors.New("fs store: path is required")
	}
	if config.SystemDir == "" {
		config.SystemDir = ".coedit"
	}
	if config.Format == "" {
		config.Format = ".yaml"
	}
	if !strings.HasPrefix(config.Format, ".") {
		config.Format = "." + config.Format
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = core.SystemClock()
	}
	if config.Debounce <= 0 {
		config.Debounce = 50 * time.Millisecond
	}

	serializer, ok := DefaultSerializers(config.Strict)[config.Format]
	if !ok {
		return nil, fmt.Errorf("fs store: unsupported format %q", config.Format)
	}

	return &Store{
		Path:       config.Path,
		config:     config,
		git:        git.NewClient(config.Path, config.Logger),
		serializer: serializer,
		subs:       make(map[string]map[int]func(core.Record)),
	}, nil
}

// Initialize prepares the directory and, with versioning, the git repository.
func (s *Store) Initialize(ctx context.Context) error {
	if s.config.MustExist {
		info, err := os.Stat(s.Path)
		if os.IsNotExist(err) {
			return fmt.Errorf("store path does not exist: %s", s.Path)
		}
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("store path is not a directory: %s", s.Path)
		}
	} else if err := os.MkdirAll(s.Path, 0o755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	if !s.config.ReadOnly {
		if err := os.MkdirAll(filepath.Join(s.Path, s.config.SystemDir), 0o755); err != nil {
			return fmt.Errorf("failed to create system directory: %w", err)
		}
	}

	if !s.config.Versioning {
		return nil
	}
	if !git.IsInstalled() {
		return fmt.Errorf("git is not installed")
	}

	wasNewRepo := false
	if !s.git.IsRepo() {
		if !s.config.AutoInit {
			return fmt.Errorf("path is not a git repository: %s", s.Path)
		}
		if err := s.git.Init(ctx); err != nil {
			return fmt.Errorf("failed to git init: %w", err)
		}
		wasNewRepo = true
	}

	mod, err := s.ensureIgnore()
	if err != nil {
		return fmt.Errorf("failed to ensure .gitignore: %w", err)
	}
	if mod && wasNewRepo {
		if err := s.git.Add(ctx, ".gitignore"); err != nil {
			return fmt.Errorf("failed to add .gitignore: %w", err)
		}
		if err := s.git.Commit(ctx, fmt.Sprintf("chore: ignore %s", s.config.SystemDir)); err != nil {
			return fmt.Errorf("failed to commit .gitignore: %w", err)
		}
	}
	return nil
}

func (s *Store) ensureIgnore() (bool, error) {
	ignorePath := filepath.Join(s.Path, ".gitignore")
	entry := s.config.SystemDir + "/"

	content, err := os.ReadFile(ignorePath)
	if err != nil && !os.IsNotExist(err) {
		return false, err
	}
	for _, line := range strings.Split(string(content), "\n") {
		if strings.TrimSpace(line) == entry {
			return false, nil
		}
	}

	f, err := os.OpenFile(ignorePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return false, err
	}
	defer f.Close()

	if len(content) > 0 && !strings.HasSuffix(string(content), "\n") {
		if _, err := f.WriteString("\n"); err != nil {
			return false, err
		}
	}
	if _, err := f.WriteString(entry + "\n"); err != nil {
		return false, err
	}
	return true, nil
}

// ReadOnce implements core.Store.
func (s *Store) ReadOnce(ctx context.Context, recordID string) (core.Record, error) {
	if err := ctx.Err(); err != nil {
		return core.Record{}, err
	}
	path, err := s.recordPath(recordID)
	if err != nil {
		return core.Record{}, &core.StoreError{Op: "read", RecordID: recordID, Err: err}
	}

	rec, err := s.readFile(recordID, path)
	if err != nil {
		return core.Record{}, &core.StoreError{Op: "read", RecordID: recordID, Err: err}
	}

	s.mu.Lock()
	s.reads++
	s.mu.Unlock()
	return rec, nil
}

func (s *Store) readFile(recordID, path string) (core.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return core.Record{}, classify(err)
	}
	return s.serializer.Unmarshal(recordID, data)
}

// UpdateFields implements core.Store. The read-merge-write cycle runs under
// the record's lock file, so concurrent writers from any process merge
// rather than overwrite each other.
func (s *Store) UpdateFields(ctx context.Context, recordID string, fields core.Fields) (core.WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return core.WriteResult{}, err
	}
	fail := func(err error) (core.WriteResult, error) {
		return core.WriteResult{}, &core.StoreError{Op: "update", RecordID: recordID, Err: err}
	}
	if s.config.ReadOnly {
		return fail(core.ErrReadOnly)
	}
	path, err := s.recordPath(recordID)
	if err != nil {
		return fail(err)
	}

	unlock, err := s.lockRecord(ctx, recordID)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", core.ErrTransientIO, err))
	}

	rec, err := s.readFile(recordID, path)
	if errors.Is(err, core.ErrNotFound) {
		rec = core.NewRecord(recordID)
	} else if err != nil {
		unlock()
		return fail(err)
	}

	res, err := core.Merge(&rec, fields, s.config.Clock.Now())
	if err != nil {
		unlock()
		return fail(err)
	}

	data, err := s.serializer.Marshal(rec)
	if err != nil {
		unlock()
		return fail(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		unlock()
		return fail(classify(err))
	}
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		unlock()
		return fail(classify(err))
	}

	if s.config.Versioning && res.Content {
		s.commit(ctx, recordID, path, res.Revision)
	}
	unlock()

	now := s.config.Clock.Now()
	s.mu.Lock()
	s.writes++
	s.lastWrite = &now
	s.mu.Unlock()

	s.config.Logger.Debug("record updated", "record", recordID, "revision", res.Revision, "fields", len(fields))
	s.deliver(rec)
	return res, nil
}

// commit records a content save in git history. Failures do not undo the
// write; they go to the error handler.
func (s *Store) commit(ctx context.Context, recordID, path string, revision int64) {
	rel, _ := filepath.Rel(s.Path, path)
	if err := s.git.Add(ctx, rel); err != nil {
		s.reportError(fmt.Errorf("git add %s: %w", rel, err))
		return
	}
	if err := s.git.Commit(ctx, fmt.Sprintf("save %s (revision %d)", recordID, revision)); err != nil {
		s.reportError(fmt.Errorf("git commit %s: %w", recordID, err))
	}
}

// History returns recent content saves of recordID when versioning is on.
func (s *Store) History(ctx context.Context, recordID string, n int) ([]string, error) {
	if !s.config.Versioning {
		return nil, errors.New("history requires versioning")
	}
	path, err := s.recordPath(recordID)
	if err != nil {
		return nil, err
	}
	rel, _ := filepath.Rel(s.Path, path)
	return s.git.Log(ctx, rel, n)
}

// List returns the IDs of all stored records, sorted.
func (s *Store) List(ctx context.Context) ([]string, error) {
	var ids []string
	err := filepath.WalkDir(s.Path, func(path string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != s.Path && s.skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if id, err := s.resolveID(path); err == nil {
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// Subscribe implements core.Store. The current state is pushed before
// Subscribe returns; writes from this process are pushed synchronously and
// writes from other processes once the watcher observes them.
func (s *Store) Subscribe(ctx context.Context, recordID string, fn func(core.Record)) (core.Subscription, error) {
	if fn == nil {
		return nil, fmt.Errorf("subscribe %s: nil callback", recordID)
	}
	if _, err := s.recordPath(recordID); err != nil {
		return nil, &core.StoreError{Op: "subscribe", RecordID: recordID, Err: err}
	}

	s.subMu.Lock()
	if s.feed == nil {
		if err := s.startFeed(); err != nil {
			s.subMu.Unlock()
			return nil, &core.StoreError{Op: "subscribe", RecordID: recordID, Err: err}
		}
	}
	id := s.nextSub
	s.nextSub++
	if s.subs[recordID] == nil {
		s.subs[recordID] = make(map[int]func(core.Record))
	}
	s.subs[recordID][id] = fn
	s.subMu.Unlock()

	var once sync.Once
	sub := core.SubscriptionFunc(func() {
		once.Do(func() { s.unsubscribe(recordID, id) })
	})

	initial, err := s.ReadOnce(ctx, recordID)
	if errors.Is(err, core.ErrNotFound) {
		initial = core.NewRecord(recordID)
	} else if err != nil {
		sub.Unsubscribe()
		return nil, err
	}
	fn(initial)
	return sub, nil
}

func (s *Store) unsubscribe(recordID string, id int) {
	s.subMu.Lock()
	delete(s.subs[recordID], id)
	if len(s.subs[recordID]) == 0 {
		delete(s.subs, recordID)
	}
	var feed *watchWorker
	var cancel context.CancelFunc
	if len(s.subs) == 0 {
		feed, cancel = s.feed, s.feedCancel
		s.feed, s.feedCancel = nil, nil
	}
	s.subMu.Unlock()

	if feed != nil {
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = feed.Stop(stopCtx)
		cancel()
	}
}

// startFeed runs one watcher over the whole directory for all subscriptions.
// Caller holds subMu.
func (s *Store) startFeed() error {
	events := make(chan core.Event, 64)
	w := newWatchWorker(s, "**", events)

	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		cancel()
		return err
	}
	s.feed, s.feedCancel = w, cancel

	lifecycle.Go(ctx, func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				s.dispatch(ctx, e)
			}
		}
	}, lifecycle.WithErrorHandler(func(err error) {
		s.reportError(fmt.Errorf("dispatch panic: %w", err))
	}))
	return nil
}

// dispatch re-reads a record changed on disk and pushes it to subscribers.
func (s *Store) dispatch(ctx context.Context, e core.Event) {
	s.subMu.Lock()
	n := len(s.subs[e.ID])
	s.subMu.Unlock()
	if n == 0 {
		return
	}

	rec, err := s.ReadOnce(ctx, e.ID)
	if errors.Is(err, core.ErrNotFound) {
		rec = core.NewRecord(e.ID)
	} else if err != nil {
		s.reportError(fmt.Errorf("dispatch %s: %w", e.ID, err))
		return
	}
	s.deliver(rec)
}

// deliver runs outside every store mutex so callbacks may call back into the store.
func (s *Store) deliver(rec core.Record) {
	s.subMu.Lock()
	ids := make([]int, 0, len(s.subs[rec.ID]))
	for id := range s.subs[rec.ID] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(core.Record), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[rec.ID][id])
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(rec.Clone())
	}
}

// Watch implements core.Watchable. The channel closes when ctx is done.
func (s *Store) Watch(ctx context.Context, pattern string) (<-chan core.Event, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid watch pattern %q", pattern)
	}
	events := make(chan core.Event)
	w := newWatchWorker(s, pattern, events)
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	return events, nil
}

// Close stops the shared watcher. Subscriptions stop receiving
// cross-process pushes.
func (s *Store) Close() error {
	s.subMu.Lock()
	feed, cancel := s.feed, s.feedCancel
	s.feed, s.feedCancel = nil, nil
	s.subs = make(map[string]map[int]func(core.Record))
	s.subMu.Unlock()

	if feed == nil {
		return nil
	}
	stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	err := feed.Stop(stopCtx)
	cancel()
	return err
}

// recordPath maps a record ID to its file. IDs may contain slashes to
// group records in subdirectories but must stay inside the store.
func (s *Store) recordPath(recordID string) (string, error) {
	if recordID == "" {
		return "", fmt.Errorf("%w: empty record id", core.ErrInvalidField)
	}
	clean := filepath.ToSlash(filepath.Clean(filepath.FromSlash(recordID)))
	if clean != recordID || strings.HasPrefix(clean, "../") || clean == ".." || filepath.IsAbs(recordID) {
		return "", fmt.Errorf("%w: record id %q escapes the store", core.ErrInvalidField, recordID)
	}
	first, _, _ := strings.Cut(clean, "/")
	if s.skipDir(first) {
		return "", fmt.Errorf("%w: record id %q is reserved", core.ErrInvalidField, recordID)
	}
	return filepath.Join(s.Path, filepath.FromSlash(recordID)+s.serializer.Extension()), nil
}

// resolveID maps a file path back to its record ID.
func (s *Store) resolveID(path string) (string, error) {
	rel, err := filepath.Rel(s.Path, path)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is outside the store", path)
	}
	ext := s.serializer.Extension()
	if !strings.HasSuffix(rel, ext) || isTempFile(rel) {
		return "", fmt.Errorf("%s is not a record file", path)
	}
	first, _, _ := strings.Cut(rel, "/")
	if s.skipDir(first) {
		return "", fmt.Errorf("%s is in a reserved directory", path)
	}
	return strings.TrimSuffix(rel, ext), nil
}

func (s *Store) skipDir(name string) bool {
	return name == s.config.SystemDir || name == ".git"
}

// recursiveAdd watches every non-reserved directory of the store.
func (s *Store) recursiveAdd(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != s.Path && s.skipDir(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

func (s *Store) reportError(err error) {
	s.config.Logger.Error("fs store background failure", "error", err)
	if s.config.ErrorHandler != nil {
		s.config.ErrorHandler(err)
	}
}

// classify maps filesystem errors onto the store taxonomy.
func classify(err error) error {
	switch {
	case errors.Is(err, iofs.ErrNotExist):
		return core.ErrNotFound
	case errors.Is(err, iofs.ErrPermission):
		return fmt.Errorf("%w: %v", core.ErrPermission, err)
	default:
		return fmt.Errorf("%w: %v", core.ErrTransientIO, err)
	}
}

var _ core.Store = (*Store)(nil)
var _ core.Watchable = (*Store)(nil)
var _ core.Initializer = (*Store)(nil)
