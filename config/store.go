package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Snapshot is one loaded configuration generation. In-flight requests keep
// the snapshot they captured at request start; a reload never mutates it.
type Snapshot struct {
	Version  int64
	LoadedAt time.Time
	Config   *Config
}

// Store is the process-wide configuration holder. Reads never block: they
// load an atomic pointer to the current snapshot. Reload swaps the pointer
// only after the new file validates.
type Store struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[Snapshot]
	version atomic.Int64

	mu   sync.Mutex // serializes Reload and Subscribe
	subs []func(*Snapshot)
}

func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{path: path, logger: logger}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	s.current.Store(&Snapshot{
		Version:  s.version.Add(1),
		LoadedAt: time.Now(),
		Config:   cfg,
	})
	return s, nil
}

// Current returns the live snapshot. Never nil after NewStore succeeds.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Subscribe registers a callback invoked after every successful reload.
// Callbacks run on the reloading goroutine and should be quick.
func (s *Store) Subscribe(fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

// Reload re-reads the file and atomically replaces the snapshot. A file that
// fails to parse or validate leaves the current snapshot untouched.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := Load(s.path)
	if err != nil {
		return fmt.Errorf("config reload rejected: %w", err)
	}
	snap := &Snapshot{
		Version:  s.version.Add(1),
		LoadedAt: time.Now(),
		Config:   cfg,
	}
	s.current.Store(snap)
	s.logger.Info("config reloaded", "version", snap.Version, "providers", len(cfg.Providers))
	for _, fn := range s.subs {
		fn(snap)
	}
	return nil
}

// Watch reloads on file changes until ctx is cancelled. Events are debounced
// because editors and orchestrators produce write bursts.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: config files are often replaced by rename.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}

	const debounce = 200 * time.Millisecond
	var timer *time.Timer
	var timerCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerCh = timer.C
			} else {
				timer.Reset(debounce)
			}
		case <-timerCh:
			timer = nil
			timerCh = nil
			if err := s.Reload(); err != nil {
				s.logger.Error("config reload failed, keeping previous snapshot", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("config watcher error", "error", err)
		}
	}
}
