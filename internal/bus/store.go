package bus

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/1ureka/meshchat/internal/util"
)

// Store is a shared key-value area watched for changes, the discovery
// fallback when no broadcast channel is available. Watch handlers fire
// when a key's value changes.
type Store interface {
	Set(key string, value []byte) error
	Watch(key string, h Handler) (cancel func(), err error)
}

// ──────────────────────────────────────────────────────────────────────────────
// In-process store
// ──────────────────────────────────────────────────────────────────────────────

// MemoryStore is a Store shared by every node in one process.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string][]byte
	subs   subscribers
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

// Set stores value and notifies watchers of key when it differs from the
// previous value.
func (s *MemoryStore) Set(key string, value []byte) error {
	s.mu.Lock()
	prev, ok := s.values[key]
	changed := !ok || !bytes.Equal(prev, value)
	s.values[key] = append([]byte(nil), value...)
	s.mu.Unlock()

	if !changed {
		return nil
	}
	for _, h := range s.subs.snapshot(key) {
		h(append([]byte(nil), value...))
	}
	return nil
}

// Watch registers h for changes to key.
func (s *MemoryStore) Watch(key string, h Handler) (func(), error) {
	return s.subs.add(key, h)
}

// ──────────────────────────────────────────────────────────────────────────────
// File-backed store
// ──────────────────────────────────────────────────────────────────────────────

// DefaultRescanInterval is how often a FileStore re-reads watched keys
// in case a change notification was missed.
const DefaultRescanInterval = 5 * time.Second

// FileStore keeps one file per key in a directory shared by processes on
// the same machine. Watches follow the directory through fsnotify and
// fire on content changes.
type FileStore struct {
	dir    string
	rescan time.Duration

	mu      sync.Mutex
	closed  bool
	stopAll chan struct{}
}

// NewFileStore creates dir if needed. A non-positive rescan selects
// DefaultRescanInterval.
func NewFileStore(dir string, rescan time.Duration) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store dir %s: %w", dir, err)
	}
	if rescan <= 0 {
		rescan = DefaultRescanInterval
	}
	return &FileStore{dir: dir, rescan: rescan, stopAll: make(chan struct{})}, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, key)
}

// Set writes value atomically via a temp file and rename.
func (s *FileStore) Set(key string, value []byte) error {
	tmp, err := os.CreateTemp(s.dir, "."+key+".*")
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if _, err := tmp.Write(value); err != nil {
		return errors.Join(fmt.Errorf("failed to write %s: %w", key, err), tmp.Close(), os.Remove(tmp.Name()))
	}
	if err := tmp.Close(); err != nil {
		return errors.Join(fmt.Errorf("failed to write %s: %w", key, err), os.Remove(tmp.Name()))
	}
	if err := os.Rename(tmp.Name(), s.path(key)); err != nil {
		return errors.Join(fmt.Errorf("failed to write %s: %w", key, err), os.Remove(tmp.Name()))
	}
	return nil
}

// Watch calls h whenever the content of key changes. The value present
// when Watch is called is treated as already seen.
func (s *FileStore) Watch(key string, h Handler) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to watch %s: %w", key, err)
	}
	if err := w.Add(s.dir); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to watch %s: %w", s.dir, err), w.Close())
	}

	path := s.path(key)
	last, _ := os.ReadFile(path)
	stop := make(chan struct{})
	var once sync.Once

	check := func() {
		cur, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				util.LogDebug("store read %s: %v", key, err)
			}
			return
		}
		if bytes.Equal(cur, last) {
			return
		}
		last = cur
		h(cur)
	}

	go func() {
		defer w.Close()
		ticker := time.NewTicker(s.rescan)
		defer ticker.Stop()

		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				// Set renames a temp file onto the key.
				if filepath.Base(ev.Name) == key && ev.Has(fsnotify.Create|fsnotify.Write) {
					check()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				util.LogDebug("store watch %s: %v", key, err)
			case <-ticker.C:
				check()
			case <-stop:
				return
			case <-s.stopAll:
				return
			}
		}
	}()

	return func() { once.Do(func() { close(stop) }) }, nil
}

// Close stops every watch.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.stopAll)
	}
	return nil
}
