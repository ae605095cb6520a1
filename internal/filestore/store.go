// Package filestore persists JSON documents in named slots of a directory.
// Every write goes to a temp file that is fsynced and then renamed over the
// slot, so readers see either the previous content or the new content and
// never a torn write. Writers are serialized by an in-process mutex and an
// advisory lock file shared with other processes.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/stakeledger/internal/domain"
	"github.com/gofrs/flock"
)

const (
	lockFile   = ".lock"
	tempPrefix = ".tmp-"
	slotExt    = ".json"

	defaultLockTimeout = 10 * time.Second
	lockRetryDelay     = 10 * time.Millisecond
)

// ErrInvalidSlot is returned for slot names that are empty, hidden, or
// contain a path separator.
var ErrInvalidSlot = errors.New("filestore: invalid slot name")

// Store is a directory of atomically replaced JSON slots.
type Store struct {
	dir         string
	lockTimeout time.Duration
	logger      *slog.Logger

	mu    sync.Mutex
	flock *flock.Flock

	// beforeRename runs after the temp file is synced and before it is
	// renamed into place.
	beforeRename func(slot string) error
	// syncDir flushes the directory entry after a rename.
	syncDir func(dir string) error
}

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout bounds how long a writer waits for the cross-process lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// WithLogger sets the logger used for housekeeping messages.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithBeforeRename installs a hook that runs once a write's temp file is
// synced, just before it is renamed over the slot. A non-nil error aborts the
// write as if the process had died at that point. Used for fault injection.
func WithBeforeRename(fn func(slot string) error) Option {
	return func(s *Store) { s.beforeRename = fn }
}

// Open creates dir if needed and removes temp files left behind by writers
// that crashed before renaming.
func Open(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: create %s: %w", dir, err)
	}
	s := &Store{
		dir:         dir,
		lockTimeout: defaultLockTimeout,
		logger:      slog.Default(),
		flock:       flock.New(filepath.Join(dir, lockFile)),
		syncDir:     fsyncDir,
	}
	for _, o := range opts {
		o(s)
	}

	err := s.Update(context.Background(), func(*Tx) error {
		return s.removeStaleTemps()
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the directory backing the store.
func (s *Store) Dir() string { return s.dir }

// Write atomically replaces slot with the JSON encoding of v.
func (s *Store) Write(ctx context.Context, slot string, v any) error {
	return s.Update(ctx, func(tx *Tx) error { return tx.Write(slot, v) })
}

// Create atomically writes slot only if it does not exist yet. It returns
// domain.ErrAlreadyExists otherwise.
func (s *Store) Create(ctx context.Context, slot string, v any) error {
	return s.Update(ctx, func(tx *Tx) error { return tx.Create(slot, v) })
}

// Read decodes slot into v. It does not take the write lock: renames are
// atomic, so a concurrent writer is never observed half way. A slot that was
// never written yields domain.ErrNotFound; one that does not decode yields
// domain.ErrCorrupt.
func (s *Store) Read(slot string, v any) error {
	path, err := s.path(slot)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("filestore: read %s: %w", slot, domain.ErrNotFound)
		}
		return fmt.Errorf("filestore: read %s: %w", slot, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		if errors.Is(err, domain.ErrCorrupt) {
			return fmt.Errorf("filestore: decode %s: %w", slot, err)
		}
		return fmt.Errorf("filestore: decode %s: %w: %v", slot, domain.ErrCorrupt, err)
	}
	return nil
}

// List returns the names of all slots in lexical order.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("filestore: list %s: %w", s.dir, err)
	}
	slots := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, slotExt) {
			continue
		}
		slots = append(slots, strings.TrimSuffix(name, slotExt))
	}
	sort.Strings(slots)
	return slots, nil
}

// Update runs fn while holding the exclusive write lock. fn may read, check
// and write any number of slots; other writers in this or any other process
// wait until it returns.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(&Tx{s: s})
}

func (s *Store) lock(ctx context.Context) (func(), error) {
	s.mu.Lock()

	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	ok, err := s.flock.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil || !ok {
		s.mu.Unlock()
		if err == nil || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("filestore: lock %s: %w", s.dir, domain.ErrLockHeld)
		}
		return nil, fmt.Errorf("filestore: lock %s: %w", s.dir, err)
	}

	return func() {
		if err := s.flock.Unlock(); err != nil {
			s.logger.Warn("filestore: unlock failed",
				slog.String("dir", s.dir),
				slog.String("error", err.Error()),
			)
		}
		s.mu.Unlock()
	}, nil
}

// writeFile must be called with the lock held.
func (s *Store) writeFile(slot string, v any, exclusive bool) error {
	path, err := s.path(slot)
	if err != nil {
		return err
	}
	if exclusive {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("filestore: create %s: %w", slot, domain.ErrAlreadyExists)
		}
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("filestore: encode %s: %w", slot, err)
	}

	tmp, err := os.CreateTemp(s.dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("filestore: write %s: %w: %v", slot, domain.ErrDurability, err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("filestore: write %s: %w: %v", slot, domain.ErrDurability, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("filestore: sync %s: %w: %v", slot, domain.ErrDurability, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("filestore: close %s: %w: %v", slot, domain.ErrDurability, err)
	}
	if s.beforeRename != nil {
		if err := s.beforeRename(slot); err != nil {
			return fmt.Errorf("filestore: write %s: %w: %v", slot, domain.ErrDurability, err)
		}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("filestore: rename %s: %w: %v", slot, domain.ErrDurability, err)
	}
	committed = true

	// The rename is the commit point: the new content is already visible, so
	// a failed directory sync cannot be reported as a failed write.
	if err := s.syncDir(s.dir); err != nil {
		s.logger.Warn("filestore: directory sync failed after commit",
			slog.String("slot", slot),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

func (s *Store) removeStaleTemps() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("filestore: scan %s: %w", s.dir, err)
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), tempPrefix) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("filestore: remove stale %s: %w", e.Name(), err)
		}
		s.logger.Info("filestore: removed stale temp file",
			slog.String("dir", s.dir),
			slog.String("file", e.Name()),
		)
	}
	return nil
}

func (s *Store) path(slot string) (string, error) {
	if slot == "" || strings.HasPrefix(slot, ".") || strings.ContainsAny(slot, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSlot, slot)
	}
	return filepath.Join(s.dir, slot+slotExt), nil
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// Tx is the view of the store handed to an Update callback. It is only valid
// until the callback returns.
type Tx struct {
	s *Store
}

// Read decodes slot into v.
func (tx *Tx) Read(slot string, v any) error { return tx.s.Read(slot, v) }

// List returns all slot names in lexical order.
func (tx *Tx) List() ([]string, error) { return tx.s.List() }

// Write atomically replaces slot.
func (tx *Tx) Write(slot string, v any) error { return tx.s.writeFile(slot, v, false) }

// Create atomically writes slot, failing if it already exists.
func (tx *Tx) Create(slot string, v any) error { return tx.s.writeFile(slot, v, true) }
