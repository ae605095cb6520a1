package filestore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alanyoungcy/stakeledger/internal/domain"
	"github.com/stretchr/testify/require"
)

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestWriteRead(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "a", doc{Name: "first", Count: 1}))
	require.NoError(t, s.Write(ctx, "a", doc{Name: "second", Count: 2}))

	var got doc
	require.NoError(t, s.Read("a", &got))
	require.Equal(t, doc{Name: "second", Count: 2}, got)
}

func TestReadMissingAndCorruptAreDistinct(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	var got doc
	err = s.Read("nope", &got)
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.NotErrorIs(t, err, domain.ErrCorrupt)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{not json"), 0o644))
	err = s.Read("bad", &got)
	require.ErrorIs(t, err, domain.ErrCorrupt)
	require.NotErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.json"), nil, 0o644))
	require.ErrorIs(t, s.Read("empty", &got), domain.ErrCorrupt)
}

func TestCreateDoesNotClobber(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "x", doc{Name: "one"}))
	require.ErrorIs(t, s.Create(ctx, "x", doc{Name: "two"}), domain.ErrAlreadyExists)

	var got doc
	require.NoError(t, s.Read("x", &got))
	require.Equal(t, "one", got.Name)
}

func TestFailedWriteKeepsPreviousContent(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "a", doc{Name: "stable"}))

	s.beforeRename = func(string) error { return errors.New("power cut") }
	err = s.Write(ctx, "a", doc{Name: "lost"})
	require.ErrorIs(t, err, domain.ErrDurability)
	s.beforeRename = nil

	var got doc
	require.NoError(t, s.Read("a", &got))
	require.Equal(t, "stable", got.Name)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		require.NotContains(t, e.Name(), tempPrefix)
	}
}

func TestDirSyncFailureAfterRenameStillCommits(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	s.syncDir = func(string) error { return errors.New("EIO") }
	require.NoError(t, s.Write(context.Background(), "a", doc{Name: "kept"}))

	var got doc
	require.NoError(t, s.Read("a", &got))
	require.Equal(t, "kept", got.Name)
}

func TestOpenRemovesStaleTemps(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, tempPrefix+"12345")
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0o644))

	_, err := Open(dir)
	require.NoError(t, err)
	_, err = os.Stat(stale)
	require.True(t, os.IsNotExist(err))
}

func TestListIgnoresTempAndLockFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "b", doc{}))
	require.NoError(t, s.Write(ctx, "a", doc{}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, tempPrefix+"x"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o644))

	slots, err := s.List()
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, slots)
}

func TestInvalidSlotNames(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	for _, slot := range []string{"", ".hidden", "a/b", `a\b`} {
		require.ErrorIs(t, s.Write(context.Background(), slot, doc{}), ErrInvalidSlot, slot)
	}
}

// Two stores on one directory stand in for two processes: the lock file must
// serialize their read-modify-write cycles.
func TestUpdateSerializesAcrossStores(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(dir)
	require.NoError(t, err)
	b, err := Open(dir)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, a.Write(ctx, "counter", doc{}))

	increment := func(s *Store) error {
		return s.Update(ctx, func(tx *Tx) error {
			var d doc
			if err := tx.Read("counter", &d); err != nil {
				return err
			}
			d.Count++
			return tx.Write("counter", d)
		})
	}

	const perStore = 25
	var wg sync.WaitGroup
	errs := make(chan error, 2*perStore)
	for _, s := range []*Store{a, b} {
		wg.Add(1)
		go func(s *Store) {
			defer wg.Done()
			for i := 0; i < perStore; i++ {
				errs <- increment(s)
			}
		}(s)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	var got doc
	require.NoError(t, a.Read("counter", &got))
	require.Equal(t, 2*perStore, got.Count)
}
