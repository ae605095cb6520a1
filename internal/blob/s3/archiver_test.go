package s3blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/stakeledger/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// memoryBlobs is an in-process bucket.
type memoryBlobs struct {
	mu        sync.Mutex
	objects   map[string][]byte
	multipart int
	putErr    error
}

func newMemoryBlobs() *memoryBlobs {
	return &memoryBlobs{objects: map[string][]byte{}}
}

func (m *memoryBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	if m.putErr != nil {
		return m.putErr
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = b
	return nil
}

func (m *memoryBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	m.mu.Lock()
	m.multipart++
	m.mu.Unlock()
	return m.Put(ctx, path, data, "")
}

func (m *memoryBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[path]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", path, domain.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memoryBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.BlobInfo
	for k, v := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, domain.BlobInfo{Path: k, Size: int64(len(v))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func placed(seq uint64, ref string) domain.Event {
	return domain.Event{
		Sequence:  seq,
		Kind:      domain.KindBetPlaced,
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Payload: domain.BetPlaced{
			Reference: ref, MarketID: "1.234", SelectionID: "home",
			Stake: decimal.NewFromInt(1), Odds: decimal.RequireFromString("2.5"),
		},
	}
}

func logOf(n int) []domain.Event {
	events := make([]domain.Event, n)
	for i := range events {
		events[i] = placed(uint64(i+1), fmt.Sprintf("ref-%d", i+1))
	}
	return events
}

func TestArchiveLogRoundTrip(t *testing.T) {
	blobs := newMemoryBlobs()
	a := NewArchiver(blobs, blobs, WithPrefix("/backups/"), WithVerify(true))
	at := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)

	key, err := a.ArchiveLog(context.Background(), logOf(3), at)
	require.NoError(t, err)
	require.Equal(t, "backups/2026-03/00000000000000000001-00000000000000000003.jsonl", key)

	got, err := a.Fetch(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "ref-2", domain.Reference(got[1].Payload))
	require.Zero(t, blobs.multipart)
}

func TestArchiveLogRejectsGaps(t *testing.T) {
	a := NewArchiver(newMemoryBlobs(), newMemoryBlobs())

	_, err := a.ArchiveLog(context.Background(), []domain.Event{placed(1, "a"), placed(3, "b")}, time.Now())
	require.ErrorContains(t, err, "gap")

	_, err = a.ArchiveLog(context.Background(), nil, time.Now())
	require.Error(t, err)
}

func TestBackupIsIncremental(t *testing.T) {
	blobs := newMemoryBlobs()
	a := NewArchiver(blobs, blobs)
	ctx := context.Background()
	full := logOf(5)

	var reads []uint64
	read := func(limit int) ReadFunc {
		return func(_ context.Context, from uint64) ([]domain.Event, error) {
			reads = append(reads, from)
			var out []domain.Event
			for _, e := range full[:limit] {
				if e.Sequence >= from {
					out = append(out, e)
				}
			}
			return out, nil
		}
	}

	key, err := a.Backup(ctx, read(2), time.Now())
	require.NoError(t, err)
	require.NotEmpty(t, key)

	key, err = a.Backup(ctx, read(5), time.Now())
	require.NoError(t, err)
	require.Contains(t, key, "00000000000000000003-00000000000000000005")

	key, err = a.Backup(ctx, read(5), time.Now())
	require.NoError(t, err)
	require.Empty(t, key)
	require.Equal(t, []uint64{1, 3, 6}, reads)

	last, err := a.LastArchived(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(5), last)

	keys, err := a.Archives(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	require.Contains(t, keys[0], "00000000000000000001-00000000000000000002")
}

func TestLastArchivedIgnoresForeignKeys(t *testing.T) {
	blobs := newMemoryBlobs()
	blobs.objects[DefaultPrefix+"/README.txt"] = []byte("hi")
	blobs.objects[DefaultPrefix+"/2026-01/notes.jsonl"] = []byte("{}")
	blobs.objects[DefaultPrefix+"/2026-01/00000000000000000009-00000000000000000004.jsonl"] = nil

	last, err := NewArchiver(blobs, blobs).LastArchived(context.Background())
	require.NoError(t, err)
	require.Zero(t, last)
}

func TestArchiveLogUploadFailure(t *testing.T) {
	blobs := newMemoryBlobs()
	blobs.putErr = errors.New("access denied")

	_, err := NewArchiver(blobs, blobs).ArchiveLog(context.Background(), logOf(1), time.Now())
	require.ErrorContains(t, err, "access denied")

	_, err = NewArchiver(blobs, blobs).Fetch(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}
