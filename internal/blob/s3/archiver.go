package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/stakeledger/internal/domain"
)

const (
	// DefaultPrefix is where archives land when no prefix is configured.
	DefaultPrefix = "stakeledger/log"

	// multipartThreshold switches uploads to the multipart manager.
	multipartThreshold = 8 * 1024 * 1024
)

// ReadFunc returns every event with a sequence of at least from.
type ReadFunc func(ctx context.Context, from uint64) ([]domain.Event, error)

// Archiver copies ranges of the ledger log to object storage as JSON Lines.
// Each object covers a contiguous sequence range and is keyed
//
//	<prefix>/2026-01/00000000000000000001-00000000000000000042.jsonl
//
// so the newest archived sequence can be recovered from a listing alone.
// Archiving never deletes anything from the local log.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	prefix string
	verify bool
}

// ArchiverOption configures an Archiver.
type ArchiverOption func(*Archiver)

// WithPrefix sets the key prefix archives are written under.
func WithPrefix(prefix string) ArchiverOption {
	return func(a *Archiver) {
		if p := strings.Trim(prefix, "/"); p != "" {
			a.prefix = p
		}
	}
}

// WithVerify reads every archive back after upload and compares its range.
func WithVerify(v bool) ArchiverOption {
	return func(a *Archiver) { a.verify = v }
}

// NewArchiver creates an Archiver.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, opts ...ArchiverOption) *Archiver {
	a := &Archiver{writer: writer, reader: reader, prefix: DefaultPrefix}
	for _, o := range opts {
		o(a)
	}
	return a
}

var _ domain.LogArchiver = (*Archiver)(nil)

// ArchiveLog uploads events as one object and returns its key. events must be
// contiguous and in sequence order.
func (a *Archiver) ArchiveLog(ctx context.Context, events []domain.Event, at time.Time) (string, error) {
	if len(events) == 0 {
		return "", fmt.Errorf("s3blob: archive: no events")
	}
	for i := 1; i < len(events); i++ {
		if events[i].Sequence != events[i-1].Sequence+1 {
			return "", fmt.Errorf("s3blob: archive: gap between sequence %d and %d",
				events[i-1].Sequence, events[i].Sequence)
		}
	}

	buf, err := marshalJSONL(events)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive marshal: %w", err)
	}

	first, last := events[0].Sequence, events[len(events)-1].Sequence
	key := archivePath(a.prefix, first, last, at)
	if len(buf) >= multipartThreshold {
		err = a.writer.PutMultipart(ctx, key, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, key, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return "", fmt.Errorf("s3blob: archive upload %s: %w", key, err)
	}

	if a.verify {
		got, err := a.Fetch(ctx, key)
		if err != nil {
			return "", err
		}
		if len(got) != len(events) || got[0].Sequence != first || got[len(got)-1].Sequence != last {
			return "", fmt.Errorf("s3blob: archive %s: read back %d events, wrote %d", key, len(got), len(events))
		}
	}
	return key, nil
}

// LastArchived returns the highest sequence covered by any archive under the
// prefix, or 0 when nothing has been archived.
func (a *Archiver) LastArchived(ctx context.Context) (uint64, error) {
	infos, err := a.reader.List(ctx, a.prefix+"/")
	if err != nil {
		return 0, err
	}
	var last uint64
	for _, info := range infos {
		_, hi, ok := parseArchiveKey(info.Path)
		if ok && hi > last {
			last = hi
		}
	}
	return last, nil
}

// Backup archives every event after the last archived sequence. It returns
// the new key, or "" when the archive is already current.
func (a *Archiver) Backup(ctx context.Context, read ReadFunc, at time.Time) (string, error) {
	last, err := a.LastArchived(ctx)
	if err != nil {
		return "", err
	}
	events, err := read(ctx, last+1)
	if err != nil {
		return "", fmt.Errorf("s3blob: backup read from %d: %w", last+1, err)
	}
	if len(events) == 0 {
		return "", nil
	}
	return a.ArchiveLog(ctx, events, at)
}

// Fetch downloads and decodes one archive.
func (a *Archiver) Fetch(ctx context.Context, key string) ([]domain.Event, error) {
	body, err := a.reader.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	events, err := unmarshalJSONL(body)
	if err != nil {
		return nil, fmt.Errorf("s3blob: decode %s: %w", key, err)
	}
	return events, nil
}

// Archives lists archive keys in sequence order.
func (a *Archiver) Archives(ctx context.Context) ([]string, error) {
	infos, err := a.reader.List(ctx, a.prefix+"/")
	if err != nil {
		return nil, err
	}
	type entry struct {
		key   string
		first uint64
	}
	var entries []entry
	for _, info := range infos {
		if lo, _, ok := parseArchiveKey(info.Path); ok {
			entries = append(entries, entry{info.Path, lo})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].first < entries[j].first })

	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.key
	}
	return keys, nil
}

func archivePath(prefix string, first, last uint64, at time.Time) string {
	return fmt.Sprintf("%s/%s/%020d-%020d.jsonl", prefix, at.UTC().Format("2006-01"), first, last)
}

func parseArchiveKey(key string) (first, last uint64, ok bool) {
	name := strings.TrimSuffix(path.Base(key), ".jsonl")
	if name == path.Base(key) {
		return 0, 0, false
	}
	lo, hi, found := strings.Cut(name, "-")
	if !found {
		return 0, 0, false
	}
	first, err := strconv.ParseUint(lo, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	last, err = strconv.ParseUint(hi, 10, 64)
	if err != nil || last < first {
		return 0, 0, false
	}
	return first, last, true
}

// marshalJSONL encodes a slice of values as newline-delimited JSON.
func marshalJSONL[T any](items []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range items {
		if err := enc.Encode(items[i]); err != nil {
			return nil, fmt.Errorf("encode item %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

func unmarshalJSONL(r io.Reader) ([]domain.Event, error) {
	var events []domain.Event
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e domain.Event
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("line %d: %w", len(events)+1, err)
		}
		events = append(events, e)
	}
	return events, sc.Err()
}
