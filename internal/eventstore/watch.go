package eventstore

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watch signals on the returned channel whenever a commit lands in the log,
// whichever process wrote it. Signals are coalesced: a reader that falls
// behind sees one pending signal, not one per commit. The channel is closed
// when ctx is done.
func (s *Store) Watch(ctx context.Context) (<-chan struct{}, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("eventstore: watcher: %w", err)
	}
	if err := w.Add(s.Dir()); err != nil {
		w.Close()
		return nil, fmt.Errorf("eventstore: watcher add %s: %w", s.Dir(), err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !isCommit(ev) {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("eventstore: watcher error", slog.String("error", err.Error()))
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// isCommit matches the rename that publishes a commit slot. Temp files and
// the lock file are hidden and ignored.
func isCommit(ev fsnotify.Event) bool {
	name := filepath.Base(ev.Name)
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
		return false
	}
	return ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write)
}
