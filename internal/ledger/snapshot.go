package ledger

import (
	"context"
	"sync"

	"github.com/alanyoungcy/stakeledger/internal/domain"
	"github.com/alanyoungcy/stakeledger/internal/metrics"
	"golang.org/x/sync/singleflight"
)

// snapshotCache memoizes the derived state for one log head. It is only an
// accelerator: a lookup for any other head misses and replays.
type snapshotCache struct {
	mu    sync.RWMutex
	state domain.DerivedState
	valid bool
	group singleflight.Group
}

func (c *snapshotCache) get(head uint64) (domain.DerivedState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.valid || c.state.LastSequence != head {
		return domain.DerivedState{}, false
	}
	return c.state, true
}

func (c *snapshotCache) put(st domain.DerivedState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.valid && c.state.LastSequence > st.LastSequence {
		return
	}
	c.state = st
	c.valid = true
}

func (c *snapshotCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valid = false
}

// state returns the derived state of the current epoch. Concurrent misses
// share one replay.
func (l *Ledger) state(ctx context.Context) (domain.DerivedState, error) {
	head, err := l.log.Head(ctx)
	if err != nil {
		return domain.DerivedState{}, err
	}
	if st, ok := l.cache.get(head); ok {
		metrics.SnapshotLookups.WithLabelValues("hit").Inc()
		return st, nil
	}
	metrics.SnapshotLookups.WithLabelValues("miss").Inc()

	// The replay is shared, so it must not die with whichever caller started
	// it. Each caller still stops waiting when its own ctx is done.
	shared := context.WithoutCancel(ctx)
	ch := l.cache.group.DoChan("replay", func() (any, error) {
		from := uint64(1)
		seq, found, err := l.log.LastResetSequence(shared)
		if err != nil {
			return nil, err
		}
		if found {
			from = seq
		}
		st, err := l.log.Replay(shared, from, l.cfg.StartingStake)
		if err != nil {
			return nil, err
		}
		l.cache.put(st)
		return st, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return domain.DerivedState{}, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return domain.DerivedState{}, res.Err
	}

	st := res.Val.(domain.DerivedState)
	metrics.CurrentCycle.Set(float64(st.Cycle))
	return st, nil
}
