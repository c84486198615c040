package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// maintenance periodically purges stale tasks and, while the code cache is
// full, reclaims space.
type maintenance struct {
	s        *Scheduler
	interval atomic.Int64
	reset    chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	once     sync.Once
	started  atomic.Bool
}

func newMaintenance(s *Scheduler, interval time.Duration) *maintenance {
	m := &maintenance{
		s:      s,
		reset:  make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	m.interval.Store(int64(interval))
	return m
}

func (m *maintenance) start(ctx context.Context) {
	m.started.Store(true)
	go m.run(ctx)
}

func (m *maintenance) run(ctx context.Context) {
	defer close(m.doneCh)
	ticker := time.NewTicker(time.Duration(m.interval.Load()))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-m.reset:
			ticker.Reset(time.Duration(m.interval.Load()))
		case <-ticker.C:
			m.s.Tick()
		}
	}
}

func (m *maintenance) setInterval(d time.Duration) {
	if time.Duration(m.interval.Swap(int64(d))) == d {
		return
	}
	select {
	case m.reset <- struct{}{}:
	default:
	}
}

func (m *maintenance) stop() {
	m.once.Do(func() {
		close(m.stopCh)
		if m.started.Load() {
			<-m.doneCh
		}
	})
}

// Tick runs one maintenance iteration. It is called by the background loop
// and directly by tests.
func (s *Scheduler) Tick() {
	if s.IsDisabled() {
		return
	}

	// Phase 1: evict tasks whose units went cold while queued.
	purged := 0
	for _, q := range s.queues {
		purged += q.PurgeStale()
	}
	if purged > 0 {
		s.logger.Debug("stale tasks purged", "count", purged)
	}

	// Phase 2: try to make room after a code cache full event.
	if s.CodeCacheFull() {
		s.ReclaimCodeCache()
	}
}
