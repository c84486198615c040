package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/me/tiersched/pkg/model"
)

// Recorder buffers compile records of one run and writes them in batches
// from a background goroutine so that workers never wait on the database.
// Records arriving while the buffer is full are dropped and counted.
type Recorder struct {
	st       Store
	runID    string
	logger   *slog.Logger
	batch    int
	interval time.Duration

	mu      sync.Mutex
	closed  bool
	ch      chan model.CompileRecord
	done    chan struct{}
	dropped atomic.Int64
	written atomic.Int64
}

// NewRecorder starts a recorder writing to st under runID.
func NewRecorder(st Store, runID string, logger *slog.Logger) *Recorder {
	r := &Recorder{
		st:       st,
		runID:    runID,
		logger:   logger.With("component", "recorder", "run_id", runID),
		batch:    256,
		interval: 100 * time.Millisecond,
		ch:       make(chan model.CompileRecord, 8192),
		done:     make(chan struct{}),
	}
	go r.loop()
	return r
}

// Record queues rec for writing.
func (r *Recorder) Record(rec model.CompileRecord) {
	rec.RunID = r.runID
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.ch <- rec:
	default:
		if r.dropped.Add(1) == 1 {
			r.logger.Warn("history buffer full, dropping records")
		}
	}
}

// Dropped returns how many records were not written.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Written returns how many records were written.
func (r *Recorder) Written() int64 { return r.written.Load() }

// Close flushes buffered records and stops the background writer.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) loop() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	buf := make([]model.CompileRecord, 0, r.batch)
	flush := func() {
		if len(buf) == 0 {
			return
		}
		if err := r.st.RecordTasks(context.Background(), buf); err != nil {
			r.logger.Error("write history", "count", len(buf), "error", err)
			r.dropped.Add(int64(len(buf)))
		} else {
			r.written.Add(int64(len(buf)))
		}
		buf = buf[:0]
	}

	for {
		select {
		case rec, ok := <-r.ch:
			if !ok {
				flush()
				return
			}
			buf = append(buf, rec)
			if len(buf) >= r.batch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
