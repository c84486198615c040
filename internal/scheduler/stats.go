package scheduler

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/me/tiersched/pkg/model"
)

// TierStats counts retired tasks of one tier.
type TierStats struct {
	Tier        model.Tier    `json:"tier"`
	Completed   int           `json:"completed"`
	Failed      int           `json:"failed"`
	Stale       int           `json:"stale"`
	CompileTime time.Duration `json:"compile_time_ns"`
	MaxTime     time.Duration `json:"max_time_ns"`
	CodeSize    uint64        `json:"code_size"`
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Uptime    time.Duration `json:"uptime_ns"`
	Submitted int           `json:"submitted"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	Stale     int           `json:"stale"`
	CodeSize  uint64        `json:"code_size"`
	Tiers     []TierStats   `json:"tiers"`
}

// Stats collects counters for retired tasks.
type Stats struct {
	mu        sync.Mutex
	startedAt time.Time
	submits   int
	tiers     [model.TierMax + 1]TierStats
}

func newStats(now time.Time) *Stats {
	s := &Stats{startedAt: now}
	for t := range s.tiers {
		s.tiers[t].Tier = model.Tier(t)
	}
	return s
}

func (s *Stats) submitted() {
	s.mu.Lock()
	s.submits++
	s.mu.Unlock()
}

func (s *Stats) retired(task *model.CompileTask, res model.Result) {
	if !task.Tier.Valid() {
		return
	}
	started, completed := task.Times()
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := &s.tiers[task.Tier]
	switch res.State {
	case model.TaskStateCompleted:
		ts.Completed++
		if res.Code != nil {
			ts.CodeSize += res.Code.Size
		}
	case model.TaskStateFailed:
		ts.Failed++
	case model.TaskStateStale:
		ts.Stale++
	}
	if !started.IsZero() {
		d := completed.Sub(started)
		ts.CompileTime += d
		ts.MaxTime = max(ts.MaxTime, d)
	}
}

// Snapshot copies the counters. now is used for the uptime.
func (s *Stats) Snapshot(now time.Time) StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := StatsSnapshot{
		Uptime:    now.Sub(s.startedAt),
		Submitted: s.submits,
	}
	for _, ts := range s.tiers {
		if !ts.Tier.Compiled() {
			continue
		}
		snap.Completed += ts.Completed
		snap.Failed += ts.Failed
		snap.Stale += ts.Stale
		snap.CodeSize += ts.CodeSize
		snap.Tiers = append(snap.Tiers, ts)
	}
	return snap
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	m := int(d.Minutes())
	sec := int(d.Seconds()) % 60
	return fmt.Sprintf("%dm %02ds", m, sec)
}

// PrintSummary prints a formatted summary of the counters.
func PrintSummary(w io.Writer, snap StatsSnapshot) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== Compilation Summary ===")
	fmt.Fprintf(w, "Uptime: %s\n", formatDuration(snap.Uptime))
	fmt.Fprintln(w)

	fmt.Fprintf(w, "%-18s  %10s  %8s  %8s  %12s  %10s  %10s\n",
		"Tier", "Completed", "Failed", "Stale", "Compile Time", "Max", "Code")
	fmt.Fprintln(w, strings.Repeat("-", 88))
	for _, ts := range snap.Tiers {
		fmt.Fprintf(w, "%-18s  %10s  %8s  %8s  %12s  %10s  %10s\n",
			fmt.Sprintf("%d %s", int(ts.Tier), ts.Tier),
			humanize.Comma(int64(ts.Completed)),
			humanize.Comma(int64(ts.Failed)),
			humanize.Comma(int64(ts.Stale)),
			formatDuration(ts.CompileTime),
			formatDuration(ts.MaxTime),
			humanize.IBytes(ts.CodeSize))
	}
	fmt.Fprintln(w, strings.Repeat("-", 88))

	fmt.Fprintf(w, "Tasks: %s submitted, %s completed", humanize.Comma(int64(snap.Submitted)), humanize.Comma(int64(snap.Completed)))
	if snap.Failed > 0 {
		fmt.Fprintf(w, ", %s failed", humanize.Comma(int64(snap.Failed)))
	}
	if snap.Stale > 0 {
		fmt.Fprintf(w, ", %s stale", humanize.Comma(int64(snap.Stale)))
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Installed Code: %s\n", humanize.IBytes(snap.CodeSize))
	fmt.Fprintln(w)
}
