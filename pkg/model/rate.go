package model

import "time"

// rateState tracks how hot a queued unit currently is.
type rateState struct {
	prevTime   time.Time
	prevEvents int64
	rate       float64 // events per second
}

// ResetRate takes a fresh baseline for rate tracking. Called when the unit is
// enqueued so that the rate only reflects events accrued while queued.
func (u *CompilationUnit) ResetRate(now time.Time) {
	events := u.Events()
	u.mu.Lock()
	u.rate = rateState{prevTime: now, prevEvents: events}
	u.mu.Unlock()
}

// UpdateRate refreshes the rate. A new sample is taken only when at least
// minInterval passed since the previous one and events occurred; the rate
// drops to zero after maxInterval without events.
func (u *CompilationUnit) UpdateRate(now time.Time, minInterval, maxInterval time.Duration) float64 {
	events := u.Events()
	u.mu.Lock()
	defer u.mu.Unlock()

	dt := now.Sub(u.rate.prevTime)
	de := events - u.rate.prevEvents
	switch {
	case dt >= minInterval && de > 0 && dt > 0:
		u.rate.rate = float64(de) / dt.Seconds()
		u.rate.prevTime = now
		u.rate.prevEvents = events
	case dt > maxInterval && de == 0:
		u.rate.rate = 0
	}
	return u.rate.rate
}

// Rate returns the last computed rate in events per second.
func (u *CompilationUnit) Rate() float64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.rate.rate
}

// IsStale reports whether the unit saw no events for longer than timeout.
func (u *CompilationUnit) IsStale(now time.Time, timeout time.Duration) bool {
	events := u.Events()
	u.mu.Lock()
	defer u.mu.Unlock()
	return now.Sub(u.rate.prevTime) > timeout && events == u.rate.prevEvents
}
