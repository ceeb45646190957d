package risk

import (
	"sync"
	"time"
)

// DailyLossTracker accumulates realized losses per UTC day. The counter
// resets when the day rolls over, mirroring the session semantics of the
// daily-loss gate.
type DailyLossTracker struct {
	mu       sync.Mutex
	day      string
	realized float64
}

// NewDailyLossTracker creates an empty tracker.
func NewDailyLossTracker() *DailyLossTracker {
	return &DailyLossTracker{}
}

// Record adds a realized PnL observation. Profits reduce the tracked loss,
// floored at zero.
func (t *DailyLossTracker) Record(now time.Time, pnl float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollLocked(now)

	t.realized -= pnl
	if t.realized < 0 {
		t.realized = 0
	}
}

// Loss returns the cumulative realized loss for the current UTC day as a
// non-negative number.
func (t *DailyLossTracker) Loss(now time.Time) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollLocked(now)

	return t.realized
}

func (t *DailyLossTracker) rollLocked(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if day != t.day {
		t.day = day
		t.realized = 0
	}
}
