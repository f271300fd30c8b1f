package aggregator

import "time"

// RollingWindow holds the transaction outputs feeding the price model,
// bounded by wall-clock age and by entry count. Owned exclusively by the
// aggregator's run loop; no locking.
type RollingWindow struct {
	entries []windowEntry // FIFO, oldest first
	maxAge  time.Duration
	maxSize int
}

type windowEntry struct {
	Sats   int64
	SeenAt time.Time
}

func NewRollingWindow(maxAge time.Duration, maxSize int) *RollingWindow {
	return &RollingWindow{
		entries: make([]windowEntry, 0, 4096),
		maxAge:  maxAge,
		maxSize: maxSize,
	}
}

// Add appends one output observation.
func (w *RollingWindow) Add(sats int64, seenAt time.Time) {
	w.entries = append(w.entries, windowEntry{Sats: sats, SeenAt: seenAt})
}

// Evict drops entries older than maxAge, then trims FIFO down to maxSize.
// Returns the number evicted.
func (w *RollingWindow) Evict(now time.Time) int {
	cutoff := now.Add(-w.maxAge)
	i := 0
	for i < len(w.entries) && w.entries[i].SeenAt.Before(cutoff) {
		i++
	}
	if over := len(w.entries) - i - w.maxSize; over > 0 {
		i += over
	}
	if i == 0 {
		return 0
	}
	w.entries = append(w.entries[:0], w.entries[i:]...)
	return i
}

func (w *RollingWindow) Size() int { return len(w.entries) }

// RecentFraction reports the share of entries seen within the given age,
// used as the recency-density term of confidence.
func (w *RollingWindow) RecentFraction(now time.Time, age time.Duration) float64 {
	if len(w.entries) == 0 {
		return 0
	}
	cutoff := now.Add(-age)
	recent := 0
	for _, e := range w.entries {
		if !e.SeenAt.Before(cutoff) {
			recent++
		}
	}
	return float64(recent) / float64(len(w.entries))
}

// Values returns the sat values of all live entries. The returned slice is
// reused across calls; callers must not retain it past the current tick.
func (w *RollingWindow) Values(buf []int64) []int64 {
	buf = buf[:0]
	for _, e := range w.entries {
		buf = append(buf, e.Sats)
	}
	return buf
}

// Shrink halves the entry cap and evicts immediately. Invoked by the memory
// watchdog under soft-limit pressure.
func (w *RollingWindow) Shrink(now time.Time) int {
	if w.maxSize > 1024 {
		w.maxSize /= 2
	}
	return w.Evict(now)
}
