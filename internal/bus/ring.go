package bus

import (
	"time"

	"github.com/user/streamhub/internal/types"
)

// ring is a bounded, time-windowed replay buffer. It lets late subscribers
// catch up on recent events. Not safe for concurrent use; callers hold the
// bus lock.
type ring struct {
	capacity int
	window   time.Duration
	buf      []types.Event
}

func newRing(capacity int, window time.Duration) *ring {
	return &ring{capacity: capacity, window: window}
}

func (r *ring) add(ev types.Event) {
	r.buf = append(r.buf, ev)
	if len(r.buf) > r.capacity {
		r.buf = r.buf[len(r.buf)-r.capacity:]
	}
}

// snapshot returns buffered events still inside the time window, oldest
// first.
func (r *ring) snapshot(now time.Time) []types.Event {
	cutoff := now.Add(-r.window)
	start := 0
	for start < len(r.buf) && r.buf[start].At.Before(cutoff) {
		start++
	}
	out := make([]types.Event, len(r.buf)-start)
	copy(out, r.buf[start:])
	return out
}
