package bus

import (
	"regexp"
	"sort"
	"sync"

	"github.com/user/streamhub/internal/types"
)

// Subscription is one consumer's attachment to the bus. Events arrive on
// Events() in increasing cursor order for a given channel.
type Subscription struct {
	bus     *Bus
	channel string
	pattern *regexp.Regexp
	mb      *mailbox

	mu      sync.Mutex
	gating  bool
	pending []types.Event
}

// Events returns the subscriber's event channel. It is closed when the
// subscription (or the bus) is closed.
func (s *Subscription) Events() <-chan types.Event {
	return s.mb.out
}

// Close detaches the subscription and closes its event channel.
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.mb.close()
}

// deliver routes a live event. While a historical replay is loading, live
// events are buffered so none are dropped; the replay goroutine releases
// them afterwards.
func (s *Subscription) deliver(ev types.Event) {
	s.mu.Lock()
	if s.gating {
		s.pending = append(s.pending, ev)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.mb.put(ev)
}

// release emits the historical batch in cursor order, then any buffered live
// event whose cursor is not in the batch. Durable appends are asynchronous,
// so the batch can arrive out of cursor order and a just-published event may
// be missing from it entirely; sorting restores the order and the per-cursor
// set is what guarantees every cursor is emitted exactly once.
func (s *Subscription) release(historical []*types.Event, after types.Cursor) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sort.Slice(historical, func(i, j int) bool {
		return historical[i].Cursor.Before(historical[j].Cursor)
	})
	replayed := make(map[types.Cursor]struct{}, len(historical))
	for _, h := range historical {
		s.mb.put(*h)
		replayed[h.Cursor] = struct{}{}
	}
	for _, p := range s.pending {
		if _, covered := replayed[p.Cursor]; covered {
			continue
		}
		if !p.Cursor.After(after) {
			continue
		}
		s.mb.put(p)
	}
	s.pending = nil
	s.gating = false
}
