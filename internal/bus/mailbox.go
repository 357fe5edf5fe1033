package bus

import (
	"sync"

	"github.com/user/streamhub/internal/types"
)

// mailbox is an unbounded FIFO feeding a subscriber channel. Publish must
// never block on a slow consumer, so events queue in memory and a pump
// goroutine drains them in order.
type mailbox struct {
	mu     sync.Mutex
	queue  []types.Event
	out    chan types.Event
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

func newMailbox() *mailbox {
	m := &mailbox{
		out:  make(chan types.Event, 16),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *mailbox) put(ev types.Event) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, ev)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// close stops delivery. Queued events not yet read by the consumer are
// dropped.
func (m *mailbox) close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	close(m.done)
}

func (m *mailbox) run() {
	defer close(m.out)
	for {
		m.mu.Lock()
		for len(m.queue) > 0 {
			ev := m.queue[0]
			m.queue = m.queue[1:]
			m.mu.Unlock()
			select {
			case m.out <- ev:
			case <-m.done:
				return
			}
			m.mu.Lock()
		}
		m.mu.Unlock()

		select {
		case <-m.wake:
		case <-m.done:
			return
		}
	}
}
