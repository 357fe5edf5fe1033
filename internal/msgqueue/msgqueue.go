// Package msgqueue holds user messages submitted while a step is still
// running. The step lifecycle drains the queue between steps and splices the
// content into the model input exactly once.
package msgqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/streamhub/internal/bus"
	"github.com/user/streamhub/internal/types"
)

// QueuedMessage is one pending user message.
type QueuedMessage struct {
	ID       types.MessageID `json:"id"`
	Content  string          `json:"content"`
	QueuedAt time.Time       `json:"queued_at"`
}

// Queue is the process-wide queued-message registry, keyed by session id.
type Queue struct {
	bus *bus.Bus

	mu sync.Mutex
	m  map[types.SessionID][]QueuedMessage
}

func New(b *bus.Bus) *Queue {
	return &Queue{bus: b, m: make(map[types.SessionID][]QueuedMessage)}
}

func (q *Queue) publish(ctx context.Context, sessionID types.SessionID, typ types.EventType, payload any) {
	if _, err := q.bus.Publish(ctx, types.SessionStreamChannel(sessionID), typ, payload); err != nil {
		slog.Warn("queue event publish failed", "session_id", string(sessionID), "type", string(typ), "error", err)
	}
}

// Add appends a message to the session's queue.
func (q *Queue) Add(ctx context.Context, sessionID types.SessionID, content string) QueuedMessage {
	msg := QueuedMessage{ID: types.NewMessageID(), Content: content, QueuedAt: time.Now()}

	q.mu.Lock()
	q.m[sessionID] = append(q.m[sessionID], msg)
	q.mu.Unlock()

	q.publish(ctx, sessionID, types.EventQueueMessageAdded, msg)
	return msg
}

// Update replaces the content of a queued message.
func (q *Queue) Update(ctx context.Context, sessionID types.SessionID, id types.MessageID, content string) error {
	q.mu.Lock()
	var updated *QueuedMessage
	for i := range q.m[sessionID] {
		if q.m[sessionID][i].ID == id {
			q.m[sessionID][i].Content = content
			updated = &q.m[sessionID][i]
			break
		}
	}
	q.mu.Unlock()

	if updated == nil {
		return fmt.Errorf("queued message %s: %w", id, types.ErrNotFound)
	}
	q.publish(ctx, sessionID, types.EventQueueMessageUpdated, *updated)
	return nil
}

// Remove deletes a queued message.
func (q *Queue) Remove(ctx context.Context, sessionID types.SessionID, id types.MessageID) error {
	q.mu.Lock()
	msgs := q.m[sessionID]
	found := false
	for i, msg := range msgs {
		if msg.ID == id {
			q.m[sessionID] = append(msgs[:i], msgs[i+1:]...)
			found = true
			break
		}
	}
	q.mu.Unlock()

	if !found {
		return fmt.Errorf("queued message %s: %w", id, types.ErrNotFound)
	}
	q.publish(ctx, sessionID, types.EventQueueMessageRemoved, map[string]string{"id": string(id)})
	return nil
}

// List returns the session's queued messages in order.
func (q *Queue) List(sessionID types.SessionID) []QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueuedMessage, len(q.m[sessionID]))
	copy(out, q.m[sessionID])
	return out
}

// Len returns the number of queued messages for the session.
func (q *Queue) Len(sessionID types.SessionID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.m[sessionID])
}

// Drain removes and returns all queued messages for the session, emitting
// queue-cleared when anything was drained. Draining is what makes injection
// idempotent: a second drain before new submissions returns nothing.
func (q *Queue) Drain(ctx context.Context, sessionID types.SessionID) []QueuedMessage {
	q.mu.Lock()
	msgs := q.m[sessionID]
	delete(q.m, sessionID)
	q.mu.Unlock()

	if len(msgs) == 0 {
		return nil
	}
	q.publish(ctx, sessionID, types.EventQueueCleared, map[string]int{"count": len(msgs)})
	return msgs
}
