// Package ask bridges a tool's mid-stream request for user input to a future
// external answer. Questions queue per session in FIFO order with at most
// one being processed at a time; nothing here is persisted.
package ask

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/streamhub/internal/bus"
	"github.com/user/streamhub/internal/types"
)

var (
	// ErrSessionEnded rejects pending asks when their session tears down.
	ErrSessionEnded = errors.New("session ended")
	// ErrTimeout rejects an ask nobody answered in time.
	ErrTimeout = errors.New("ask timed out")
	// ErrNoMatch means the answer did not match the currently processing ask.
	ErrNoMatch = errors.New("no matching ask")
	// ErrDuplicate means an ask with the same tool call id is already pending.
	ErrDuplicate = errors.New("duplicate ask")
)

// Question is one pending request for user input, keyed by the tool call
// that raised it.
type Question struct {
	ID          types.ToolCallID `json:"id"`
	SessionID   types.SessionID  `json:"session_id"`
	Question    string           `json:"question"`
	Options     []string         `json:"options,omitempty"`
	MultiSelect bool             `json:"multi_select,omitempty"`
	PreSelected []string         `json:"pre_selected,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`

	result chan result
}

type result struct {
	answer string
	err    error
}

// Pending is the caller's handle on an enqueued question.
type Pending struct{ q *Question }

// Await blocks until the question is answered, rejected, or the context is
// cancelled.
func (p *Pending) Await(ctx context.Context) (string, error) {
	select {
	case r := <-p.q.result:
		return r.answer, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type sessionQueue struct {
	processing *Question
	queued     []*Question
}

// Service manages the per-session ask queues. Construct with New and inject
// it; lifecycle ends with the process.
type Service struct {
	bus     *bus.Bus
	timeout time.Duration

	mu       sync.Mutex
	sessions map[types.SessionID]*sessionQueue
}

// New creates the service. timeout bounds how long an unanswered ask waits
// before rejection; zero disables per-question timers (the sweep still
// applies).
func New(b *bus.Bus, timeout time.Duration) *Service {
	return &Service{
		bus:      b,
		timeout:  timeout,
		sessions: make(map[types.SessionID]*sessionQueue),
	}
}

// Opt configures optional question fields.
type Opt func(*Question)

func WithMultiSelect(pre []string) Opt {
	return func(q *Question) {
		q.MultiSelect = true
		q.PreSelected = pre
	}
}

// Enqueue appends a question to the session's queue. If nothing is currently
// processing for the session, the question is promoted immediately and an
// ask-question-start event is broadcast.
func (s *Service) Enqueue(ctx context.Context, sessionID types.SessionID, toolCallID types.ToolCallID, question string, options []string, opts ...Opt) (*Pending, error) {
	q := &Question{
		ID:        toolCallID,
		SessionID: sessionID,
		Question:  question,
		Options:   options,
		CreatedAt: time.Now(),
		result:    make(chan result, 1),
	}
	for _, opt := range opts {
		opt(q)
	}

	s.mu.Lock()
	sq, ok := s.sessions[sessionID]
	if !ok {
		sq = &sessionQueue{}
		s.sessions[sessionID] = sq
	}
	if s.has(sq, toolCallID) {
		s.mu.Unlock()
		return nil, fmt.Errorf("ask %s: %w", toolCallID, ErrDuplicate)
	}
	sq.queued = append(sq.queued, q)
	promoted := s.promoteLocked(sq)
	s.mu.Unlock()

	if promoted != nil {
		s.broadcastStart(ctx, promoted)
	}
	if s.timeout > 0 {
		time.AfterFunc(s.timeout, func() { s.reject(sessionID, toolCallID, ErrTimeout) })
	}
	return &Pending{q: q}, nil
}

func (s *Service) has(sq *sessionQueue, id types.ToolCallID) bool {
	if sq.processing != nil && sq.processing.ID == id {
		return true
	}
	for _, q := range sq.queued {
		if q.ID == id {
			return true
		}
	}
	return false
}

// promoteLocked moves the queue head to processing if the slot is free.
// Caller holds s.mu. Returns the promoted question, if any.
func (s *Service) promoteLocked(sq *sessionQueue) *Question {
	if sq.processing != nil || len(sq.queued) == 0 {
		return nil
	}
	sq.processing = sq.queued[0]
	sq.queued = sq.queued[1:]
	return sq.processing
}

func (s *Service) broadcastStart(ctx context.Context, q *Question) {
	if _, err := s.bus.Publish(ctx, types.SessionStreamChannel(q.SessionID), types.EventAskQuestionStart, q); err != nil {
		slog.Warn("broadcast ask start failed", "session_id", string(q.SessionID), "error", err)
	}
}

// Answer resolves the currently processing ask if the tool call id matches,
// broadcasts ask-question-answered, and promotes the next queued question.
// A mismatched id has no effect.
func (s *Service) Answer(ctx context.Context, sessionID types.SessionID, toolCallID types.ToolCallID, answer string) error {
	s.mu.Lock()
	sq, ok := s.sessions[sessionID]
	if !ok || sq.processing == nil || sq.processing.ID != toolCallID {
		s.mu.Unlock()
		return fmt.Errorf("answer %s: %w", toolCallID, ErrNoMatch)
	}
	answered := sq.processing
	sq.processing = nil
	next := s.promoteLocked(sq)
	if sq.processing == nil && len(sq.queued) == 0 {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()

	answered.result <- result{answer: answer}
	if _, err := s.bus.Publish(ctx, types.SessionStreamChannel(sessionID), types.EventAskQuestionAnswered,
		map[string]string{"id": string(toolCallID), "answer": answer}); err != nil {
		slog.Warn("broadcast ask answered failed", "session_id", string(sessionID), "error", err)
	}
	if next != nil {
		s.broadcastStart(ctx, next)
	}
	return nil
}

// reject resolves a single question with an error, wherever it sits in the
// session's queue, and promotes the next one when the processing slot frees.
func (s *Service) reject(sessionID types.SessionID, toolCallID types.ToolCallID, cause error) {
	s.mu.Lock()
	sq, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}

	var rejected *Question
	var next *Question
	if sq.processing != nil && sq.processing.ID == toolCallID {
		rejected = sq.processing
		sq.processing = nil
		next = s.promoteLocked(sq)
	} else {
		for i, q := range sq.queued {
			if q.ID == toolCallID {
				rejected = q
				sq.queued = append(sq.queued[:i], sq.queued[i+1:]...)
				break
			}
		}
	}
	if sq.processing == nil && len(sq.queued) == 0 {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()

	if rejected == nil {
		return
	}
	rejected.result <- result{err: cause}
	if next != nil {
		s.broadcastStart(context.Background(), next)
	}
}

// ClearSession rejects every pending and processing ask for the session.
// Must be called on session teardown so no Await leaks.
func (s *Service) ClearSession(ctx context.Context, sessionID types.SessionID) {
	s.mu.Lock()
	sq, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	var all []*Question
	if sq.processing != nil {
		all = append(all, sq.processing)
	}
	all = append(all, sq.queued...)
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	for _, q := range all {
		q.result <- result{err: ErrSessionEnded}
	}
}

// Sweep rejects asks older than maxAge. It backstops the per-question timer
// so abandoned sessions cannot grow memory unbounded.
func (s *Service) Sweep(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	s.mu.Lock()
	type stale struct {
		sessionID  types.SessionID
		toolCallID types.ToolCallID
	}
	var victims []stale
	for id, sq := range s.sessions {
		if sq.processing != nil && sq.processing.CreatedAt.Before(cutoff) {
			victims = append(victims, stale{id, sq.processing.ID})
		}
		for _, q := range sq.queued {
			if q.CreatedAt.Before(cutoff) {
				victims = append(victims, stale{id, q.ID})
			}
		}
	}
	s.mu.Unlock()

	for _, v := range victims {
		s.reject(v.sessionID, v.toolCallID, ErrTimeout)
	}
	return len(victims)
}

// PendingCount returns the number of queued plus processing asks for the
// session.
func (s *Service) PendingCount(sessionID types.SessionID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sq, ok := s.sessions[sessionID]
	if !ok {
		return 0
	}
	n := len(sq.queued)
	if sq.processing != nil {
		n++
	}
	return n
}
