// Package tokens implements incremental and checkpoint token accounting for
// a session stream. Mid-stream totals are optimistic: they accumulate
// tokenized deltas on top of the last authoritative baseline and are never
// persisted. Checkpoints recompute everything from scratch; only the final
// calculation at stream end writes to the session record.
package tokens

import (
	"context"
	"fmt"
	"sync"

	"github.com/user/streamhub/internal/sessionstate"
	"github.com/user/streamhub/internal/types"
)

// BaseContextFunc derives the base-context text (system prompt, agent and
// rule content) for the session. It is invoked on every recomputation, never
// cached, because agent or rule changes mid-step must be picked up.
type BaseContextFunc func(ctx context.Context, session *types.Session, cwd string) (string, error)

// DefaultBaseContext builds the standing system context for a session.
func DefaultBaseContext(_ context.Context, session *types.Session, cwd string) (string, error) {
	return fmt.Sprintf(
		"You are a helpful assistant working in %s. Session %s uses %s/%s.",
		cwd, session.ID, session.Provider, session.Model,
	), nil
}

// Tracker accounts tokens for one session stream. The relational store's
// recomputed value is the source of truth; the tracker's running state is
// discarded at every checkpoint.
type Tracker struct {
	counter     Counter
	sessions    types.SessionStore
	messages    types.MessageStore
	state       sessionstate.TokenWriter
	baseContext BaseContextFunc
	sessionID   types.SessionID
	cwd         string

	mu       sync.Mutex
	baseline int // authoritative total at the last checkpoint
	base     int // base-context portion of the baseline
	delta    int // optimistic tokens streamed since the checkpoint
}

// New wires a tracker. baseContext nil means DefaultBaseContext.
func New(counter Counter, sessions types.SessionStore, messages types.MessageStore, state sessionstate.TokenWriter, baseContext BaseContextFunc) *Tracker {
	if baseContext == nil {
		baseContext = DefaultBaseContext
	}
	return &Tracker{
		counter:     counter,
		sessions:    sessions,
		messages:    messages,
		state:       state,
		baseContext: baseContext,
	}
}

// Initialize computes the starting baseline (base context plus every
// existing message) and immediately emits it, so clients show a token count
// before any model output. Returns the base-context token count.
func (t *Tracker) Initialize(ctx context.Context, session *types.Session, cwd string) (int, error) {
	t.mu.Lock()
	t.sessionID = session.ID
	t.cwd = cwd
	t.mu.Unlock()

	total, base, err := t.recompute(ctx, session)
	if err != nil {
		return 0, fmt.Errorf("initialize token tracking: %w", err)
	}

	t.mu.Lock()
	t.baseline = total
	t.base = base
	t.delta = 0
	t.mu.Unlock()

	t.state.SetTokens(ctx, total, base, true)
	return base, nil
}

// AddDelta tokenizes just the streamed delta and returns the optimistic
// running total. The value must never be persisted as authoritative.
func (t *Tracker) AddDelta(ctx context.Context, text string) int {
	n := t.counter.Count(text)

	t.mu.Lock()
	t.delta += n
	total := t.baseline + t.delta
	base := t.base
	t.mu.Unlock()

	t.state.SetTokens(ctx, total, base, false)
	return total
}

// Total returns the current optimistic total without emitting.
func (t *Tracker) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.baseline + t.delta
}

// RecalculateAtCheckpoint re-derives base context and message tokens from
// scratch, emits the authoritative total, and resets the baseline to it,
// discarding the optimistic delta. Called once per completed step.
func (t *Tracker) RecalculateAtCheckpoint(ctx context.Context) (int, error) {
	session, err := t.freshSession(ctx)
	if err != nil {
		return 0, err
	}
	total, base, err := t.recompute(ctx, session)
	if err != nil {
		return 0, fmt.Errorf("checkpoint recalculation: %w", err)
	}

	t.mu.Lock()
	t.baseline = total
	t.base = base
	t.delta = 0
	t.mu.Unlock()

	t.state.SetTokens(ctx, total, base, true)
	return total, nil
}

// CalculateFinal performs the checkpoint recomputation at stream end and
// additionally persists the totals to the session record. This is the only
// point where token counts become durable.
func (t *Tracker) CalculateFinal(ctx context.Context) (int, error) {
	session, err := t.freshSession(ctx)
	if err != nil {
		return 0, err
	}
	total, base, err := t.recompute(ctx, session)
	if err != nil {
		return 0, fmt.Errorf("final recalculation: %w", err)
	}

	session.TotalTokens = total
	session.BaseContextTokens = base
	if err := t.sessions.Update(ctx, session); err != nil {
		return 0, fmt.Errorf("persist final tokens: %w", err)
	}

	t.mu.Lock()
	t.baseline = total
	t.base = base
	t.delta = 0
	t.mu.Unlock()

	t.state.SetTokens(ctx, total, base, true)
	return total, nil
}

func (t *Tracker) freshSession(ctx context.Context) (*types.Session, error) {
	t.mu.Lock()
	id := t.sessionID
	t.mu.Unlock()
	session, err := t.sessions.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reload session: %w", err)
	}
	return session, nil
}

// recompute derives (total, base) from scratch: base-context text plus the
// tokens of every persisted message part.
func (t *Tracker) recompute(ctx context.Context, session *types.Session) (int, int, error) {
	t.mu.Lock()
	cwd := t.cwd
	t.mu.Unlock()

	baseText, err := t.baseContext(ctx, session, cwd)
	if err != nil {
		return 0, 0, fmt.Errorf("derive base context: %w", err)
	}
	base := t.counter.Count(baseText)

	messages, err := t.messages.List(ctx, session.ID)
	if err != nil {
		return 0, 0, fmt.Errorf("load messages: %w", err)
	}

	total := base
	for _, msg := range messages {
		for _, part := range msg.Parts {
			total += t.countPart(part)
		}
	}
	return total, base, nil
}

func (t *Tracker) countPart(part types.MessagePart) int {
	n := 0
	if part.Text != "" {
		n += t.counter.Count(part.Text)
	}
	if part.ToolName != "" {
		n += t.counter.Count(part.ToolName)
	}
	if len(part.Input) > 0 {
		n += t.counter.Count(string(part.Input))
	}
	if len(part.Output) > 0 {
		n += t.counter.Count(string(part.Output))
	}
	return n
}
