// Package steps manages the per-step lifecycle within one assistant turn:
// preparing the model input before each provider call and recording the
// outcome after it.
package steps

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/user/streamhub/internal/bus"
	"github.com/user/streamhub/internal/msgqueue"
	"github.com/user/streamhub/internal/tokens"
	"github.com/user/streamhub/internal/triggers"
	"github.com/user/streamhub/internal/types"
	"github.com/user/streamhub/pkg/llm"
)

// Manager drives the step lifecycle for one streaming run. It is not shared
// across runs; the orchestrator creates one per Trigger.
type Manager struct {
	bus      *bus.Bus
	sessions types.SessionStore
	steps    types.StepStore
	queue    *msgqueue.Queue
	triggers *triggers.Evaluator
	tracker  *tokens.Tracker

	sessionID    types.SessionID
	messageID    types.MessageID
	provider     string
	model        string
	contextLimit int

	mu      sync.Mutex
	stepIDs map[int]types.StepID
	starts  map[int]time.Time
}

// New builds a manager for one run. The trigger evaluator may be nil.
func New(b *bus.Bus, sessions types.SessionStore, steps types.StepStore, queue *msgqueue.Queue, ev *triggers.Evaluator, tracker *tokens.Tracker, sessionID types.SessionID, messageID types.MessageID, provider, model string, contextLimit int) *Manager {
	return &Manager{
		bus:          b,
		sessions:     sessions,
		steps:        steps,
		queue:        queue,
		triggers:     ev,
		tracker:      tracker,
		sessionID:    sessionID,
		messageID:    messageID,
		provider:     provider,
		model:        model,
		contextLimit: contextLimit,
		stepIDs:      make(map[int]types.StepID),
		starts:       make(map[int]time.Time),
	}
}

type stepStartPayload struct {
	StepID    types.StepID    `json:"step_id"`
	MessageID types.MessageID `json:"message_id"`
	Index     int             `json:"index"`
	Provider  string          `json:"provider"`
	Model     string          `json:"model"`
}

type systemMessagePayload struct {
	MessageID   types.MessageID `json:"message_id"`
	MessageType string          `json:"message_type"`
	Text        string          `json:"text"`
}

type stepCompletePayload struct {
	StepID       types.StepID    `json:"step_id"`
	MessageID    types.MessageID `json:"message_id"`
	Index        int             `json:"index"`
	Status       string          `json:"status"`
	FinishReason string          `json:"finish_reason,omitempty"`
	Usage        types.Usage     `json:"usage"`
	DurationMS   int64           `json:"duration_ms"`
}

// Prepare assembles the model input for the step at index: it reloads the
// session, evaluates triggers against the live context size, drains the
// queued messages, creates the step record, and announces step-start. The
// returned messages include any injected system directives and queued user
// text. Step record creation failure aborts the run.
func (m *Manager) Prepare(ctx context.Context, index int, messages []llm.Message) ([]llm.Message, *types.Step, error) {
	session, err := m.sessions.Get(ctx, m.sessionID)
	if err != nil {
		slog.Warn("step prepare: session reload failed", "session_id", string(m.sessionID), "error", err)
		session = &types.Session{ID: m.sessionID}
	}

	var directives []triggers.Directive
	if m.triggers != nil {
		directives = m.triggers.Evaluate(ctx, triggers.Input{
			Session:       session,
			StepNumber:    index,
			ContextTokens: m.tracker.Total(),
			ContextLimit:  m.contextLimit,
		})
	}

	queued := m.queue.Drain(ctx, m.sessionID)

	var systemMessages []string
	for _, d := range directives {
		systemMessages = append(systemMessages, d.Message)
		m.publish(ctx, types.EventSystemMessageCreated, systemMessagePayload{
			MessageID:   m.messageID,
			MessageType: d.MessageType,
			Text:        d.Message,
		})
	}

	stepID := types.NewStepID()
	step := &types.Step{
		ID:             stepID,
		MessageID:      m.messageID,
		SessionID:      m.sessionID,
		Index:          index,
		Status:         types.StepStatusActive,
		Provider:       m.provider,
		Model:          m.model,
		SystemMessages: systemMessages,
		StartedAt:      time.Now().UTC(),
	}
	if err := m.steps.Create(ctx, step); err != nil {
		return nil, nil, fmt.Errorf("create step record: %w", err)
	}

	m.mu.Lock()
	m.stepIDs[index] = stepID
	m.starts[index] = step.StartedAt
	m.mu.Unlock()

	m.publish(ctx, types.EventStepStart, stepStartPayload{
		StepID:    stepID,
		MessageID: m.messageID,
		Index:     index,
		Provider:  m.provider,
		Model:     m.model,
	})

	messages = injectDirectives(messages, directives)
	messages = injectQueued(messages, queued)
	return messages, step, nil
}

// Complete persists the step outcome, announces step-complete, and
// recalculates the token baseline at the checkpoint. An aborted or failed
// step carries its real status; its in-flight parts are persisted the same
// way a finished step's are. Persistence failures here are logged and
// swallowed; the stream already has its content.
func (m *Manager) Complete(ctx context.Context, index int, status string, parts []types.MessagePart, usage types.Usage, finishReason string) {
	m.mu.Lock()
	stepID, ok := m.stepIDs[index]
	startedAt := m.starts[index]
	m.mu.Unlock()
	if !ok {
		slog.Warn("step complete: unknown step index", "session_id", string(m.sessionID), "index", index)
		return
	}

	if err := m.steps.UpdateParts(ctx, stepID, parts); err != nil {
		slog.Warn("step complete: persist parts failed", "step_id", string(stepID), "error", err)
	}
	if err := m.steps.Complete(ctx, stepID, status, usage, finishReason); err != nil {
		slog.Warn("step complete: persist outcome failed", "step_id", string(stepID), "error", err)
	}

	m.publish(ctx, types.EventStepComplete, stepCompletePayload{
		StepID:       stepID,
		MessageID:    m.messageID,
		Index:        index,
		Status:       status,
		FinishReason: finishReason,
		Usage:        usage,
		DurationMS:   time.Since(startedAt).Milliseconds(),
	})

	if _, err := m.tracker.RecalculateAtCheckpoint(ctx); err != nil {
		slog.Warn("step complete: token checkpoint failed", "session_id", string(m.sessionID), "error", err)
	}
}

// StepID returns the record id assigned to the step at index.
func (m *Manager) StepID(index int) (types.StepID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.stepIDs[index]
	return id, ok
}

// QueueLen reports how many messages are waiting for the next step.
func (m *Manager) QueueLen() int {
	return m.queue.Len(m.sessionID)
}

func (m *Manager) publish(ctx context.Context, typ types.EventType, payload any) {
	if _, err := m.bus.Publish(ctx, types.SessionStreamChannel(m.sessionID), typ, payload); err != nil {
		slog.Warn("step event publish failed", "session_id", string(m.sessionID), "type", string(typ), "error", err)
	}
}

// injectDirectives splices trigger output into the trailing user message so
// the directive text rides the turn the model is answering.
func injectDirectives(messages []llm.Message, directives []triggers.Directive) []llm.Message {
	if len(directives) == 0 {
		return messages
	}
	texts := make([]string, 0, len(directives))
	for _, d := range directives {
		texts = append(texts, d.Message)
	}
	return spliceIntoUser(messages, strings.Join(texts, "\n\n"))
}

// injectQueued splices drained queue content into the trailing user message.
// Each queued message is injected exactly once; the drain already cleared
// the queue.
func injectQueued(messages []llm.Message, queued []msgqueue.QueuedMessage) []llm.Message {
	if len(queued) == 0 {
		return messages
	}
	texts := make([]string, 0, len(queued))
	for _, q := range queued {
		texts = append(texts, q.Content)
	}
	return spliceIntoUser(messages, strings.Join(texts, "\n\n"))
}

// spliceIntoUser appends text to the trailing user message when there is
// one, otherwise appends a new user message carrying it.
func spliceIntoUser(messages []llm.Message, text string) []llm.Message {
	if n := len(messages); n > 0 && messages[n-1].Role == "user" {
		out := make([]llm.Message, n)
		copy(out, messages)
		out[n-1].Content = out[n-1].Content + "\n\n" + text
		return out
	}
	return append(messages, llm.Message{Role: "user", Content: text})
}
