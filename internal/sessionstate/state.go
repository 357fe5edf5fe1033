// Package sessionstate holds the single authoritative in-memory projection
// per active session. Exactly one owner writes each field: the token tracker
// owns token counts, the step/status path owns status, the inline dispatcher
// owns the title, and the orchestrator owns the streaming flag. The narrow
// writer interfaces keep that discipline visible at the call site.
package sessionstate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/user/streamhub/internal/bus"
	"github.com/user/streamhub/internal/types"
)

// Status is the session's live status line. Duration is derived client-side
// from StartTime, which is why it is excluded from change detection.
type Status struct {
	Text       string    `json:"text"`
	StartTime  time.Time `json:"start_time,omitempty"`
	TokenUsage int       `json:"token_usage"`
	IsActive   bool      `json:"is_active"`
}

// TokenWriter is implemented by State for the token tracker, its only
// legitimate caller.
type TokenWriter interface {
	SetTokens(ctx context.Context, total, base int, authoritative bool)
}

// StatusWriter is implemented by State for the status path.
type StatusWriter interface {
	SetStatus(ctx context.Context, status Status)
	UpdateStatusFromState(ctx context.Context)
}

// TitleWriter is implemented by State for the inline dispatcher. Title is
// deliberately not managed by the step lifecycle to avoid two independent
// writers racing.
type TitleWriter interface {
	SetTitle(ctx context.Context, title string)
}

// StreamingWriter is implemented by State for the orchestrator.
type StreamingWriter interface {
	SetStreaming(ctx context.Context, streaming bool)
	SetCurrentTool(ctx context.Context, tool string)
}

// TodoWriter is implemented by State for the todo sync path.
type TodoWriter interface {
	SetTodos(ctx context.Context, todos []types.Todo)
}

// State is the in-memory projection for one active session. All reads are
// safe from any goroutine; writes follow the single-writer-per-field
// discipline above.
type State struct {
	id  types.SessionID
	bus *bus.Bus

	mu                sync.Mutex
	totalTokens       int
	baseContextTokens int
	title             string
	todos             []types.Todo
	status            Status
	isStreaming       bool
	currentTool       string
	touched           time.Time
}

func newState(id types.SessionID, b *bus.Bus) *State {
	return &State{id: id, bus: b, touched: time.Now()}
}

func (s *State) ID() types.SessionID { return s.id }

func (s *State) publish(ctx context.Context, typ types.EventType, payload any) {
	if _, err := s.bus.Publish(ctx, types.SessionStreamChannel(s.id), typ, payload); err != nil {
		slog.Warn("session state publish failed", "session_id", string(s.id), "type", string(typ), "error", err)
	}
}

// SetTokens records the current token totals and publishes a
// session-tokens-updated event carrying the authoritative marker.
func (s *State) SetTokens(ctx context.Context, total, base int, authoritative bool) {
	s.mu.Lock()
	s.totalTokens = total
	s.baseContextTokens = base
	s.touched = time.Now()
	s.mu.Unlock()

	s.publish(ctx, types.EventSessionTokensUpdated, types.TokensPayload{
		TotalTokens:       total,
		BaseContextTokens: base,
		Authoritative:     authoritative,
	})
}

// SetStatus stores the status and publishes it, unless text, active flag,
// and token usage are all unchanged. Elapsed time alone never triggers an
// event: it changes every tick and the client recomputes it locally.
func (s *State) SetStatus(ctx context.Context, status Status) {
	s.mu.Lock()
	unchanged := s.status.Text == status.Text &&
		s.status.IsActive == status.IsActive &&
		s.status.TokenUsage == status.TokenUsage
	if unchanged {
		s.mu.Unlock()
		return
	}
	if status.StartTime.IsZero() && status.IsActive {
		if s.status.IsActive && !s.status.StartTime.IsZero() {
			status.StartTime = s.status.StartTime
		} else {
			status.StartTime = time.Now()
		}
	}
	s.status = status
	s.touched = time.Now()
	s.mu.Unlock()

	s.publish(ctx, types.EventSessionStatusUpdated, status)
}

// UpdateStatusFromState derives the status line by priority: not streaming
// gives Complete or Ready, else the first in-progress todo's active form,
// else a human label for the current tool, else "Thinking...".
func (s *State) UpdateStatusFromState(ctx context.Context) {
	s.mu.Lock()
	streaming := s.isStreaming
	tool := s.currentTool
	tokens := s.totalTokens
	var activeTodo string
	for _, todo := range s.todos {
		if todo.Status == types.TodoStatusInProgress {
			activeTodo = todo.ActiveForm
			break
		}
	}
	wasActive := s.status.IsActive
	s.mu.Unlock()

	var text string
	active := true
	switch {
	case !streaming:
		active = false
		if wasActive || tokens > 0 {
			text = "Complete"
		} else {
			text = "Ready"
		}
	case activeTodo != "":
		text = activeTodo
	case tool != "":
		text = toolStatusText(tool)
	default:
		text = "Thinking..."
	}

	s.SetStatus(ctx, Status{Text: text, IsActive: active, TokenUsage: tokens})
}

// toolStatusText maps tool names to the human status line shown while the
// tool runs.
func toolStatusText(tool string) string {
	if text, ok := toolStatusMap[tool]; ok {
		return text
	}
	return "Running " + tool + "..."
}

var toolStatusMap = map[string]string{
	"bash":       "Running command...",
	"read":       "Reading file...",
	"write":      "Writing file...",
	"edit":       "Editing file...",
	"grep":       "Searching...",
	"glob":       "Searching files...",
	"web_fetch":  "Fetching page...",
	"web_search": "Searching the web...",
	"ask_user":   "Waiting for your input...",
	"todo_write": "Updating plan...",
}

// SetTitle stores the title and publishes the canonical title-changed event.
func (s *State) SetTitle(ctx context.Context, title string) {
	s.mu.Lock()
	if s.title == title {
		s.mu.Unlock()
		return
	}
	s.title = title
	s.touched = time.Now()
	s.mu.Unlock()

	s.publish(ctx, types.EventSessionTitleUpdated, map[string]string{"title": title})
}

// SetTodos replaces the todo list and publishes it.
func (s *State) SetTodos(ctx context.Context, todos []types.Todo) {
	s.mu.Lock()
	s.todos = todos
	s.touched = time.Now()
	s.mu.Unlock()

	s.publish(ctx, types.EventSessionTodosUpdated, map[string]any{"todos": todos})
}

// SetStreaming flips the streaming flag. Owned by the orchestrator.
func (s *State) SetStreaming(ctx context.Context, streaming bool) {
	s.mu.Lock()
	s.isStreaming = streaming
	if !streaming {
		s.currentTool = ""
	}
	s.touched = time.Now()
	s.mu.Unlock()
}

// SetCurrentTool records the tool currently executing, for status derivation.
func (s *State) SetCurrentTool(ctx context.Context, tool string) {
	s.mu.Lock()
	s.currentTool = tool
	s.touched = time.Now()
	s.mu.Unlock()
}

// Snapshot is a read-only copy of the state for observers.
type Snapshot struct {
	SessionID         types.SessionID `json:"session_id"`
	TotalTokens       int             `json:"total_tokens"`
	BaseContextTokens int             `json:"base_context_tokens"`
	Title             string          `json:"title"`
	Todos             []types.Todo    `json:"todos"`
	Status            Status          `json:"status"`
	IsStreaming       bool            `json:"is_streaming"`
	CurrentTool       string          `json:"current_tool,omitempty"`
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	todos := make([]types.Todo, len(s.todos))
	copy(todos, s.todos)
	return Snapshot{
		SessionID:         s.id,
		TotalTokens:       s.totalTokens,
		BaseContextTokens: s.baseContextTokens,
		Title:             s.title,
		Todos:             todos,
		Status:            s.status,
		IsStreaming:       s.isStreaming,
		CurrentTool:       s.currentTool,
	}
}

func (s *State) lastTouched() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touched
}
