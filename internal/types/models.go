package types

import (
	"encoding/json"
	"time"
)

// Session is the persisted session record.
type Session struct {
	ID                SessionID `json:"id"`
	Title             string    `json:"title"`
	Provider          string    `json:"provider"`
	Model             string    `json:"model"`
	TotalTokens       int       `json:"total_tokens"`
	BaseContextTokens int       `json:"base_context_tokens"`
	Suggestions       []string  `json:"suggestions,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Message statuses.
const (
	MessageStatusActive    = "active"
	MessageStatusCompleted = "completed"
	MessageStatusAbort     = "abort"
	MessageStatusError     = "error"
)

// Message is one turn entry in a session. Assistant messages accumulate
// parts across steps.
type Message struct {
	ID        MessageID     `json:"id"`
	SessionID SessionID     `json:"session_id"`
	Role      string        `json:"role"`
	Status    string        `json:"status"`
	Parts     []MessagePart `json:"parts"`
	CreatedAt time.Time     `json:"created_at"`
}

// Part types.
const (
	PartText       = "text"
	PartReasoning  = "reasoning"
	PartToolCall   = "tool-call"
	PartToolResult = "tool-result"
	PartFile       = "file"
	PartError      = "error"
)

// MessagePart is one typed fragment of a message or step.
type MessagePart struct {
	Type       string          `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolCallID ToolCallID      `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	FileID     FileID          `json:"file_id,omitempty"`
	MimeType   string          `json:"mime_type,omitempty"`
	Status     string          `json:"status,omitempty"`
}

// Usage is token consumption reported by the model for one step.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Step statuses.
const (
	StepStatusActive    = "active"
	StepStatusCompleted = "completed"
	StepStatusAbort     = "abort"
	StepStatusError     = "error"
)

// Step is one model-invocation round within an assistant message. The ID is
// generated in prepare, before any part append, so two stream attempts for
// the same message never collide.
type Step struct {
	ID             StepID        `json:"id"`
	MessageID      MessageID     `json:"message_id"`
	SessionID      SessionID     `json:"session_id"`
	Index          int           `json:"index"`
	Status         string        `json:"status"`
	Provider       string        `json:"provider"`
	Model          string        `json:"model"`
	SystemMessages []string      `json:"system_messages,omitempty"`
	Usage          Usage         `json:"usage"`
	FinishReason   string        `json:"finish_reason,omitempty"`
	Parts          []MessagePart `json:"parts"`
	StartedAt      time.Time     `json:"started_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
}

// Todo statuses follow the client vocabulary.
const (
	TodoStatusPending    = "pending"
	TodoStatusInProgress = "in_progress"
	TodoStatusCompleted  = "completed"
)

// Todo is a session-scoped work item. ActiveForm is the present-tense label
// shown while the item is in progress.
type Todo struct {
	Content    string `json:"content"`
	ActiveForm string `json:"active_form"`
	Status     string `json:"status"`
}

// FileContent is immutable stored file content referenced by id from
// message parts.
type FileContent struct {
	ID        FileID    `json:"id"`
	Name      string    `json:"name"`
	MimeType  string    `json:"mime_type"`
	Data      []byte    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

// ChannelInfo summarizes the durable log for one channel.
type ChannelInfo struct {
	Channel string `json:"channel"`
	Count   int64  `json:"count"`
	First   Cursor `json:"first"`
	Last    Cursor `json:"last"`
}
