package types

import (
	"encoding/json"
	"time"
)

// EventType names one variant of the closed event taxonomy. Consumers switch
// on it; adding a variant means updating every switch.
type EventType string

const (
	// Session lifecycle.
	EventSessionCreated           EventType = "session-created"
	EventSessionDeleted           EventType = "session-deleted"
	EventSessionTitleUpdated      EventType = "session-title-updated"
	EventSessionTitleUpdatedStart EventType = "session-title-updated-start"
	EventSessionTitleUpdatedDelta EventType = "session-title-updated-delta"
	EventSessionTitleUpdatedEnd   EventType = "session-title-updated-end"
	EventSessionModelUpdated      EventType = "session-model-updated"
	EventSessionProviderUpdated   EventType = "session-provider-updated"
	EventSessionStatusUpdated     EventType = "session-status-updated"
	EventSessionTodosUpdated      EventType = "session-todos-updated"

	// Message lifecycle.
	EventUserMessageCreated      EventType = "user-message-created"
	EventAssistantMessageCreated EventType = "assistant-message-created"
	EventSystemMessageCreated    EventType = "system-message-created"
	EventMessageStatusUpdated    EventType = "message-status-updated"

	// Content streaming.
	EventTextStart      EventType = "text-start"
	EventTextDelta      EventType = "text-delta"
	EventTextEnd        EventType = "text-end"
	EventReasoningStart EventType = "reasoning-start"
	EventReasoningDelta EventType = "reasoning-delta"
	EventReasoningEnd   EventType = "reasoning-end"

	// Tool streaming.
	EventToolCall       EventType = "tool-call"
	EventToolInputStart EventType = "tool-input-start"
	EventToolInputDelta EventType = "tool-input-delta"
	EventToolInputEnd   EventType = "tool-input-end"
	EventToolResult     EventType = "tool-result"
	EventToolError      EventType = "tool-error"

	// Step lifecycle.
	EventStepStart    EventType = "step-start"
	EventStepComplete EventType = "step-complete"

	// Interactive input.
	EventAskQuestionStart    EventType = "ask-question-start"
	EventAskQuestionAnswered EventType = "ask-question-answered"

	// Queued messages.
	EventQueueMessageAdded   EventType = "queue-message-added"
	EventQueueMessageUpdated EventType = "queue-message-updated"
	EventQueueMessageRemoved EventType = "queue-message-removed"
	EventQueueCleared        EventType = "queue-cleared"

	// Terminal.
	EventComplete EventType = "complete"
	EventError    EventType = "error"
	EventAbort    EventType = "abort"

	// Tokens.
	EventSessionTokensUpdated EventType = "session-tokens-updated"

	// Entity snapshot channels carry the full entity, not a discrete event.
	EventEntityUpdate EventType = "entity-update"
)

// Event is an immutable record on the bus. Cursors are strictly increasing
// within a channel; two events in the same millisecond get distinct sequence
// numbers.
type Event struct {
	ID      EventID         `json:"id"`
	Cursor  Cursor          `json:"cursor"`
	Channel string          `json:"channel"`
	Type    EventType       `json:"type"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodePayload unmarshals the payload into v.
func (e *Event) DecodePayload(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// TokensPayload is the body of session-tokens-updated events. Authoritative
// totals come from a full recomputation; optimistic ones accumulate streamed
// deltas and must never be persisted.
type TokensPayload struct {
	TotalTokens       int  `json:"total_tokens"`
	BaseContextTokens int  `json:"base_context_tokens"`
	Authoritative     bool `json:"authoritative"`
}
