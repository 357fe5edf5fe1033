package types

import "github.com/google/uuid"

type SessionID string
type MessageID string
type StepID string
type EventID string
type ToolCallID string
type FileID string

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}

func NewStepID() StepID {
	return StepID(uuid.New().String())
}

func NewEventID() EventID {
	return EventID(uuid.New().String())
}

func NewFileID() FileID {
	return FileID(uuid.New().String())
}
