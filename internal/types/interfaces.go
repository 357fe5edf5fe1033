package types

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when the requested record does not exist.
var ErrNotFound = errors.New("not found")

// EventLog is the durable, append-only persistence behind the bus. ReadFrom
// is strictly-after: the event at the cursor itself is excluded.
type EventLog interface {
	Save(ctx context.Context, event *Event) error
	ReadFrom(ctx context.Context, channel string, after Cursor, limit int) ([]*Event, error)
	ReadLatest(ctx context.Context, channel string, limit int) ([]*Event, error)
	ReadRange(ctx context.Context, channel string, start, end Cursor, limit int) ([]*Event, error)
	Count(ctx context.Context, channel string) (int64, error)
	Cleanup(ctx context.Context, before time.Time) (int64, error)
	CleanupChannel(ctx context.Context, channel string, keep int) (int64, error)
	Info(ctx context.Context, channel string) (*ChannelInfo, error)
}

// SessionStore reads and writes session records. Get must read fresh; the
// orchestrator reloads the session between every step.
type SessionStore interface {
	Create(ctx context.Context, session *Session) error
	Get(ctx context.Context, id SessionID) (*Session, error)
	Update(ctx context.Context, session *Session) error
	Delete(ctx context.Context, id SessionID) error
	List(ctx context.Context) ([]*Session, error)
}

// MessageStore reads and writes message records.
type MessageStore interface {
	Add(ctx context.Context, message *Message) error
	Get(ctx context.Context, id MessageID) (*Message, error)
	List(ctx context.Context, sessionID SessionID) ([]*Message, error)
	UpdateStatus(ctx context.Context, id MessageID, status string) error
	UpdateParts(ctx context.Context, id MessageID, parts []MessagePart) error
}

// StepStore reads and writes per-step records.
type StepStore interface {
	Create(ctx context.Context, step *Step) error
	Get(ctx context.Context, id StepID) (*Step, error)
	List(ctx context.Context, messageID MessageID) ([]*Step, error)
	UpdateParts(ctx context.Context, id StepID, parts []MessagePart) error
	Complete(ctx context.Context, id StepID, status string, usage Usage, finishReason string) error
}

// TodoStore reads and writes the session todo list.
type TodoStore interface {
	List(ctx context.Context, sessionID SessionID) ([]Todo, error)
	Replace(ctx context.Context, sessionID SessionID, todos []Todo) error
}

// FileStore stores immutable file content fetched by id.
type FileStore interface {
	Put(ctx context.Context, file *FileContent) error
	Get(ctx context.Context, id FileID) (*FileContent, error)
}
