// Package store is the relational persistence layer for sessions, messages,
// steps, todos, and files. It shares the GORM handle with the event log.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/user/streamhub/internal/db"
	"github.com/user/streamhub/internal/retry"
	"github.com/user/streamhub/internal/types"
)

type sessionRow struct {
	ID                string `gorm:"primaryKey"`
	Title             string
	Provider          string
	Model             string
	TotalTokens       int
	BaseContextTokens int
	SuggestionsJSON   string `gorm:"column:suggestions"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (sessionRow) TableName() string { return "sessions" }

type messageRow struct {
	ID        string `gorm:"primaryKey"`
	SessionID string `gorm:"index"`
	Role      string
	Status    string
	PartsJSON string `gorm:"column:parts"`
	CreatedAt time.Time
}

func (messageRow) TableName() string { return "messages" }

type stepRow struct {
	ID                 string `gorm:"primaryKey"`
	MessageID          string `gorm:"index"`
	SessionID          string `gorm:"index"`
	StepIndex          int
	Status             string
	Provider           string
	Model              string
	SystemMessagesJSON string `gorm:"column:system_messages"`
	UsageJSON          string `gorm:"column:usage"`
	FinishReason       string
	PartsJSON          string `gorm:"column:parts"`
	StartedAt          time.Time
	CompletedAt        *time.Time
}

func (stepRow) TableName() string { return "steps" }

type todoRow struct {
	SessionID string `gorm:"primaryKey"`
	TodosJSON string `gorm:"column:todos"`
	UpdatedAt time.Time
}

func (todoRow) TableName() string { return "todos" }

type fileRow struct {
	ID        string `gorm:"primaryKey"`
	Name      string
	MimeType  string
	Data      []byte
	CreatedAt time.Time
}

func (fileRow) TableName() string { return "files" }

// Store bundles the typed repositories on one GORM handle. Reads are always
// fresh; there is no row cache.
type Store struct {
	db    *gorm.DB
	retry retry.Policy
}

// Open opens the database at the given driver/dsn and migrates the schema.
func Open(driver, dsn string) (*Store, error) {
	gormDB, err := db.OpenGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return New(gormDB)
}

// New wraps an existing handle and migrates the schema.
func New(gormDB *gorm.DB) (*Store, error) {
	if err := gormDB.AutoMigrate(&sessionRow{}, &messageRow{}, &stepRow{}, &todoRow{}, &fileRow{}); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return &Store{db: gormDB, retry: retry.StorageBusy()}, nil
}

// Sessions returns the session repository.
func (s *Store) Sessions() *Sessions { return &Sessions{s} }

// Messages returns the message repository.
func (s *Store) Messages() *Messages { return &Messages{s} }

// Steps returns the step repository.
func (s *Store) Steps() *Steps { return &Steps{s} }

// Todos returns the todo repository.
func (s *Store) Todos() *Todos { return &Todos{s} }

// Files returns the file repository.
func (s *Store) Files() *Files { return &Files{s} }

// Sessions implements types.SessionStore.
type Sessions struct{ s *Store }

var _ types.SessionStore = (*Sessions)(nil)

func (r *Sessions) Create(ctx context.Context, session *types.Session) error {
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	row, err := sessionToRow(session)
	if err != nil {
		return err
	}
	return r.s.retry.Do(ctx, func() error {
		if err := r.s.db.WithContext(ctx).Create(row).Error; err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		return nil
	})
}

func (r *Sessions) Get(ctx context.Context, id types.SessionID) (*types.Session, error) {
	var row sessionRow
	err := r.s.db.WithContext(ctx).Take(&row, "id = ?", string(id)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sessionFromRow(&row)
}

func (r *Sessions) Update(ctx context.Context, session *types.Session) error {
	session.UpdatedAt = time.Now().UTC()
	row, err := sessionToRow(session)
	if err != nil {
		return err
	}
	return r.s.retry.Do(ctx, func() error {
		res := r.s.db.WithContext(ctx).Model(&sessionRow{}).Where("id = ?", row.ID).Updates(map[string]any{
			"title":               row.Title,
			"provider":            row.Provider,
			"model":               row.Model,
			"total_tokens":        row.TotalTokens,
			"base_context_tokens": row.BaseContextTokens,
			"suggestions":         row.SuggestionsJSON,
			"updated_at":          row.UpdatedAt,
		})
		if res.Error != nil {
			return fmt.Errorf("update session: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return types.ErrNotFound
		}
		return nil
	})
}

func (r *Sessions) Delete(ctx context.Context, id types.SessionID) error {
	return r.s.retry.Do(ctx, func() error {
		return r.s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Delete(&messageRow{}, "session_id = ?", string(id)).Error; err != nil {
				return fmt.Errorf("delete session messages: %w", err)
			}
			if err := tx.Delete(&stepRow{}, "session_id = ?", string(id)).Error; err != nil {
				return fmt.Errorf("delete session steps: %w", err)
			}
			if err := tx.Delete(&todoRow{}, "session_id = ?", string(id)).Error; err != nil {
				return fmt.Errorf("delete session todos: %w", err)
			}
			if err := tx.Delete(&sessionRow{}, "id = ?", string(id)).Error; err != nil {
				return fmt.Errorf("delete session: %w", err)
			}
			return nil
		})
	})
}

func (r *Sessions) List(ctx context.Context) ([]*types.Session, error) {
	var rows []sessionRow
	if err := r.s.db.WithContext(ctx).Order("updated_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]*types.Session, 0, len(rows))
	for i := range rows {
		session, err := sessionFromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, nil
}

// Messages implements types.MessageStore.
type Messages struct{ s *Store }

var _ types.MessageStore = (*Messages)(nil)

func (r *Messages) Add(ctx context.Context, message *types.Message) error {
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	row, err := messageToRow(message)
	if err != nil {
		return err
	}
	return r.s.retry.Do(ctx, func() error {
		if err := r.s.db.WithContext(ctx).Create(row).Error; err != nil {
			return fmt.Errorf("add message: %w", err)
		}
		return nil
	})
}

func (r *Messages) Get(ctx context.Context, id types.MessageID) (*types.Message, error) {
	var row messageRow
	err := r.s.db.WithContext(ctx).Take(&row, "id = ?", string(id)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return messageFromRow(&row)
}

func (r *Messages) List(ctx context.Context, sessionID types.SessionID) ([]*types.Message, error) {
	var rows []messageRow
	err := r.s.db.WithContext(ctx).
		Where("session_id = ?", string(sessionID)).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	out := make([]*types.Message, 0, len(rows))
	for i := range rows {
		message, err := messageFromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, message)
	}
	return out, nil
}

func (r *Messages) UpdateStatus(ctx context.Context, id types.MessageID, status string) error {
	return r.s.retry.Do(ctx, func() error {
		res := r.s.db.WithContext(ctx).Model(&messageRow{}).
			Where("id = ?", string(id)).
			Update("status", status)
		if res.Error != nil {
			return fmt.Errorf("update message status: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return types.ErrNotFound
		}
		return nil
	})
}

func (r *Messages) UpdateParts(ctx context.Context, id types.MessageID, parts []types.MessagePart) error {
	data, err := marshalParts(parts)
	if err != nil {
		return err
	}
	return r.s.retry.Do(ctx, func() error {
		res := r.s.db.WithContext(ctx).Model(&messageRow{}).
			Where("id = ?", string(id)).
			Update("parts", data)
		if res.Error != nil {
			return fmt.Errorf("update message parts: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return types.ErrNotFound
		}
		return nil
	})
}

// Steps implements types.StepStore.
type Steps struct{ s *Store }

var _ types.StepStore = (*Steps)(nil)

func (r *Steps) Create(ctx context.Context, step *types.Step) error {
	if step.StartedAt.IsZero() {
		step.StartedAt = time.Now().UTC()
	}
	row, err := stepToRow(step)
	if err != nil {
		return err
	}
	return r.s.retry.Do(ctx, func() error {
		if err := r.s.db.WithContext(ctx).Create(row).Error; err != nil {
			return fmt.Errorf("create step: %w", err)
		}
		return nil
	})
}

func (r *Steps) Get(ctx context.Context, id types.StepID) (*types.Step, error) {
	var row stepRow
	err := r.s.db.WithContext(ctx).Take(&row, "id = ?", string(id)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("get step: %w", err)
	}
	return stepFromRow(&row)
}

func (r *Steps) List(ctx context.Context, messageID types.MessageID) ([]*types.Step, error) {
	var rows []stepRow
	err := r.s.db.WithContext(ctx).
		Where("message_id = ?", string(messageID)).
		Order("step_index ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	out := make([]*types.Step, 0, len(rows))
	for i := range rows {
		step, err := stepFromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, step)
	}
	return out, nil
}

func (r *Steps) UpdateParts(ctx context.Context, id types.StepID, parts []types.MessagePart) error {
	data, err := marshalParts(parts)
	if err != nil {
		return err
	}
	return r.s.retry.Do(ctx, func() error {
		res := r.s.db.WithContext(ctx).Model(&stepRow{}).
			Where("id = ?", string(id)).
			Update("parts", data)
		if res.Error != nil {
			return fmt.Errorf("update step parts: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return types.ErrNotFound
		}
		return nil
	})
}

func (r *Steps) Complete(ctx context.Context, id types.StepID, status string, usage types.Usage, finishReason string) error {
	usageJSON, err := json.Marshal(usage)
	if err != nil {
		return fmt.Errorf("marshal usage: %w", err)
	}
	now := time.Now().UTC()
	return r.s.retry.Do(ctx, func() error {
		res := r.s.db.WithContext(ctx).Model(&stepRow{}).
			Where("id = ?", string(id)).
			Updates(map[string]any{
				"status":        status,
				"usage":         string(usageJSON),
				"finish_reason": finishReason,
				"completed_at":  now,
			})
		if res.Error != nil {
			return fmt.Errorf("complete step: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return types.ErrNotFound
		}
		return nil
	})
}

// Todos implements types.TodoStore. The list is stored as one JSON document
// per session and replaced wholesale.
type Todos struct{ s *Store }

var _ types.TodoStore = (*Todos)(nil)

func (r *Todos) List(ctx context.Context, sessionID types.SessionID) ([]types.Todo, error) {
	var row todoRow
	err := r.s.db.WithContext(ctx).Take(&row, "session_id = ?", string(sessionID)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list todos: %w", err)
	}
	var todos []types.Todo
	if err := json.Unmarshal([]byte(row.TodosJSON), &todos); err != nil {
		return nil, fmt.Errorf("decode todos: %w", err)
	}
	return todos, nil
}

func (r *Todos) Replace(ctx context.Context, sessionID types.SessionID, todos []types.Todo) error {
	if todos == nil {
		todos = []types.Todo{}
	}
	data, err := json.Marshal(todos)
	if err != nil {
		return fmt.Errorf("marshal todos: %w", err)
	}
	row := todoRow{SessionID: string(sessionID), TodosJSON: string(data), UpdatedAt: time.Now().UTC()}
	return r.s.retry.Do(ctx, func() error {
		if err := r.s.db.WithContext(ctx).Save(&row).Error; err != nil {
			return fmt.Errorf("replace todos: %w", err)
		}
		return nil
	})
}

// Files implements types.FileStore. File content is immutable once stored.
type Files struct{ s *Store }

var _ types.FileStore = (*Files)(nil)

func (r *Files) Put(ctx context.Context, file *types.FileContent) error {
	if file.CreatedAt.IsZero() {
		file.CreatedAt = time.Now().UTC()
	}
	row := fileRow{
		ID:        string(file.ID),
		Name:      file.Name,
		MimeType:  file.MimeType,
		Data:      file.Data,
		CreatedAt: file.CreatedAt,
	}
	return r.s.retry.Do(ctx, func() error {
		if err := r.s.db.WithContext(ctx).Create(&row).Error; err != nil {
			return fmt.Errorf("put file: %w", err)
		}
		return nil
	})
}

func (r *Files) Get(ctx context.Context, id types.FileID) (*types.FileContent, error) {
	var row fileRow
	err := r.s.db.WithContext(ctx).Take(&row, "id = ?", string(id)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("get file: %w", err)
	}
	return &types.FileContent{
		ID:        types.FileID(row.ID),
		Name:      row.Name,
		MimeType:  row.MimeType,
		Data:      row.Data,
		CreatedAt: row.CreatedAt,
	}, nil
}

func sessionToRow(session *types.Session) (*sessionRow, error) {
	suggestions := session.Suggestions
	if suggestions == nil {
		suggestions = []string{}
	}
	data, err := json.Marshal(suggestions)
	if err != nil {
		return nil, fmt.Errorf("marshal suggestions: %w", err)
	}
	return &sessionRow{
		ID:                string(session.ID),
		Title:             session.Title,
		Provider:          session.Provider,
		Model:             session.Model,
		TotalTokens:       session.TotalTokens,
		BaseContextTokens: session.BaseContextTokens,
		SuggestionsJSON:   string(data),
		CreatedAt:         session.CreatedAt,
		UpdatedAt:         session.UpdatedAt,
	}, nil
}

func sessionFromRow(row *sessionRow) (*types.Session, error) {
	var suggestions []string
	if row.SuggestionsJSON != "" {
		if err := json.Unmarshal([]byte(row.SuggestionsJSON), &suggestions); err != nil {
			return nil, fmt.Errorf("decode suggestions: %w", err)
		}
	}
	return &types.Session{
		ID:                types.SessionID(row.ID),
		Title:             row.Title,
		Provider:          row.Provider,
		Model:             row.Model,
		TotalTokens:       row.TotalTokens,
		BaseContextTokens: row.BaseContextTokens,
		Suggestions:       suggestions,
		CreatedAt:         row.CreatedAt,
		UpdatedAt:         row.UpdatedAt,
	}, nil
}

func messageToRow(message *types.Message) (*messageRow, error) {
	data, err := marshalParts(message.Parts)
	if err != nil {
		return nil, err
	}
	return &messageRow{
		ID:        string(message.ID),
		SessionID: string(message.SessionID),
		Role:      message.Role,
		Status:    message.Status,
		PartsJSON: data,
		CreatedAt: message.CreatedAt,
	}, nil
}

func messageFromRow(row *messageRow) (*types.Message, error) {
	parts, err := unmarshalParts(row.PartsJSON)
	if err != nil {
		return nil, err
	}
	return &types.Message{
		ID:        types.MessageID(row.ID),
		SessionID: types.SessionID(row.SessionID),
		Role:      row.Role,
		Status:    row.Status,
		Parts:     parts,
		CreatedAt: row.CreatedAt,
	}, nil
}

func stepToRow(step *types.Step) (*stepRow, error) {
	systemJSON, err := json.Marshal(step.SystemMessages)
	if err != nil {
		return nil, fmt.Errorf("marshal system messages: %w", err)
	}
	usageJSON, err := json.Marshal(step.Usage)
	if err != nil {
		return nil, fmt.Errorf("marshal usage: %w", err)
	}
	partsJSON, err := marshalParts(step.Parts)
	if err != nil {
		return nil, err
	}
	return &stepRow{
		ID:                 string(step.ID),
		MessageID:          string(step.MessageID),
		SessionID:          string(step.SessionID),
		StepIndex:          step.Index,
		Status:             step.Status,
		Provider:           step.Provider,
		Model:              step.Model,
		SystemMessagesJSON: string(systemJSON),
		UsageJSON:          string(usageJSON),
		FinishReason:       step.FinishReason,
		PartsJSON:          partsJSON,
		StartedAt:          step.StartedAt,
		CompletedAt:        step.CompletedAt,
	}, nil
}

func stepFromRow(row *stepRow) (*types.Step, error) {
	var systemMessages []string
	if row.SystemMessagesJSON != "" {
		if err := json.Unmarshal([]byte(row.SystemMessagesJSON), &systemMessages); err != nil {
			return nil, fmt.Errorf("decode system messages: %w", err)
		}
	}
	var usage types.Usage
	if row.UsageJSON != "" {
		if err := json.Unmarshal([]byte(row.UsageJSON), &usage); err != nil {
			return nil, fmt.Errorf("decode usage: %w", err)
		}
	}
	parts, err := unmarshalParts(row.PartsJSON)
	if err != nil {
		return nil, err
	}
	return &types.Step{
		ID:             types.StepID(row.ID),
		MessageID:      types.MessageID(row.MessageID),
		SessionID:      types.SessionID(row.SessionID),
		Index:          row.StepIndex,
		Status:         row.Status,
		Provider:       row.Provider,
		Model:          row.Model,
		SystemMessages: systemMessages,
		Usage:          usage,
		FinishReason:   row.FinishReason,
		Parts:          parts,
		StartedAt:      row.StartedAt,
		CompletedAt:    row.CompletedAt,
	}, nil
}

func marshalParts(parts []types.MessagePart) (string, error) {
	if parts == nil {
		parts = []types.MessagePart{}
	}
	data, err := json.Marshal(parts)
	if err != nil {
		return "", fmt.Errorf("marshal parts: %w", err)
	}
	return string(data), nil
}

func unmarshalParts(data string) ([]types.MessagePart, error) {
	if data == "" {
		return nil, nil
	}
	var parts []types.MessagePart
	if err := json.Unmarshal([]byte(data), &parts); err != nil {
		return nil, fmt.Errorf("decode parts: %w", err)
	}
	return parts, nil
}
