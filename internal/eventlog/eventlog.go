// Package eventlog persists bus events durably, keyed by channel and
// addressable by cursor. Writes retry transient storage contention with
// bounded exponential backoff; all other errors propagate.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/user/streamhub/internal/db"
	"github.com/user/streamhub/internal/retry"
	"github.com/user/streamhub/internal/types"
)

type eventRow struct {
	ID        string `gorm:"primaryKey;size:36"`
	Channel   string `gorm:"index:idx_channel_cursor,priority:1;size:255"`
	CursorTS  int64  `gorm:"index:idx_channel_cursor,priority:2"`
	CursorSeq int64  `gorm:"index:idx_channel_cursor,priority:3"`
	Type      string `gorm:"size:64"`
	At        time.Time
	Payload   []byte
}

func (eventRow) TableName() string { return "events" }

func rowFromEvent(e *types.Event) eventRow {
	return eventRow{
		ID:        string(e.ID),
		Channel:   e.Channel,
		CursorTS:  e.Cursor.Timestamp,
		CursorSeq: e.Cursor.Sequence,
		Type:      string(e.Type),
		At:        e.At,
		Payload:   []byte(e.Payload),
	}
}

func (r eventRow) toEvent() *types.Event {
	return &types.Event{
		ID:      types.EventID(r.ID),
		Cursor:  types.Cursor{Timestamp: r.CursorTS, Sequence: r.CursorSeq},
		Channel: r.Channel,
		Type:    types.EventType(r.Type),
		At:      r.At,
		Payload: r.Payload,
	}
}

// Store is the GORM-backed durable event log.
type Store struct {
	db    *gorm.DB
	retry retry.Policy
}

// Open connects to the database and migrates the events table.
func Open(driver, dsn string) (*Store, error) {
	gormDB, err := db.OpenGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return New(gormDB)
}

// New wraps an existing handle, migrating the events table.
func New(gormDB *gorm.DB) (*Store, error) {
	if err := gormDB.AutoMigrate(&eventRow{}); err != nil {
		return nil, fmt.Errorf("migrate event log: %w", err)
	}
	return &Store{db: gormDB, retry: retry.StorageBusy()}, nil
}

// Save appends the event. Transient "busy" failures are retried with
// exponential backoff; exhaustion or a non-transient error propagates.
func (s *Store) Save(ctx context.Context, event *types.Event) error {
	row := rowFromEvent(event)
	err := s.retry.Do(ctx, func() error {
		return s.db.WithContext(ctx).Create(&row).Error
	})
	if err != nil {
		return fmt.Errorf("save event: %w", err)
	}
	return nil
}

// ReadFrom returns up to limit events on the channel strictly after the
// cursor, in cursor order. A zero cursor reads from the beginning.
func (s *Store) ReadFrom(ctx context.Context, channel string, after types.Cursor, limit int) ([]*types.Event, error) {
	q := s.db.WithContext(ctx).Where("channel = ?", channel)
	if !after.IsZero() {
		q = q.Where("cursor_ts > ? OR (cursor_ts = ? AND cursor_seq > ?)",
			after.Timestamp, after.Timestamp, after.Sequence)
	}
	q = q.Order("cursor_ts ASC, cursor_seq ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []eventRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("read events from cursor: %w", err)
	}
	return toEvents(rows), nil
}

// ReadLatest returns the last N events on the channel in chronological
// order: the query sorts descending, the result is re-reversed.
func (s *Store) ReadLatest(ctx context.Context, channel string, limit int) ([]*types.Event, error) {
	var rows []eventRow
	err := s.db.WithContext(ctx).
		Where("channel = ?", channel).
		Order("cursor_ts DESC, cursor_seq DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("read latest events: %w", err)
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return toEvents(rows), nil
}

// ReadRange returns events with start < cursor <= end, in cursor order.
func (s *Store) ReadRange(ctx context.Context, channel string, start, end types.Cursor, limit int) ([]*types.Event, error) {
	q := s.db.WithContext(ctx).
		Where("channel = ?", channel).
		Where("cursor_ts > ? OR (cursor_ts = ? AND cursor_seq > ?)", start.Timestamp, start.Timestamp, start.Sequence).
		Where("cursor_ts < ? OR (cursor_ts = ? AND cursor_seq <= ?)", end.Timestamp, end.Timestamp, end.Sequence).
		Order("cursor_ts ASC, cursor_seq ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []eventRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("read event range: %w", err)
	}
	return toEvents(rows), nil
}

// Count returns the number of durable events on the channel.
func (s *Store) Count(ctx context.Context, channel string) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&eventRow{}).Where("channel = ?", channel).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// Cleanup deletes events older than the given time across all channels and
// returns the number removed.
func (s *Store) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("cursor_ts < ?", before.UnixMilli()).Delete(&eventRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("cleanup events: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// CleanupChannel trims the channel to its most recent keep events and
// returns the number removed.
func (s *Store) CleanupChannel(ctx context.Context, channel string, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}

	var boundary eventRow
	err := s.db.WithContext(ctx).
		Where("channel = ?", channel).
		Order("cursor_ts DESC, cursor_seq DESC").
		Offset(keep).
		Take(&boundary).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil // fewer than keep events, nothing to trim
		}
		return 0, fmt.Errorf("find trim boundary: %w", err)
	}

	res := s.db.WithContext(ctx).
		Where("channel = ?", channel).
		Where("cursor_ts < ? OR (cursor_ts = ? AND cursor_seq <= ?)",
			boundary.CursorTS, boundary.CursorTS, boundary.CursorSeq).
		Delete(&eventRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("trim channel: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Info summarizes the channel: event count plus first and last cursors.
func (s *Store) Info(ctx context.Context, channel string) (*types.ChannelInfo, error) {
	info := &types.ChannelInfo{Channel: channel}

	n, err := s.Count(ctx, channel)
	if err != nil {
		return nil, err
	}
	info.Count = n
	if n == 0 {
		return info, nil
	}

	var first, last eventRow
	if err := s.db.WithContext(ctx).Where("channel = ?", channel).
		Order("cursor_ts ASC, cursor_seq ASC").Take(&first).Error; err != nil {
		return nil, fmt.Errorf("first event: %w", err)
	}
	if err := s.db.WithContext(ctx).Where("channel = ?", channel).
		Order("cursor_ts DESC, cursor_seq DESC").Take(&last).Error; err != nil {
		return nil, fmt.Errorf("last event: %w", err)
	}
	info.First = types.Cursor{Timestamp: first.CursorTS, Sequence: first.CursorSeq}
	info.Last = types.Cursor{Timestamp: last.CursorTS, Sequence: last.CursorSeq}
	return info, nil
}

func toEvents(rows []eventRow) []*types.Event {
	out := make([]*types.Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toEvent())
	}
	return out
}

var _ types.EventLog = (*Store)(nil)
