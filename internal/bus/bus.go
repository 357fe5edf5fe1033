// Package bus is the in-process pub/sub event bus: per-channel bounded
// replay buffers plus a global broadcast feed for pattern subscribers,
// backed by a durable event log for cursor replay.
//
// Buffer policy is fixed rather than auto-tuned: a 50-event ring with a
// 5-minute window per channel and a 100-event global feed. A smaller buffer
// loses events emitted between a mutation and a just-in-time subscription; a
// larger one bleeds stale replay into freshly reused session channels.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/user/streamhub/internal/types"
)

// ErrClosed is returned by publish/subscribe after Destroy.
var ErrClosed = errors.New("bus is closed")

// Options tunes buffer sizes. Zero values take the defaults.
type Options struct {
	ChannelBuffer int           // per-channel replay ring capacity (default 50)
	FeedBuffer    int           // global broadcast feed capacity (default 100)
	Window        time.Duration // replay buffer time window (default 5m)
}

func (o Options) withDefaults() Options {
	if o.ChannelBuffer <= 0 {
		o.ChannelBuffer = 50
	}
	if o.FeedBuffer <= 0 {
		o.FeedBuffer = 100
	}
	if o.Window <= 0 {
		o.Window = 5 * time.Minute
	}
	return o
}

// cursorClock hands out strictly increasing cursors: a unix-millisecond
// timestamp plus a per-millisecond monotonic sequence. Guarded by the bus
// lock. A wall clock that steps backwards keeps the previous timestamp and
// increments the sequence, preserving monotonicity.
type cursorClock struct {
	lastTS int64
	seq    int64
}

func (c *cursorClock) next(now time.Time) types.Cursor {
	ts := now.UnixMilli()
	if ts <= c.lastTS {
		c.seq++
		ts = c.lastTS
	} else {
		c.lastTS = ts
		c.seq = 0
	}
	return types.Cursor{Timestamp: ts, Sequence: c.seq}
}

type channelState struct {
	ring *ring
	subs map[*Subscription]struct{}
}

// Bus is the process-wide event bus. Construct with New and inject it;
// there is no package-level singleton.
type Bus struct {
	log  types.EventLog // nil disables durable logging and replay
	opts Options

	mu       sync.Mutex
	clock    cursorClock
	channels map[string]*channelState
	feed     *ring
	patterns map[*Subscription]struct{}
	closed   bool
	saves    sync.WaitGroup
}

// New creates a Bus backed by the given durable log. log may be nil, in
// which case cursor replay and with-history subscriptions degrade to
// live-plus-buffer delivery.
func New(log types.EventLog, opts Options) *Bus {
	opts = opts.withDefaults()
	return &Bus{
		log:      log,
		opts:     opts,
		channels: make(map[string]*channelState),
		feed:     newRing(opts.FeedBuffer, opts.Window),
		patterns: make(map[*Subscription]struct{}),
	}
}

func (b *Bus) channelState(channel string) *channelState {
	ch, ok := b.channels[channel]
	if !ok {
		ch = &channelState{
			ring: newRing(b.opts.ChannelBuffer, b.opts.Window),
			subs: make(map[*Subscription]struct{}),
		}
		b.channels[channel] = ch
	}
	return ch
}

// Publish assigns a cursor, writes the event to the channel's replay buffer
// and the global feed, fans out to live subscribers, and appends to the
// durable log asynchronously unless the channel is an entity channel.
// Publish never blocks on log durability; a failed append is logged and the
// event is still delivered live.
func (b *Bus) Publish(ctx context.Context, channel string, typ types.EventType, payload any) (types.Event, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return types.Event{}, fmt.Errorf("marshal payload: %w", err)
		}
		raw = data
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return types.Event{}, ErrClosed
	}

	now := time.Now()
	ev := types.Event{
		ID:      types.NewEventID(),
		Cursor:  b.clock.next(now),
		Channel: channel,
		Type:    typ,
		At:      now,
		Payload: raw,
	}

	ch := b.channelState(channel)
	ch.ring.add(ev)
	for sub := range ch.subs {
		sub.deliver(ev)
	}

	b.feed.add(ev)
	for sub := range b.patterns {
		if sub.pattern.MatchString(channel) {
			sub.deliver(ev)
		}
	}

	durable := b.log != nil && !types.IsEntityChannel(channel)
	if durable {
		b.saves.Add(1)
	}
	b.mu.Unlock()

	if durable {
		go func() {
			defer b.saves.Done()
			saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := b.log.Save(saveCtx, &ev); err != nil {
				slog.Error("durable event append failed",
					"channel", channel, "type", string(typ), "error", err)
			}
		}()
	}

	return ev, nil
}

// Subscribe attaches to a single channel from now on, plus whatever is still
// in the channel's bounded replay buffer. The buffer overlap is an
// intentional window for just-in-time subscribers, not a strict
// new-events-only guarantee.
func (b *Bus) Subscribe(channel string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	sub := &Subscription{bus: b, channel: channel, mb: newMailbox()}
	ch := b.channelState(channel)
	ch.subs[sub] = struct{}{}
	for _, ev := range ch.ring.snapshot(time.Now()) {
		sub.mb.put(ev)
	}
	return sub, nil
}

// SubscribeFrom attaches to a channel and replays all durable events
// strictly after the cursor. Live events arriving during the replay load are
// buffered and de-duplicated by cursor comparison, so each cursor is emitted
// exactly once, in order.
func (b *Bus) SubscribeFrom(ctx context.Context, channel string, from types.Cursor) (*Subscription, error) {
	if from.IsZero() {
		return b.Subscribe(channel)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	sub := &Subscription{bus: b, channel: channel, mb: newMailbox(), gating: true}
	b.channelState(channel).subs[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		var historical []*types.Event
		if b.log != nil {
			var err error
			historical, err = b.log.ReadFrom(ctx, channel, from, 0)
			if err != nil {
				slog.Error("cursor replay load failed", "channel", channel, "error", err)
			}
		}
		sub.release(historical, from)
	}()

	return sub, nil
}

// SubscribeWithHistory attaches to the channel's live buffer and concurrently
// emits the last N durable events, oldest first. When lastN exceeds the
// buffer capacity the same event can arrive twice, once from each source;
// consumers de-duplicate by event id. That overlap is an accepted tradeoff
// of not blocking live delivery on the history load.
func (b *Bus) SubscribeWithHistory(ctx context.Context, channel string, lastN int) (*Subscription, error) {
	sub, err := b.Subscribe(channel)
	if err != nil {
		return nil, err
	}
	if b.log == nil || lastN <= 0 {
		return sub, nil
	}

	go func() {
		historical, err := b.log.ReadLatest(ctx, channel, lastN)
		if err != nil {
			slog.Error("history replay load failed", "channel", channel, "error", err)
			return
		}
		for _, ev := range historical {
			sub.mb.put(*ev)
		}
	}()

	return sub, nil
}

// SubscribePattern attaches to the global broadcast feed filtered by a regex
// over channel names. Pattern subscriptions never trigger durable replay;
// only exact-channel replay is supported. The feed's bounded buffer provides
// the same small overlap window as exact subscriptions.
func (b *Bus) SubscribePattern(pattern string) (*Subscription, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile channel pattern: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	sub := &Subscription{bus: b, pattern: re, mb: newMailbox()}
	b.patterns[sub] = struct{}{}
	for _, ev := range b.feed.snapshot(time.Now()) {
		if re.MatchString(ev.Channel) {
			sub.mb.put(ev)
		}
	}
	return sub, nil
}

// Cleanup trims durable events published before the cutoff. Intended to be
// run on a periodic schedule.
func (b *Bus) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	if b.log == nil {
		return 0, nil
	}
	removed, err := b.log.Cleanup(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("cleanup event log: %w", err)
	}
	if removed > 0 {
		slog.Debug("trimmed durable events", "removed", removed)
	}
	return removed, nil
}

// CleanupChannel trims a single channel's durable events to the last keep.
func (b *Bus) CleanupChannel(ctx context.Context, channel string, keep int) error {
	if b.log == nil {
		return nil
	}
	if _, err := b.log.CleanupChannel(ctx, channel, keep); err != nil {
		return fmt.Errorf("cleanup channel %s: %w", channel, err)
	}
	return nil
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.pattern != nil {
		delete(b.patterns, sub)
		return
	}
	if ch, ok := b.channels[sub.channel]; ok {
		delete(ch.subs, sub)
	}
}

// Destroy closes every subscription and the broadcast feed and waits for
// in-flight durable appends. No publish or subscribe is valid afterward.
func (b *Bus) Destroy() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0)
	for _, ch := range b.channels {
		for sub := range ch.subs {
			subs = append(subs, sub)
		}
		ch.subs = make(map[*Subscription]struct{})
	}
	for sub := range b.patterns {
		subs = append(subs, sub)
	}
	b.patterns = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.mb.close()
	}
	b.saves.Wait()
}
