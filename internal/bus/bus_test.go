package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/user/streamhub/internal/types"
)

// stubLog is an in-memory EventLog. readGate, when set, blocks ReadFrom until
// closed, which lets tests race live publishes against historical replay.
type stubLog struct {
	mu       sync.Mutex
	events   map[string][]*types.Event
	readGate chan struct{}
	noSave   bool
	reverse  bool // ReadFrom returns the batch newest-first
	maxSaves int  // when > 0, Save silently drops events past this count
}

func newStubLog() *stubLog {
	return &stubLog{events: make(map[string][]*types.Event)}
}

func (s *stubLog) seed(ev *types.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.Channel] = append(s.events[ev.Channel], ev)
}

func (s *stubLog) Save(_ context.Context, ev *types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.noSave {
		return nil
	}
	if s.maxSaves > 0 && len(s.events[ev.Channel]) >= s.maxSaves {
		return nil
	}
	s.events[ev.Channel] = append(s.events[ev.Channel], ev)
	return nil
}

func (s *stubLog) ReadFrom(_ context.Context, channel string, after types.Cursor, limit int) ([]*types.Event, error) {
	if s.readGate != nil {
		<-s.readGate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Event
	for _, ev := range s.events[channel] {
		if ev.Cursor.After(after) {
			out = append(out, ev)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	if s.reverse {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func (s *stubLog) ReadLatest(_ context.Context, channel string, limit int) ([]*types.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := s.events[channel]
	if len(evs) > limit {
		evs = evs[len(evs)-limit:]
	}
	out := make([]*types.Event, len(evs))
	copy(out, evs)
	return out, nil
}

func (s *stubLog) ReadRange(_ context.Context, channel string, start, end types.Cursor, limit int) ([]*types.Event, error) {
	return nil, nil
}

func (s *stubLog) Count(_ context.Context, channel string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.events[channel])), nil
}

func (s *stubLog) Cleanup(_ context.Context, _ time.Time) (int64, error) { return 0, nil }

func (s *stubLog) CleanupChannel(_ context.Context, _ string, _ int) (int64, error) { return 0, nil }

func (s *stubLog) Info(_ context.Context, channel string) (*types.ChannelInfo, error) {
	return &types.ChannelInfo{Channel: channel}, nil
}

var _ types.EventLog = (*stubLog)(nil)

func collect(t *testing.T, sub *Subscription, n int, timeout time.Duration) []types.Event {
	t.Helper()
	var out []types.Event
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("subscription closed after %d of %d events", len(out), n)
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func assertNoMore(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected extra event %s on %s", ev.Type, ev.Channel)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCursorMonotonicity(t *testing.T) {
	b := New(nil, Options{})
	defer b.Destroy()
	ctx := context.Background()

	var prev types.Cursor
	for i := 0; i < 200; i++ {
		ev, err := b.Publish(ctx, "ch", types.EventTextDelta, map[string]string{"text": "x"})
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		if i > 0 && !prev.Before(ev.Cursor) {
			t.Fatalf("cursor not strictly increasing: %+v then %+v", prev, ev.Cursor)
		}
		prev = ev.Cursor
	}
}

func TestClockSameMillisecondSequences(t *testing.T) {
	var c cursorClock
	now := time.Now()
	a := c.next(now)
	b := c.next(now)
	if a.Timestamp != b.Timestamp {
		t.Fatalf("expected same timestamp bucket, got %d and %d", a.Timestamp, b.Timestamp)
	}
	if b.Sequence != a.Sequence+1 {
		t.Errorf("expected monotonic sequence, got %d then %d", a.Sequence, b.Sequence)
	}
	// A clock stepping backwards must not regress the cursor.
	c2 := c.next(now.Add(-time.Second))
	if !b.Before(c2) {
		t.Errorf("cursor regressed on backwards clock: %+v then %+v", b, c2)
	}
}

func TestSubscribeLiveDelivery(t *testing.T) {
	b := New(nil, Options{})
	defer b.Destroy()
	ctx := context.Background()

	sub, err := b.Subscribe("ch")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	for i := 0; i < 3; i++ {
		b.Publish(ctx, "ch", types.EventTextDelta, nil)
	}
	got := collect(t, sub, 3, time.Second)
	for i := 1; i < len(got); i++ {
		if !got[i-1].Cursor.Before(got[i].Cursor) {
			t.Error("live events out of cursor order")
		}
	}
}

func TestSubscribeReplaysBufferedOverlap(t *testing.T) {
	b := New(nil, Options{})
	defer b.Destroy()
	ctx := context.Background()

	b.Publish(ctx, "ch", types.EventTextStart, nil)
	b.Publish(ctx, "ch", types.EventTextDelta, nil)

	sub, err := b.Subscribe("ch")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	got := collect(t, sub, 2, time.Second)
	if got[0].Type != types.EventTextStart || got[1].Type != types.EventTextDelta {
		t.Errorf("expected buffered events replayed in order, got %s, %s", got[0].Type, got[1].Type)
	}
}

// Replay completeness without duplication: live events published while the
// historical load is still in flight are buffered, and only those past the
// last historical cursor are emitted.
func TestSubscribeFromReplayRace(t *testing.T) {
	log := newStubLog()
	log.readGate = make(chan struct{})
	b := New(log, Options{})
	defer b.Destroy()
	ctx := context.Background()

	// Two events already durable, after the caller's cursor.
	from := types.Cursor{Timestamp: 1, Sequence: 0}
	h1 := &types.Event{ID: types.NewEventID(), Cursor: types.Cursor{Timestamp: 2}, Channel: "ch", Type: types.EventTextStart, At: time.Now()}
	h2 := &types.Event{ID: types.NewEventID(), Cursor: types.Cursor{Timestamp: 3}, Channel: "ch", Type: types.EventTextDelta, At: time.Now()}
	log.seed(h1)
	log.seed(h2)
	log.noSave = true // keep the durable set fixed while the race runs

	sub, err := b.SubscribeFrom(ctx, "ch", from)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	// Live events arrive while the replay source is still loading.
	var live []types.Event
	for i := 0; i < 5; i++ {
		ev, err := b.Publish(ctx, "ch", types.EventTextDelta, map[string]int{"i": i})
		if err != nil {
			t.Fatal(err)
		}
		live = append(live, ev)
	}
	close(log.readGate)

	got := collect(t, sub, 7, time.Second)
	assertNoMore(t, sub)

	want := []types.Cursor{h1.Cursor, h2.Cursor, live[0].Cursor, live[1].Cursor, live[2].Cursor, live[3].Cursor, live[4].Cursor}
	for i, ev := range got {
		if ev.Cursor != want[i] {
			t.Errorf("position %d: expected cursor %+v, got %+v", i, want[i], ev.Cursor)
		}
	}
}

// A live event whose cursor the historical batch already covered must not be
// emitted twice.
func TestSubscribeFromDeduplicatesByCursor(t *testing.T) {
	log := newStubLog()
	log.readGate = make(chan struct{})
	b := New(log, Options{})
	defer b.Destroy()
	ctx := context.Background()

	sub, err := b.SubscribeFrom(ctx, "ch", types.Cursor{Timestamp: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	// Published while gated: saved synchronously into the stub, so the
	// historical read returns the same three events the gate buffered.
	for i := 0; i < 3; i++ {
		if _, err := b.Publish(ctx, "ch", types.EventTextDelta, nil); err != nil {
			t.Fatal(err)
		}
	}
	// Wait for the async saves to land before releasing the replay.
	waitFor(t, func() bool {
		n, _ := log.Count(ctx, "ch")
		return n == 3
	})
	close(log.readGate)

	got := collect(t, sub, 3, time.Second)
	assertNoMore(t, sub)
	seen := make(map[types.Cursor]bool)
	for _, ev := range got {
		if seen[ev.Cursor] {
			t.Fatalf("cursor %+v emitted twice", ev.Cursor)
		}
		seen[ev.Cursor] = true
	}
}

// Asynchronous appends can land in any order, so the historical batch may
// come back out of cursor order; replay must still emit each cursor exactly
// once, ascending, with no duplicate from the live buffer.
func TestSubscribeFromUnorderedReplayBatch(t *testing.T) {
	log := newStubLog()
	log.readGate = make(chan struct{})
	log.reverse = true
	b := New(log, Options{})
	defer b.Destroy()
	ctx := context.Background()

	sub, err := b.SubscribeFrom(ctx, "ch", types.Cursor{Timestamp: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	var published []types.Cursor
	for i := 0; i < 3; i++ {
		ev, err := b.Publish(ctx, "ch", types.EventTextDelta, nil)
		if err != nil {
			t.Fatal(err)
		}
		published = append(published, ev.Cursor)
	}
	waitFor(t, func() bool {
		n, _ := log.Count(ctx, "ch")
		return n == 3
	})
	close(log.readGate)

	got := collect(t, sub, 3, time.Second)
	assertNoMore(t, sub)
	for i, ev := range got {
		if ev.Cursor != published[i] {
			t.Errorf("position %d: expected cursor %+v, got %+v", i, published[i], ev.Cursor)
		}
	}
}

// A save that never reaches the log before the replay read must not cost the
// subscriber the event: the buffered live copy covers it.
func TestSubscribeFromLaggedSaveStillDelivered(t *testing.T) {
	log := newStubLog()
	log.readGate = make(chan struct{})
	log.maxSaves = 2
	b := New(log, Options{})
	defer b.Destroy()
	ctx := context.Background()

	sub, err := b.SubscribeFrom(ctx, "ch", types.Cursor{Timestamp: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	want := make(map[types.Cursor]bool)
	for i := 0; i < 3; i++ {
		ev, err := b.Publish(ctx, "ch", types.EventTextDelta, nil)
		if err != nil {
			t.Fatal(err)
		}
		want[ev.Cursor] = false
	}
	waitFor(t, func() bool {
		n, _ := log.Count(ctx, "ch")
		return n == 2
	})
	close(log.readGate)

	got := collect(t, sub, 3, time.Second)
	assertNoMore(t, sub)
	for _, ev := range got {
		seen, known := want[ev.Cursor]
		if !known {
			t.Fatalf("unexpected cursor %+v", ev.Cursor)
		}
		if seen {
			t.Fatalf("cursor %+v emitted twice", ev.Cursor)
		}
		want[ev.Cursor] = true
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubscribePatternCoverage(t *testing.T) {
	b := New(nil, Options{})
	defer b.Destroy()
	ctx := context.Background()

	sub, err := b.SubscribePattern(`^session:.*:field:.*$`)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	b.Publish(ctx, "session:123:field:title", types.EventSessionTitleUpdated, nil)
	b.Publish(ctx, "session:456:field:title", types.EventSessionTitleUpdated, nil)
	b.Publish(ctx, "session:123:field:status", types.EventSessionStatusUpdated, nil)
	b.Publish(ctx, "session:123:other", types.EventTextDelta, nil)

	got := collect(t, sub, 3, time.Second)
	assertNoMore(t, sub)

	wantChannels := []string{"session:123:field:title", "session:456:field:title", "session:123:field:status"}
	for i, ev := range got {
		if ev.Channel != wantChannels[i] {
			t.Errorf("position %d: expected channel %s, got %s", i, wantChannels[i], ev.Channel)
		}
	}
}

func TestSubscribePatternInvalidRegex(t *testing.T) {
	b := New(nil, Options{})
	defer b.Destroy()
	if _, err := b.SubscribePattern("("); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestSubscribeWithHistory(t *testing.T) {
	log := newStubLog()
	b := New(log, Options{})
	defer b.Destroy()
	ctx := context.Background()

	for i := int64(0); i < 5; i++ {
		log.seed(&types.Event{
			ID:      types.NewEventID(),
			Cursor:  types.Cursor{Timestamp: 10 + i},
			Channel: "ch",
			Type:    types.EventTextDelta,
			At:      time.Now().Add(-time.Hour),
		})
	}

	sub, err := b.SubscribeWithHistory(ctx, "ch", 3)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	got := collect(t, sub, 3, time.Second)
	if got[0].Cursor.Timestamp != 12 || got[2].Cursor.Timestamp != 14 {
		t.Errorf("expected last 3 oldest-to-newest (12..14), got %d..%d",
			got[0].Cursor.Timestamp, got[2].Cursor.Timestamp)
	}
}

func TestEntityChannelSkipsDurableLog(t *testing.T) {
	log := newStubLog()
	b := New(log, Options{})
	ctx := context.Background()

	entity := types.SessionChannel("abc")
	stream := types.SessionStreamChannel("abc")
	b.Publish(ctx, entity, types.EventEntityUpdate, nil)
	b.Publish(ctx, stream, types.EventTextDelta, nil)
	b.Destroy() // waits for async appends

	if n, _ := log.Count(ctx, entity); n != 0 {
		t.Errorf("entity channel should never be durably logged, found %d", n)
	}
	if n, _ := log.Count(ctx, stream); n != 1 {
		t.Errorf("stream channel should be durably logged, found %d", n)
	}
}

func TestDestroyClosesSubscribers(t *testing.T) {
	b := New(nil, Options{})
	sub, err := b.Subscribe("ch")
	if err != nil {
		t.Fatal(err)
	}
	b.Destroy()

	if _, ok := <-sub.Events(); ok {
		// drain any buffered event, the channel must still close
		for range sub.Events() {
		}
	}

	if _, err := b.Publish(context.Background(), "ch", types.EventTextDelta, nil); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, err := b.Subscribe("ch"); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
