package tokens

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/user/streamhub/internal/types"
)

// wordCounter counts whitespace-separated words, deterministic for tests.
type wordCounter struct{}

func (wordCounter) Count(text string) int {
	return len(strings.Fields(text))
}

type memSessions struct {
	mu sync.Mutex
	m  map[types.SessionID]*types.Session
}

func newMemSessions(sessions ...*types.Session) *memSessions {
	s := &memSessions{m: make(map[types.SessionID]*types.Session)}
	for _, sess := range sessions {
		copied := *sess
		s.m[sess.ID] = &copied
	}
	return s
}

func (s *memSessions) Create(_ context.Context, sess *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *sess
	s.m[sess.ID] = &copied
	return nil
}

func (s *memSessions) Get(_ context.Context, id types.SessionID) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.m[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	copied := *sess
	return &copied, nil
}

func (s *memSessions) Update(_ context.Context, sess *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[sess.ID]; !ok {
		return types.ErrNotFound
	}
	copied := *sess
	s.m[sess.ID] = &copied
	return nil
}

func (s *memSessions) Delete(_ context.Context, id types.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, id)
	return nil
}

func (s *memSessions) List(_ context.Context) ([]*types.Session, error) { return nil, nil }

type memMessages struct {
	mu sync.Mutex
	m  []*types.Message
}

func (s *memMessages) Add(_ context.Context, msg *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = append(s.m, msg)
	return nil
}

func (s *memMessages) Get(_ context.Context, id types.MessageID) (*types.Message, error) {
	return nil, types.ErrNotFound
}

func (s *memMessages) List(_ context.Context, sessionID types.SessionID) ([]*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Message
	for _, msg := range s.m {
		if msg.SessionID == sessionID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (s *memMessages) UpdateStatus(_ context.Context, _ types.MessageID, _ string) error { return nil }
func (s *memMessages) UpdateParts(_ context.Context, _ types.MessageID, _ []types.MessagePart) error {
	return nil
}

// emitRecorder captures token emissions in order.
type emitRecorder struct {
	mu    sync.Mutex
	emits []types.TokensPayload
}

func (r *emitRecorder) SetTokens(_ context.Context, total, base int, authoritative bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emits = append(r.emits, types.TokensPayload{
		TotalTokens: total, BaseContextTokens: base, Authoritative: authoritative,
	})
}

func (r *emitRecorder) last() types.TokensPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.emits[len(r.emits)-1]
}

// three-word base context regardless of session.
func stubBase(_ context.Context, _ *types.Session, _ string) (string, error) {
	return "base context prompt", nil
}

func testTracker(t *testing.T) (*Tracker, *emitRecorder, *memMessages, *types.Session) {
	t.Helper()
	session := &types.Session{ID: "s1", Provider: "openai", Model: "gpt-4"}
	sessions := newMemSessions(session)
	messages := &memMessages{}
	rec := &emitRecorder{}
	tracker := New(wordCounter{}, sessions, messages, rec, stubBase)
	return tracker, rec, messages, session
}

func TestInitializeEmitsBaseline(t *testing.T) {
	tracker, rec, messages, session := testTracker(t)
	ctx := context.Background()

	messages.Add(ctx, &types.Message{
		SessionID: "s1", Role: "user",
		Parts: []types.MessagePart{{Type: types.PartText, Text: "hello there friend"}},
	})

	base, err := tracker.Initialize(ctx, session, "/work")
	if err != nil {
		t.Fatal(err)
	}
	if base != 3 {
		t.Errorf("expected base 3, got %d", base)
	}
	last := rec.last()
	if last.TotalTokens != 6 || !last.Authoritative {
		t.Errorf("expected authoritative total 6, got %+v", last)
	}
}

func TestAddDeltaIsOptimistic(t *testing.T) {
	tracker, rec, _, session := testTracker(t)
	ctx := context.Background()

	tracker.Initialize(ctx, session, "/work")
	total := tracker.AddDelta(ctx, "one two")
	if total != 5 {
		t.Errorf("expected 3 base + 2 delta = 5, got %d", total)
	}
	last := rec.last()
	if last.Authoritative {
		t.Error("delta emission must be marked non-authoritative")
	}
	if tracker.Total() != 5 {
		t.Errorf("expected running total 5, got %d", tracker.Total())
	}
}

func TestCheckpointIdempotence(t *testing.T) {
	tracker, rec, messages, session := testTracker(t)
	ctx := context.Background()

	messages.Add(ctx, &types.Message{
		SessionID: "s1", Role: "user",
		Parts: []types.MessagePart{{Type: types.PartText, Text: "four words right here"}},
	})
	tracker.Initialize(ctx, session, "/work")
	tracker.AddDelta(ctx, "optimistic garbage not persisted anywhere")

	first, err := tracker.RecalculateAtCheckpoint(ctx)
	if err != nil {
		t.Fatal(err)
	}
	second, err := tracker.RecalculateAtCheckpoint(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("checkpoint not idempotent: %d then %d", first, second)
	}
	if first != 7 { // 3 base + 4 message
		t.Errorf("expected authoritative total 7, got %d", first)
	}
	// The optimistic delta was discarded both times.
	if tracker.Total() != 7 {
		t.Errorf("expected delta reset, total %d", tracker.Total())
	}
	if !rec.last().Authoritative {
		t.Error("checkpoint emission must be authoritative")
	}
}

func TestCheckpointPicksUpNewMessages(t *testing.T) {
	tracker, _, messages, session := testTracker(t)
	ctx := context.Background()

	tracker.Initialize(ctx, session, "/work")
	messages.Add(ctx, &types.Message{
		SessionID: "s1", Role: "assistant",
		Parts: []types.MessagePart{{Type: types.PartText, Text: "two words"}},
	})

	total, err := tracker.RecalculateAtCheckpoint(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if total != 5 {
		t.Errorf("expected 3 base + 2 message = 5, got %d", total)
	}
}

func TestCalculateFinalPersists(t *testing.T) {
	session := &types.Session{ID: "s1", Provider: "openai", Model: "gpt-4"}
	sessions := newMemSessions(session)
	messages := &memMessages{}
	rec := &emitRecorder{}
	tracker := New(wordCounter{}, sessions, messages, rec, stubBase)
	ctx := context.Background()

	tracker.Initialize(ctx, session, "/work")
	messages.Add(ctx, &types.Message{
		SessionID: "s1", Role: "assistant",
		Parts: []types.MessagePart{{Type: types.PartText, Text: "a b c"}},
	})

	total, err := tracker.CalculateFinal(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if total != 6 {
		t.Errorf("expected 6, got %d", total)
	}

	persisted, _ := sessions.Get(ctx, "s1")
	if persisted.TotalTokens != 6 || persisted.BaseContextTokens != 3 {
		t.Errorf("expected persisted totals 6/3, got %d/%d",
			persisted.TotalTokens, persisted.BaseContextTokens)
	}
}

func TestToolPartsCounted(t *testing.T) {
	tracker, _, messages, session := testTracker(t)
	ctx := context.Background()

	messages.Add(ctx, &types.Message{
		SessionID: "s1", Role: "assistant",
		Parts: []types.MessagePart{{
			Type:     types.PartToolCall,
			ToolName: "bash",
			Input:    []byte(`{"cmd":"ls"}`),
			Output:   []byte(`"ok"`),
		}},
	})

	tracker.Initialize(ctx, session, "/work")
	// base 3 + tool name 1 + input 1 + output 1
	if got := tracker.Total(); got != 6 {
		t.Errorf("expected 6, got %d", got)
	}
}
