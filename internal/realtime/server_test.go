package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/streamhub/internal/ask"
	"github.com/user/streamhub/internal/bus"
	"github.com/user/streamhub/internal/msgqueue"
	"github.com/user/streamhub/internal/types"
)

type memSessions struct{}

func (memSessions) Create(_ context.Context, _ *types.Session) error { return nil }
func (memSessions) Get(_ context.Context, _ types.SessionID) (*types.Session, error) {
	return nil, types.ErrNotFound
}
func (memSessions) Update(_ context.Context, _ *types.Session) error  { return nil }
func (memSessions) Delete(_ context.Context, _ types.SessionID) error { return nil }
func (memSessions) List(_ context.Context) ([]*types.Session, error) {
	return []*types.Session{{ID: "s1", Title: "First"}}, nil
}

type memMessages struct{}

func (memMessages) Add(_ context.Context, _ *types.Message) error { return nil }
func (memMessages) Get(_ context.Context, _ types.MessageID) (*types.Message, error) {
	return nil, types.ErrNotFound
}
func (memMessages) List(_ context.Context, _ types.SessionID) ([]*types.Message, error) {
	return nil, nil
}
func (memMessages) UpdateStatus(_ context.Context, _ types.MessageID, _ string) error { return nil }
func (memMessages) UpdateParts(_ context.Context, _ types.MessageID, _ []types.MessagePart) error {
	return nil
}

type memFiles struct {
	mu    sync.Mutex
	files map[types.FileID]types.FileContent
}

func (m *memFiles) Put(_ context.Context, f *types.FileContent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.files == nil {
		m.files = make(map[types.FileID]types.FileContent)
	}
	m.files[f.ID] = *f
	return nil
}

func (m *memFiles) Get(_ context.Context, id types.FileID) (*types.FileContent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	copied := f
	return &copied, nil
}

type harness struct {
	bus   *bus.Bus
	queue *msgqueue.Queue
	files *memFiles
	ts    *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	b := bus.New(nil, bus.Options{})
	t.Cleanup(b.Destroy)

	queue := msgqueue.New(b)
	files := &memFiles{}
	srv := NewServer("", b, nil, ask.New(b, time.Minute), queue, memSessions{}, memMessages{}, files)
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return &harness{bus: b, queue: queue, files: files, ts: ts}
}

func (h *harness) wsURL(query string) string {
	return "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/v1/ws?" + query
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestWSLiveDelivery(t *testing.T) {
	h := newHarness(t)

	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL("channel=session-stream:s1"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give the subscription time to register before publishing.
	time.Sleep(20 * time.Millisecond)
	if _, err := h.bus.Publish(context.Background(), "session-stream:s1", types.EventTextDelta, map[string]string{"text": "hi"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev types.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != types.EventTextDelta || ev.Channel != "session-stream:s1" {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestWSRequiresChannelOrPattern(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.ts.URL + "/v1/ws")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestWSBufferedReplay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three"} {
		if _, err := h.bus.Publish(ctx, "session-stream:s2", types.EventTextDelta, map[string]string{"text": text}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL("channel=session-stream:s2"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var texts []string
	for i := 0; i < 3; i++ {
		var ev types.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		var payload struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		texts = append(texts, payload.Text)
	}
	if texts[0] != "one" || texts[1] != "two" || texts[2] != "three" {
		t.Errorf("replay out of order: %v", texts)
	}
}

func TestQueueEndpoints(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	queued := h.queue.Add(ctx, "s1", "later please")

	resp, err := http.Get(h.ts.URL + "/v1/sessions/s1/queue")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Queued []msgqueue.QueuedMessage `json:"queued"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Queued) != 1 || body.Queued[0].Content != "later please" {
		t.Errorf("unexpected queue: %+v", body.Queued)
	}

	req, _ := http.NewRequest(http.MethodDelete, h.ts.URL+"/v1/sessions/s1/queue/"+string(queued.ID), nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 on delete, got %d", delResp.StatusCode)
	}
	if h.queue.Len("s1") != 0 {
		t.Error("queued message not removed")
	}
}

func TestDeleteSessionFansOut(t *testing.T) {
	h := newHarness(t)

	sub, err := h.bus.Subscribe(types.SessionEventsChannel)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	req, _ := http.NewRequest(http.MethodDelete, h.ts.URL+"/v1/sessions/s1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	select {
	case ev := <-sub.Events():
		if ev.Type != types.EventSessionDeleted {
			t.Errorf("expected session-deleted, got %s", ev.Type)
		}
		var payload struct {
			SessionID types.SessionID `json:"session_id"`
		}
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			t.Fatal(err)
		}
		if payload.SessionID != "s1" {
			t.Errorf("unexpected session id %q", payload.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatal("no session-deleted event")
	}
}

func TestPutFile(t *testing.T) {
	h := newHarness(t)

	payload, _ := json.Marshal(map[string]any{
		"name":      "notes.txt",
		"mime_type": "text/plain",
		"data":      []byte("hello"),
	})
	resp, err := http.Post(h.ts.URL+"/v1/files", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var body struct {
		FileID types.FileID `json:"file_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}

	file, err := h.files.Get(context.Background(), body.FileID)
	if err != nil {
		t.Fatalf("file not stored: %v", err)
	}
	if string(file.Data) != "hello" {
		t.Errorf("unexpected file data: %q", file.Data)
	}
}
