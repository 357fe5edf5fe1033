// Package realtime is the HTTP and websocket surface: clients trigger runs,
// answer questions, and subscribe to event channels over one socket.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/streamhub/internal/ask"
	"github.com/user/streamhub/internal/bus"
	"github.com/user/streamhub/internal/msgqueue"
	"github.com/user/streamhub/internal/orchestrator"
	"github.com/user/streamhub/internal/types"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
)

type server struct {
	bus      *bus.Bus
	orch     *orchestrator.Orchestrator
	asks     *ask.Service
	queue    *msgqueue.Queue
	sessions types.SessionStore
	messages types.MessageStore
	files    types.FileStore
	upgrader websocket.Upgrader
}

// NewServer builds the HTTP server for the given address.
func NewServer(addr string, b *bus.Bus, orch *orchestrator.Orchestrator, asks *ask.Service, queue *msgqueue.Queue, sessions types.SessionStore, messages types.MessageStore, files types.FileStore) *http.Server {
	s := &server{
		bus:      b,
		orch:     orch,
		asks:     asks,
		queue:    queue,
		sessions: sessions,
		messages: messages,
		files:    files,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/ws", s.handleWS)
	mux.HandleFunc("POST /v1/messages", s.handleTrigger)
	mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	mux.HandleFunc("GET /v1/sessions/{id}/messages", s.handleListMessages)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /v1/sessions/{id}/abort", s.handleAbort)
	mux.HandleFunc("POST /v1/sessions/{id}/answer", s.handleAnswer)
	mux.HandleFunc("GET /v1/sessions/{id}/queue", s.handleListQueue)
	mux.HandleFunc("DELETE /v1/sessions/{id}/queue/{msg}", s.handleRemoveQueued)
	mux.HandleFunc("POST /v1/files", s.handlePutFile)

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleWS upgrades the connection and bridges one bus subscription onto the
// socket. Exactly one of channel or pattern is required; from_ts/from_seq
// request a replay from a cursor, last_n the most recent n events.
func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	channel := q.Get("channel")
	pattern := q.Get("pattern")
	if (channel == "") == (pattern == "") {
		writeError(w, http.StatusBadRequest, errors.New("exactly one of channel or pattern is required"))
		return
	}

	var sub *bus.Subscription
	var err error
	switch {
	case pattern != "":
		sub, err = s.bus.SubscribePattern(pattern)
	case q.Get("from_ts") != "":
		var from types.Cursor
		from.Timestamp, err = strconv.ParseInt(q.Get("from_ts"), 10, 64)
		if err == nil && q.Get("from_seq") != "" {
			from.Sequence, err = strconv.ParseInt(q.Get("from_seq"), 10, 64)
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid cursor: %w", err))
			return
		}
		sub, err = s.bus.SubscribeFrom(r.Context(), channel, from)
	case q.Get("last_n") != "":
		var n int
		n, err = strconv.Atoi(q.Get("last_n"))
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid last_n: %w", err))
			return
		}
		sub, err = s.bus.SubscribeWithHistory(r.Context(), channel, n)
	default:
		sub, err = s.bus.Subscribe(channel)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	go s.readLoop(conn, sub)
	s.writeLoop(conn, sub)
}

// readLoop consumes control frames and client close. Any read error tears
// the subscription down, which ends the write loop.
func (s *server) readLoop(conn *websocket.Conn, sub *bus.Subscription) {
	defer sub.Close()
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *server) writeLoop(conn *websocket.Conn, sub *bus.Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.Close()
		_ = conn.Close()
	}()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "bus closed"),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type triggerRequest struct {
	SessionID types.SessionID `json:"session_id,omitempty"`
	Provider  string          `json:"provider"`
	Model     string          `json:"model"`
	Content   string          `json:"content"`
	FileIDs   []types.FileID  `json:"file_ids,omitempty"`
}

func (s *server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return
	}

	result, err := s.orch.Trigger(r.Context(), orchestrator.Request{
		SessionID: req.SessionID,
		Provider:  req.Provider,
		Model:     req.Model,
		Content:   req.Content,
		FileIDs:   req.FileIDs,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, orchestrator.ErrUnknownProvider) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (s *server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := types.SessionID(r.PathValue("id"))
	messages, err := s.messages.List(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := types.SessionID(r.PathValue("id"))
	if err := s.sessions.Delete(r.Context(), sessionID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, types.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	if _, err := s.bus.Publish(r.Context(), types.SessionEventsChannel, types.EventSessionDeleted,
		map[string]types.SessionID{"session_id": sessionID}); err != nil {
		slog.Warn("session-deleted publish failed", "session_id", string(sessionID), "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *server) handleAbort(w http.ResponseWriter, r *http.Request) {
	sessionID := types.SessionID(r.PathValue("id"))
	if err := s.orch.Abort(sessionID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, orchestrator.ErrNotStreaming) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type answerRequest struct {
	ToolCallID types.ToolCallID `json:"tool_call_id"`
	Answer     string           `json:"answer"`
}

func (s *server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	sessionID := types.SessionID(r.PathValue("id"))
	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return
	}
	if err := s.asks.Answer(r.Context(), sessionID, req.ToolCallID, req.Answer); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ask.ErrNoMatch) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	sessionID := types.SessionID(r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]any{"queued": s.queue.List(sessionID)})
}

func (s *server) handleRemoveQueued(w http.ResponseWriter, r *http.Request) {
	sessionID := types.SessionID(r.PathValue("id"))
	msgID := types.MessageID(r.PathValue("msg"))
	if err := s.queue.Remove(r.Context(), sessionID, msgID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, types.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type putFileRequest struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"` // base64 in JSON
}

func (s *server) handlePutFile(w http.ResponseWriter, r *http.Request) {
	var req putFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return
	}
	if req.Name == "" || len(req.Data) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("name and data are required"))
		return
	}
	file := &types.FileContent{
		ID:       types.NewFileID(),
		Name:     req.Name,
		MimeType: req.MimeType,
		Data:     req.Data,
	}
	if err := s.files.Put(r.Context(), file); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"file_id": file.ID})
}
