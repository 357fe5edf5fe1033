// Package orchestrator drives streaming runs: one Trigger call turns a user
// message into a full assistant turn, looping provider steps, executing
// tools, and broadcasting every transition on the session stream channel.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/user/streamhub/internal/ask"
	"github.com/user/streamhub/internal/bus"
	"github.com/user/streamhub/internal/inline"
	"github.com/user/streamhub/internal/msgqueue"
	"github.com/user/streamhub/internal/sessionstate"
	"github.com/user/streamhub/internal/steps"
	"github.com/user/streamhub/internal/tokens"
	"github.com/user/streamhub/internal/triggers"
	"github.com/user/streamhub/internal/types"
	"github.com/user/streamhub/pkg/llm"
)

// ErrUnknownProvider is returned by Trigger when the requested provider is
// not registered or not configured.
var ErrUnknownProvider = errors.New("unknown or unconfigured provider")

// ErrNotStreaming is returned by Abort when no run is active for the session.
var ErrNotStreaming = errors.New("session is not streaming")

const (
	defaultMaxSteps          = 25
	defaultMaxConcurrent     = 4
	titleMaxLen              = 50
	titlePrompt              = "Write a short title (at most 6 words, no quotes) for a conversation that starts with this message:"
	defaultSystemInstruction = "You may emit a <title>...</title> directive once to name the session, and a <suggestions><suggestion>...</suggestion></suggestions> block at the end with follow-up prompts."
)

// Deps bundles the collaborators a new orchestrator needs.
type Deps struct {
	Bus       *bus.Bus
	Sessions  types.SessionStore
	Messages  types.MessageStore
	Steps     types.StepStore
	Todos     types.TodoStore
	Files     types.FileStore
	Registry  *sessionstate.Registry
	Queue     *msgqueue.Queue
	Asks      *ask.Service
	Providers map[string]llm.Provider
	Triggers  *triggers.Evaluator
}

// Options tune run behavior. Zero values select defaults.
type Options struct {
	MaxSteps             int
	MaxConcurrentStreams int64
	CWD                  string

	// CounterFor builds the token counter for a model. Defaults to the
	// tiktoken counter.
	CounterFor func(model string) (tokens.Counter, error)
}

// Orchestrator owns the active runs. One run per session at a time; Trigger
// on a streaming session queues the message for the next step instead.
type Orchestrator struct {
	deps     Deps
	tools    map[string]Tool
	maxSteps int
	cwd      string
	sem      *semaphore.Weighted
	counters func(model string) (tokens.Counter, error)

	mu     sync.Mutex
	active map[types.SessionID]context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an orchestrator. Tools are registered by their definition name.
func New(deps Deps, opts Options, tools ...Tool) *Orchestrator {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = defaultMaxSteps
	}
	if opts.MaxConcurrentStreams <= 0 {
		opts.MaxConcurrentStreams = defaultMaxConcurrent
	}
	if opts.CounterFor == nil {
		opts.CounterFor = func(model string) (tokens.Counter, error) {
			return tokens.NewCounter(model)
		}
	}

	toolMap := make(map[string]Tool, len(tools))
	for _, t := range tools {
		toolMap[t.Definition().Function.Name] = t
	}
	return &Orchestrator{
		deps:     deps,
		tools:    toolMap,
		maxSteps: opts.MaxSteps,
		cwd:      opts.CWD,
		sem:      semaphore.NewWeighted(opts.MaxConcurrentStreams),
		counters: opts.CounterFor,
		active:   make(map[types.SessionID]context.CancelFunc),
	}
}

// Request describes one user turn.
type Request struct {
	SessionID types.SessionID // empty starts a new session
	Provider  string
	Model     string
	Content   string
	FileIDs   []types.FileID
}

// Result reports what Trigger did with the request.
type Result struct {
	SessionID types.SessionID
	MessageID types.MessageID
	Queued    bool
}

// Trigger validates the request, ensures the session exists, and starts the
// streaming run in the background. If the session is already streaming the
// message is queued for injection into the next step instead.
func (o *Orchestrator) Trigger(ctx context.Context, req Request) (*Result, error) {
	provider, ok := o.deps.Providers[req.Provider]
	if !ok || !provider.IsConfigured() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, req.Provider)
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("message content is required")
	}

	session, created, err := o.ensureSession(ctx, req)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	if _, streaming := o.active[session.ID]; streaming {
		o.mu.Unlock()
		queued := o.deps.Queue.Add(ctx, session.ID, req.Content)
		return &Result{SessionID: session.ID, MessageID: queued.ID, Queued: true}, nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	o.active[session.ID] = cancel
	o.mu.Unlock()

	if created {
		o.publishGlobal(ctx, types.EventSessionCreated, session)
	}

	assistantID := types.NewMessageID()
	o.wg.Add(1)
	go o.run(runCtx, provider, session, req, assistantID, created)

	return &Result{SessionID: session.ID, MessageID: assistantID}, nil
}

// Abort cancels the active run for the session. The run finalizes with the
// abort outcome; queued messages survive for the next run.
func (o *Orchestrator) Abort(sessionID types.SessionID) error {
	o.mu.Lock()
	cancel, ok := o.active[sessionID]
	o.mu.Unlock()
	if !ok {
		return ErrNotStreaming
	}
	cancel()
	return nil
}

// IsStreaming reports whether a run is active for the session.
func (o *Orchestrator) IsStreaming(sessionID types.SessionID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[sessionID]
	return ok
}

// Wait blocks until all active runs have finalized. Used on shutdown.
func (o *Orchestrator) Wait() { o.wg.Wait() }

func (o *Orchestrator) ensureSession(ctx context.Context, req Request) (*types.Session, bool, error) {
	if req.SessionID != "" {
		session, err := o.deps.Sessions.Get(ctx, req.SessionID)
		if err == nil {
			o.applySessionOverrides(ctx, session, req)
			return session, false, nil
		}
		if !errors.Is(err, types.ErrNotFound) {
			return nil, false, fmt.Errorf("load session: %w", err)
		}
	}

	session := &types.Session{
		ID:       req.SessionID,
		Provider: req.Provider,
		Model:    req.Model,
	}
	if session.ID == "" {
		session.ID = types.NewSessionID()
	}
	if err := o.deps.Sessions.Create(ctx, session); err != nil {
		return nil, false, fmt.Errorf("create session: %w", err)
	}
	return session, true, nil
}

// applySessionOverrides persists a provider or model switch requested on an
// existing session and announces each change on the session stream.
func (o *Orchestrator) applySessionOverrides(ctx context.Context, session *types.Session, req Request) {
	modelChanged := req.Model != "" && req.Model != session.Model
	providerChanged := req.Provider != "" && req.Provider != session.Provider
	if !modelChanged && !providerChanged {
		return
	}

	if modelChanged {
		session.Model = req.Model
	}
	if providerChanged {
		session.Provider = req.Provider
	}
	if err := o.deps.Sessions.Update(ctx, session); err != nil {
		slog.Warn("persist session override failed", "session_id", string(session.ID), "error", err)
		return
	}
	if modelChanged {
		o.publishStream(ctx, session.ID, types.EventSessionModelUpdated, map[string]string{"model": session.Model})
	}
	if providerChanged {
		o.publishStream(ctx, session.ID, types.EventSessionProviderUpdated, map[string]string{"provider": session.Provider})
	}
}

type messageCreatedPayload struct {
	Message *types.Message `json:"message"`
}

type messageStatusPayload struct {
	MessageID types.MessageID `json:"message_id"`
	Status    string          `json:"status"`
}

type toolCallPayload struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Input      string `json:"input"`
}

type toolResultPayload struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
}

type terminalPayload struct {
	MessageID types.MessageID `json:"message_id"`
	Reason    string          `json:"reason,omitempty"`
}

// run is the streaming loop for one assistant turn. It always finalizes,
// whatever the outcome.
func (o *Orchestrator) run(ctx context.Context, provider llm.Provider, session *types.Session, req Request, assistantID types.MessageID, firstMessage bool) {
	defer o.wg.Done()

	sessionID := session.ID
	defer func() {
		o.mu.Lock()
		if cancel, ok := o.active[sessionID]; ok {
			cancel()
			delete(o.active, sessionID)
		}
		o.mu.Unlock()
	}()

	if err := o.sem.Acquire(ctx, 1); err != nil {
		slog.Warn("stream slot acquire failed", "session_id", string(sessionID), "error", err)
		// The subscriber still needs a terminal event for this trigger.
		fctx := context.WithoutCancel(ctx)
		terminal := terminalPayload{MessageID: assistantID}
		if errors.Is(err, context.Canceled) {
			o.publishStream(fctx, sessionID, types.EventAbort, terminal)
		} else {
			terminal.Reason = err.Error()
			o.publishStream(fctx, sessionID, types.EventError, terminal)
		}
		return
	}
	defer o.sem.Release(1)

	model := req.Model
	if model == "" {
		model = session.Model
	}

	state := o.deps.Registry.GetOrCreate(sessionID)

	history, err := o.deps.Messages.List(ctx, sessionID)
	if err != nil {
		slog.Warn("load history failed", "session_id", string(sessionID), "error", err)
	}

	userMsg := o.createUserMessage(ctx, sessionID, req)
	assistantMsg := &types.Message{
		ID:        assistantID,
		SessionID: sessionID,
		Role:      "assistant",
		Status:    types.MessageStatusActive,
	}
	if err := o.deps.Messages.Add(ctx, assistantMsg); err != nil {
		slog.Warn("persist assistant message failed", "message_id", string(assistantID), "error", err)
	}
	o.publishStream(ctx, sessionID, types.EventAssistantMessageCreated, messageCreatedPayload{Message: assistantMsg})

	counter, err := o.counters(model)
	if err != nil {
		slog.Warn("token counter init failed, counts disabled", "model", model, "error", err)
		counter = zeroCounter{}
	}
	tracker := tokens.New(counter, o.deps.Sessions, o.deps.Messages, state, tokens.DefaultBaseContext)
	if _, err := tracker.Initialize(ctx, session, o.cwd); err != nil {
		slog.Warn("token baseline failed", "session_id", string(sessionID), "error", err)
	}

	var stepText strings.Builder
	dispatcher := inline.NewDispatcher(o.deps.Bus, sessionID, o.deps.Sessions, state, func(cbCtx context.Context, text string) {
		stepText.WriteString(text)
		tracker.AddDelta(cbCtx, text)
	})

	manager := steps.New(o.deps.Bus, o.deps.Sessions, o.deps.Steps, o.deps.Queue, o.deps.Triggers, tracker,
		sessionID, assistantID, req.Provider, model, provider.ModelDetails().ContextLength)

	state.SetStreaming(ctx, true)
	state.UpdateStatusFromState(ctx)

	msgs := buildModelInput(history, userMsg)

	var (
		outcome  = types.MessageStatusCompleted
		runErr   error
		allParts []types.MessagePart
	)

stepLoop:
	for i := 0; i < o.maxSteps; i++ {
		prepared, _, err := manager.Prepare(ctx, i, msgs)
		if err != nil {
			if ctx.Err() != nil {
				outcome = types.MessageStatusAbort
			} else {
				outcome, runErr = types.MessageStatusError, err
			}
			break
		}
		msgs = prepared

		ch, err := provider.Stream(ctx, msgs, o.toolDefs())
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				outcome = types.MessageStatusAbort
			} else {
				outcome, runErr = types.MessageStatusError, err
			}
			break
		}

		stepText.Reset()
		result, err := o.consume(ctx, sessionID, dispatcher, ch)
		if err != nil {
			stepStatus := types.StepStatusError
			if errors.Is(err, context.Canceled) {
				outcome, stepStatus = types.MessageStatusAbort, types.StepStatusAbort
			} else {
				outcome, runErr = types.MessageStatusError, err
			}
			// Keep whatever the step produced before it was cut off.
			partial := o.stepParts(&stepText, result)
			allParts = append(allParts, partial...)
			manager.Complete(context.WithoutCancel(ctx), i, stepStatus, partial, result.usage, result.finishReason)
			break
		}
		stepParts := o.stepParts(&stepText, result)
		manager.Complete(ctx, i, types.StepStatusCompleted, stepParts, result.usage, result.finishReason)
		allParts = append(allParts, stepParts...)

		msgs = append(msgs, llm.Message{Role: "assistant", Content: result.text, Tools: result.calls})

		for _, call := range result.calls {
			toolMsg, part := o.executeTool(ctx, sessionID, state, call)
			allParts = append(allParts, part)
			msgs = append(msgs, toolMsg)
			if ctx.Err() != nil {
				outcome = types.MessageStatusAbort
				break stepLoop
			}
		}

		if err := o.deps.Messages.UpdateParts(ctx, assistantID, allParts); err != nil {
			slog.Warn("persist assistant parts failed", "message_id", string(assistantID), "error", err)
		}

		if len(result.calls) == 0 && manager.QueueLen() == 0 {
			break
		}
	}

	o.finalize(ctx, provider, session, assistantID, dispatcher, tracker, state, outcome, runErr, firstMessage, req.Content, allParts)
}

func (o *Orchestrator) createUserMessage(ctx context.Context, sessionID types.SessionID, req Request) *types.Message {
	parts := []types.MessagePart{{Type: types.PartText, Text: req.Content}}
	for _, fileID := range req.FileIDs {
		file, err := o.deps.Files.Get(ctx, fileID)
		if err != nil {
			slog.Warn("attached file not found", "file_id", string(fileID), "error", err)
			continue
		}
		parts = append(parts, types.MessagePart{Type: types.PartFile, FileID: file.ID, MimeType: file.MimeType, Text: file.Name})
	}

	msg := &types.Message{
		ID:        types.NewMessageID(),
		SessionID: sessionID,
		Role:      "user",
		Status:    types.MessageStatusCompleted,
		Parts:     parts,
	}
	if err := o.deps.Messages.Add(ctx, msg); err != nil {
		slog.Warn("persist user message failed", "message_id", string(msg.ID), "error", err)
	}
	o.publishStream(ctx, sessionID, types.EventUserMessageCreated, messageCreatedPayload{Message: msg})
	return msg
}

// streamResult is what one provider stream produced.
type streamResult struct {
	text         string
	reasoning    string
	calls        []llm.ToolCall
	usage        types.Usage
	finishReason string
}

// consume drains one provider stream, feeding text through the inline
// dispatcher and forwarding everything else as stream events.
func (o *Orchestrator) consume(ctx context.Context, sessionID types.SessionID, dispatcher *inline.Dispatcher, ch <-chan llm.Chunk) (*streamResult, error) {
	result := &streamResult{}
	var reasoning strings.Builder
	var rawText strings.Builder

	for {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				result.text = rawText.String()
				result.reasoning = reasoning.String()
				return result, nil
			}
			switch chunk.Kind {
			case llm.ChunkTextDelta:
				rawText.WriteString(chunk.Text)
				dispatcher.Feed(ctx, chunk.Text)
			case llm.ChunkReasoningStart:
				o.publishStream(ctx, sessionID, types.EventReasoningStart, nil)
			case llm.ChunkReasoningDelta:
				reasoning.WriteString(chunk.Text)
				o.publishStream(ctx, sessionID, types.EventReasoningDelta, map[string]string{"text": chunk.Text})
			case llm.ChunkReasoningEnd:
				o.publishStream(ctx, sessionID, types.EventReasoningEnd, nil)
			case llm.ChunkToolInputStart:
				o.publishStream(ctx, sessionID, types.EventToolInputStart, toolCallPayload{ToolCallID: chunk.ToolCallID, ToolName: chunk.ToolName})
			case llm.ChunkToolInputDelta:
				o.publishStream(ctx, sessionID, types.EventToolInputDelta, toolCallPayload{ToolCallID: chunk.ToolCallID, ToolName: chunk.ToolName, Input: chunk.Text})
			case llm.ChunkToolCall:
				if chunk.ToolCall != nil {
					result.calls = append(result.calls, *chunk.ToolCall)
					o.publishStream(ctx, sessionID, types.EventToolInputEnd, toolCallPayload{
						ToolCallID: chunk.ToolCall.ID,
						ToolName:   chunk.ToolCall.Function.Name,
					})
					o.publishStream(ctx, sessionID, types.EventToolCall, toolCallPayload{
						ToolCallID: chunk.ToolCall.ID,
						ToolName:   chunk.ToolCall.Function.Name,
						Input:      string(chunk.ToolCall.Function.Arguments),
					})
				}
			case llm.ChunkError:
				return result, chunk.Err
			case llm.ChunkFinish:
				if chunk.Usage != nil {
					result.usage = types.Usage{
						InputTokens:  chunk.Usage.InputTokens,
						OutputTokens: chunk.Usage.OutputTokens,
						TotalTokens:  chunk.Usage.TotalTokens,
					}
				}
				result.finishReason = chunk.FinishReason
			}
		}
	}
}

// stepParts turns one stream's output into persisted parts. The text part
// holds the plain message text after inline directives were stripped.
func (o *Orchestrator) stepParts(text *strings.Builder, result *streamResult) []types.MessagePart {
	var parts []types.MessagePart
	if result.reasoning != "" {
		parts = append(parts, types.MessagePart{Type: types.PartReasoning, Text: result.reasoning})
	}
	if t := text.String(); t != "" {
		parts = append(parts, types.MessagePart{Type: types.PartText, Text: t})
	}
	for _, call := range result.calls {
		parts = append(parts, types.MessagePart{
			Type:       types.PartToolCall,
			ToolCallID: types.ToolCallID(call.ID),
			ToolName:   call.Function.Name,
			Input:      call.Function.Arguments,
		})
	}
	return parts
}

func (o *Orchestrator) executeTool(ctx context.Context, sessionID types.SessionID, state *sessionstate.State, call llm.ToolCall) (llm.Message, types.MessagePart) {
	name := call.Function.Name
	state.SetCurrentTool(ctx, name)
	state.UpdateStatusFromState(ctx)
	defer func() {
		state.SetCurrentTool(ctx, "")
		state.UpdateStatusFromState(ctx)
	}()

	tool, ok := o.tools[name]
	var output string
	var err error
	if !ok {
		err = fmt.Errorf("unknown tool %q", name)
	} else {
		output, err = tool.Execute(ctx, sessionID, call)
	}

	payload := toolResultPayload{ToolCallID: call.ID, ToolName: name, Output: output}
	part := types.MessagePart{
		Type:       types.PartToolResult,
		ToolCallID: types.ToolCallID(call.ID),
		ToolName:   name,
	}
	content := output
	if err != nil {
		payload.Error = err.Error()
		part.Status = "error"
		content = "tool error: " + err.Error()
		part.Output = mustJSON(content)
		o.publishStream(ctx, sessionID, types.EventToolError, payload)
	} else {
		part.Output = mustJSON(content)
		o.publishStream(ctx, sessionID, types.EventToolResult, payload)
	}

	return llm.Message{
		Role:       "tool",
		Content:    content,
		ToolCallID: call.ID,
		Tools:      []llm.ToolCall{call},
	}, part
}

func (o *Orchestrator) finalize(ctx context.Context, provider llm.Provider, session *types.Session, assistantID types.MessageID, dispatcher *inline.Dispatcher, tracker *tokens.Tracker, state *sessionstate.State, outcome string, runErr error, firstMessage bool, userContent string, allParts []types.MessagePart) {
	// Finalization must not be cut short by the aborted run context.
	ctx = context.WithoutCancel(ctx)
	sessionID := session.ID

	dispatcher.Flush(ctx)

	if suggestions := dispatcher.Suggestions(); len(suggestions) > 0 {
		if fresh, err := o.deps.Sessions.Get(ctx, sessionID); err == nil {
			fresh.Suggestions = suggestions
			if err := o.deps.Sessions.Update(ctx, fresh); err != nil {
				slog.Warn("persist suggestions failed", "session_id", string(sessionID), "error", err)
			}
		}
	}

	if len(allParts) > 0 {
		if err := o.deps.Messages.UpdateParts(ctx, assistantID, allParts); err != nil {
			slog.Warn("persist final parts failed", "message_id", string(assistantID), "error", err)
		}
	}
	if err := o.deps.Messages.UpdateStatus(ctx, assistantID, outcome); err != nil {
		slog.Warn("persist message status failed", "message_id", string(assistantID), "error", err)
	}
	o.publishStream(ctx, sessionID, types.EventMessageStatusUpdated, messageStatusPayload{MessageID: assistantID, Status: outcome})

	if _, err := tracker.CalculateFinal(ctx); err != nil {
		slog.Warn("final token calculation failed", "session_id", string(sessionID), "error", err)
	}

	if firstMessage && outcome == types.MessageStatusCompleted {
		o.maybeGenerateTitle(ctx, provider, sessionID, state, userContent)
	}

	o.deps.Asks.ClearSession(ctx, sessionID)

	state.SetStreaming(ctx, false)
	state.UpdateStatusFromState(ctx)

	terminal := terminalPayload{MessageID: assistantID}
	switch outcome {
	case types.MessageStatusAbort:
		o.publishStream(ctx, sessionID, types.EventAbort, terminal)
	case types.MessageStatusError:
		if runErr != nil {
			terminal.Reason = runErr.Error()
		}
		slog.Error("stream failed", "session_id", string(sessionID), "error", runErr)
		o.publishStream(ctx, sessionID, types.EventError, terminal)
	default:
		o.publishStream(ctx, sessionID, types.EventComplete, terminal)
	}

	if fresh, err := o.deps.Sessions.Get(ctx, sessionID); err == nil {
		if _, err := o.deps.Bus.Publish(ctx, types.SessionChannel(sessionID), types.EventEntityUpdate, fresh); err != nil {
			slog.Warn("entity snapshot publish failed", "session_id", string(sessionID), "error", err)
		}
	}

	o.deps.Registry.Delete(sessionID)
}

// maybeGenerateTitle asks the model for a short title when the stream did
// not set one inline.
func (o *Orchestrator) maybeGenerateTitle(ctx context.Context, provider llm.Provider, sessionID types.SessionID, state *sessionstate.State, userContent string) {
	session, err := o.deps.Sessions.Get(ctx, sessionID)
	if err != nil || session.Title != "" {
		return
	}

	resp, err := provider.Complete(ctx, []llm.Message{
		{Role: "system", Content: titlePrompt},
		{Role: "user", Content: userContent},
	}, nil)
	if err != nil {
		slog.Warn("title generation failed", "session_id", string(sessionID), "error", err)
		return
	}
	title := strings.TrimSpace(strings.Trim(resp.Content, `"`))
	if title == "" {
		return
	}
	if runes := []rune(title); len(runes) > titleMaxLen {
		title = strings.TrimSpace(string(runes[:titleMaxLen]))
	}

	session.Title = title
	if err := o.deps.Sessions.Update(ctx, session); err != nil {
		slog.Warn("persist generated title failed", "session_id", string(sessionID), "error", err)
	}
	state.SetTitle(ctx, title)
}

func (o *Orchestrator) toolDefs() []llm.Tool {
	defs := make([]llm.Tool, 0, len(o.tools))
	for _, t := range o.tools {
		defs = append(defs, t.Definition())
	}
	return defs
}

func buildModelInput(history []*types.Message, userMsg *types.Message) []llm.Message {
	msgs := []llm.Message{{Role: "system", Content: defaultSystemInstruction}}
	for _, m := range history {
		if text := messageText(m); text != "" {
			msgs = append(msgs, llm.Message{Role: m.Role, Content: text})
		}
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: messageText(userMsg)})
	return msgs
}

func messageText(m *types.Message) string {
	var b strings.Builder
	for _, part := range m.Parts {
		switch part.Type {
		case types.PartText:
			b.WriteString(part.Text)
		case types.PartFile:
			fmt.Fprintf(&b, "\n[attached file: %s (%s)]", part.Text, part.MimeType)
		}
	}
	return b.String()
}

func (o *Orchestrator) publishStream(ctx context.Context, sessionID types.SessionID, typ types.EventType, payload any) {
	if _, err := o.deps.Bus.Publish(ctx, types.SessionStreamChannel(sessionID), typ, payload); err != nil {
		slog.Warn("stream event publish failed", "session_id", string(sessionID), "type", string(typ), "error", err)
	}
}

func (o *Orchestrator) publishGlobal(ctx context.Context, typ types.EventType, payload any) {
	if _, err := o.deps.Bus.Publish(ctx, types.SessionEventsChannel, typ, payload); err != nil {
		slog.Warn("global event publish failed", "type", string(typ), "error", err)
	}
}

func mustJSON(s string) []byte {
	data, err := json.Marshal(s)
	if err != nil {
		return []byte(`""`)
	}
	return data
}

// zeroCounter is the fallback when no tokenizer is available for the model.
type zeroCounter struct{}

func (zeroCounter) Count(string) int { return 0 }
