// Package openai implements llm.Provider against OpenAI-compatible chat
// completion APIs, including SSE streaming.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/user/streamhub/pkg/llm"
)

// Client implements the llm.Provider interface for OpenAI-compatible APIs.
type Client struct {
	config     *llm.Config
	httpClient *http.Client
}

var _ llm.Provider = (*Client)(nil)

// New creates a new OpenAI-compatible client with the given configuration.
func New(config *llm.Config) *Client {
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
}

// IsConfigured reports whether the client can issue requests.
func (c *Client) IsConfigured() bool {
	return c.config.IsConfigured()
}

// modelDetails has entries for the models we route to most often. Unknown
// models fall back to llm.DefaultModelDetails.
var modelDetails = map[string]llm.ModelDetails{
	"gpt-4o":      {ContextLength: 128_000, MaxOutputTokens: 16_384, InputCostPer1M: 2.50, OutputCostPer1M: 10.00},
	"gpt-4o-mini": {ContextLength: 128_000, MaxOutputTokens: 16_384, InputCostPer1M: 0.15, OutputCostPer1M: 0.60},
	"gpt-4.1":     {ContextLength: 1_000_000, MaxOutputTokens: 32_768, InputCostPer1M: 2.00, OutputCostPer1M: 8.00},
	"o3-mini":     {ContextLength: 200_000, MaxOutputTokens: 100_000, InputCostPer1M: 1.10, OutputCostPer1M: 4.40},
}

// ModelDetails returns static limits for the configured model.
func (c *Client) ModelDetails() llm.ModelDetails {
	if d, ok := modelDetails[c.config.Model]; ok {
		return d
	}
	return llm.DefaultModelDetails
}

// chatRequest is the OpenAI chat completions request body.
type chatRequest struct {
	Model         string           `json:"model"`
	Messages      []requestMessage `json:"messages"`
	Tools         []llm.Tool       `json:"tools,omitempty"`
	MaxTokens     int              `json:"max_tokens,omitempty"`
	Temperature   *float32         `json:"temperature,omitempty"`
	Stream        bool             `json:"stream,omitempty"`
	StreamOptions *streamOptions   `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// requestMessage is the OpenAI message format for requests.
type requestMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []llm.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// chatResponse is the OpenAI chat completions response body.
type chatResponse struct {
	Choices []choice       `json:"choices"`
	Usage   *responseUsage `json:"usage"`
}

type choice struct {
	Message      responseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

type responseMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []llm.ToolCall `json:"tool_calls,omitempty"`
}

type responseUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// streamResponse is one SSE data payload during streaming.
type streamResponse struct {
	Choices []streamChoice `json:"choices"`
	Usage   *responseUsage `json:"usage"`
}

type streamChoice struct {
	Delta        streamDelta `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

type streamDelta struct {
	Content          string           `json:"content"`
	ReasoningContent string           `json:"reasoning_content"`
	ToolCalls        []streamToolCall `json:"tool_calls"`
}

// streamToolCall is a tool call fragment. The id and name arrive on the
// first fragment for an index; argument text accumulates across fragments.
type streamToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

func (c *Client) buildRequest(messages []llm.Message, tools []llm.Tool, stream bool) chatRequest {
	reqMessages := make([]requestMessage, len(messages))
	for i, msg := range messages {
		rm := requestMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		if msg.Role != "tool" && len(msg.Tools) > 0 {
			rm.ToolCalls = msg.Tools
		}
		reqMessages[i] = rm
	}

	reqBody := chatRequest{
		Model:    c.config.Model,
		Messages: reqMessages,
		Stream:   stream,
	}
	if stream {
		reqBody.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	if len(tools) > 0 {
		reqBody.Tools = tools
	}
	if c.config.MaxTokens > 0 {
		reqBody.MaxTokens = c.config.MaxTokens
	}
	if c.config.Temperature != 0 {
		temp := c.config.Temperature
		reqBody.Temperature = &temp
	}
	return reqBody
}

func (c *Client) send(ctx context.Context, reqBody chatRequest) (*http.Response, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := strings.TrimSuffix(c.config.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}
	return resp, nil
}

// Complete sends a chat completion request and returns the full response.
func (c *Client) Complete(ctx context.Context, messages []llm.Message, tools []llm.Tool) (*llm.Response, error) {
	resp, err := c.send(ctx, c.buildRequest(messages, tools, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	result := chatResp.Choices[0]
	out := &llm.Response{
		Content:      result.Message.Content,
		ToolCalls:    result.Message.ToolCalls,
		FinishReason: result.FinishReason,
	}
	if chatResp.Usage != nil {
		out.Usage = llm.Usage{
			InputTokens:  chatResp.Usage.PromptTokens,
			OutputTokens: chatResp.Usage.CompletionTokens,
			TotalTokens:  chatResp.Usage.TotalTokens,
		}
	}
	return out, nil
}

// Stream sends a streaming chat completion request and converts the SSE
// stream into chunks. The returned channel closes after a terminal finish
// or error chunk.
func (c *Client) Stream(ctx context.Context, messages []llm.Message, tools []llm.Tool) (<-chan llm.Chunk, error) {
	resp, err := c.send(ctx, c.buildRequest(messages, tools, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		c.readStream(ctx, resp.Body, ch)
	}()
	return ch, nil
}

// pendingCall accumulates tool call fragments for one index.
type pendingCall struct {
	index int
	id    string
	name  string
	args  strings.Builder
}

func (c *Client) readStream(ctx context.Context, body io.Reader, ch chan<- llm.Chunk) {
	emit := func(chunk llm.Chunk) bool {
		select {
		case ch <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var (
		textOpen      bool
		reasoningOpen bool
		calls         = map[int]*pendingCall{}
		usage         *llm.Usage
		finishReason  string
	)

	closeText := func() bool {
		if reasoningOpen {
			reasoningOpen = false
			if !emit(llm.Chunk{Kind: llm.ChunkReasoningEnd}) {
				return false
			}
		}
		if textOpen {
			textOpen = false
			if !emit(llm.Chunk{Kind: llm.ChunkTextEnd}) {
				return false
			}
		}
		return true
	}

	flushCalls := func() bool {
		indexes := make([]int, 0, len(calls))
		for i := range calls {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			pc := calls[i]
			args := pc.args.String()
			if args == "" {
				args = "{}"
			}
			call := &llm.ToolCall{
				ID:   pc.id,
				Type: "function",
				Function: llm.FunctionCall{
					Name:      pc.name,
					Arguments: json.RawMessage(args),
				},
			}
			if !emit(llm.Chunk{Kind: llm.ChunkToolCall, ToolCall: call}) {
				return false
			}
		}
		calls = map[int]*pendingCall{}
		return true
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			break
		}

		var sr streamResponse
		if err := json.Unmarshal([]byte(data), &sr); err != nil {
			emit(llm.Chunk{Kind: llm.ChunkError, Err: fmt.Errorf("parsing stream event: %w", err)})
			return
		}

		if sr.Usage != nil {
			usage = &llm.Usage{
				InputTokens:  sr.Usage.PromptTokens,
				OutputTokens: sr.Usage.CompletionTokens,
				TotalTokens:  sr.Usage.TotalTokens,
			}
		}
		if len(sr.Choices) == 0 {
			continue
		}
		cho := sr.Choices[0]

		if cho.Delta.ReasoningContent != "" {
			if !reasoningOpen {
				reasoningOpen = true
				if !emit(llm.Chunk{Kind: llm.ChunkReasoningStart}) {
					return
				}
			}
			if !emit(llm.Chunk{Kind: llm.ChunkReasoningDelta, Text: cho.Delta.ReasoningContent}) {
				return
			}
		}

		if cho.Delta.Content != "" {
			if reasoningOpen {
				reasoningOpen = false
				if !emit(llm.Chunk{Kind: llm.ChunkReasoningEnd}) {
					return
				}
			}
			if !textOpen {
				textOpen = true
				if !emit(llm.Chunk{Kind: llm.ChunkTextStart}) {
					return
				}
			}
			if !emit(llm.Chunk{Kind: llm.ChunkTextDelta, Text: cho.Delta.Content}) {
				return
			}
		}

		for _, tc := range cho.Delta.ToolCalls {
			pc, ok := calls[tc.Index]
			if !ok {
				pc = &pendingCall{index: tc.Index}
				calls[tc.Index] = pc
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
				if !emit(llm.Chunk{Kind: llm.ChunkToolInputStart, ToolCallID: pc.id, ToolName: pc.name}) {
					return
				}
			}
			if tc.Function.Arguments != "" {
				pc.args.WriteString(tc.Function.Arguments)
				if !emit(llm.Chunk{Kind: llm.ChunkToolInputDelta, ToolCallID: pc.id, ToolName: pc.name, Text: tc.Function.Arguments}) {
					return
				}
			}
		}

		if cho.FinishReason != "" {
			finishReason = cho.FinishReason
		}
	}

	if err := scanner.Err(); err != nil {
		emit(llm.Chunk{Kind: llm.ChunkError, Err: fmt.Errorf("reading stream: %w", err)})
		return
	}

	if !closeText() {
		return
	}
	if !flushCalls() {
		return
	}
	emit(llm.Chunk{Kind: llm.ChunkFinish, Usage: usage, FinishReason: finishReason})
}
