package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/user/streamhub/pkg/llm"
)

func TestComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Error("missing or invalid auth header")
		}

		resp := map[string]any{
			"choices": []map[string]any{
				{
					"message": map[string]any{
						"role":    "assistant",
						"content": "test response",
					},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]any{
				"prompt_tokens":     10,
				"completion_tokens": 5,
				"total_tokens":      15,
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := New(&llm.Config{BaseURL: server.URL, APIKey: "test-key", Model: "gpt-4o"})
	if !client.IsConfigured() {
		t.Fatal("expected client to be configured")
	}

	resp, err := client.Complete(context.Background(), []llm.Message{{Role: "user", Content: "hello"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "test response" {
		t.Errorf("expected 'test response', got %s", resp.Content)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("expected 15 total tokens, got %d", resp.Usage.TotalTokens)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("expected finish reason stop, got %s", resp.FinishReason)
	}
}

func TestCompleteAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := New(&llm.Config{BaseURL: server.URL, Model: "gpt-4o"})
	if _, err := client.Complete(context.Background(), []llm.Message{{Role: "user", Content: "x"}}, nil); err == nil {
		t.Fatal("expected error on non-200 status")
	}
}

func TestStreamTextAndUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if req["stream"] != true {
			t.Error("expected stream:true in request")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		events := []string{
			`{"choices":[{"delta":{"content":"Hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo"}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
			`{"choices":[],"usage":{"prompt_tokens":7,"completion_tokens":2,"total_tokens":9}}`,
		}
		for _, ev := range events {
			fmt.Fprintf(w, "data: %s\n\n", ev)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := New(&llm.Config{BaseURL: server.URL, Model: "gpt-4o"})
	ch, err := client.Stream(context.Background(), []llm.Message{{Role: "user", Content: "hi"}}, nil)
	if err != nil {
		t.Fatal(err)
	}

	var kinds []llm.ChunkKind
	var text string
	var finish *llm.Chunk
	for chunk := range ch {
		kinds = append(kinds, chunk.Kind)
		if chunk.Kind == llm.ChunkTextDelta {
			text += chunk.Text
		}
		if chunk.Kind == llm.ChunkFinish {
			c := chunk
			finish = &c
		}
	}

	want := []llm.ChunkKind{llm.ChunkTextStart, llm.ChunkTextDelta, llm.ChunkTextDelta, llm.ChunkTextEnd, llm.ChunkFinish}
	if len(kinds) != len(want) {
		t.Fatalf("expected kinds %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("chunk %d: expected %s, got %s", i, want[i], kinds[i])
		}
	}
	if text != "Hello" {
		t.Errorf("expected accumulated text Hello, got %q", text)
	}
	if finish == nil || finish.Usage == nil || finish.Usage.TotalTokens != 9 {
		t.Errorf("expected finish with usage, got %+v", finish)
	}
	if finish != nil && finish.FinishReason != "stop" {
		t.Errorf("expected finish reason stop, got %s", finish.FinishReason)
	}
}

func TestStreamAssemblesToolCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		events := []string{
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"bash","arguments":""}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"command\":"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"ls\"}"}}]}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		}
		for _, ev := range events {
			fmt.Fprintf(w, "data: %s\n\n", ev)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := New(&llm.Config{BaseURL: server.URL, Model: "gpt-4o"})
	ch, err := client.Stream(context.Background(), []llm.Message{{Role: "user", Content: "run ls"}}, nil)
	if err != nil {
		t.Fatal(err)
	}

	var call *llm.ToolCall
	var inputDeltas int
	for chunk := range ch {
		switch chunk.Kind {
		case llm.ChunkToolInputDelta:
			inputDeltas++
		case llm.ChunkToolCall:
			call = chunk.ToolCall
		}
	}

	if call == nil {
		t.Fatal("expected assembled tool call")
	}
	if call.ID != "call_1" || call.Function.Name != "bash" {
		t.Errorf("unexpected call: %+v", call)
	}
	if string(call.Function.Arguments) != `{"command":"ls"}` {
		t.Errorf("arguments not assembled: %s", call.Function.Arguments)
	}
	if inputDeltas != 2 {
		t.Errorf("expected 2 input deltas, got %d", inputDeltas)
	}
}
