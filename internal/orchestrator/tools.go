package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/user/streamhub/internal/ask"
	"github.com/user/streamhub/internal/sessionstate"
	"github.com/user/streamhub/internal/types"
	"github.com/user/streamhub/pkg/llm"
)

// Tool is a model-invocable capability. Execute blocks until the tool has a
// result; the context is the run context, so aborting the stream cancels
// in-flight tools.
type Tool interface {
	Definition() llm.Tool
	Execute(ctx context.Context, sessionID types.SessionID, call llm.ToolCall) (string, error)
}

// AskTool surfaces a question to the connected clients and blocks the step
// loop until one of them answers through the ask service.
type AskTool struct {
	Asks *ask.Service
}

type askInput struct {
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
}

func (t *AskTool) Definition() llm.Tool {
	return llm.Tool{
		Type: "function",
		Function: llm.Function{
			Name:        "ask",
			Description: "Ask the user a question and wait for their answer. Use options for multiple choice.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"question": {"type": "string"},
					"options": {"type": "array", "items": {"type": "string"}}
				},
				"required": ["question"]
			}`),
		},
	}
}

func (t *AskTool) Execute(ctx context.Context, sessionID types.SessionID, call llm.ToolCall) (string, error) {
	var in askInput
	if err := json.Unmarshal(call.Function.Arguments, &in); err != nil {
		return "", fmt.Errorf("parse ask input: %w", err)
	}
	if in.Question == "" {
		return "", fmt.Errorf("ask requires a question")
	}

	pending, err := t.Asks.Enqueue(ctx, sessionID, types.ToolCallID(call.ID), in.Question, in.Options)
	if err != nil {
		return "", fmt.Errorf("enqueue question: %w", err)
	}
	answer, err := pending.Await(ctx)
	if err != nil {
		return "", fmt.Errorf("await answer: %w", err)
	}
	return answer, nil
}

// TodoTool lets the model replace the session todo list. The replacement is
// wholesale; partial edits come back as a full list.
type TodoTool struct {
	Todos    types.TodoStore
	Registry *sessionstate.Registry
}

type todoInput struct {
	Todos []types.Todo `json:"todos"`
}

func (t *TodoTool) Definition() llm.Tool {
	return llm.Tool{
		Type: "function",
		Function: llm.Function{
			Name:        "todo_write",
			Description: "Replace the session todo list. Provide the complete list every time.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"todos": {
						"type": "array",
						"items": {
							"type": "object",
							"properties": {
								"content": {"type": "string"},
								"active_form": {"type": "string"},
								"status": {"type": "string", "enum": ["pending", "in_progress", "completed"]}
							},
							"required": ["content", "status"]
						}
					}
				},
				"required": ["todos"]
			}`),
		},
	}
}

func (t *TodoTool) Execute(ctx context.Context, sessionID types.SessionID, call llm.ToolCall) (string, error) {
	var in todoInput
	if err := json.Unmarshal(call.Function.Arguments, &in); err != nil {
		return "", fmt.Errorf("parse todo input: %w", err)
	}
	if err := t.Todos.Replace(ctx, sessionID, in.Todos); err != nil {
		return "", fmt.Errorf("replace todos: %w", err)
	}
	if state, ok := t.Registry.Get(sessionID); ok {
		state.SetTodos(ctx, in.Todos)
	}
	return fmt.Sprintf("todo list updated (%d items)", len(in.Todos)), nil
}
