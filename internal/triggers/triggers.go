// Package triggers evaluates per-step conditions that synthesize system
// messages into the model input, such as context-length warnings and
// periodic reminders.
package triggers

import (
	"context"
	"fmt"

	"github.com/user/streamhub/internal/types"
)

// Directive is a system message to splice into the next model input.
type Directive struct {
	MessageType string `json:"message_type"`
	Message     string `json:"message"`
}

// Input is the state a trigger evaluates against.
type Input struct {
	Session       *types.Session
	StepNumber    int
	ContextTokens int
	ContextLimit  int
}

// Trigger inspects the input and returns zero or more directives.
type Trigger interface {
	Evaluate(ctx context.Context, in Input) []Directive
}

// Evaluator runs all configured triggers in order.
type Evaluator struct {
	triggers []Trigger
}

func NewEvaluator(triggers ...Trigger) *Evaluator {
	return &Evaluator{triggers: triggers}
}

func (e *Evaluator) Evaluate(ctx context.Context, in Input) []Directive {
	var out []Directive
	for _, t := range e.triggers {
		out = append(out, t.Evaluate(ctx, in)...)
	}
	return out
}

// ContextWarning fires once the context usage crosses a fraction of the
// model's context limit.
type ContextWarning struct {
	Threshold float64 // fraction of the limit, e.g. 0.8
}

func (t ContextWarning) Evaluate(_ context.Context, in Input) []Directive {
	if in.ContextLimit <= 0 {
		return nil
	}
	ratio := float64(in.ContextTokens) / float64(in.ContextLimit)
	if ratio < t.Threshold {
		return nil
	}
	return []Directive{{
		MessageType: "context-warning",
		Message: fmt.Sprintf(
			"Context usage is at %.0f%% of the %d-token limit. Summarize or conclude soon.",
			ratio*100, in.ContextLimit,
		),
	}}
}

// StepReminder injects a fixed reminder every N steps.
type StepReminder struct {
	Every   int
	Message string
}

func (t StepReminder) Evaluate(_ context.Context, in Input) []Directive {
	if t.Every <= 0 || in.StepNumber == 0 || in.StepNumber%t.Every != 0 {
		return nil
	}
	return []Directive{{MessageType: "reminder", Message: t.Message}}
}
