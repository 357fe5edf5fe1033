package tokens

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Counter counts tokens in text. The production implementation is the
// model-specific tiktoken encoding; tests substitute a stub.
type Counter interface {
	Count(text string) int
}

// TiktokenCounter counts with the encoding for a specific model.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewCounter selects the tokenizer for the model, falling back to
// cl100k_base for unknown models.
func NewCounter(model string) (*TiktokenCounter, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &TiktokenCounter{enc: enc}, nil
}

func (c *TiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

var _ Counter = (*TiktokenCounter)(nil)
