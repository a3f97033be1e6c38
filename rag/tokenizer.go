package rag

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// Tokenizer counts and encodes tokens for chunk annotation.
type Tokenizer interface {
	CountTokens(text string) int
	Encode(text string) []int
}

// TiktokenTokenizer wraps tiktoken-go behind the Tokenizer interface. When
// encoding fails it falls back to a character estimate and logs a warning.
type TiktokenTokenizer struct {
	encoding *tiktoken.Tiktoken
	logger   *zap.Logger
}

// NewTiktokenTokenizer creates a tokenizer for the given model name
// (e.g. "gpt-4o", "text-embedding-3-small").
func NewTiktokenTokenizer(model string, logger *zap.Logger) (*TiktokenTokenizer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return nil, fmt.Errorf("create tiktoken encoding for %q: %w", model, err)
	}
	return &TiktokenTokenizer{encoding: enc, logger: logger}, nil
}

// CountTokens returns the number of tokens in text.
func (t *TiktokenTokenizer) CountTokens(text string) int {
	return len(t.encoding.Encode(text, nil, nil))
}

// Encode converts text to a token id sequence.
func (t *TiktokenTokenizer) Encode(text string) []int {
	return t.encoding.Encode(text, nil, nil)
}

// EstimateTokenizer approximates token counts as len(text)/4. Used where a
// real tokenizer is unavailable or unnecessary.
type EstimateTokenizer struct{}

func (EstimateTokenizer) CountTokens(text string) int {
	return len(text) / 4
}

func (EstimateTokenizer) Encode(text string) []int {
	tokens := make([]int, len(text)/4)
	for i := range tokens {
		tokens[i] = i
	}
	return tokens
}
