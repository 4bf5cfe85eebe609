// Package tokenizer provides a deterministic text-to-token-count contract
// for the chunker, grounded on sweetpotato0-ai-allin's
// contrib/tokenizer/tiktoken wrapper around pkoukk/tiktoken-go.
package tokenizer

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer counts tokens deterministically. The chunker depends only on
// this contract, never on token identities: Count(a+b) >= Count(a) when b
// is non-empty, Count("") == 0, and results are stable across calls.
type Tokenizer interface {
	Count(text string) (int, error)
}

// Tiktoken wraps a cached tiktoken-go encoding.
type Tiktoken struct {
	enc *tiktoken.Tiktoken
}

var (
	defaultOnce sync.Once
	defaultEnc  *tiktoken.Tiktoken
	defaultErr  error
)

// NewDefault returns the default cl100k_base-encoded tokenizer, matching
// the embedding models spec.md targets (e.g. OpenAI-compatible 1536-dim
// embedders).
func NewDefault() (*Tiktoken, error) {
	defaultOnce.Do(func() {
		defaultEnc, defaultErr = tiktoken.GetEncoding("cl100k_base")
	})
	if defaultErr != nil {
		return nil, defaultErr
	}
	return &Tiktoken{enc: defaultEnc}, nil
}

// Count returns the number of tokens in text. Empty text always counts as
// zero tokens.
func (t *Tiktoken) Count(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}
