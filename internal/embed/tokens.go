package embed

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// DefaultMaxTokens matches the input window of the small embedding models
// the pipeline is run with.
const DefaultMaxTokens = 512

// TokenLimit rejects texts longer than a model's input window. Counts use
// the cl100k_base encoding, which is close enough to the model tokenizers
// for a guard.
type TokenLimit struct {
	max   int
	codec tokenizer.Codec
}

// NewTokenLimit loads the cl100k_base codec.
func NewTokenLimit(max int) (*TokenLimit, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("embed: load tokenizer: %w", err)
	}
	if max <= 0 {
		max = DefaultMaxTokens
	}
	return &TokenLimit{max: max, codec: codec}, nil
}

// Max returns the limit.
func (l *TokenLimit) Max() int { return l.max }

// Count returns the number of tokens in text.
func (l *TokenLimit) Count(text string) (int, error) {
	ids, _, err := l.codec.Encode(text)
	if err != nil {
		return 0, fmt.Errorf("embed: tokenize: %w", err)
	}
	return len(ids), nil
}

// Check returns ErrTooLong when text exceeds the limit.
func (l *TokenLimit) Check(text string) error {
	n, err := l.Count(text)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEmbeddingFailure, err)
	}
	if n > l.max {
		return fmt.Errorf("%w: %d tokens, limit %d", ErrTooLong, n, l.max)
	}
	return nil
}
