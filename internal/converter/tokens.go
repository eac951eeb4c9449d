package converter

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const defaultEncoding = "cl100k_base"

// TokenCounter counts prompt tokens with a BPE encoding. When the encoding
// cannot be loaded it falls back to CharsPerToken.
type TokenCounter struct {
	encoding string

	once    sync.Once
	enc     *tiktoken.Tiktoken
	loadErr error
}

// NewTokenCounter creates a counter for the named encoding ("" for cl100k_base).
// The encoding is loaded on first use.
func NewTokenCounter(encoding string) *TokenCounter {
	if encoding == "" {
		encoding = defaultEncoding
	}
	return &TokenCounter{encoding: encoding}
}

func (c *TokenCounter) load() {
	c.once.Do(func() {
		c.enc, c.loadErr = tiktoken.GetEncoding(c.encoding)
	})
}

// Count returns the token count of text and whether it is exact.
func (c *TokenCounter) Count(text string) (int, bool) {
	c.load()
	if c.loadErr != nil || c.enc == nil {
		return EstimateTokens(text), false
	}
	return len(c.enc.Encode(text, nil, nil)), true
}

// Err returns the encoding load error, if any.
func (c *TokenCounter) Err() error {
	c.load()
	return c.loadErr
}

// EstimateTokens approximates a token count from text length.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return max(len(text)/CharsPerToken, 1)
}
