package engine

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates how many model tokens a text costs. Counts only
// steer budget truncation, so an estimate is acceptable.
type TokenCounter interface {
	Count(text string) int
}

// NewTokenCounter returns a counter backed by the cl100k_base encoding,
// falling back to a heuristic when the encoding cannot be loaded (tiktoken
// fetches encodings lazily and may be offline).
func NewTokenCounter() TokenCounter {
	return &tiktokenCounter{}
}

type tiktokenCounter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

func (c *tiktokenCounter) Count(text string) int {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			c.enc = enc
		}
	})
	if c.enc == nil {
		return heuristicCount(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

// HeuristicCounter estimates roughly four characters per token. Used in
// tests and as the offline fallback.
type HeuristicCounter struct{}

func (HeuristicCounter) Count(text string) int {
	return heuristicCount(text)
}

func heuristicCount(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return n/4 + 1
}
