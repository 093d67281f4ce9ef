// Package tokenizer provides approximate token counting and context
// packing used to keep LLM prompts within provider budgets.
package tokenizer

import (
	"strings"
	"unicode"
)

// Tokenizer interface for counting tokens
type Tokenizer interface {
	// CountTokens returns the approximate number of tokens in the text
	CountTokens(text string) int
	// GetTokenLimit returns the maximum token limit for this tokenizer
	GetTokenLimit() int
}

// EstimateTokens approximates the token count of a text as ceil(len/4).
// This is the estimate persisted on chunks at ingestion time; four bytes
// per token is a reasonable bound for mixed English prose.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// SimpleTokenizer provides a basic word-based token estimate.
// It is intentionally approximate; budgets that use it reserve headroom.
type SimpleTokenizer struct {
	tokenLimit int
}

// NewSimpleTokenizer creates a new simple tokenizer
func NewSimpleTokenizer(tokenLimit int) *SimpleTokenizer {
	if tokenLimit <= 0 {
		tokenLimit = 8192
	}
	return &SimpleTokenizer{
		tokenLimit: tokenLimit,
	}
}

// CountTokens estimates token count based on words and punctuation
func (t *SimpleTokenizer) CountTokens(text string) int {
	if text == "" {
		return 0
	}

	tokens := 0
	inWord := false

	for _, r := range text {
		if unicode.IsSpace(r) {
			if inWord {
				tokens++
				inWord = false
			}
		} else if unicode.IsPunct(r) {
			tokens++
			inWord = false
		} else {
			inWord = true
		}
	}

	if inWord {
		tokens++
	}

	// Words split into subword tokens roughly 1.3:1 for English
	wordCount := len(strings.Fields(text))
	estimatedTokens := int(float64(wordCount) * 1.3)

	if estimatedTokens > tokens {
		return estimatedTokens
	}
	return tokens
}

// GetTokenLimit returns the maximum token limit
func (t *SimpleTokenizer) GetTokenLimit() int {
	return t.tokenLimit
}
