package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("a"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
	assert.Equal(t, 25, EstimateTokens(string(make([]byte, 100))))
}

func TestSimpleTokenizerCountTokens(t *testing.T) {
	tok := NewSimpleTokenizer(100)

	assert.Equal(t, 0, tok.CountTokens(""))
	assert.GreaterOrEqual(t, tok.CountTokens("hello world"), 2)
	assert.Greater(t, tok.CountTokens("one, two, three!"), 3)
}

func TestSimpleTokenizerDefaultLimit(t *testing.T) {
	assert.Equal(t, 8192, NewSimpleTokenizer(0).GetTokenLimit())
	assert.Equal(t, 4096, NewSimpleTokenizer(4096).GetTokenLimit())
}

type fixedTokens int

func (f fixedTokens) Tokens() int { return int(f) }

func TestPackPrefixRespectsBudget(t *testing.T) {
	p := NewContextPacker(nil)
	items := []Packable{fixedTokens(40), fixedTokens(40), fixedTokens(40)}

	count, total := p.PackPrefix(items, 100, 0)
	assert.Equal(t, 2, count)
	assert.Equal(t, 80, total)
}

func TestPackPrefixRespectsItemCap(t *testing.T) {
	p := NewContextPacker(nil)
	items := []Packable{fixedTokens(1), fixedTokens(1), fixedTokens(1)}

	count, total := p.PackPrefix(items, 100, 2)
	assert.Equal(t, 2, count)
	assert.Equal(t, 2, total)
}

func TestSplitByBudget(t *testing.T) {
	p := NewContextPacker(nil)
	items := []Packable{fixedTokens(10), fixedTokens(10), fixedTokens(15), fixedTokens(30)}

	groups := p.SplitByBudget(items, 25)
	// 10+10 fits, 15 starts a new group, 30 exceeds the budget alone but
	// still gets its own group.
	assert.Len(t, groups, 3)
	assert.Len(t, groups[0], 2)
	assert.Len(t, groups[1], 1)
	assert.Len(t, groups[2], 1)
}

func TestSplitByBudgetEmpty(t *testing.T) {
	p := NewContextPacker(nil)
	assert.Nil(t, p.SplitByBudget(nil, 100))
}

func TestBudgetUtilization(t *testing.T) {
	p := NewContextPacker(nil)
	assert.InDelta(t, 0.5, p.BudgetUtilization(50, 100), 0.001)
	assert.Zero(t, p.BudgetUtilization(10, 0))
}
