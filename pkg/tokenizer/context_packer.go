package tokenizer

// Packable is any item with a precomputed token count
type Packable interface {
	Tokens() int
}

// ContextPacker selects a prefix of ranked items that fits a token budget
type ContextPacker struct {
	tokenizer Tokenizer
}

// NewContextPacker creates a new context packer
func NewContextPacker(tokenizer Tokenizer) *ContextPacker {
	if tokenizer == nil {
		tokenizer = NewSimpleTokenizer(8192)
	}
	return &ContextPacker{
		tokenizer: tokenizer,
	}
}

// PackPrefix returns the number of leading items that fit within maxTokens
// and at most maxItems, along with the token total of the packed prefix.
// Items must already be in rank order; packing never reorders.
func (p *ContextPacker) PackPrefix(items []Packable, maxTokens, maxItems int) (int, int) {
	if maxItems <= 0 || maxItems > len(items) {
		maxItems = len(items)
	}

	packed := 0
	currentTokens := 0

	for _, item := range items[:maxItems] {
		tokens := item.Tokens()
		if tokens <= 0 {
			continue
		}
		if currentTokens+tokens > maxTokens {
			break
		}
		packed++
		currentTokens += tokens
	}

	return packed, currentTokens
}

// SplitByBudget partitions items into consecutive groups whose token totals
// do not exceed budget. An item larger than the budget gets its own group.
func (p *ContextPacker) SplitByBudget(items []Packable, budget int) [][]Packable {
	if len(items) == 0 {
		return nil
	}

	var groups [][]Packable
	var current []Packable
	currentTokens := 0

	for _, item := range items {
		tokens := item.Tokens()
		if len(current) > 0 && currentTokens+tokens > budget {
			groups = append(groups, current)
			current = nil
			currentTokens = 0
		}
		current = append(current, item)
		currentTokens += tokens
	}

	if len(current) > 0 {
		groups = append(groups, current)
	}

	return groups
}

// BudgetUtilization returns the ratio of used tokens to max tokens
func (p *ContextPacker) BudgetUtilization(usedTokens, maxTokens int) float64 {
	if maxTokens <= 0 {
		return 0.0
	}
	return float64(usedTokens) / float64(maxTokens)
}
