package query

import (
	"strings"
	"unicode"
)

// QueryType classifies what kind of answer the question expects
type QueryType string

// Query types. The type steers prompt wording and the follow-up document
// restriction; it never gates retrieval itself.
const (
	TypeFollowUp    QueryType = "FOLLOW_UP"
	TypeExplanatory QueryType = "EXPLANATORY"
	TypeFactual     QueryType = "FACTUAL"
	TypeComparative QueryType = "COMPARATIVE"
	TypeHowTo       QueryType = "HOW_TO"
	TypeAnalytical  QueryType = "ANALYTICAL"
)

// Complexity is a coarse effort estimate derived from question shape
type Complexity string

// Complexity buckets
const (
	ComplexitySimple  Complexity = "SIMPLE"
	ComplexityMedium  Complexity = "MEDIUM"
	ComplexityComplex Complexity = "COMPLEX"
)

// Analysis is the rule-based breakdown of one question. No LLM call is
// involved; this runs on every query before retrieval.
type Analysis struct {
	Type       QueryType
	Keywords   []string
	Entities   []string
	Complexity Complexity
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "can": true, "did": true, "do": true,
	"does": true, "for": true, "from": true, "had": true, "has": true,
	"have": true, "how": true, "in": true, "is": true, "it": true, "its": true,
	"of": true, "on": true, "or": true, "that": true, "the": true,
	"their": true, "them": true, "then": true, "there": true, "these": true,
	"they": true, "this": true, "those": true, "to": true, "was": true,
	"were": true, "what": true, "when": true, "where": true, "which": true,
	"who": true, "why": true, "will": true, "with": true, "would": true,
	"you": true, "your": true,
}

var followUpCues = []string{
	" it ", "it?", " it.", "this", "that", "the book", "the author",
	"the document", "who wrote", "mentioned", "previous", "earlier",
	"you said", "tell me more",
}

var comparativeCues = []string{"compare", " vs ", " vs.", "versus", "difference", "differ ", "better than", "worse than"}

var howToCues = []string{"how to", "how do i", "how can i", "steps", "procedure", "instructions"}

var analyticalCues = []string{"why", "analyze", "analyse", "evaluate", "assess", "implication", "impact of"}

var factualCues = []string{"who ", "when ", "where ", "how many", "how much", "which "}

var explanatoryCues = []string{"what is", "what are", "explain", "define", "describe", "meaning of"}

const analysisCap = 10

// Analyzer performs rule-based query analysis
type Analyzer struct{}

// NewAnalyzer creates a new analyzer
func NewAnalyzer() *Analyzer {
	return &Analyzer{}
}

// Analyze classifies the question and extracts keywords and entities
func (a *Analyzer) Analyze(question string) Analysis {
	lower := " " + strings.Join(strings.Fields(strings.ToLower(question)), " ") + " "
	keywords := extractKeywords(question)
	words := len(strings.Fields(question))

	return Analysis{
		Type:       classify(lower),
		Keywords:   keywords,
		Entities:   extractEntities(question),
		Complexity: classifyComplexity(words, len(keywords)),
	}
}

func classify(lower string) QueryType {
	switch {
	case containsAny(lower, followUpCues):
		return TypeFollowUp
	case containsAny(lower, comparativeCues):
		return TypeComparative
	case containsAny(lower, howToCues):
		return TypeHowTo
	case containsAny(lower, analyticalCues):
		return TypeAnalytical
	case containsAny(lower, factualCues):
		return TypeFactual
	case containsAny(lower, explanatoryCues):
		return TypeExplanatory
	default:
		return TypeExplanatory
	}
}

func containsAny(s string, cues []string) bool {
	for _, cue := range cues {
		if strings.Contains(s, cue) {
			return true
		}
	}
	return false
}

func extractKeywords(question string) []string {
	seen := make(map[string]bool)
	var keywords []string

	for _, word := range splitWords(strings.ToLower(question)) {
		if len(word) < 3 || stopwords[word] || seen[word] {
			continue
		}
		seen[word] = true
		keywords = append(keywords, word)
		if len(keywords) == analysisCap {
			break
		}
	}
	return keywords
}

// extractEntities collects capitalized tokens and multi-word title-case
// runs, skipping leading question words
func extractEntities(question string) []string {
	tokens := splitWords(question)
	seen := make(map[string]bool)
	var entities []string

	var run []string
	flush := func() {
		if len(run) == 0 {
			return
		}
		entity := strings.Join(run, " ")
		run = nil
		if stopwords[strings.ToLower(entity)] {
			return
		}
		if seen[entity] || len(entities) == analysisCap {
			return
		}
		seen[entity] = true
		entities = append(entities, entity)
	}

	for i, token := range tokens {
		if isTitleCase(token) && !(i == 0 && stopwords[strings.ToLower(token)]) {
			run = append(run, token)
			continue
		}
		flush()
	}
	flush()
	return entities
}

func classifyComplexity(words, keywords int) Complexity {
	switch {
	case words > 20 || keywords > 5:
		return ComplexityComplex
	case words <= 10 && keywords <= 3:
		return ComplexitySimple
	default:
		return ComplexityMedium
	}
}

func splitWords(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func isTitleCase(token string) bool {
	runes := []rune(token)
	if len(runes) < 2 {
		return false
	}
	return unicode.IsUpper(runes[0]) && unicode.IsLower(runes[1])
}
