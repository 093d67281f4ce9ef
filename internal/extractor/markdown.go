package extractor

import (
	"strings"
)

// MarkdownExtractor handles markdown files. Headings delimit pages so that
// each retrievable unit carries its enclosing section title.
type MarkdownExtractor struct{}

// NewMarkdownExtractor creates a markdown extractor
func NewMarkdownExtractor() *MarkdownExtractor {
	return &MarkdownExtractor{}
}

// FileTypes lists the file-type tags this extractor handles
func (e *MarkdownExtractor) FileTypes() []string {
	return []string{"md", "markdown", "text/markdown"}
}

// Extract parses the raw bytes into ordered pages, one per heading section
func (e *MarkdownExtractor) Extract(data []byte) (*Extraction, error) {
	lines := strings.Split(string(data), "\n")

	extraction := &Extraction{}
	var current []string
	var currentTitle string

	flush := func() {
		text := strings.TrimSpace(strings.Join(current, "\n"))
		if text == "" {
			current = nil
			return
		}
		page := Page{
			Number: len(extraction.Pages) + 1,
			Text:   text,
		}
		if currentTitle != "" {
			title := currentTitle
			page.SectionTitle = &title
		}
		extraction.Pages = append(extraction.Pages, page)
		current = nil
	}

	for _, line := range lines {
		if title, level, ok := parseHeading(line); ok {
			flush()
			currentTitle = title
			// The document title is the first top-level heading
			if level == 1 && extraction.Title == "" {
				extraction.Title = title
			}
		}
		current = append(current, line)
	}
	flush()

	return extraction, nil
}

func parseHeading(line string) (string, int, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "#") {
		return "", 0, false
	}
	level := 0
	for level < len(trimmed) && trimmed[level] == '#' {
		level++
	}
	if level > 6 || level == len(trimmed) || trimmed[level] != ' ' {
		return "", 0, false
	}
	return strings.TrimSpace(trimmed[level:]), level, true
}
