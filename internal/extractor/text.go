package extractor

import (
	"strings"
)

// TextExtractor handles plain text files. Form feeds delimit pages; a
// file without form feeds is a single page.
type TextExtractor struct{}

// NewTextExtractor creates a plain text extractor
func NewTextExtractor() *TextExtractor {
	return &TextExtractor{}
}

// FileTypes lists the file-type tags this extractor handles
func (e *TextExtractor) FileTypes() []string {
	return []string{"txt", "text", "text/plain", "log"}
}

// Extract parses the raw bytes into ordered pages
func (e *TextExtractor) Extract(data []byte) (*Extraction, error) {
	content := string(data)

	pages := strings.Split(content, "\f")
	extraction := &Extraction{}

	number := 0
	for _, pageText := range pages {
		if strings.TrimSpace(pageText) == "" {
			continue
		}
		number++
		extraction.Pages = append(extraction.Pages, Page{
			Number: number,
			Text:   pageText,
		})
	}
	return extraction, nil
}
