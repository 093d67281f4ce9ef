// Package extractor turns raw uploaded file bytes into ordered pages of
// text, selected by the document's file-type tag.
package extractor

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedFileType is returned for file types with no registered
// extractor. This is a deterministic failure; jobs must not retry it.
var ErrUnsupportedFileType = errors.New("unsupported file type")

// Page is one extracted page or slide, in document order
type Page struct {
	// Number is the 1-based page or slide number
	Number int

	Text string

	// SectionTitle is the enclosing heading, when the format has one
	SectionTitle *string

	// Slide marks the unit as a presentation slide rather than a page
	Slide bool
}

// Extraction is the full extracted content of one document
type Extraction struct {
	Title string
	Pages []Page
}

// Extractor extracts text from one family of file formats
type Extractor interface {
	// Extract parses the raw bytes into ordered pages
	Extract(data []byte) (*Extraction, error)

	// FileTypes lists the file-type tags this extractor handles
	FileTypes() []string
}

// Registry dispatches to extractors by file-type tag
type Registry struct {
	byType map[string]Extractor
}

// NewRegistry creates a registry with the default extractors registered
func NewRegistry() *Registry {
	r := &Registry{byType: make(map[string]Extractor)}
	r.Register(NewTextExtractor())
	r.Register(NewMarkdownExtractor())
	return r
}

// Register adds an extractor for all its file types
func (r *Registry) Register(e Extractor) {
	for _, t := range e.FileTypes() {
		r.byType[strings.ToLower(t)] = e
	}
}

// Extract runs the extractor registered for the file type
func (r *Registry) Extract(fileType string, data []byte) (*Extraction, error) {
	e, ok := r.byType[strings.ToLower(fileType)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFileType, fileType)
	}
	return e.Extract(data)
}

// Supported reports whether a file type has a registered extractor
func (r *Registry) Supported(fileType string) bool {
	_, ok := r.byType[strings.ToLower(fileType)]
	return ok
}
