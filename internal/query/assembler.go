package query

import (
	"fmt"
	"strings"

	"github.com/shubamchaudhary/ChunkAI-sub000/internal/models"
	"github.com/shubamchaudhary/ChunkAI-sub000/pkg/tokenizer"
)

// Assembler turns ranked chunks into a source-annotated context block that
// fits a token budget.
type Assembler struct {
	packer *tokenizer.ContextPacker
}

// NewAssembler creates a new context assembler
func NewAssembler(packer *tokenizer.ContextPacker) *Assembler {
	if packer == nil {
		packer = tokenizer.NewContextPacker(nil)
	}
	return &Assembler{packer: packer}
}

// Assemble selects the longest chunk prefix fitting maxTokens and maxChunks
// and renders it with per-source markers. Chunks must arrive ranked; the
// prefix rule keeps the best-scoring chunks when the budget is tight.
func (a *Assembler) Assemble(chunks []*models.ScoredChunk, maxTokens, maxChunks int) (string, []*models.ScoredChunk, int) {
	if len(chunks) == 0 {
		return "", nil, 0
	}

	packables := make([]tokenizer.Packable, len(chunks))
	for i, c := range chunks {
		packables[i] = c
	}
	count, tokens := a.packer.PackPrefix(packables, maxTokens, maxChunks)
	used := chunks[:count]

	var b strings.Builder
	for i, chunk := range used {
		b.WriteString(sourceMarker(i+1, chunk))
		b.WriteString("\n")
		b.WriteString(chunk.Content)
		if i < len(used)-1 {
			b.WriteString("\n\n")
		}
	}
	return b.String(), used, tokens
}

// RenderBatch renders one map-phase batch without a global budget; the
// batch is already token-bounded by the splitter.
func (a *Assembler) RenderBatch(chunks []*models.ScoredChunk) string {
	var b strings.Builder
	for i, chunk := range chunks {
		b.WriteString(sourceMarker(i+1, chunk))
		b.WriteString("\n")
		b.WriteString(chunk.Content)
		if i < len(chunks)-1 {
			b.WriteString("\n\n")
		}
	}
	return b.String()
}

func sourceMarker(index int, chunk *models.ScoredChunk) string {
	marker := fmt.Sprintf("[Source %d: %s", index, chunk.FileName)
	if chunk.PageNumber != nil {
		marker += fmt.Sprintf(", Page %d", *chunk.PageNumber)
	}
	if chunk.SlideNumber != nil {
		marker += fmt.Sprintf(" | Slide %d", *chunk.SlideNumber)
	}
	if chunk.SectionTitle != nil && *chunk.SectionTitle != "" {
		marker += fmt.Sprintf(", %s", *chunk.SectionTitle)
	}
	return marker + "]"
}

// SourceRefs dedups the chunks' provenance in rank order
func SourceRefs(chunks []*models.ScoredChunk) []models.SourceRef {
	seen := make(map[string]bool)
	var refs []models.SourceRef
	for _, chunk := range chunks {
		ref := models.SourceRef{
			DocumentID:  chunk.DocumentID,
			FileName:    chunk.FileName,
			PageNumber:  chunk.PageNumber,
			SlideNumber: chunk.SlideNumber,
		}
		key := fmt.Sprintf("%s/%v/%v", ref.DocumentID, ptrInt(ref.PageNumber), ptrInt(ref.SlideNumber))
		if seen[key] {
			continue
		}
		seen[key] = true
		refs = append(refs, ref)
	}
	return refs
}

func ptrInt(p *int) int {
	if p == nil {
		return -1
	}
	return *p
}
