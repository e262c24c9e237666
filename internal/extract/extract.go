// Package extract derives the searchable plain text of a canvas payload.
// Extraction is a pure function of the payload: parse failures on embedded
// content degrade to an empty contribution for that node, never an error.
package extract

import (
	"log"
	"strings"

	"canvaskeep/api/internal/scene"
)

// DefaultMaxRunes caps the extracted text. Content beyond the cap is
// truncated, not summarized.
const DefaultMaxRunes = 50000

type Extractor struct {
	maxRunes int
}

// New returns an extractor with the given cap; maxRunes <= 0 selects
// DefaultMaxRunes.
func New(maxRunes int) *Extractor {
	if maxRunes <= 0 {
		maxRunes = DefaultMaxRunes
	}
	return &Extractor{maxRunes: maxRunes}
}

// Extract walks the payload's nodes and composes their normalized plain text.
// Deleted nodes and hidden-index nodes are skipped; hidden-index nodes mirror
// their parent card's content and would double-count it.
func (e *Extractor) Extract(p scene.Payload) string {
	var parts []string
	for _, n := range p.Nodes {
		if n.Deleted {
			continue
		}
		var contribution string
		switch scene.ResolveRole(n) {
		case scene.RoleText:
			contribution = n.Text
		case scene.RoleMarkupCard:
			contribution = StripMarkup(scene.MarkupSource(n))
		case scene.RoleRichDocCard:
			contribution = RichDocText(scene.RichDocTree(n))
		default:
			continue
		}
		if contribution != "" {
			parts = append(parts, contribution)
		}
	}

	text := normalizeWhitespace(strings.Join(parts, " "))

	runes := []rune(text)
	if len(runes) > e.maxRunes {
		log.Printf("extract: truncated document text from %d to %d runes", len(runes), e.maxRunes)
		text = string(runes[:e.maxRunes])
	}
	return text
}

// normalizeWhitespace collapses all whitespace runs to single spaces and
// trims the ends.
func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
