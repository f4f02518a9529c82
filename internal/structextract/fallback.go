package structextract

import (
	"context"
	"strings"

	"github.com/ternarybob/discloser/internal/interfaces"
)

// TextualFallback produces a single low-confidence record carrying the raw
// full text whenever no dedicated extractor is registered for a filing
// type, or a dedicated extractor could not parse a document. This keeps the
// Silver layer always populated with something queryable per spec's
// explicit allowance for a textual fallback, rather than silently dropping
// unrecognized filing types.
type TextualFallback struct{}

func (TextualFallback) FilingType() string { return "*" }

func (TextualFallback) Extract(ctx context.Context, docID string, text interfaces.TextExtractionResult) ([]interfaces.StructuredRecord, error) {
	trimmed := strings.TrimSpace(text.FullText)
	if trimmed == "" {
		return nil, interfaces.ErrExtractionFailed
	}
	return []interfaces.StructuredRecord{
		{
			FilingType: "*",
			Fields:     map[string]any{"raw_text": trimmed},
			Confidence: 0.2,
			Span:       interfaces.SourceSpan{PageNumber: 1, Offset: 0, Length: len(trimmed)},
		},
	}, nil
}

var _ interfaces.StructuredExtractor = TextualFallback{}
