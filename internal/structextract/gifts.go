package structextract

import (
	"context"
	"regexp"
	"strings"

	"github.com/ternarybob/discloser/internal/interfaces"
)

// giftLine matches one row of a gifts table: source, description,
// value.
var giftLine = regexp.MustCompile(`(?m)^(.+?)\s{2,}(.+?)\s{2,}\$?([\d,]+(?:\.\d{2})?)\s*$`)

// GiftsExtractor parses filing type "G" (gifts): source/description/value
// rows.
type GiftsExtractor struct{}

func (GiftsExtractor) FilingType() string { return "G" }

func (GiftsExtractor) Extract(ctx context.Context, docID string, text interfaces.TextExtractionResult) ([]interfaces.StructuredRecord, error) {
	matches := giftLine.FindAllStringSubmatchIndex(text.FullText, -1)
	if len(matches) == 0 {
		return nil, interfaces.ErrExtractionFailed
	}

	records := make([]interfaces.StructuredRecord, 0, len(matches))
	for _, m := range matches {
		records = append(records, interfaces.StructuredRecord{
			FilingType: "G",
			Fields: map[string]any{
				"source":      strings.TrimSpace(text.FullText[m[2]:m[3]]),
				"description": strings.TrimSpace(text.FullText[m[4]:m[5]]),
				"value":       strings.ReplaceAll(text.FullText[m[6]:m[7]], ",", ""),
			},
			Confidence: 0.75,
			Span:       interfaces.SourceSpan{PageNumber: pageForOffset(text, m[0]), Offset: m[0], Length: m[1] - m[0]},
		})
	}
	return records, nil
}

var _ interfaces.StructuredExtractor = GiftsExtractor{}
