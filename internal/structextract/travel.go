package structextract

import (
	"context"
	"regexp"
	"strings"

	"github.com/ternarybob/discloser/internal/interfaces"
)

// travelLine matches one row of a Schedule T travel reimbursements table:
// sponsor, destination, date range, benefit description.
var travelLine = regexp.MustCompile(
	`(?m)^(.+?)\s{2,}(.+?)\s{2,}(\d{2}/\d{2}/\d{4})\s*-\s*(\d{2}/\d{2}/\d{4})\s{2,}(.+?)\s*$`,
)

// TravelExtractor parses filing type "T" (travel reimbursements):
// sponsor/destination/date-range/benefit rows.
type TravelExtractor struct{}

func (TravelExtractor) FilingType() string { return "T" }

func (TravelExtractor) Extract(ctx context.Context, docID string, text interfaces.TextExtractionResult) ([]interfaces.StructuredRecord, error) {
	matches := travelLine.FindAllStringSubmatchIndex(text.FullText, -1)
	if len(matches) == 0 {
		return nil, interfaces.ErrExtractionFailed
	}

	records := make([]interfaces.StructuredRecord, 0, len(matches))
	for _, m := range matches {
		records = append(records, interfaces.StructuredRecord{
			FilingType: "T",
			Fields: map[string]any{
				"sponsor":     strings.TrimSpace(text.FullText[m[2]:m[3]]),
				"destination": strings.TrimSpace(text.FullText[m[4]:m[5]]),
				"date_start":  text.FullText[m[6]:m[7]],
				"date_end":    text.FullText[m[8]:m[9]],
				"benefit":     strings.TrimSpace(text.FullText[m[10]:m[11]]),
			},
			Confidence: 0.75,
			Span:       interfaces.SourceSpan{PageNumber: pageForOffset(text, m[0]), Offset: m[0], Length: m[1] - m[0]},
		})
	}
	return records, nil
}

var _ interfaces.StructuredExtractor = TravelExtractor{}
