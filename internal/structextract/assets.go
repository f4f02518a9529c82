package structextract

import (
	"context"
	"regexp"
	"strings"

	"github.com/ternarybob/discloser/internal/interfaces"
)

// assetLine matches one row of an Annual (FD) report's Schedule A assets
// and unearned income table: description, value range, income type.
var assetLine = regexp.MustCompile(
	`(?m)^(.+?)\s{2,}\$?([\d,]+)\s*-\s*\$?([\d,]+)\s+(Dividends|Interest|Capital Gains|Rent|None)\s*$`,
)

// AnnualAssetsExtractor parses filing type "A" (Annual report, Schedule A):
// asset/value/income-type rows.
type AnnualAssetsExtractor struct{}

func (AnnualAssetsExtractor) FilingType() string { return "A" }

func (AnnualAssetsExtractor) Extract(ctx context.Context, docID string, text interfaces.TextExtractionResult) ([]interfaces.StructuredRecord, error) {
	matches := assetLine.FindAllStringSubmatchIndex(text.FullText, -1)
	if len(matches) == 0 {
		return nil, interfaces.ErrExtractionFailed
	}

	records := make([]interfaces.StructuredRecord, 0, len(matches))
	for _, m := range matches {
		records = append(records, interfaces.StructuredRecord{
			FilingType: "A",
			Fields: map[string]any{
				"asset_description": strings.TrimSpace(text.FullText[m[2]:m[3]]),
				"value_low":         strings.ReplaceAll(text.FullText[m[4]:m[5]], ",", ""),
				"value_high":        strings.ReplaceAll(text.FullText[m[6]:m[7]], ",", ""),
				"income_type":       text.FullText[m[8]:m[9]],
			},
			Confidence: 0.8,
			Span:       interfaces.SourceSpan{PageNumber: pageForOffset(text, m[0]), Offset: m[0], Length: m[1] - m[0]},
		})
	}
	return records, nil
}

var _ interfaces.StructuredExtractor = AnnualAssetsExtractor{}
