package structextract

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/ternarybob/discloser/internal/interfaces"
)

// transactionLine matches one row of a Periodic Transaction Report table:
// asset description, transaction type (P/S/E), date, and an amount range.
//
//	Apple Inc. (AAPL)    P    01/15/2024    $1,001 - $15,000
var transactionLine = regexp.MustCompile(
	`(?m)^(.+?)\s{2,}(P|S|E)\s+(\d{2}/\d{2}/\d{4})\s+\$?([\d,]+)\s*-\s*\$?([\d,]+)\s*$`,
)

// PeriodicTransactionExtractor parses filing type "P" (Periodic Transaction
// Report): individual buy/sell/exchange rows with an asset, date, and
// amount range. Every matched row gets a fixed confidence of 0.85.
type PeriodicTransactionExtractor struct{}

func (PeriodicTransactionExtractor) FilingType() string { return "P" }

func (PeriodicTransactionExtractor) Extract(ctx context.Context, docID string, text interfaces.TextExtractionResult) ([]interfaces.StructuredRecord, error) {
	matches := transactionLine.FindAllStringSubmatchIndex(text.FullText, -1)
	if len(matches) == 0 {
		return nil, interfaces.ErrExtractionFailed
	}

	records := make([]interfaces.StructuredRecord, 0, len(matches))
	for _, m := range matches {
		asset := strings.TrimSpace(text.FullText[m[2]:m[3]])
		txType := text.FullText[m[4]:m[5]]
		date := text.FullText[m[6]:m[7]]
		amountLow := strings.ReplaceAll(text.FullText[m[8]:m[9]], ",", "")
		amountHigh := strings.ReplaceAll(text.FullText[m[10]:m[11]], ",", "")

		low, _ := strconv.Atoi(amountLow)
		high, _ := strconv.Atoi(amountHigh)

		records = append(records, interfaces.StructuredRecord{
			FilingType: "P",
			Fields: map[string]any{
				"asset_description": asset,
				"transaction_type":  txType,
				"transaction_date":  date,
				"amount_low":        low,
				"amount_high":       high,
			},
			Confidence: 0.85,
			Span:       interfaces.SourceSpan{PageNumber: pageForOffset(text, m[0]), Offset: m[0], Length: m[1] - m[0]},
		})
	}
	return records, nil
}

// pageForOffset maps a full-text byte offset back to the page it fell in,
// using the page boundaries full text was joined with.
func pageForOffset(text interfaces.TextExtractionResult, offset int) int {
	running := 0
	for _, p := range text.Pages {
		running += len(p.Text)
		if offset <= running {
			return p.PageNumber
		}
		running += len("\n\n--- Page N ---\n\n")
	}
	if len(text.Pages) > 0 {
		return text.Pages[len(text.Pages)-1].PageNumber
	}
	return 1
}

var _ interfaces.StructuredExtractor = PeriodicTransactionExtractor{}
