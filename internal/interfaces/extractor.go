package interfaces

import "context"

// PageText is the extracted text of a single PDF page plus the confidence
// score of the extraction strategy that produced it.
type PageText struct {
	PageNumber int     `json:"page_number"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"` // 0..1
	Strategy   string  `json:"strategy"`   // "embedded" or "ocr"
}

// TextExtractionResult is the full output of the Text Extractor (C5) for
// one Bronze document.
type TextExtractionResult struct {
	Pages           []PageText `json:"pages"`
	FullText        string     `json:"full_text"`
	OverallConf     float64    `json:"overall_confidence"`
	UsedOCRFallback bool       `json:"used_ocr_fallback"`
	PageCount       int        `json:"page_count"`
	IsEncrypted     bool       `json:"is_encrypted"`
}

// TextExtractor extracts text from a PDF, applying the embedded-text
// strategy first and falling back to OCR per page when the embedded
// strategy's yield falls below the configured threshold (C5).
type TextExtractor interface {
	Extract(ctx context.Context, pdfBytes []byte) (TextExtractionResult, error)
}

// SourceSpan points back to the page/approximate offset a structured field
// was parsed from, for traceability and manual QA.
type SourceSpan struct {
	PageNumber int `json:"page_number"`
	Offset     int `json:"offset"`
	Length     int `json:"length"`
}

// StructuredRecord is one row a structured extractor produced from a
// document's extracted text: a filing-type-specific field set plus the
// provenance and confidence of the parse that produced it.
type StructuredRecord struct {
	FilingType string         `json:"filing_type"`
	Fields     map[string]any `json:"fields"`
	Confidence float64        `json:"confidence"`
	Span       SourceSpan     `json:"span"`
}

// StructuredExtractor is the polymorphic per-filing-type contract (C6). A
// registry maps filing_type codes to the extractor registered for them;
// extractors unregistered for a given type never run.
type StructuredExtractor interface {
	// FilingType returns the schedule/filing-type code this extractor
	// handles (e.g. "P", "A", "G").
	FilingType() string

	// Extract parses zero or more StructuredRecords out of extracted text.
	// Returns ErrExtractionFailed if the text cannot be parsed at all under
	// this extractor's schema (callers fall back to the textual record).
	Extract(ctx context.Context, docID string, text TextExtractionResult) ([]StructuredRecord, error)
}
