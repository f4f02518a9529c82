package models

// StructuredTableRecord is a Silver "structured_<filing_type>" table row:
// the flattened fields a StructuredExtractor produced for one document,
// tagged with the schedule it came from so Gold-layer consumers (out of
// scope here) can tell variants apart without inspecting every field.
type StructuredTableRecord struct {
	DocID      string         `json:"doc_id"`
	FilingType string         `json:"filing_type"`
	RecordIdx  int            `json:"record_idx"` // position among this document's records, for a stable primary key
	Confidence float64        `json:"confidence"`
	SpanPage   int            `json:"span_page"`
	Fields     map[string]any `json:"fields"`
}

// TableName returns the Silver partition table this record belongs in.
func (s StructuredTableRecord) TableName() string {
	return "structured_" + s.FilingType
}
