package models

import "time"

// DocumentStatus is the Bronze object metadata state machine (§4.9): a
// document moves new -> claimed -> done, or new -> claimed -> failed on a
// permanent extraction error. claimed can return to new if its lease
// expires without completion.
type DocumentStatus string

const (
	DocumentStatusNew     DocumentStatus = "new"
	DocumentStatusClaimed DocumentStatus = "claimed"
	DocumentStatusDone    DocumentStatus = "done"
	DocumentStatusFailed  DocumentStatus = "failed-permanent"
)

// RawDocumentMeta is the Bronze-tier metadata record for one PDF lifted out
// of a source archive by the Archive Ingester (C7).
type RawDocumentMeta struct {
	DocID       string         `json:"doc_id"`
	ObjectKey   string         `json:"object_key"`
	ContentHash string         `json:"content_hash"`
	SizeBytes   int64          `json:"size_bytes"`
	Status      DocumentStatus `json:"status"`
	Attempt     int            `json:"attempt"`
	ClaimedAt   time.Time      `json:"claimed_at,omitempty"`
	ClaimedBy   string         `json:"claimed_by,omitempty"`
	CompletedAt time.Time      `json:"completed_at,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
}

// ExtractedDocumentRecord is the Silver "documents" table row produced by
// the Extraction Worker (C9) once C5/C6 have run against a Bronze document.
type ExtractedDocumentRecord struct {
	DocID           string  `json:"doc_id"`
	FullTextKey     string  `json:"full_text_key"` // object store key for the extracted text body
	PageCount       int     `json:"page_count"`
	OverallConf     float64 `json:"overall_confidence"`
	UsedOCRFallback bool    `json:"used_ocr_fallback"`
	ExtractedAt     time.Time `json:"extracted_at"`
}

// TableName returns the Silver partition table this record belongs in.
func (ExtractedDocumentRecord) TableName() string { return "documents" }
