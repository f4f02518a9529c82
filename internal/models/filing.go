// Package models defines the data-lake row shapes shared by the Index
// Normalizer, Extraction Worker, and Tabular Writer.
package models

import (
	"strconv"
	"time"
)

// FilingIndexEntry is one row parsed from a source's index.xml by the Index
// Normalizer (C8): a single disclosure filing, its filer, and the document
// it points to in the Bronze tier.
type FilingIndexEntry struct {
	DocID            string    `json:"doc_id"`
	FilerName        string    `json:"filer_name"`
	StateDistrict    string    `json:"state_district"`
	Year             int       `json:"year"`
	FilingType       string    `json:"filing_type"` // schedule code: P, A, T, X, D, W, G, C, B, E, H, O
	FilingDate       time.Time `json:"filing_date"`
	SourceArchiveKey string    `json:"source_archive_key"`
	BronzeObjectKey  string    `json:"bronze_object_key"`
	SupersedesDocID  string    `json:"supersedes_doc_id,omitempty"`
	Superseded       bool      `json:"superseded"`
}

// TableName returns the Silver partition table this entry belongs in.
func (f FilingIndexEntry) TableName() string { return "filings" }

// PartitionKey groups filings by year, the natural incremental-refresh unit.
func (f FilingIndexEntry) PartitionKey() string {
	return yearPartition(f.Year)
}

func yearPartition(year int) string {
	if year == 0 {
		return "unknown"
	}
	return strconv.Itoa(year)
}
