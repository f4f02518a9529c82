package models

import "time"

// SourceArchive is the Bronze-tier record of one fetched source/year zip
// archive, before it is unpacked into individual documents.
type SourceArchive struct {
	Source      string    `json:"source"`
	Year        int       `json:"year"`
	ObjectKey   string    `json:"object_key"`
	ContentHash string    `json:"content_hash"`
	SizeBytes   int64     `json:"size_bytes"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// WatermarkKey returns the key this archive's Watermark Store entry is
// stored under.
func (a SourceArchive) WatermarkKey() string {
	return a.Source + "/" + yearPartition(a.Year)
}
