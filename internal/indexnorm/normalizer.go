// Package indexnorm implements the Index Normalizer (C8): parses a
// source's Bronze index.xml into Silver filings/documents rows via the
// Tabular Writer (C4). The XML decoder used here is Go's stdlib
// encoding/xml, which has no DTD or external-entity expansion support at
// all, so untrusted index content cannot trigger an XXE or entity-bomb
// attack the way it could against a parser that must be hardened by
// configuration.
package indexnorm

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strconv"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/discloser/internal/interfaces"
	"github.com/ternarybob/discloser/internal/models"
	"github.com/ternarybob/discloser/internal/tabular"
)

// filingDateLayout matches the House disclosure index's date format.
const filingDateLayout = "01/02/2006"

type xmlMember struct {
	DocID           string `xml:"DocID"`
	FilingType      string `xml:"FilingType"`
	FilingDate      string `xml:"FilingDate"`
	FilerName       string `xml:"FilerName"`
	StateDst        string `xml:"StateDst"`
	SupersedesDocID string `xml:"SupersedesDocID"`
}

type xmlIndex struct {
	XMLName xml.Name    `xml:"FinancialDisclosure"`
	Members []xmlMember `xml:"Member"`
}

// Result summarizes one Normalize call.
type Result struct {
	FilingsWritten   int
	DocumentsWritten int
}

// Normalizer reads a Bronze index.xml object and writes the corresponding
// Silver filings/documents rows.
type Normalizer struct {
	store  interfaces.ObjectStore
	writer *tabular.Writer
	logger arbor.ILogger
}

// New builds a Normalizer over store (for reading Bronze) and writer (for
// Silver output).
func New(store interfaces.ObjectStore, writer *tabular.Writer, logger arbor.ILogger) *Normalizer {
	return &Normalizer{store: store, writer: writer, logger: logger}
}

// Normalize parses source's index.xml for year and upserts Silver filings
// and documents rows, one of each per Filing Index Entry.
func (n *Normalizer) Normalize(ctx context.Context, source string, year int) (Result, error) {
	indexKey := fmt.Sprintf("bronze/%s/year=%d/index/index.xml", source, year)

	body, _, err := n.store.Get(ctx, indexKey)
	if err != nil {
		return Result{}, fmt.Errorf("read index %s: %w", indexKey, err)
	}
	defer body.Close()

	var doc xmlIndex
	if err := xml.NewDecoder(body).Decode(&doc); err != nil {
		return Result{}, fmt.Errorf("%w: decode index %s: %v", interfaces.ErrCorruptArchive, indexKey, err)
	}

	archiveKey := fmt.Sprintf("bronze/%s/year=%d/raw/archive.zip", source, year)
	partition := strconv.Itoa(year)

	filingRecords := make([]interfaces.TabularRecord, 0, len(doc.Members))
	documentRecords := make([]interfaces.TabularRecord, 0, len(doc.Members))

	for _, m := range doc.Members {
		if m.DocID == "" {
			n.logger.Warn().Str("source", source).Int("year", year).Msg("skipping index member with empty doc_id")
			continue
		}

		pdfKey := fmt.Sprintf("bronze/%s/year=%d/filing_type=%s/pdfs/%s.pdf", source, year, m.FilingType, m.DocID)

		filingDate, _ := time.Parse(filingDateLayout, m.FilingDate)

		entry := models.FilingIndexEntry{
			DocID:            m.DocID,
			FilerName:        m.FilerName,
			StateDistrict:    m.StateDst,
			Year:             year,
			FilingType:       m.FilingType,
			FilingDate:       filingDate,
			SourceArchiveKey: archiveKey,
			BronzeObjectKey:  pdfKey,
			SupersedesDocID:  m.SupersedesDocID,
		}
		rec, err := toTabularRecord(entry.DocID, entry)
		if err != nil {
			return Result{}, fmt.Errorf("encode filing %s: %w", entry.DocID, err)
		}
		filingRecords = append(filingRecords, rec)

		meta, err := n.store.Head(ctx, pdfKey)
		contentHash := ""
		status := "ok"
		if err != nil {
			status = "missing"
		} else {
			contentHash = meta.ContentHash
		}

		docRow := struct {
			DocID            string `json:"doc_id"`
			ContentHash      string `json:"content_hash"`
			Year             int    `json:"year"`
			FilingType       string `json:"filing_type"`
			ExtractionStatus string `json:"extraction_status"`
		}{
			DocID:            m.DocID,
			ContentHash:      contentHash,
			Year:             year,
			FilingType:       m.FilingType,
			ExtractionStatus: status,
		}
		docRec, err := toTabularRecord(m.DocID+"/"+contentHash, docRow)
		if err != nil {
			return Result{}, fmt.Errorf("encode document %s: %w", m.DocID, err)
		}
		documentRecords = append(documentRecords, docRec)
	}

	if _, err := n.writer.Upsert(ctx, "filings", partition, filingRecords); err != nil {
		return Result{}, fmt.Errorf("upsert filings: %w", err)
	}
	if _, err := n.writer.Upsert(ctx, "documents", partition, documentRecords); err != nil {
		return Result{}, fmt.Errorf("upsert documents: %w", err)
	}

	return Result{FilingsWritten: len(filingRecords), DocumentsWritten: len(documentRecords)}, nil
}

// toTabularRecord round-trips v through JSON to get a map[string]any Fields
// value, since models structs carry typed fields but the Tabular Writer
// operates on interfaces.TabularRecord.
func toTabularRecord(primaryKey string, v any) (interfaces.TabularRecord, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return interfaces.TabularRecord{}, err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return interfaces.TabularRecord{}, err
	}
	return interfaces.TabularRecord{PrimaryKey: primaryKey, Fields: fields}, nil
}
