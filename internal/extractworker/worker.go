// Package extractworker implements the Extraction Worker (C9): consumes
// the Work Queue, runs the Text Extractor (C5) and Structured Extractors
// (C6) against a Bronze document, writes Silver outputs via the Tabular
// Writer (C4), and drives the §4.9 Bronze metadata state machine
// (new -> claimed -> done/failed-permanent) that makes duplicate delivery
// safe.
package extractworker

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/discloser/internal/interfaces"
	"github.com/ternarybob/discloser/internal/models"
	"github.com/ternarybob/discloser/internal/structextract"
	"github.com/ternarybob/discloser/internal/tabular"
	"github.com/ternarybob/discloser/internal/workqueue"
)

// Worker processes one source's extraction tasks. The Work Queue message
// envelope (§6) carries doc_id/year/filing_type/attempt_count but not a
// source name, so one Worker (and the queue feeding it) is scoped to a
// single source for the lifetime of an orchestrator run, matching §5's
// "Orchestrator runs single-threaded per (source, year)" model.
type Worker struct {
	source        string
	workerID      string
	store         interfaces.ObjectStore
	watermark     interfaces.WatermarkStore
	textExtractor interfaces.TextExtractor
	registry      *structextract.Registry
	fallback      interfaces.StructuredExtractor
	writer        *tabular.Writer
	claimTTL      time.Duration
	logger        arbor.ILogger
}

// New builds a Worker. claimTTL should exceed the queue's visibility
// timeout so a claim does not expire while the lease is still valid but
// outlive a crashed worker promptly enough for another to retry.
func New(
	source, workerID string,
	store interfaces.ObjectStore,
	watermark interfaces.WatermarkStore,
	textExtractor interfaces.TextExtractor,
	registry *structextract.Registry,
	fallback interfaces.StructuredExtractor,
	writer *tabular.Writer,
	claimTTL time.Duration,
	logger arbor.ILogger,
) *Worker {
	return &Worker{
		source:        source,
		workerID:      workerID,
		store:         store,
		watermark:     watermark,
		textExtractor: textExtractor,
		registry:      registry,
		fallback:      fallback,
		writer:        writer,
		claimTTL:      claimTTL,
		logger:        logger,
	}
}

// Handle is a workqueue.Handler: it is registered with a workqueue.Pool.
func (w *Worker) Handle(ctx context.Context, msg interfaces.ReceivedMessage) error {
	var task models.ExtractionTask
	if err := json.Unmarshal(msg.Message.Payload, &task); err != nil {
		return &workqueue.PermanentError{Reason: "unparseable task payload", Err: err}
	}
	return w.process(ctx, task)
}

func (w *Worker) pdfKey(task models.ExtractionTask) string {
	return fmt.Sprintf("bronze/%s/year=%d/filing_type=%s/pdfs/%s.pdf", w.source, task.Year, task.FilingType, task.DocID)
}

func (w *Worker) process(ctx context.Context, task models.ExtractionTask) error {
	key := w.pdfKey(task)

	meta, err := w.store.Head(ctx, key)
	if errors.Is(err, interfaces.ErrNotFound) {
		return &workqueue.PermanentError{Reason: "bronze pdf missing", Err: err}
	}
	if err != nil {
		return err
	}

	if meta.Tags["extraction-processed"] == "true" {
		// Already committed by a prior (possibly duplicate) delivery.
		return nil
	}

	claimKey := "claim:" + task.DocID
	if err := w.watermark.ClaimCoordination(ctx, claimKey, w.claimTTL); err != nil {
		if errors.Is(err, interfaces.ErrConcurrentUpdate) {
			return fmt.Errorf("document %s already claimed by another worker", task.DocID)
		}
		return err
	}

	claimTags := cloneTags(meta.Tags)
	claimTags["extraction-processed"] = w.workerID
	meta, err = w.store.SetMetadata(ctx, key, meta.ETag, claimTags)
	if err != nil {
		// Leave the coordination claim in place; it expires on its own and
		// another worker will retry. Do not actively release it here: a
		// concurrent writer may be mid-commit.
		return err
	}

	result, extractErr := w.extract(ctx, key, task, meta)
	if extractErr != nil {
		var permErr *workqueue.PermanentError
		if errors.As(extractErr, &permErr) {
			w.markFailedPermanent(ctx, key, meta, task, extractErr)
			_ = w.watermark.ReleaseCoordination(ctx, claimKey)
			return permErr
		}
		return extractErr
	}

	if _, err := w.store.SetMetadata(ctx, key, result.pdfETag, map[string]string{
		"extraction-processed": "true",
		"content-hash":         meta.ContentHash,
	}); err != nil {
		return err
	}

	if err := w.watermark.ReleaseCoordination(ctx, claimKey); err != nil {
		w.logger.Warn().Err(err).Str("doc_id", task.DocID).Msg("failed to release extraction claim")
	}

	return nil
}

type extractOutcome struct {
	pdfETag string
}

// extract runs C5/C6 against the claimed PDF and writes Silver text and
// structured rows. Writes obey the happens-before order from §5: embedded
// text write happens-before structured-record write happens-before the
// metadata transition to done (performed by the caller after this
// returns).
func (w *Worker) extract(ctx context.Context, pdfKey string, task models.ExtractionTask, meta interfaces.ObjectMetadata) (extractOutcome, error) {
	body, _, err := w.store.Get(ctx, pdfKey)
	if err != nil {
		return extractOutcome{}, err
	}
	defer body.Close()

	pdfBytes, err := io.ReadAll(body)
	if err != nil {
		return extractOutcome{}, err
	}

	textResult, err := w.textExtractor.Extract(ctx, pdfBytes)
	if err != nil {
		return extractOutcome{}, &workqueue.PermanentError{Reason: "text extraction failed", Err: err}
	}

	records, err := w.registry.Extract(ctx, task.FilingType, task.DocID, textResult)
	if err != nil {
		records, err = w.fallback.Extract(ctx, task.DocID, textResult)
		if err != nil {
			return extractOutcome{}, &workqueue.PermanentError{Reason: "structured extraction failed", Err: err}
		}
	}

	textKey := fmt.Sprintf("silver/%s/text/year=%d/doc_id=%s/text.gz", w.source, task.Year, task.DocID)
	if err := w.writeCompressedText(ctx, textKey, textResult.FullText); err != nil {
		return extractOutcome{}, err
	}

	if err := w.upsertStructuredRecords(ctx, task, records); err != nil {
		return extractOutcome{}, err
	}

	if err := w.upsertDocumentRow(ctx, task, meta.ContentHash, textKey, textResult); err != nil {
		return extractOutcome{}, err
	}

	return extractOutcome{pdfETag: meta.ETag}, nil
}

func (w *Worker) writeCompressedText(ctx context.Context, key string, fullText string) error {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write([]byte(fullText)); err != nil {
		return fmt.Errorf("compress text for %s: %w", key, err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("close gzip writer for %s: %w", key, err)
	}
	_, err := w.store.Put(ctx, key, bytes.NewReader(buf.Bytes()), map[string]string{"encoding": "gzip"})
	return err
}

func (w *Worker) upsertStructuredRecords(ctx context.Context, task models.ExtractionTask, records []interfaces.StructuredRecord) error {
	if len(records) == 0 {
		return nil
	}
	table := "structured_" + task.FilingType
	partition := strconv.Itoa(task.Year)

	tabularRecords := make([]interfaces.TabularRecord, 0, len(records))
	for i, r := range records {
		row := models.StructuredTableRecord{
			DocID:      task.DocID,
			FilingType: r.FilingType,
			RecordIdx:  i,
			Confidence: r.Confidence,
			SpanPage:   r.Span.PageNumber,
			Fields:     r.Fields,
		}
		rec, err := toTabularRecord(fmt.Sprintf("%s/%d", task.DocID, i), row)
		if err != nil {
			return err
		}
		tabularRecords = append(tabularRecords, rec)
	}

	_, err := w.writer.Upsert(ctx, table, partition, tabularRecords)
	return err
}

// upsertDocumentRow merges extraction results into the existing Silver
// "documents" row for this doc_id/content_hash (written earlier by the
// Index Normalizer), since Upsert replaces a record wholesale by primary
// key rather than merging fields.
func (w *Worker) upsertDocumentRow(ctx context.Context, task models.ExtractionTask, contentHash, textKey string, textResult interfaces.TextExtractionResult) error {
	partition := strconv.Itoa(task.Year)
	primaryKey := task.DocID + "/" + contentHash

	existing, err := w.writer.Read(ctx, "documents", partition)
	if err != nil {
		return err
	}

	fields := map[string]any{}
	for _, rec := range existing {
		if rec.PrimaryKey == primaryKey {
			for k, v := range rec.Fields {
				fields[k] = v
			}
			break
		}
	}

	fields["doc_id"] = task.DocID
	fields["content_hash"] = contentHash
	fields["year"] = task.Year
	fields["filing_type"] = task.FilingType
	fields["extraction_status"] = "ok"
	fields["full_text_key"] = textKey
	fields["page_count"] = textResult.PageCount
	fields["overall_confidence"] = textResult.OverallConf
	fields["used_ocr_fallback"] = textResult.UsedOCRFallback

	// Round-trip through JSON so numbers carry the float64 type stored rows
	// decode to, which the partition's schema check compares against.
	rec, err := toTabularRecord(primaryKey, fields)
	if err != nil {
		return err
	}
	_, err = w.writer.Upsert(ctx, "documents", partition, []interfaces.TabularRecord{rec})
	return err
}

// markFailedPermanent sets Bronze metadata to failed-permanent and records
// the failure on the Silver "documents" row, per §4.9's "* -> failed-
// permanent" transition and §8's scenario 5 (corrupt PDF).
func (w *Worker) markFailedPermanent(ctx context.Context, key string, meta interfaces.ObjectMetadata, task models.ExtractionTask, cause error) {
	tags := cloneTags(meta.Tags)
	tags["extraction-processed"] = "error:" + cause.Error()

	if _, err := w.store.SetMetadata(ctx, key, meta.ETag, tags); err != nil {
		w.logger.Error().Err(err).Str("doc_id", task.DocID).Msg("failed to set failed-permanent bronze metadata")
	}

	partition := strconv.Itoa(task.Year)
	primaryKey := task.DocID + "/" + meta.ContentHash
	rec, upsertErr := toTabularRecord(primaryKey, map[string]any{
		"doc_id":            task.DocID,
		"content_hash":      meta.ContentHash,
		"year":              task.Year,
		"filing_type":       task.FilingType,
		"extraction_status": "failed",
		"failure_reason":    cause.Error(),
	})
	if upsertErr == nil {
		_, upsertErr = w.writer.Upsert(ctx, "documents", partition, []interfaces.TabularRecord{rec})
	}
	if upsertErr != nil {
		w.logger.Error().Err(upsertErr).Str("doc_id", task.DocID).Msg("failed to record failed-permanent documents row")
	}
}

func cloneTags(tags map[string]string) map[string]string {
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}

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
