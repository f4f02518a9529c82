package extractworker_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/discloser/internal/common"
	"github.com/ternarybob/discloser/internal/extractworker"
	"github.com/ternarybob/discloser/internal/interfaces"
	"github.com/ternarybob/discloser/internal/models"
	"github.com/ternarybob/discloser/internal/objectstore"
	"github.com/ternarybob/discloser/internal/structextract"
	"github.com/ternarybob/discloser/internal/tabular"
	"github.com/ternarybob/discloser/internal/watermarkstore"
	"github.com/ternarybob/discloser/internal/workqueue"
)

type fakeTextExtractor struct {
	result interfaces.TextExtractionResult
	err    error
}

func (f fakeTextExtractor) Extract(ctx context.Context, pdfBytes []byte) (interfaces.TextExtractionResult, error) {
	return f.result, f.err
}

func newHarness(t *testing.T, te interfaces.TextExtractor) (*extractworker.Worker, *objectstore.FSStore, *watermarkstore.Store, *tabular.Writer) {
	t.Helper()
	logger := arbor.NewLogger()

	store, err := objectstore.NewFSStore(filepath.Join(t.TempDir(), "lake"), logger)
	require.NoError(t, err)

	wm, err := watermarkstore.New(common.WatermarkConfig{Path: filepath.Join(t.TempDir(), "wm")}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = wm.Close() })

	writer := tabular.New(store, logger)
	registry := structextract.NewRegistry(structextract.TextualFallback{}, structextract.PeriodicTransactionExtractor{})

	worker := extractworker.New("house", "worker-1", store, wm, te, registry, structextract.TextualFallback{}, writer, time.Minute, logger)
	return worker, store, wm, writer
}

func receivedMessage(t *testing.T, task models.ExtractionTask) interfaces.ReceivedMessage {
	t.Helper()
	payload, err := json.Marshal(task)
	require.NoError(t, err)
	return interfaces.ReceivedMessage{
		Message: interfaces.QueueMessage{Type: models.TaskMessageType, Payload: payload},
		LeaseID: "lease-1",
	}
}

func TestHandleExtractsAndMarksDone(t *testing.T) {
	ctx := context.Background()
	te := fakeTextExtractor{result: interfaces.TextExtractionResult{
		FullText:  "Apple Inc. (AAPL)    P    01/15/2024    $1,001 - $15,000\n",
		Pages:     []interfaces.PageText{{PageNumber: 1, Text: "Apple Inc. (AAPL)    P    01/15/2024    $1,001 - $15,000\n"}},
		PageCount: 1,
	}}
	worker, store, _, writer := newHarness(t, te)

	task := models.ExtractionTask{DocID: "10000001", Year: 2024, FilingType: "P"}
	key := "bronze/house/year=2024/filing_type=P/pdfs/10000001.pdf"
	_, err := store.Put(ctx, key, bytes.NewReader([]byte("%PDF-1.4")), map[string]string{"extraction-processed": "false"})
	require.NoError(t, err)
	// Seed the documents row the Index Normalizer would have already written.
	meta, err := store.Head(ctx, key)
	require.NoError(t, err)
	_, err = writer.Upsert(ctx, "documents", "2024", []interfaces.TabularRecord{
		{PrimaryKey: "10000001/" + meta.ContentHash, Fields: map[string]any{"doc_id": "10000001", "content_hash": meta.ContentHash, "year": 2024, "filing_type": "P", "extraction_status": "missing"}},
	})
	require.NoError(t, err)

	require.NoError(t, worker.Handle(ctx, receivedMessage(t, task)))

	finalMeta, err := store.Head(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "true", finalMeta.Tags["extraction-processed"])

	docs, err := writer.Read(ctx, "documents", "2024")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "ok", docs[0].Fields["extraction_status"])

	structured, err := writer.Read(ctx, "structured_P", "2024")
	require.NoError(t, err)
	require.Len(t, structured, 1)
}

func TestHandleIsIdempotentOnDuplicateDelivery(t *testing.T) {
	ctx := context.Background()
	te := fakeTextExtractor{result: interfaces.TextExtractionResult{FullText: "no structured rows here", PageCount: 1}}
	worker, store, _, _ := newHarness(t, te)

	task := models.ExtractionTask{DocID: "10000002", Year: 2024, FilingType: "A"}
	key := "bronze/house/year=2024/filing_type=A/pdfs/10000002.pdf"
	_, err := store.Put(ctx, key, bytes.NewReader([]byte("%PDF-1.4")), map[string]string{"extraction-processed": "true"})
	require.NoError(t, err)

	require.NoError(t, worker.Handle(ctx, receivedMessage(t, task)))
}

func TestHandleReturnsPermanentErrorOnExtractionFailure(t *testing.T) {
	ctx := context.Background()
	te := fakeTextExtractor{err: errors.New("malformed pdf structure")}
	worker, store, _, writer := newHarness(t, te)

	task := models.ExtractionTask{DocID: "10000003", Year: 2024, FilingType: "P"}
	key := "bronze/house/year=2024/filing_type=P/pdfs/10000003.pdf"
	_, err := store.Put(ctx, key, bytes.NewReader([]byte("%PDF-1.4")), map[string]string{"extraction-processed": "false"})
	require.NoError(t, err)

	err = worker.Handle(ctx, receivedMessage(t, task))
	var permErr *workqueue.PermanentError
	require.ErrorAs(t, err, &permErr)

	finalMeta, err := store.Head(ctx, key)
	require.NoError(t, err)
	require.Contains(t, finalMeta.Tags["extraction-processed"], "error:")

	docs, err := writer.Read(ctx, "documents", "2024")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "failed", docs[0].Fields["extraction_status"])
}

func TestHandleNacksOnConcurrentClaim(t *testing.T) {
	ctx := context.Background()
	te := fakeTextExtractor{result: interfaces.TextExtractionResult{FullText: "text", PageCount: 1}}
	worker, store, wm, _ := newHarness(t, te)

	task := models.ExtractionTask{DocID: "10000004", Year: 2024, FilingType: "A"}
	key := "bronze/house/year=2024/filing_type=A/pdfs/10000004.pdf"
	_, err := store.Put(ctx, key, bytes.NewReader([]byte("%PDF-1.4")), map[string]string{"extraction-processed": "false"})
	require.NoError(t, err)

	require.NoError(t, wm.ClaimCoordination(ctx, "claim:10000004", time.Hour))

	err = worker.Handle(ctx, receivedMessage(t, task))
	require.Error(t, err)
	var permErr *workqueue.PermanentError
	require.False(t, errors.As(err, &permErr), "a claim conflict must be retriable, not permanent")
}
