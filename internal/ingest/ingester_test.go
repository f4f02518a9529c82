package ingest_test

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/discloser/internal/common"
	"github.com/ternarybob/discloser/internal/ingest"
	"github.com/ternarybob/discloser/internal/objectstore"
	"github.com/ternarybob/discloser/internal/watermarkstore"
	"github.com/ternarybob/discloser/internal/workqueue"
)

func buildArchive(t *testing.T, pdfBody string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	index, err := zw.Create("2024FD.xml")
	require.NoError(t, err)
	_, err = index.Write([]byte(`<FinancialDisclosure><Member><DocID>10000001</DocID><FilingType>P</FilingType></Member></FinancialDisclosure>`))
	require.NoError(t, err)

	pdf, err := zw.Create("2024/10000001.pdf")
	require.NoError(t, err)
	_, err = pdf.Write([]byte(pdfBody))
	require.NoError(t, err)

	require.NoError(t, zw.Close())
	return buf.Bytes()
}

type testHarness struct {
	ingester *ingest.Ingester
	queue    *workqueue.Queue
	server   *httptest.Server
}

func newHarness(t *testing.T, archiveBody []byte) *testHarness {
	t.Helper()
	logger := arbor.NewLogger()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archiveBody)
	}))
	t.Cleanup(server.Close)

	store, err := objectstore.NewFSStore(filepath.Join(t.TempDir(), "lake"), logger)
	require.NoError(t, err)

	wm, err := watermarkstore.New(common.WatermarkConfig{Path: filepath.Join(t.TempDir(), "wm")}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = wm.Close() })

	queue, err := workqueue.New(context.Background(), common.QueueConfig{
		SQLitePath:     filepath.Join(t.TempDir(), "queue.db"),
		QueueName:      "extraction_tasks",
		DeadLetterName: "extraction_tasks_dead",
		MaxAttempts:    5,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = queue.Close() })

	return &testHarness{
		ingester: ingest.New(store, wm, queue, logger),
		queue:    queue,
		server:   server,
	}
}

func testSource(url string) common.SourceConfig {
	return common.SourceConfig{Name: "house", BaseURLPattern: url + "/%d.zip"}
}

func TestIngestFirstRunWritesBronzeAndEnqueues(t *testing.T) {
	h := newHarness(t, buildArchive(t, "%PDF-1.4 fake body one"))

	result, err := h.ingester.Ingest(context.Background(), testSource(h.server.URL), 2024, false)
	require.NoError(t, err)
	require.True(t, result.Changed)
	require.Len(t, result.DocumentsWritten, 1)
	require.True(t, result.DocumentsWritten[0].Written)
	require.Equal(t, "P", result.DocumentsWritten[0].FilingType)
	require.Equal(t, "bronze/house/year=2024/filing_type=P/pdfs/10000001.pdf", result.DocumentsWritten[0].ObjectKey)

	received, err := h.queue.Receive(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, received, 1)
	require.Equal(t, "extract_document", received[0].Message.Type)
}

func TestIngestSecondRunOnUnchangedArchiveIsNoop(t *testing.T) {
	body := buildArchive(t, "%PDF-1.4 fake body two")
	h := newHarness(t, body)
	ctx := context.Background()
	source := testSource(h.server.URL)

	_, err := h.ingester.Ingest(ctx, source, 2024, false)
	require.NoError(t, err)

	// Drain the first run's queue message so the second run's enqueue count is visible.
	_, err = h.queue.Receive(ctx, 10)
	require.NoError(t, err)

	result, err := h.ingester.Ingest(ctx, source, 2024, false)
	require.NoError(t, err)
	require.False(t, result.Changed)
	require.Empty(t, result.DocumentsWritten)

	received, err := h.queue.Receive(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, received)
}
