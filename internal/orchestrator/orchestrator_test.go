package orchestrator_test

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/discloser/internal/common"
	"github.com/ternarybob/discloser/internal/indexnorm"
	"github.com/ternarybob/discloser/internal/ingest"
	"github.com/ternarybob/discloser/internal/interfaces"
	"github.com/ternarybob/discloser/internal/objectstore"
	"github.com/ternarybob/discloser/internal/orchestrator"
	"github.com/ternarybob/discloser/internal/tabular"
	"github.com/ternarybob/discloser/internal/updatedetector"
	"github.com/ternarybob/discloser/internal/watermarkstore"
	"github.com/ternarybob/discloser/internal/workqueue"
)

func buildArchive(t *testing.T, docID string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	index, err := zw.Create("2024FD.xml")
	require.NoError(t, err)
	_, err = index.Write([]byte(`<FinancialDisclosure><Member><DocID>` + docID + `</DocID><FilingType>P</FilingType><FilingDate>03/15/2024</FilingDate><FilerName>Jane Doe</FilerName><StateDst>CA05</StateDst></Member></FinancialDisclosure>`))
	require.NoError(t, err)

	pdf, err := zw.Create("2024/" + docID + ".pdf")
	require.NoError(t, err)
	_, err = pdf.Write([]byte("%PDF-1.4 fake body"))
	require.NoError(t, err)

	require.NoError(t, zw.Close())
	return buf.Bytes()
}

type harness struct {
	orch   *orchestrator.Orchestrator
	queue  *workqueue.Queue
	wm     *watermarkstore.Store
	writer *tabular.Writer
	server *httptest.Server
	source common.SourceConfig
}

func newHarness(t *testing.T, archiveBody []byte, cfg common.OrchestratorConfig) *harness {
	t.Helper()
	logger := arbor.NewLogger()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", "1")
			return
		}
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

	writer := tabular.New(store, logger)
	detector := updatedetector.New(wm, logger)
	ingester := ingest.New(store, wm, queue, logger)
	normalizer := indexnorm.New(store, writer, logger)
	source := common.SourceConfig{Name: "house", BaseURLPattern: server.URL + "/%d.zip"}

	orch := orchestrator.New(source, detector, ingester, normalizer, queue, wm, writer, cfg, logger)

	return &harness{orch: orch, queue: queue, wm: wm, writer: writer, server: server, source: source}
}

func TestRunDrainsQueueAndFinalizesWatermarkOK(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, buildArchive(t, "10000001"), common.OrchestratorConfig{
		DrainDeadline:       "1s",
		QualityFailFraction: 0.5,
	})

	// Drain the enqueued extraction task immediately, as if a worker
	// already processed and acked it, so Drain observes depth == 0.
	go func() {
		for i := 0; i < 20; i++ {
			msgs, err := h.queue.Receive(ctx, 10)
			if err == nil {
				for _, m := range msgs {
					_ = h.queue.Ack(ctx, m.LeaseID)
				}
			}
		}
	}()

	result, err := h.orch.Run(ctx, 2024, false)
	require.NoError(t, err)
	require.Equal(t, orchestrator.StageDone, result.Stage)
	require.True(t, result.Changed)
	require.Equal(t, 1, result.FilingsWritten)

	wm, err := h.wm.Get(ctx, "house/2024")
	require.NoError(t, err)
	require.Equal(t, interfaces.WatermarkStatusOK, wm.Status)
}

func TestRunFailsQualityGateWhenDocumentsMissing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, buildArchive(t, "10000002"), common.OrchestratorConfig{
		DrainDeadline:       "1s",
		QualityFailFraction: 0.0,
	})

	go func() {
		for i := 0; i < 20; i++ {
			msgs, err := h.queue.Receive(ctx, 10)
			if err == nil {
				for _, m := range msgs {
					_ = h.queue.Ack(ctx, m.LeaseID)
				}
			}
		}
	}()

	// Seed a documents row marked "missing" (as for a missing Bronze PDF)
	// beside the row the run's Normalize writes; the quality gate counts
	// it as a violation.
	_, err := h.writer.Upsert(ctx, "documents", "2024", []interfaces.TabularRecord{
		{PrimaryKey: "10000002/", Fields: map[string]any{"doc_id": "10000002", "extraction_status": "missing"}},
	})
	require.NoError(t, err)

	result, err := h.orch.Run(ctx, 2024, false)
	require.Error(t, err)
	require.ErrorIs(t, err, interfaces.ErrQualityGateFailed)
	require.Equal(t, orchestrator.StageQualityGate, result.Stage)

	wm, err := h.wm.Get(ctx, "house/2024")
	require.NoError(t, err)
	require.Equal(t, interfaces.WatermarkStatusFailed, wm.Status)
}

func TestRunRetriesAfterPriorFailureEvenWhenArchiveUnchanged(t *testing.T) {
	ctx := context.Background()
	archive := buildArchive(t, "10000003")
	h := newHarness(t, archive, common.OrchestratorConfig{
		DrainDeadline:       "1s",
		QualityFailFraction: 0.0,
	})

	// The prior run staged these exact archive bytes and the server's HEAD
	// probe ("1|": Content-Length 1, no Last-Modified) is unchanged too.
	sum := sha256.Sum256(archive)
	require.NoError(t, h.wm.Put(ctx, "house/2024", interfaces.Watermark{
		Key:            "house/2024",
		ContentHash:    hex.EncodeToString(sum[:]),
		ValidatorKind:  interfaces.ValidatorStrongHash,
		ProbeHash:      "1|",
		ProbeValidator: interfaces.ValidatorWeakSignal,
		Status:         interfaces.WatermarkStatusFailed,
	}))

	go func() {
		for i := 0; i < 20; i++ {
			msgs, err := h.queue.Receive(ctx, 10)
			if err == nil {
				for _, m := range msgs {
					_ = h.queue.Ack(ctx, m.LeaseID)
				}
			}
		}
	}()

	result, err := h.orch.Run(ctx, 2024, false)
	require.NoError(t, err)
	require.Equal(t, orchestrator.StageDone, result.Stage)
	require.True(t, result.Changed, "a prior failed run must be retried even if the remote archive looks unchanged")
}
