package updatedetector_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/discloser/internal/common"
	"github.com/ternarybob/discloser/internal/interfaces"
	"github.com/ternarybob/discloser/internal/updatedetector"
	"github.com/ternarybob/discloser/internal/watermarkstore"
)

func newDetector(t *testing.T) (*updatedetector.Detector, *watermarkstore.Store) {
	t.Helper()
	logger := arbor.NewLogger()
	wm, err := watermarkstore.New(common.WatermarkConfig{Path: filepath.Join(t.TempDir(), "wm")}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = wm.Close() })
	return updatedetector.New(wm, logger), wm
}

func TestCheckReportsChangedForUnseenWatermark(t *testing.T) {
	ctx := context.Background()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1024")
		w.Header().Set("Last-Modified", "Mon, 01 Jan 2024 00:00:00 GMT")
	}))
	defer server.Close()

	d, _ := newDetector(t)
	source := common.SourceConfig{Name: "house", BaseURLPattern: server.URL + "/%dFD.zip"}

	changed, hint, err := d.Check(ctx, source, 2024)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, interfaces.ValidatorWeakSignal, hint.Validator)
}

func TestCheckReportsUnchangedWhenWeakSignalMatches(t *testing.T) {
	ctx := context.Background()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "2048")
		w.Header().Set("Last-Modified", "Tue, 02 Jan 2024 00:00:00 GMT")
	}))
	defer server.Close()

	d, wm := newDetector(t)
	source := common.SourceConfig{Name: "house", BaseURLPattern: server.URL + "/%dFD.zip"}

	require.NoError(t, wm.Put(ctx, "house/2024", interfaces.Watermark{
		Key:            "house/2024",
		ProbeHash:      "2048|Tue, 02 Jan 2024 00:00:00 GMT",
		ProbeValidator: interfaces.ValidatorWeakSignal,
		Status:         interfaces.WatermarkStatusOK,
	}))

	changed, _, err := d.Check(ctx, source, 2024)
	require.NoError(t, err)
	require.False(t, changed)
}

func TestCheckReportsChangedOnETagMismatch(t *testing.T) {
	ctx := context.Background()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", "\"abc123\"")
	}))
	defer server.Close()

	d, wm := newDetector(t)
	source := common.SourceConfig{Name: "house", BaseURLPattern: server.URL + "/%dFD.zip"}

	require.NoError(t, wm.Put(ctx, "house/2024", interfaces.Watermark{
		Key:            "house/2024",
		ProbeHash:      "\"old-etag\"",
		ProbeValidator: interfaces.ValidatorStrongHash,
		Status:         interfaces.WatermarkStatusOK,
	}))

	changed, hint, err := d.Check(ctx, source, 2024)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, interfaces.ValidatorStrongHash, hint.Validator)
}
