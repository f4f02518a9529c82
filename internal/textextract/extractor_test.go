package textextract

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeOCR struct {
	text string
	conf float64
	err  error
}

func (f *fakeOCR) RecognizePage(ctx context.Context, pdfPath string, pageNum int) (string, float64, error) {
	return f.text, f.conf, f.err
}

func TestEmbeddedConfidenceScoresAboveThresholdHighly(t *testing.T) {
	require.InDelta(t, 1.0, embeddedConfidence(1000, 20), 0.001)
	require.Equal(t, 0.0, embeddedConfidence(0, 20))
	require.Less(t, embeddedConfidence(10, 20), embeddedConfidence(1000, 20))
}

func TestEmbeddedConfidenceZeroThresholdIsBinary(t *testing.T) {
	require.Equal(t, 1.0, embeddedConfidence(5, 0))
	require.Equal(t, 0.0, embeddedConfidence(0, 0))
}

func TestFakeOCREngineSatisfiesInterface(t *testing.T) {
	var engine OCREngine = &fakeOCR{text: "recognized text", conf: 0.6}
	text, conf, err := engine.RecognizePage(context.Background(), "unused.pdf", 1)
	require.NoError(t, err)
	require.Equal(t, "recognized text", text)
	require.Equal(t, 0.6, conf)
}
