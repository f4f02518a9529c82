package structextract_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ternarybob/discloser/internal/interfaces"
	"github.com/ternarybob/discloser/internal/structextract"
)

func TestTextualFallbackCarriesRawText(t *testing.T) {
	f := structextract.TextualFallback{}
	records, err := f.Extract(context.Background(), "doc_1", interfaces.TextExtractionResult{FullText: "  some unstructured filing text  "})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "some unstructured filing text", records[0].Fields["raw_text"])
	require.InDelta(t, 0.2, records[0].Confidence, 0.0001)
}

func TestTextualFallbackRejectsEmptyText(t *testing.T) {
	f := structextract.TextualFallback{}
	_, err := f.Extract(context.Background(), "doc_2", interfaces.TextExtractionResult{FullText: "   "})
	require.ErrorIs(t, err, interfaces.ErrExtractionFailed)
}

func TestGiftsExtractorParsesRows(t *testing.T) {
	e := structextract.GiftsExtractor{}
	text := interfaces.TextExtractionResult{
		FullText: "Foreign Government    Crystal vase    $1,200.00\n",
		Pages:    []interfaces.PageText{{PageNumber: 1, Text: "Foreign Government    Crystal vase    $1,200.00\n"}},
	}
	records, err := e.Extract(context.Background(), "doc_3", text)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "Foreign Government", records[0].Fields["source"])
	require.Equal(t, "1200.00", records[0].Fields["value"])
}

func TestTravelExtractorParsesRows(t *testing.T) {
	e := structextract.TravelExtractor{}
	text := interfaces.TextExtractionResult{
		FullText: "Aspen Institute    Aspen, CO    06/01/2024 - 06/03/2024    Lodging and meals\n",
		Pages:    []interfaces.PageText{{PageNumber: 1, Text: "Aspen Institute    Aspen, CO    06/01/2024 - 06/03/2024    Lodging and meals\n"}},
	}
	records, err := e.Extract(context.Background(), "doc_4", text)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "Aspen Institute", records[0].Fields["sponsor"])
	require.Equal(t, "Aspen, CO", records[0].Fields["destination"])
	require.Equal(t, "Lodging and meals", records[0].Fields["benefit"])
}
