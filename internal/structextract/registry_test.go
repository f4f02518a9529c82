package structextract_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ternarybob/discloser/internal/interfaces"
	"github.com/ternarybob/discloser/internal/structextract"
)

func TestRegistryDispatchesByFilingType(t *testing.T) {
	reg := structextract.NewRegistry(
		structextract.TextualFallback{},
		structextract.PeriodicTransactionExtractor{},
		structextract.AnnualAssetsExtractor{},
	)

	require.True(t, reg.Registered("P"))
	require.False(t, reg.Registered("Z"))

	text := interfaces.TextExtractionResult{
		FullText: "Apple Inc. (AAPL)    P    01/15/2024    $1,001 - $15,000\n",
		Pages:    []interfaces.PageText{{PageNumber: 1, Text: "Apple Inc. (AAPL)    P    01/15/2024    $1,001 - $15,000\n"}},
	}

	records, err := reg.Extract(context.Background(), "P", "doc_1", text)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "Apple Inc. (AAPL)", records[0].Fields["asset_description"])
}

func TestRegistryFallsBackForUnregisteredType(t *testing.T) {
	reg := structextract.NewRegistry(structextract.TextualFallback{}, structextract.PeriodicTransactionExtractor{})

	text := interfaces.TextExtractionResult{FullText: "Schedule H: nothing structured parses this."}
	records, err := reg.Extract(context.Background(), "H", "doc_2", text)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "*", records[0].FilingType)
}

func TestPeriodicTransactionExtractorFailsOnUnparseableText(t *testing.T) {
	e := structextract.PeriodicTransactionExtractor{}
	_, err := e.Extract(context.Background(), "doc_3", interfaces.TextExtractionResult{FullText: "no table here"})
	require.ErrorIs(t, err, interfaces.ErrExtractionFailed)
}
