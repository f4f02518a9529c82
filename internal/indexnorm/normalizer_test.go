package indexnorm_test

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/discloser/internal/indexnorm"
	"github.com/ternarybob/discloser/internal/objectstore"
	"github.com/ternarybob/discloser/internal/tabular"
)

const sampleIndex = `<FinancialDisclosure>
  <Member>
    <DocID>10000001</DocID>
    <FilingType>P</FilingType>
    <FilingDate>03/15/2024</FilingDate>
    <FilerName>Jane Doe</FilerName>
    <StateDst>CA05</StateDst>
  </Member>
  <Member>
    <DocID>10000002</DocID>
    <FilingType>A</FilingType>
    <FilingDate>04/01/2024</FilingDate>
    <FilerName>John Roe</FilerName>
    <StateDst>NY10</StateDst>
  </Member>
</FinancialDisclosure>`

func newTestNormalizer(t *testing.T) (*indexnorm.Normalizer, *objectstore.FSStore, *tabular.Writer) {
	t.Helper()
	logger := arbor.NewLogger()
	store, err := objectstore.NewFSStore(filepath.Join(t.TempDir(), "lake"), logger)
	require.NoError(t, err)
	writer := tabular.New(store, logger)
	return indexnorm.New(store, writer, logger), store, writer
}

func TestNormalizeWritesFilingsAndDocuments(t *testing.T) {
	ctx := context.Background()
	n, store, writer := newTestNormalizer(t)

	_, err := store.Put(ctx, "bronze/house/year=2024/index/index.xml", bytes.NewReader([]byte(sampleIndex)), nil)
	require.NoError(t, err)
	_, err = store.Put(ctx, "bronze/house/year=2024/filing_type=P/pdfs/10000001.pdf", bytes.NewReader([]byte("%PDF-1.4")), nil)
	require.NoError(t, err)

	result, err := n.Normalize(ctx, "house", 2024)
	require.NoError(t, err)
	require.Equal(t, 2, result.FilingsWritten)
	require.Equal(t, 2, result.DocumentsWritten)

	filings, err := writer.Read(ctx, "filings", "2024")
	require.NoError(t, err)
	require.Len(t, filings, 2)

	documents, err := writer.Read(ctx, "documents", "2024")
	require.NoError(t, err)
	require.Len(t, documents, 2)

	var foundOK, foundMissing bool
	for _, d := range documents {
		switch d.Fields["extraction_status"] {
		case "ok":
			foundOK = true
		case "missing":
			foundMissing = true
		}
	}
	require.True(t, foundOK, "doc_id with a Bronze PDF should be ok")
	require.True(t, foundMissing, "doc_id missing its Bronze PDF should be flagged")
}

func TestNormalizeSkipsMembersWithEmptyDocID(t *testing.T) {
	ctx := context.Background()
	n, store, _ := newTestNormalizer(t)

	_, err := store.Put(ctx, "bronze/house/year=2025/index/index.xml", bytes.NewReader([]byte(`<FinancialDisclosure><Member><FilingType>P</FilingType></Member></FinancialDisclosure>`)), nil)
	require.NoError(t, err)

	result, err := n.Normalize(ctx, "house", 2025)
	require.NoError(t, err)
	require.Equal(t, 0, result.FilingsWritten)
	require.Equal(t, 0, result.DocumentsWritten)
}
