package tabular_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/discloser/internal/interfaces"
	"github.com/ternarybob/discloser/internal/objectstore"
	"github.com/ternarybob/discloser/internal/tabular"
)

func newTestWriter(t *testing.T) *tabular.Writer {
	t.Helper()
	store, err := objectstore.NewFSStore(t.TempDir(), arbor.NewLogger())
	require.NoError(t, err)
	return tabular.New(store, arbor.NewLogger())
}

func TestUpsertInsertsThenUpdates(t *testing.T) {
	w := newTestWriter(t)
	ctx := context.Background()

	result, err := w.Upsert(ctx, "filings", "2024", []interfaces.TabularRecord{
		{PrimaryKey: "doc_1", Fields: map[string]any{"filer_name": "Jane Doe"}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.Inserted)
	require.Equal(t, 0, result.Updated)

	result, err = w.Upsert(ctx, "filings", "2024", []interfaces.TabularRecord{
		{PrimaryKey: "doc_1", Fields: map[string]any{"filer_name": "Jane A. Doe"}},
	})
	require.NoError(t, err)
	require.Equal(t, 0, result.Inserted)
	require.Equal(t, 1, result.Updated)

	records, err := w.Read(ctx, "filings", "2024")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "Jane A. Doe", records[0].Fields["filer_name"])
}

func TestUpsertRejectsSchemaDrift(t *testing.T) {
	w := newTestWriter(t)
	ctx := context.Background()

	_, err := w.Upsert(ctx, "filings", "2024", []interfaces.TabularRecord{
		{PrimaryKey: "doc_1", Fields: map[string]any{"filer_name": "Jane Doe"}},
	})
	require.NoError(t, err)

	_, err = w.Upsert(ctx, "filings", "2024", []interfaces.TabularRecord{
		{PrimaryKey: "doc_2", Fields: map[string]any{"filer_name": 12345}},
	})
	require.ErrorIs(t, err, interfaces.ErrSchemaDrift)
}

func TestUpsertIsIdempotent(t *testing.T) {
	w := newTestWriter(t)
	ctx := context.Background()

	records := []interfaces.TabularRecord{
		{PrimaryKey: "doc_1", Fields: map[string]any{"filer_name": "Jane Doe"}},
	}
	_, err := w.Upsert(ctx, "filings", "2024", records)
	require.NoError(t, err)
	_, err = w.Upsert(ctx, "filings", "2024", records)
	require.NoError(t, err)

	got, err := w.Read(ctx, "filings", "2024")
	require.NoError(t, err)
	require.Len(t, got, 1)
}
