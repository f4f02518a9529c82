package watermarkstore_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/discloser/internal/common"
	"github.com/ternarybob/discloser/internal/interfaces"
	"github.com/ternarybob/discloser/internal/watermarkstore"
)

func newTestStore(t *testing.T) *watermarkstore.Store {
	t.Helper()
	cfg := common.WatermarkConfig{Path: filepath.Join(t.TempDir(), "wm")}
	s, err := watermarkstore.New(cfg, arbor.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "house/2024")
	require.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestCompareAndSetFirstWriteRequiresEmptyExpected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wm := interfaces.Watermark{Key: "house/2024", ContentHash: "abc123", LastChecked: time.Now()}
	require.NoError(t, s.CompareAndSet(ctx, wm.Key, "", wm))

	got, err := s.Get(ctx, wm.Key)
	require.NoError(t, err)
	require.Equal(t, "abc123", got.ContentHash)

	// A second "first write" attempt with expected="" now conflicts.
	err = s.CompareAndSet(ctx, wm.Key, "", wm)
	require.ErrorIs(t, err, interfaces.ErrConcurrentUpdate)
}

func TestCompareAndSetRejectsStaleExpectedHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := "house/2025"

	require.NoError(t, s.CompareAndSet(ctx, key, "", interfaces.Watermark{Key: key, ContentHash: "v1"}))
	require.NoError(t, s.CompareAndSet(ctx, key, "v1", interfaces.Watermark{Key: key, ContentHash: "v2"}))

	err := s.CompareAndSet(ctx, key, "v1", interfaces.Watermark{Key: key, ContentHash: "v3"})
	require.ErrorIs(t, err, interfaces.ErrConcurrentUpdate)

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "v2", got.ContentHash)
}

func TestClaimCoordinationRejectsConcurrentClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := "claim:doc_1"

	require.NoError(t, s.ClaimCoordination(ctx, key, time.Minute))
	err := s.ClaimCoordination(ctx, key, time.Minute)
	require.ErrorIs(t, err, interfaces.ErrConcurrentUpdate)

	require.NoError(t, s.ReleaseCoordination(ctx, key))
	require.NoError(t, s.ClaimCoordination(ctx, key, time.Minute))
}
