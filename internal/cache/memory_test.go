package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mailgram-io/mailgram/internal/models"
)

func TestMemoryFlagStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryFlagStore()

	flag, err := store.Get(ctx, "1:a@b.c")
	require.NoError(t, err)
	require.Nil(t, flag)

	require.NoError(t, store.Set(ctx, "1:a@b.c", &models.StatusFlag{
		OwnerID: 1, Address: "a@b.c", Listening: true,
	}))

	flag, err = store.Get(ctx, "1:a@b.c")
	require.NoError(t, err)
	require.NotNil(t, flag)
	require.True(t, flag.Listening)

	require.NoError(t, store.Delete(ctx, "1:a@b.c"))
	flag, err = store.Get(ctx, "1:a@b.c")
	require.NoError(t, err)
	require.Nil(t, flag)
}

func TestMemoryFlagStoreFilterCache(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryFlagStore()

	_, ok, err := store.GetFilters(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.SetFilters(ctx, "k", []models.Filter{{ID: 1, Value: "x@y.z"}}))
	filters, ok, err := store.GetFilters(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, filters, 1)

	require.NoError(t, store.InvalidateFilters(ctx, "k"))
	_, ok, err = store.GetFilters(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}
