package watch

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mailgram-io/mailgram/internal/cache"
	"github.com/mailgram-io/mailgram/internal/models"
	"github.com/mailgram-io/mailgram/internal/repository"
)

type countingFilterRepo struct {
	*repository.MemoryFilterRepository
	lists int32
}

func (r *countingFilterRepo) ListForMailbox(ctx context.Context, mailboxID int64) ([]models.Filter, error) {
	atomic.AddInt32(&r.lists, 1)
	return r.MemoryFilterRepository.ListForMailbox(ctx, mailboxID)
}

func TestCachingFilterSourceServesFromCache(t *testing.T) {
	ctx := context.Background()
	repo := &countingFilterRepo{MemoryFilterRepository: repository.NewMemoryFilterRepository()}
	_, err := repo.Create(ctx, 1, "boss@example.com", "boss")
	require.NoError(t, err)

	store := cache.NewMemoryFlagStore()
	source := NewCachingFilterSource(repo, store, quietLogger())
	mailbox := watchedMailbox()

	filters, err := source.FiltersFor(ctx, mailbox)
	require.NoError(t, err)
	require.Len(t, filters, 1)
	require.Equal(t, int32(1), atomic.LoadInt32(&repo.lists))

	// Second read is a cache hit.
	filters, err = source.FiltersFor(ctx, mailbox)
	require.NoError(t, err)
	require.Len(t, filters, 1)
	require.Equal(t, int32(1), atomic.LoadInt32(&repo.lists))

	// Invalidation forces the next read back to the repository.
	require.NoError(t, store.InvalidateFilters(ctx, mailbox.Key()))
	_, err = source.FiltersFor(ctx, mailbox)
	require.NoError(t, err)
	require.Equal(t, int32(2), atomic.LoadInt32(&repo.lists))
}

func TestCachingFilterSourceWorksWithoutCache(t *testing.T) {
	ctx := context.Background()
	repo := &countingFilterRepo{MemoryFilterRepository: repository.NewMemoryFilterRepository()}
	source := NewCachingFilterSource(repo, nil, quietLogger())

	filters, err := source.FiltersFor(ctx, watchedMailbox())
	require.NoError(t, err)
	require.Empty(t, filters)
	require.Equal(t, int32(1), atomic.LoadInt32(&repo.lists))
}
