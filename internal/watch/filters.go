package watch

import (
	"context"
	"fmt"
	"log"

	"github.com/mailgram-io/mailgram/internal/models"
	"github.com/mailgram-io/mailgram/internal/repository"
)

// filterCache is the filter side of the fast-access store.
type filterCache interface {
	GetFilters(ctx context.Context, key string) ([]models.Filter, bool, error)
	SetFilters(ctx context.Context, key string, filters []models.Filter) error
}

// CachingFilterSource serves filter lists from the fast-access store
// and falls back to the repository on a miss. Cache failures degrade to
// repository reads, never to errors.
type CachingFilterSource struct {
	repo   repository.FilterRepository
	cache  filterCache
	logger *log.Logger
}

// NewCachingFilterSource wires the repository behind an optional cache.
func NewCachingFilterSource(repo repository.FilterRepository, cache filterCache, logger *log.Logger) *CachingFilterSource {
	if logger == nil {
		logger = log.Default()
	}
	return &CachingFilterSource{repo: repo, cache: cache, logger: logger}
}

func (s *CachingFilterSource) FiltersFor(ctx context.Context, mailbox *models.Mailbox) ([]models.Filter, error) {
	key := mailbox.Key()
	if s.cache != nil {
		filters, ok, err := s.cache.GetFilters(ctx, key)
		if err != nil {
			s.logger.Printf("filter cache read failed for %s: %v", key, err)
		} else if ok {
			return filters, nil
		}
	}

	filters, err := s.repo.ListForMailbox(ctx, mailbox.ID)
	if err != nil {
		return nil, fmt.Errorf("list filters for %s: %w", key, err)
	}
	if s.cache != nil {
		if err := s.cache.SetFilters(ctx, key, filters); err != nil {
			s.logger.Printf("filter cache write failed for %s: %v", key, err)
		}
	}
	return filters, nil
}
