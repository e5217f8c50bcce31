package cache

import (
	"context"
	"sync"

	"github.com/mailgram-io/mailgram/internal/models"
)

// MemoryFlagStore is an in-memory StatusFlagStore for tests and
// single-process development setups.
type MemoryFlagStore struct {
	mu      sync.RWMutex
	flags   map[string]models.StatusFlag
	filters map[string][]models.Filter
}

// NewMemoryFlagStore creates an empty in-memory store.
func NewMemoryFlagStore() *MemoryFlagStore {
	return &MemoryFlagStore{
		flags:   make(map[string]models.StatusFlag),
		filters: make(map[string][]models.Filter),
	}
}

// Get returns the status flag for a mailbox key, or nil when absent.
func (s *MemoryFlagStore) Get(_ context.Context, key string) (*models.StatusFlag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	flag, ok := s.flags[key]
	if !ok {
		return nil, nil
	}
	copied := flag
	return &copied, nil
}

// Set stores the status flag for a mailbox key.
func (s *MemoryFlagStore) Set(_ context.Context, key string, flag *models.StatusFlag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[key] = *flag
	return nil
}

// Delete removes the status flag for a mailbox key.
func (s *MemoryFlagStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flags, key)
	return nil
}

// GetFilters returns the cached filter list for a mailbox key.
func (s *MemoryFlagStore) GetFilters(_ context.Context, key string) ([]models.Filter, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	filters, ok := s.filters[key]
	if !ok {
		return nil, false, nil
	}
	copied := make([]models.Filter, len(filters))
	copy(copied, filters)
	return copied, true, nil
}

// SetFilters caches a filter list for a mailbox key.
func (s *MemoryFlagStore) SetFilters(_ context.Context, key string, filters []models.Filter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make([]models.Filter, len(filters))
	copy(copied, filters)
	s.filters[key] = copied
	return nil
}

// InvalidateFilters drops the cached filter list for a mailbox key.
func (s *MemoryFlagStore) InvalidateFilters(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.filters, key)
	return nil
}
