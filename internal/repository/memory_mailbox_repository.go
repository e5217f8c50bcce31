package repository

import (
	"context"
	"sync"
	"time"

	"github.com/mailgram-io/mailgram/internal/models"
)

// MemoryMailboxRepository is an in-memory implementation of mailbox
// storage for testing.
type MemoryMailboxRepository struct {
	mu        sync.RWMutex
	mailboxes map[int64]*models.Mailbox
	nextID    int64
}

// NewMemoryMailboxRepository creates a new in-memory mailbox repository.
func NewMemoryMailboxRepository() *MemoryMailboxRepository {
	return &MemoryMailboxRepository{
		mailboxes: make(map[int64]*models.Mailbox),
		nextID:    1,
	}
}

func (r *MemoryMailboxRepository) Create(_ context.Context, mailbox *models.Mailbox) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.mailboxes {
		if existing.OwnerID == mailbox.OwnerID && existing.Address == mailbox.Address {
			return 0, ErrDuplicate
		}
	}

	copied := *mailbox
	copied.ID = r.nextID
	copied.CreatedAt = time.Now()
	copied.UpdatedAt = copied.CreatedAt
	r.mailboxes[copied.ID] = &copied
	r.nextID++

	mailbox.ID = copied.ID
	return copied.ID, nil
}

func (r *MemoryMailboxRepository) GetByAddressForOwner(_ context.Context, ownerID int64, address string) (*models.Mailbox, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, mailbox := range r.mailboxes {
		if mailbox.OwnerID == ownerID && mailbox.Address == address {
			copied := *mailbox
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryMailboxRepository) ListAll(_ context.Context) ([]models.Mailbox, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Mailbox, 0, len(r.mailboxes))
	for id := int64(1); id < r.nextID; id++ {
		if mailbox, ok := r.mailboxes[id]; ok {
			out = append(out, *mailbox)
		}
	}
	return out, nil
}

func (r *MemoryMailboxRepository) ListAllListening(ctx context.Context) ([]models.Mailbox, error) {
	all, err := r.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, mailbox := range all {
		if mailbox.Listening {
			out = append(out, mailbox)
		}
	}
	return out, nil
}

func (r *MemoryMailboxRepository) SetListeningStatus(_ context.Context, id int64, listening bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	mailbox, ok := r.mailboxes[id]
	if !ok {
		return ErrNotFound
	}
	mailbox.Listening = listening
	mailbox.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryMailboxRepository) Delete(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.mailboxes[id]; !ok {
		return ErrNotFound
	}
	delete(r.mailboxes, id)
	return nil
}

// MemoryFilterRepository is an in-memory implementation of filter
// storage for testing. Deleting a mailbox from its paired
// MemoryMailboxRepository does not cascade; tests manage both.
type MemoryFilterRepository struct {
	mu      sync.RWMutex
	filters map[int64][]models.Filter
	nextID  int64
}

// NewMemoryFilterRepository creates a new in-memory filter repository.
func NewMemoryFilterRepository() *MemoryFilterRepository {
	return &MemoryFilterRepository{
		filters: make(map[int64][]models.Filter),
		nextID:  1,
	}
}

func (r *MemoryFilterRepository) Create(_ context.Context, mailboxID int64, value, name string) (*models.Filter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	filter := models.Filter{ID: r.nextID, MailboxID: mailboxID, Value: value, Name: name}
	r.filters[mailboxID] = append(r.filters[mailboxID], filter)
	r.nextID++
	return &filter, nil
}

func (r *MemoryFilterRepository) ListForMailbox(_ context.Context, mailboxID int64) ([]models.Filter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	filters := r.filters[mailboxID]
	out := make([]models.Filter, len(filters))
	copy(out, filters)
	return out, nil
}

// MemoryProviderRepository is an in-memory provider catalog seeded at
// construction.
type MemoryProviderRepository struct {
	mu        sync.RWMutex
	providers map[string]models.Provider
}

// NewMemoryProviderRepository creates a catalog from the given providers.
func NewMemoryProviderRepository(providers ...models.Provider) *MemoryProviderRepository {
	byName := make(map[string]models.Provider, len(providers))
	for _, p := range providers {
		byName[p.Slug] = p
	}
	return &MemoryProviderRepository{providers: byName}
}

func (r *MemoryProviderRepository) GetBySlug(_ context.Context, slug string) (*models.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, ok := r.providers[slug]
	if !ok {
		return nil, ErrNotFound
	}
	copied := provider
	return &copied, nil
}
