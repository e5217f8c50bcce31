package repository

import (
	"context"
	"errors"

	"github.com/mailgram-io/mailgram/internal/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("repository: not found")

// ErrDuplicate is returned when an insert violates the one-row-per-
// (owner, address) invariant.
var ErrDuplicate = errors.New("repository: already exists")

// MailboxRepository is the durable store of registered mailboxes. It is
// the source of truth for the listening flag.
type MailboxRepository interface {
	Create(ctx context.Context, mailbox *models.Mailbox) (int64, error)
	GetByAddressForOwner(ctx context.Context, ownerID int64, address string) (*models.Mailbox, error)
	ListAll(ctx context.Context) ([]models.Mailbox, error)
	ListAllListening(ctx context.Context) ([]models.Mailbox, error)
	SetListeningStatus(ctx context.Context, id int64, listening bool) error
	Delete(ctx context.Context, id int64) error
}

// FilterRepository stores the sender filters owned by mailboxes.
type FilterRepository interface {
	Create(ctx context.Context, mailboxID int64, value, name string) (*models.Filter, error)
	ListForMailbox(ctx context.Context, mailboxID int64) ([]models.Filter, error)
}

// ProviderRepository resolves mail-service slugs to IMAP endpoints.
type ProviderRepository interface {
	GetBySlug(ctx context.Context, slug string) (*models.Provider, error)
}
