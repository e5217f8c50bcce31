package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/mailgram-io/mailgram/internal/models"
)

// SQLFilterRepository is the Postgres-backed filter store.
type SQLFilterRepository struct {
	db *sqlx.DB
}

// NewSQLFilterRepository wraps an open database handle.
func NewSQLFilterRepository(db *sqlx.DB) *SQLFilterRepository {
	return &SQLFilterRepository{db: db}
}

func (r *SQLFilterRepository) Create(ctx context.Context, mailboxID int64, value, name string) (*models.Filter, error) {
	query := `
		INSERT INTO filters (mailbox_id, filter_value, filter_name)
		VALUES ($1, $2, $3)
		RETURNING id`

	var id int64
	if err := r.db.QueryRowContext(ctx, query, mailboxID, value, name).Scan(&id); err != nil {
		return nil, fmt.Errorf("failed to create filter: %w", err)
	}
	return &models.Filter{ID: id, MailboxID: mailboxID, Value: value, Name: name}, nil
}

// ListForMailbox returns a mailbox's filters in creation order, which
// is the order they are matched in.
func (r *SQLFilterRepository) ListForMailbox(ctx context.Context, mailboxID int64) ([]models.Filter, error) {
	query := `
		SELECT id, mailbox_id, filter_value, filter_name
		FROM filters
		WHERE mailbox_id = $1
		ORDER BY id`

	var filters []models.Filter
	if err := r.db.SelectContext(ctx, &filters, query, mailboxID); err != nil {
		return nil, fmt.Errorf("failed to list filters: %w", err)
	}
	return filters, nil
}

// SQLProviderRepository is the Postgres-backed provider catalog.
type SQLProviderRepository struct {
	db *sqlx.DB
}

// NewSQLProviderRepository wraps an open database handle.
func NewSQLProviderRepository(db *sqlx.DB) *SQLProviderRepository {
	return &SQLProviderRepository{db: db}
}

func (r *SQLProviderRepository) GetBySlug(ctx context.Context, slug string) (*models.Provider, error) {
	query := `SELECT id, slug, host, port FROM providers WHERE slug = $1`

	provider := &models.Provider{}
	err := r.db.GetContext(ctx, provider, query, slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get provider: %w", err)
	}
	return provider, nil
}
