package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/mailgram-io/mailgram/internal/models"
)

const uniqueViolation = "23505"

// SQLMailboxRepository is the Postgres-backed mailbox store.
type SQLMailboxRepository struct {
	db *sqlx.DB
}

// NewSQLMailboxRepository wraps an open database handle.
func NewSQLMailboxRepository(db *sqlx.DB) *SQLMailboxRepository {
	return &SQLMailboxRepository{db: db}
}

func (r *SQLMailboxRepository) Create(ctx context.Context, mailbox *models.Mailbox) (int64, error) {
	query := `
		INSERT INTO mailboxes (
			owner_id, address, imap_host, imap_port, username,
			password_encrypted, listening, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	now := time.Now()
	var id int64
	err := r.db.QueryRowContext(ctx, query,
		mailbox.OwnerID,
		mailbox.Address,
		mailbox.IMAPHost,
		mailbox.IMAPPort,
		mailbox.Username,
		mailbox.PasswordEncrypted,
		mailbox.Listening,
		now,
		now,
	).Scan(&id)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return 0, ErrDuplicate
		}
		return 0, fmt.Errorf("failed to create mailbox: %w", err)
	}
	mailbox.ID = id
	return id, nil
}

func (r *SQLMailboxRepository) GetByAddressForOwner(ctx context.Context, ownerID int64, address string) (*models.Mailbox, error) {
	query := `
		SELECT id, owner_id, address, imap_host, imap_port, username,
			password_encrypted, listening, created_at, updated_at
		FROM mailboxes
		WHERE owner_id = $1 AND address = $2`

	mailbox := &models.Mailbox{}
	err := r.db.GetContext(ctx, mailbox, query, ownerID, address)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mailbox: %w", err)
	}
	return mailbox, nil
}

func (r *SQLMailboxRepository) ListAll(ctx context.Context) ([]models.Mailbox, error) {
	query := `
		SELECT id, owner_id, address, imap_host, imap_port, username,
			password_encrypted, listening, created_at, updated_at
		FROM mailboxes
		ORDER BY id`

	var mailboxes []models.Mailbox
	if err := r.db.SelectContext(ctx, &mailboxes, query); err != nil {
		return nil, fmt.Errorf("failed to list mailboxes: %w", err)
	}
	return mailboxes, nil
}

func (r *SQLMailboxRepository) ListAllListening(ctx context.Context) ([]models.Mailbox, error) {
	query := `
		SELECT id, owner_id, address, imap_host, imap_port, username,
			password_encrypted, listening, created_at, updated_at
		FROM mailboxes
		WHERE listening = true
		ORDER BY id`

	var mailboxes []models.Mailbox
	if err := r.db.SelectContext(ctx, &mailboxes, query); err != nil {
		return nil, fmt.Errorf("failed to list listening mailboxes: %w", err)
	}
	return mailboxes, nil
}

func (r *SQLMailboxRepository) SetListeningStatus(ctx context.Context, id int64, listening bool) error {
	query := `UPDATE mailboxes SET listening = $1, updated_at = $2 WHERE id = $3`

	result, err := r.db.ExecContext(ctx, query, listening, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update listening status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a mailbox; its filters go with it via ON DELETE CASCADE.
func (r *SQLMailboxRepository) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM mailboxes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete mailbox: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
