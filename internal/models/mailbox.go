package models

import (
	"fmt"
	"time"
)

// Mailbox is a registered IMAP account watched on behalf of one owner.
// At most one row exists per (owner_id, address).
type Mailbox struct {
	ID                int64     `db:"id"`
	OwnerID           int64     `db:"owner_id"`
	Address           string    `db:"address"`
	IMAPHost          string    `db:"imap_host"`
	IMAPPort          int       `db:"imap_port"`
	Username          string    `db:"username"`
	PasswordEncrypted string    `db:"password_encrypted"`
	Listening         bool      `db:"listening"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

// Key returns the process-wide identity used for watcher registration
// and status-flag storage.
func (m *Mailbox) Key() string {
	return MailboxKey(m.OwnerID, m.Address)
}

// MailboxKey builds the canonical mailbox identity string.
func MailboxKey(ownerID int64, address string) string {
	return fmt.Sprintf("%d:%s", ownerID, address)
}

// Filter is a sender-address rule owned by exactly one mailbox.
// Filters are created once and never mutated; deleting a mailbox
// cascades to its filters.
type Filter struct {
	ID        int64  `db:"id"`
	MailboxID int64  `db:"mailbox_id"`
	Value     string `db:"filter_value"`
	Name      string `db:"filter_name"`
}

// Provider maps a well-known mail service slug to its IMAP endpoint.
type Provider struct {
	ID   int64  `db:"id"`
	Slug string `db:"slug"`
	Host string `db:"host"`
	Port int    `db:"port"`
}

// StatusFlag mirrors a mailbox's listening state in the fast-access
// store so request handlers and watchers can check it without a
// database round trip. Converges to Mailbox.Listening, it is not
// guaranteed to equal it at every instant.
type StatusFlag struct {
	OwnerID   int64  `json:"owner_id"`
	Address   string `json:"address"`
	Listening bool   `json:"listening"`
}

// DecodedMessage is the cleaned, bounded representation of one fetched
// email. It exists only for the duration of a fetch-decode-match cycle.
type DecodedMessage struct {
	Subject   string
	Sender    string
	Recipient string
	Date      string
	Body      string
}
