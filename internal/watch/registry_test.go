package watch

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/require"

	"github.com/mailgram-io/mailgram/internal/cache"
	"github.com/mailgram-io/mailgram/internal/crypto"
	"github.com/mailgram-io/mailgram/internal/models"
	"github.com/mailgram-io/mailgram/internal/repository"
)

func testCipher(t *testing.T) *crypto.Cipher {
	t.Helper()
	key := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x2a}, 32))
	cipher, err := crypto.NewCipher(key)
	require.NoError(t, err)
	return cipher
}

func seedMailbox(t *testing.T, repo *repository.MemoryMailboxRepository, cipher *crypto.Cipher, address string) *models.Mailbox {
	t.Helper()
	encrypted, err := cipher.Encrypt("secret")
	require.NoError(t, err)
	mailbox := &models.Mailbox{
		OwnerID:           42,
		Address:           address,
		IMAPHost:          "imap.example.com",
		IMAPPort:          993,
		Username:          address,
		PasswordEncrypted: encrypted,
		Listening:         true,
	}
	_, err = repo.Create(context.Background(), mailbox)
	require.NoError(t, err)
	return mailbox
}

func newSessionPerDial() sessionFactory {
	return func(account Account, timeout time.Duration, onExists func()) (session, error) {
		return newFakeSession(1).factory()(account, timeout, onExists)
	}
}

func TestRegistryStartStopLifecycle(t *testing.T) {
	ctx := context.Background()
	cipher := testCipher(t)
	repo := repository.NewMemoryMailboxRepository()
	mailbox := seedMailbox(t, repo, cipher, "me@example.com")

	reg := NewRegistry(repo, staticFilters{}, cache.NewMemoryFlagStore(), nil, cipher,
		withRegistrySessionFactory(newSessionPerDial()),
		WithRegistryTimeouts(time.Second, 50*time.Millisecond, time.Minute, time.Millisecond),
		WithRegistryLogger(quietLogger()),
	)

	require.NoError(t, reg.StartWatcher(ctx, mailbox))
	require.True(t, reg.Running(mailbox.Key()))
	require.Equal(t, 1, reg.ActiveCount())

	require.ErrorIs(t, reg.StartWatcher(ctx, mailbox), ErrAlreadyListening)

	require.NoError(t, reg.StopWatcher(ctx, mailbox.OwnerID, mailbox.Address))
	require.False(t, reg.Running(mailbox.Key()))
	require.ErrorIs(t, reg.StopWatcher(ctx, mailbox.OwnerID, mailbox.Address), ErrNotListening)

	// A clean stop leaves the durable listening flag alone.
	got, err := repo.GetByAddressForOwner(ctx, mailbox.OwnerID, mailbox.Address)
	require.NoError(t, err)
	require.True(t, got.Listening)
}

func TestRegistryPreflightRejectsBadCredentials(t *testing.T) {
	ctx := context.Background()
	cipher := testCipher(t)
	repo := repository.NewMemoryMailboxRepository()
	mailbox := seedMailbox(t, repo, cipher, "me@example.com")

	factory := func(_ Account, _ time.Duration, _ func()) (session, error) {
		sess := newFakeSession(1)
		sess.loginErr = &imap.Error{Type: imap.StatusResponseTypeNo, Text: "AUTHENTICATIONFAILED"}
		return sess, nil
	}
	reg := NewRegistry(repo, staticFilters{}, cache.NewMemoryFlagStore(), nil, cipher,
		withRegistrySessionFactory(factory),
		WithRegistryLogger(quietLogger()),
	)

	require.ErrorIs(t, reg.StartWatcher(ctx, mailbox), ErrInvalidCredentials)
	require.False(t, reg.Running(mailbox.Key()))
	require.Zero(t, reg.ActiveCount())
}

func TestRegistryTerminalFailureWritesBack(t *testing.T) {
	ctx := context.Background()
	cipher := testCipher(t)
	repo := repository.NewMemoryMailboxRepository()
	flags := cache.NewMemoryFlagStore()
	mailbox := seedMailbox(t, repo, cipher, "me@example.com")
	require.NoError(t, flags.SetFilters(ctx, mailbox.Key(), []models.Filter{{ID: 1, MailboxID: mailbox.ID, Value: "boss@example.com"}}))

	// First dial is the credential preflight; everything after fails.
	var dials int32
	factory := func(account Account, timeout time.Duration, onExists func()) (session, error) {
		if atomic.AddInt32(&dials, 1) == 1 {
			return newFakeSession(1).factory()(account, timeout, onExists)
		}
		return nil, errors.New("connection refused")
	}
	reg := NewRegistry(repo, staticFilters{}, flags, nil, cipher,
		withRegistrySessionFactory(factory),
		WithRegistryTimeouts(time.Second, 50*time.Millisecond, time.Minute, time.Millisecond),
		WithRegistryMaxRetries(1),
		WithRegistryLogger(quietLogger()),
	)

	require.NoError(t, reg.StartWatcher(ctx, mailbox))

	require.Eventually(t, func() bool {
		got, err := repo.GetByAddressForOwner(ctx, mailbox.OwnerID, mailbox.Address)
		return err == nil && !got.Listening
	}, 2*time.Second, 5*time.Millisecond)

	require.False(t, reg.Running(mailbox.Key()))

	flag, err := flags.Get(ctx, mailbox.Key())
	require.NoError(t, err)
	require.NotNil(t, flag)
	require.False(t, flag.Listening)

	_, cached, err := flags.GetFilters(ctx, mailbox.Key())
	require.NoError(t, err)
	require.False(t, cached)
}

func TestRegistryStartAll(t *testing.T) {
	ctx := context.Background()
	cipher := testCipher(t)
	repo := repository.NewMemoryMailboxRepository()
	first := seedMailbox(t, repo, cipher, "one@example.com")
	second := seedMailbox(t, repo, cipher, "two@example.com")
	idle := seedMailbox(t, repo, cipher, "three@example.com")
	require.NoError(t, repo.SetListeningStatus(ctx, idle.ID, false))

	reg := NewRegistry(repo, staticFilters{}, cache.NewMemoryFlagStore(), nil, cipher,
		withRegistrySessionFactory(newSessionPerDial()),
		WithRegistryTimeouts(time.Second, 50*time.Millisecond, time.Minute, time.Millisecond),
		WithRegistryLogger(quietLogger()),
	)

	started, err := reg.StartAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, started)
	require.True(t, reg.Running(first.Key()))
	require.True(t, reg.Running(second.Key()))
	require.False(t, reg.Running(idle.Key()))

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, reg.Shutdown(shutdownCtx))
	require.Zero(t, reg.ActiveCount())
}
