package watch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mailgram-io/mailgram/internal/crypto"
	"github.com/mailgram-io/mailgram/internal/decoder"
	"github.com/mailgram-io/mailgram/internal/models"
	"github.com/mailgram-io/mailgram/internal/repository"
)

var (
	// ErrAlreadyListening reports a second start for a mailbox that
	// already has a running watcher.
	ErrAlreadyListening = errors.New("mailbox is already being listened to")
	// ErrNotListening reports a stop for a mailbox with no watcher.
	ErrNotListening = errors.New("mailbox is not being listened to")
	// ErrInvalidCredentials reports a credential preflight rejection.
	ErrInvalidCredentials = errors.New("imap credentials rejected")
)

// FlagStore is the slice of the fast-access store the registry needs:
// flag reads for the watchers' stop poll, flag writes and filter
// invalidation for terminal-failure writeback.
type FlagStore interface {
	Get(ctx context.Context, key string) (*models.StatusFlag, error)
	Set(ctx context.Context, key string, flag *models.StatusFlag) error
	InvalidateFilters(ctx context.Context, key string) error
}

// Watcher is one running mailbox connection plus its stop handle.
type Watcher struct {
	mailbox *models.Mailbox
	conn    *MailboxConnection
	cancel  context.CancelFunc
	done    chan struct{}
}

// State reports the underlying connection state.
func (w *Watcher) State() ConnState { return w.conn.State() }

// Done closes when the watcher goroutine has fully exited.
func (w *Watcher) Done() <-chan struct{} { return w.done }

// Registry owns every running watcher in the process. It enforces the
// one-watcher-per-mailbox invariant and writes the durable and
// fast-access listening state back when a watcher dies on its own.
type Registry struct {
	repo    repository.MailboxRepository
	filters FilterSource
	flags   FlagStore
	handler Handler
	cipher  *crypto.Cipher
	decoder *decoder.Decoder

	dialTimeout time.Duration
	connOpts    []ConnOption
	newSession  sessionFactory
	logger      *log.Logger

	mu       sync.Mutex
	watchers map[string]*Watcher
	wg       sync.WaitGroup
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger overrides the logger passed to every watcher.
func WithRegistryLogger(logger *log.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRegistryTimeouts propagates dial, idle, ceiling, and reconnect
// durations to every connection the registry starts.
func WithRegistryTimeouts(dial, idle, ceiling, reconnect time.Duration) RegistryOption {
	return func(r *Registry) {
		if dial > 0 {
			r.dialTimeout = dial
		}
		r.connOpts = append(r.connOpts, WithTimeouts(dial, idle, ceiling, reconnect))
	}
}

// WithRegistryMaxRetries bounds reconnection attempts per watcher.
func WithRegistryMaxRetries(n int) RegistryOption {
	return func(r *Registry) {
		r.connOpts = append(r.connOpts, WithMaxRetries(n))
	}
}

// WithRegistryDecoder overrides the message decoder.
func WithRegistryDecoder(dec *decoder.Decoder) RegistryOption {
	return func(r *Registry) {
		if dec != nil {
			r.decoder = dec
		}
	}
}

func withRegistrySessionFactory(factory sessionFactory) RegistryOption {
	return func(r *Registry) {
		if factory != nil {
			r.newSession = factory
		}
	}
}

// NewRegistry wires the watcher pool. The cipher decrypts stored
// mailbox passwords just before dialing.
func NewRegistry(repo repository.MailboxRepository, filters FilterSource, flags FlagStore, handler Handler, cipher *crypto.Cipher, opts ...RegistryOption) *Registry {
	r := &Registry{
		repo:        repo,
		filters:     filters,
		flags:       flags,
		handler:     handler,
		cipher:      cipher,
		decoder:     decoder.New(),
		dialTimeout: 60 * time.Second,
		newSession:  dialSession,
		logger:      log.Default(),
		watchers:    make(map[string]*Watcher),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CheckCredentials validates an account with a throwaway login.
func (r *Registry) CheckCredentials(account Account) error {
	if err := checkCredentials(account, r.dialTimeout, r.newSession); err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			return fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
		}
		return err
	}
	return nil
}

func (r *Registry) accountFor(mailbox *models.Mailbox) (Account, error) {
	password, err := r.cipher.Decrypt(mailbox.PasswordEncrypted)
	if err != nil {
		return Account{}, fmt.Errorf("decrypt password for %s: %w", mailbox.Key(), err)
	}
	return Account{
		Host:     mailbox.IMAPHost,
		Port:     mailbox.IMAPPort,
		Username: mailbox.Username,
		Password: password,
	}, nil
}

// StartWatcher validates the mailbox's credentials and starts its
// watcher goroutine. At most one watcher runs per mailbox key.
func (r *Registry) StartWatcher(ctx context.Context, mailbox *models.Mailbox) error {
	key := mailbox.Key()

	r.mu.Lock()
	_, running := r.watchers[key]
	r.mu.Unlock()
	if running {
		return ErrAlreadyListening
	}

	account, err := r.accountFor(mailbox)
	if err != nil {
		return err
	}
	if err := r.CheckCredentials(account); err != nil {
		return err
	}

	connOpts := append([]ConnOption{
		WithConnLogger(r.logger),
		WithFlagReader(r.flags),
		withSessionFactory(r.newSession),
	}, r.connOpts...)
	conn := NewMailboxConnection(mailbox, account, r.filters, r.handler, r.decoder, connOpts...)

	// Watchers outlive the request that started them.
	runCtx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		mailbox: mailbox,
		conn:    conn,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	r.mu.Lock()
	if _, running := r.watchers[key]; running {
		r.mu.Unlock()
		cancel()
		return ErrAlreadyListening
	}
	r.watchers[key] = w
	r.mu.Unlock()

	watchMetrics.active.Inc()
	r.wg.Add(1)
	go r.runWatcher(runCtx, w)
	return nil
}

func (r *Registry) runWatcher(ctx context.Context, w *Watcher) {
	defer r.wg.Done()
	key := w.mailbox.Key()

	err := w.conn.Run(ctx)

	r.mu.Lock()
	if r.watchers[key] == w {
		delete(r.watchers, key)
	}
	r.mu.Unlock()
	watchMetrics.active.Dec()
	close(w.done)

	if err != nil {
		r.logger.Printf("watch %s: terminated: %v", key, err)
		r.markStopped(w.mailbox)
	}
}

// markStopped converges the durable row and the fast-access flag after
// a watcher dies without an explicit stop.
func (r *Registry) markStopped(mailbox *models.Mailbox) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.repo.SetListeningStatus(ctx, mailbox.ID, false); err != nil {
		r.logger.Printf("watch %s: listening writeback failed: %v", mailbox.Key(), err)
	}
	if r.flags == nil {
		return
	}
	flag := &models.StatusFlag{OwnerID: mailbox.OwnerID, Address: mailbox.Address, Listening: false}
	if err := r.flags.Set(ctx, mailbox.Key(), flag); err != nil {
		r.logger.Printf("watch %s: flag writeback failed: %v", mailbox.Key(), err)
	}
	if err := r.flags.InvalidateFilters(ctx, mailbox.Key()); err != nil {
		r.logger.Printf("watch %s: filter invalidation failed: %v", mailbox.Key(), err)
	}
}

// StopWatcher cancels a running watcher and blocks until its goroutine
// has exited, bounded by ctx.
func (r *Registry) StopWatcher(ctx context.Context, ownerID int64, address string) error {
	key := models.MailboxKey(ownerID, address)

	r.mu.Lock()
	w, ok := r.watchers[key]
	r.mu.Unlock()
	if !ok {
		return ErrNotListening
	}

	w.cancel()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether a watcher exists for the mailbox key.
func (r *Registry) Running(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.watchers[key]
	return ok
}

// ActiveCount reports the number of running watchers.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.watchers)
}

// StartAll starts a watcher for every mailbox marked listening in the
// database. Per-mailbox failures are logged and the mailbox is marked
// stopped; they never abort the boot sweep.
func (r *Registry) StartAll(ctx context.Context) (int, error) {
	mailboxes, err := r.repo.ListAllListening(ctx)
	if err != nil {
		return 0, fmt.Errorf("list listening mailboxes: %w", err)
	}

	started := 0
	for i := range mailboxes {
		mailbox := mailboxes[i]
		if err := r.StartWatcher(ctx, &mailbox); err != nil {
			r.logger.Printf("watch %s: start on boot failed: %v", mailbox.Key(), err)
			if !errors.Is(err, ErrAlreadyListening) {
				r.markStopped(&mailbox)
			}
			continue
		}
		started++
	}
	return started, nil
}

// Shutdown cancels every watcher and waits for them to exit, bounded
// by ctx.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	for _, w := range r.watchers {
		w.cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
