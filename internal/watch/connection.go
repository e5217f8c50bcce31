package watch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/mailgram-io/mailgram/internal/decoder"
	"github.com/mailgram-io/mailgram/internal/matcher"
	"github.com/mailgram-io/mailgram/internal/models"
)

// ConnState is the lifecycle state of one mailbox connection.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateAuthenticating
	StateSelectingMailbox
	StateIdle
	StateFetchingNew
	StateReconnecting
	StateTerminated
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSelectingMailbox:
		return "selecting"
	case StateIdle:
		return "idle"
	case StateFetchingNew:
		return "fetching"
	case StateReconnecting:
		return "reconnecting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ErrRetriesExhausted is returned by Run after the configured number of
// consecutive reconnection attempts all failed.
var ErrRetriesExhausted = errors.New("reconnection attempts exhausted")

var (
	// Session outlived the idle ceiling; reconnect without counting it
	// as a failure.
	errSessionExpired = errors.New("idle session expired")
	// The fast-access flag for this mailbox was switched off.
	errStopRequested = errors.New("stop requested via status flag")
)

// Handler receives each message that matched one of the mailbox's
// filters. Handler errors are logged, never retried.
type Handler interface {
	Handle(ctx context.Context, mailbox *models.Mailbox, filter *models.Filter, msg *models.DecodedMessage) error
}

// FilterSource resolves the current filter list for a mailbox.
type FilterSource interface {
	FiltersFor(ctx context.Context, mailbox *models.Mailbox) ([]models.Filter, error)
}

// flagReader is the read side of the status-flag store, polled as a
// secondary stop signal alongside context cancellation.
type flagReader interface {
	Get(ctx context.Context, key string) (*models.StatusFlag, error)
}

var peekBody = &imap.FetchItemBodySection{Peek: true}

// MailboxConnection drives one mailbox through connect, catch-up, and
// IDLE cycles, reconnecting on transient failures. The UID watermark
// only ever advances, so a message is processed at most once per
// connection lifetime even across reconnects.
type MailboxConnection struct {
	mailbox *models.Mailbox
	account Account

	filters FilterSource
	handler Handler
	decoder *decoder.Decoder
	flags   flagReader

	dialTimeout    time.Duration
	idleTimeout    time.Duration
	idleCeiling    time.Duration
	reconnectDelay time.Duration
	maxRetries     int

	newSession sessionFactory
	logger     *log.Logger

	mu          sync.Mutex
	state       ConnState
	watermark   imap.UID
	established bool
}

// ConnOption customizes a MailboxConnection.
type ConnOption func(*MailboxConnection)

// WithTimeouts overrides the dial, idle cycle, session ceiling, and
// reconnect delay durations. Zero values keep the defaults.
func WithTimeouts(dial, idle, ceiling, reconnect time.Duration) ConnOption {
	return func(c *MailboxConnection) {
		if dial > 0 {
			c.dialTimeout = dial
		}
		if idle > 0 {
			c.idleTimeout = idle
		}
		if ceiling > 0 {
			c.idleCeiling = ceiling
		}
		if reconnect > 0 {
			c.reconnectDelay = reconnect
		}
	}
}

// WithMaxRetries bounds consecutive reconnection attempts.
func WithMaxRetries(n int) ConnOption {
	return func(c *MailboxConnection) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

// WithConnLogger overrides the logger used for connection diagnostics.
func WithConnLogger(logger *log.Logger) ConnOption {
	return func(c *MailboxConnection) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithFlagReader enables the per-cycle stop-flag poll.
func WithFlagReader(flags flagReader) ConnOption {
	return func(c *MailboxConnection) {
		c.flags = flags
	}
}

func withSessionFactory(factory sessionFactory) ConnOption {
	return func(c *MailboxConnection) {
		if factory != nil {
			c.newSession = factory
		}
	}
}

// NewMailboxConnection builds a connection for one mailbox. The account
// carries the already-decrypted credentials.
func NewMailboxConnection(mailbox *models.Mailbox, account Account, filters FilterSource, handler Handler, dec *decoder.Decoder, opts ...ConnOption) *MailboxConnection {
	c := &MailboxConnection{
		mailbox:        mailbox,
		account:        account,
		filters:        filters,
		handler:        handler,
		decoder:        dec,
		dialTimeout:    60 * time.Second,
		idleTimeout:    59 * time.Second,
		idleCeiling:    300 * time.Second,
		reconnectDelay: 10 * time.Second,
		maxRetries:     5,
		newSession:     dialSession,
		logger:         log.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State reports the current lifecycle state.
func (c *MailboxConnection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *MailboxConnection) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Watermark reports the highest UID processed so far.
func (c *MailboxConnection) Watermark() imap.UID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watermark
}

func (c *MailboxConnection) advanceWatermark(uid imap.UID) {
	c.mu.Lock()
	if uid > c.watermark {
		c.watermark = uid
	}
	c.mu.Unlock()
}

// Run blocks until the connection stops. It returns nil on a clean stop
// (context cancellation or the status flag switching off), an AuthError
// when the server rejects the credentials, and ErrRetriesExhausted when
// consecutive reconnects all fail.
func (c *MailboxConnection) Run(ctx context.Context) error {
	attempts := 0
	for {
		c.mu.Lock()
		c.established = false
		c.mu.Unlock()

		err := c.runSession(ctx)
		if ctx.Err() != nil || err == nil || errors.Is(err, errStopRequested) {
			c.setState(StateTerminated)
			return nil
		}
		if errors.Is(err, errSessionExpired) {
			attempts = 0
			continue
		}
		var authErr *AuthError
		if errors.As(err, &authErr) {
			c.setState(StateTerminated)
			return err
		}

		c.mu.Lock()
		if c.established {
			attempts = 0
		}
		c.mu.Unlock()

		attempts++
		if attempts > c.maxRetries {
			c.setState(StateTerminated)
			watchMetrics.failed.Inc()
			return fmt.Errorf("%w for %s: last error: %v", ErrRetriesExhausted, c.mailbox.Key(), err)
		}

		c.logger.Printf("watch %s: session failed (attempt %d/%d), reconnecting in %s: %v",
			c.mailbox.Key(), attempts, c.maxRetries, c.reconnectDelay, err)
		c.setState(StateReconnecting)
		watchMetrics.reconnects.Inc()

		select {
		case <-ctx.Done():
			c.setState(StateTerminated)
			return nil
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *MailboxConnection) runSession(ctx context.Context) error {
	c.setState(StateConnecting)

	existsCh := make(chan struct{}, 1)
	notify := func() {
		select {
		case existsCh <- struct{}{}:
		default:
		}
	}
	sess, err := c.newSession(c.account, c.dialTimeout, notify)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.account.Addr(), err)
	}
	defer c.safeClose(sess)

	c.setState(StateAuthenticating)
	if err := sess.Login(c.account.Username, c.account.Password).Wait(); err != nil {
		return classifyLoginError(err)
	}

	c.setState(StateSelectingMailbox)
	data, err := sess.Select("INBOX", nil).Wait()
	if err != nil {
		return fmt.Errorf("select INBOX: %w", err)
	}
	c.mu.Lock()
	c.established = true
	if c.watermark == 0 && data.UIDNext > 1 {
		c.watermark = data.UIDNext - 1
	}
	c.mu.Unlock()

	// Catch up on anything that arrived while disconnected.
	c.setState(StateFetchingNew)
	if err := c.drainNew(ctx, sess); err != nil {
		return err
	}

	started := time.Now()
	for {
		if ctx.Err() != nil {
			return c.finishSession(sess, nil)
		}
		if c.stopFlagged(ctx) {
			return c.finishSession(sess, errStopRequested)
		}
		if time.Since(started) >= c.idleCeiling {
			return c.finishSession(sess, errSessionExpired)
		}

		c.setState(StateIdle)
		woke, err := c.idleOnce(ctx, sess, existsCh)
		if err != nil {
			return err
		}
		if woke {
			c.setState(StateFetchingNew)
			if err := c.drainNew(ctx, sess); err != nil {
				return err
			}
		}
	}
}

// finishSession logs out before surfacing the session's exit reason.
func (c *MailboxConnection) finishSession(sess session, reason error) error {
	if err := sess.Logout().Wait(); err != nil {
		c.logger.Printf("watch %s: logout: %v", c.mailbox.Key(), err)
	}
	return reason
}

// idleOnce runs a single bounded IDLE cycle and reports whether the
// server signaled new mail.
func (c *MailboxConnection) idleOnce(ctx context.Context, sess session, existsCh <-chan struct{}) (bool, error) {
	// A push may have raced in between cycles.
	select {
	case <-existsCh:
		return true, nil
	default:
	}

	idleCmd, err := sess.Idle()
	if err != nil {
		return false, fmt.Errorf("idle: %w", err)
	}
	done := make(chan error, 1)
	go func() { done <- idleCmd.Wait() }()

	timer := time.NewTimer(c.idleTimeout)
	defer timer.Stop()

	var (
		woke     bool
		waitErr  error
		finished bool
	)
	select {
	case <-ctx.Done():
	case <-existsCh:
		woke = true
	case <-timer.C:
	case waitErr = <-done:
		// Server ended the idle on its own; treat it as a wake so any
		// pending update is drained before the next cycle.
		finished = true
		woke = true
	}

	if err := idleCmd.Close(); err != nil && !finished {
		return woke, fmt.Errorf("idle stop: %w", err)
	}
	if !finished {
		waitErr = <-done
	}
	if waitErr != nil {
		return woke, fmt.Errorf("idle: %w", waitErr)
	}
	return woke, nil
}

// stopFlagged checks the fast-access flag once per idle cycle. Store
// errors never stop a watcher.
func (c *MailboxConnection) stopFlagged(ctx context.Context) bool {
	if c.flags == nil {
		return false
	}
	pollCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	flag, err := c.flags.Get(pollCtx, c.mailbox.Key())
	if err != nil {
		c.logger.Printf("watch %s: status flag check failed: %v", c.mailbox.Key(), err)
		return false
	}
	return flag != nil && !flag.Listening
}

// drainNew fetches every message above the watermark, matches each
// against the mailbox's filters, and advances the watermark past it.
// Unseen-but-unmatched messages keep their flags untouched.
func (c *MailboxConnection) drainNew(ctx context.Context, sess session) error {
	var above imap.UIDSet
	above.AddRange(c.Watermark()+1, 0)

	data, err := sess.UIDSearch(&imap.SearchCriteria{UID: []imap.UIDSet{above}}, nil).Wait()
	if err != nil {
		return fmt.Errorf("uid search: %w", err)
	}

	watermark := c.Watermark()
	var uids []imap.UID
	for _, uid := range data.AllUIDs() {
		// Servers answer a vacuous range with the highest existing UID.
		if uid > watermark {
			uids = append(uids, uid)
		}
	}
	if len(uids) == 0 {
		return nil
	}

	fetchOpts := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{peekBody},
	}
	bufs, err := sess.Fetch(imap.UIDSetNum(uids...), fetchOpts).Collect()
	if err != nil {
		return fmt.Errorf("uid fetch: %w", err)
	}
	sort.Slice(bufs, func(i, j int) bool { return bufs[i].UID < bufs[j].UID })

	for _, buf := range bufs {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		raw := buf.FindBodySection(peekBody)
		if raw == nil {
			c.advanceWatermark(buf.UID)
			continue
		}

		msg := c.decoder.Decode(raw)
		watchMetrics.processed.Inc()

		// An unavailable filter source fails the session before the
		// watermark moves past this UID; the reconnect drain retries it.
		filters, err := c.filters.FiltersFor(ctx, c.mailbox)
		if err != nil {
			return fmt.Errorf("filters for %s: %w", c.mailbox.Key(), err)
		}
		if matched := matcher.Match(msg, filters); matched != nil {
			watchMetrics.matched.Inc()
			c.markSeen(sess, buf.UID)
			if c.handler != nil {
				if err := c.handler.Handle(ctx, c.mailbox, matched, msg); err != nil {
					c.logger.Printf("watch %s: handler failed for uid %d: %v", c.mailbox.Key(), buf.UID, err)
				}
			}
		}

		c.advanceWatermark(buf.UID)
	}
	return nil
}

// markSeen flags a matched message as read. Failures are logged; the
// message was already handled.
func (c *MailboxConnection) markSeen(sess session, uid imap.UID) {
	store := &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}
	if err := sess.Store(imap.UIDSetNum(uid), store, nil).Close(); err != nil {
		c.logger.Printf("watch %s: mark seen failed for uid %d: %v", c.mailbox.Key(), uid, err)
	}
}

func (c *MailboxConnection) safeClose(sess session) {
	if err := sess.Close(); err != nil {
		c.logger.Printf("watch %s: close: %v", c.mailbox.Key(), err)
	}
}
