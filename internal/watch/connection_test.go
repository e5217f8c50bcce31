package watch

import (
	"context"
	"errors"
	"io"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/stretchr/testify/require"

	"github.com/mailgram-io/mailgram/internal/cache"
	"github.com/mailgram-io/mailgram/internal/decoder"
	"github.com/mailgram-io/mailgram/internal/models"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func watchedMailbox() *models.Mailbox {
	return &models.Mailbox{
		ID:       1,
		OwnerID:  42,
		Address:  "me@example.com",
		IMAPHost: "imap.example.com",
		IMAPPort: 993,
		Username: "me@example.com",
	}
}

func rawMessage(from, subject, body string) string {
	return "From: " + from + "\r\n" +
		"To: me@example.com\r\n" +
		"Subject: " + subject + "\r\n" +
		"Date: Thu, 28 Aug 2026 10:00:00 +0000\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" + body
}

type staticFilters []models.Filter

func (f staticFilters) FiltersFor(context.Context, *models.Mailbox) ([]models.Filter, error) {
	return f, nil
}

// flakyFilters fails its first lookups, then recovers.
type flakyFilters struct {
	mu       sync.Mutex
	failures int
	filters  []models.Filter
}

func (f *flakyFilters) FiltersFor(context.Context, *models.Mailbox) ([]models.Filter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("filter backend unavailable")
	}
	return f.filters, nil
}

type handled struct {
	filter models.Filter
	msg    models.DecodedMessage
}

type recordingHandler struct {
	mu      sync.Mutex
	matches []handled
}

func (h *recordingHandler) Handle(_ context.Context, _ *models.Mailbox, filter *models.Filter, msg *models.DecodedMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.matches = append(h.matches, handled{filter: *filter, msg: *msg})
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.matches)
}

func (h *recordingHandler) match(i int) handled {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.matches[i]
}

func TestConnectionProcessesPushedMessage(t *testing.T) {
	sess := newFakeSession(5)
	handler := &recordingHandler{}
	filters := staticFilters{{ID: 1, MailboxID: 1, Value: "boss@example.com", Name: "boss"}}

	conn := NewMailboxConnection(watchedMailbox(), Account{Host: "imap.example.com"}, filters, handler, decoder.New(),
		withSessionFactory(sess.factory()),
		WithTimeouts(time.Second, time.Second, time.Minute, time.Millisecond),
		WithConnLogger(quietLogger()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- conn.Run(ctx) }()

	<-sess.idleStarted
	sess.deliver(5, rawMessage("Jane Boss <boss@example.com>", "Hi", "hello there"))

	require.Eventually(t, func() bool { return handler.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	got := handler.match(0)
	require.Equal(t, "boss@example.com", got.filter.Value)
	require.Equal(t, "hello there", got.msg.Body)
	require.Equal(t, "Hi", got.msg.Subject)
	require.Equal(t, imap.UID(5), conn.Watermark())
	require.Equal(t, []imap.UID{5}, sess.seenUIDs())

	cancel()
	require.NoError(t, <-runDone)
	require.GreaterOrEqual(t, sess.logouts(), 1)
	require.Equal(t, StateTerminated, conn.State())
}

func TestConnectionSkipsPreexistingMessages(t *testing.T) {
	sess := newFakeSession(1)
	for uid := imap.UID(3); uid <= 9; uid++ {
		sess.deliver(uid, rawMessage("boss@example.com", "old", "old mail"))
	}
	handler := &recordingHandler{}
	filters := staticFilters{{ID: 1, MailboxID: 1, Value: "boss@example.com"}}

	conn := NewMailboxConnection(watchedMailbox(), Account{Host: "imap.example.com"}, filters, handler, decoder.New(),
		withSessionFactory(sess.factory()),
		WithTimeouts(time.Second, time.Second, time.Minute, time.Millisecond),
		WithConnLogger(quietLogger()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- conn.Run(ctx) }()

	// Mail present before the first connect stays untouched.
	<-sess.idleStarted
	require.Zero(t, handler.count())
	require.Equal(t, imap.UID(9), conn.Watermark())
	require.Empty(t, sess.seenUIDs())

	cancel()
	require.NoError(t, <-runDone)
}

func TestConnectionLeavesUnmatchedUnread(t *testing.T) {
	sess := newFakeSession(5)
	handler := &recordingHandler{}
	filters := staticFilters{{ID: 1, MailboxID: 1, Value: "boss@example.com"}}

	conn := NewMailboxConnection(watchedMailbox(), Account{Host: "imap.example.com"}, filters, handler, decoder.New(),
		withSessionFactory(sess.factory()),
		WithTimeouts(time.Second, time.Second, time.Minute, time.Millisecond),
		WithConnLogger(quietLogger()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- conn.Run(ctx) }()

	<-sess.idleStarted
	sess.deliver(5, rawMessage("newsletter@example.com", "Sale", "buy now"))

	require.Eventually(t, func() bool { return conn.Watermark() == 5 }, 2*time.Second, 5*time.Millisecond)
	require.Zero(t, handler.count())
	require.Empty(t, sess.seenUIDs())

	cancel()
	require.NoError(t, <-runDone)
}

func TestConnectionRedeliversAfterFilterOutage(t *testing.T) {
	sess := newFakeSession(5)
	handler := &recordingHandler{}
	filters := &flakyFilters{
		failures: 2,
		filters:  []models.Filter{{ID: 1, MailboxID: 1, Value: "boss@example.com"}},
	}

	conn := NewMailboxConnection(watchedMailbox(), Account{Host: "imap.example.com"}, filters, handler, decoder.New(),
		withSessionFactory(sess.factory()),
		WithTimeouts(time.Second, time.Second, time.Minute, time.Millisecond),
		WithMaxRetries(5),
		WithConnLogger(quietLogger()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- conn.Run(ctx) }()

	<-sess.idleStarted
	sess.deliver(5, rawMessage("Jane Boss <boss@example.com>", "Hi", "hello there"))

	// The outage fails the session without moving the watermark, so the
	// message comes through once the filter source recovers.
	require.Eventually(t, func() bool { return handler.count() == 1 }, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, imap.UID(5), conn.Watermark())
	require.Equal(t, []imap.UID{5}, sess.seenUIDs())

	cancel()
	require.NoError(t, <-runDone)
}

func TestConnectionAuthRejectionIsTerminal(t *testing.T) {
	var dials int32
	factory := func(_ Account, _ time.Duration, _ func()) (session, error) {
		atomic.AddInt32(&dials, 1)
		sess := newFakeSession(1)
		sess.loginErr = &imap.Error{Type: imap.StatusResponseTypeNo, Text: "AUTHENTICATIONFAILED"}
		return sess, nil
	}

	conn := NewMailboxConnection(watchedMailbox(), Account{Host: "imap.example.com"}, staticFilters{}, nil, decoder.New(),
		withSessionFactory(factory),
		WithTimeouts(time.Second, time.Second, time.Minute, time.Millisecond),
		WithConnLogger(quietLogger()),
	)

	err := conn.Run(context.Background())
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	// No reconnects for bad credentials.
	require.Equal(t, int32(1), atomic.LoadInt32(&dials))
	require.Equal(t, StateTerminated, conn.State())
}

func TestConnectionReconnectsAfterTransientFailures(t *testing.T) {
	sess := newFakeSession(5)
	var dials int32
	factory := func(account Account, timeout time.Duration, onExists func()) (session, error) {
		if atomic.AddInt32(&dials, 1) <= 2 {
			return nil, errors.New("connection refused")
		}
		return sess.factory()(account, timeout, onExists)
	}

	conn := NewMailboxConnection(watchedMailbox(), Account{Host: "imap.example.com"}, staticFilters{}, nil, decoder.New(),
		withSessionFactory(factory),
		WithTimeouts(time.Second, time.Second, time.Minute, time.Millisecond),
		WithMaxRetries(5),
		WithConnLogger(quietLogger()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- conn.Run(ctx) }()

	<-sess.idleStarted
	require.Equal(t, int32(3), atomic.LoadInt32(&dials))

	cancel()
	require.NoError(t, <-runDone)
}

func TestConnectionTerminatesAfterExhaustedRetries(t *testing.T) {
	var dials int32
	factory := func(_ Account, _ time.Duration, _ func()) (session, error) {
		atomic.AddInt32(&dials, 1)
		return nil, errors.New("connection refused")
	}

	conn := NewMailboxConnection(watchedMailbox(), Account{Host: "imap.example.com"}, staticFilters{}, nil, decoder.New(),
		withSessionFactory(factory),
		WithTimeouts(time.Second, time.Second, time.Minute, time.Millisecond),
		WithMaxRetries(2),
		WithConnLogger(quietLogger()),
	)

	err := conn.Run(context.Background())
	require.ErrorIs(t, err, ErrRetriesExhausted)
	// Initial attempt plus two retries.
	require.Equal(t, int32(3), atomic.LoadInt32(&dials))
	require.Equal(t, StateTerminated, conn.State())
}

func TestConnectionStopsWhenFlagSwitchedOff(t *testing.T) {
	sess := newFakeSession(1)
	flags := cache.NewMemoryFlagStore()
	mailbox := watchedMailbox()
	require.NoError(t, flags.Set(context.Background(), mailbox.Key(), &models.StatusFlag{
		OwnerID: mailbox.OwnerID, Address: mailbox.Address, Listening: false,
	}))

	conn := NewMailboxConnection(mailbox, Account{Host: "imap.example.com"}, staticFilters{}, nil, decoder.New(),
		withSessionFactory(sess.factory()),
		WithFlagReader(flags),
		WithTimeouts(time.Second, time.Second, time.Minute, time.Millisecond),
		WithConnLogger(quietLogger()),
	)

	require.NoError(t, conn.Run(context.Background()))
	require.Equal(t, 1, sess.logouts())
	require.Equal(t, StateTerminated, conn.State())
}

func TestConnectionRefreshesSessionAtCeiling(t *testing.T) {
	var dials int32
	factory := func(_ Account, _ time.Duration, _ func()) (session, error) {
		atomic.AddInt32(&dials, 1)
		return newFakeSession(1), nil
	}

	conn := NewMailboxConnection(watchedMailbox(), Account{Host: "imap.example.com"}, staticFilters{}, nil, decoder.New(),
		withSessionFactory(factory),
		WithTimeouts(time.Second, 20*time.Millisecond, time.Millisecond, time.Millisecond),
		WithMaxRetries(1),
		WithConnLogger(quietLogger()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- conn.Run(ctx) }()

	// An expired session reconnects without burning a retry.
	require.Eventually(t, func() bool { return atomic.LoadInt32(&dials) >= 3 }, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-runDone)
}

// fakeSession is an in-memory IMAP mailbox scripted by tests.
type fakeSession struct {
	mu          sync.Mutex
	loginErr    error
	selectErr   error
	uidNext     imap.UID
	messages    map[imap.UID][]byte
	seen        []imap.UID
	logoutCalls int
	closed      bool
	onExists    func()
	idleStarted chan struct{}
}

func newFakeSession(uidNext imap.UID) *fakeSession {
	return &fakeSession{
		uidNext:     uidNext,
		messages:    make(map[imap.UID][]byte),
		idleStarted: make(chan struct{}, 16),
	}
}

func (s *fakeSession) factory() sessionFactory {
	return func(_ Account, _ time.Duration, onExists func()) (session, error) {
		s.mu.Lock()
		s.onExists = onExists
		s.mu.Unlock()
		return s, nil
	}
}

// deliver appends a message and fires the unilateral push callback.
func (s *fakeSession) deliver(uid imap.UID, raw string) {
	s.mu.Lock()
	s.messages[uid] = []byte(raw)
	if uid >= s.uidNext {
		s.uidNext = uid + 1
	}
	notify := s.onExists
	s.mu.Unlock()
	if notify != nil {
		notify()
	}
}

func (s *fakeSession) seenUIDs() []imap.UID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]imap.UID, len(s.seen))
	copy(out, s.seen)
	return out
}

func (s *fakeSession) logouts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logoutCalls
}

func (s *fakeSession) Login(_, _ string) commandWaiter { return &fakeCommand{err: s.loginErr} }

func (s *fakeSession) Logout() commandWaiter {
	s.mu.Lock()
	s.logoutCalls++
	s.mu.Unlock()
	return &fakeCommand{}
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Select(_ string, _ *imap.SelectOptions) selectWaiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selectErr != nil {
		return &fakeSelect{err: s.selectErr}
	}
	return &fakeSelect{data: &imap.SelectData{
		NumMessages: uint32(len(s.messages)),
		UIDNext:     s.uidNext,
	}}
}

func (s *fakeSession) UIDSearch(criteria *imap.SearchCriteria, _ *imap.SearchOptions) searchWaiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := imap.UID(1)
	if criteria != nil && len(criteria.UID) > 0 && len(criteria.UID[0]) > 0 {
		start = criteria.UID[0][0].Start
	}
	var uids []imap.UID
	var highest imap.UID
	for uid := range s.messages {
		if uid > highest {
			highest = uid
		}
		if uid >= start {
			uids = append(uids, uid)
		}
	}
	// Real servers answer a vacuous range with the highest existing UID.
	if len(uids) == 0 && highest > 0 {
		uids = []imap.UID{highest}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return &fakeSearch{data: &imap.SearchData{All: imap.UIDSetNum(uids...)}}
}

func (s *fakeSession) Fetch(numSet imap.NumSet, _ *imap.FetchOptions) fetchWaiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	var uids []imap.UID
	for uid := range s.messages {
		if uidInSet(numSet, uid) {
			uids = append(uids, uid)
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	var bufs []*imapclient.FetchMessageBuffer
	for _, uid := range uids {
		bufs = append(bufs, &imapclient.FetchMessageBuffer{
			SeqNum: uint32(uid),
			UID:    uid,
			BodySection: []imapclient.FetchBodySectionBuffer{{
				Section: peekBody,
				Bytes:   append([]byte(nil), s.messages[uid]...),
			}},
		})
	}
	return &fakeFetch{bufs: bufs}
}

func (s *fakeSession) Store(numSet imap.NumSet, flags *imap.StoreFlags, _ *imap.StoreOptions) fetchWaiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if flags != nil && flags.Op == imap.StoreFlagsAdd {
		for uid := range s.messages {
			if uidInSet(numSet, uid) {
				s.seen = append(s.seen, uid)
			}
		}
		sort.Slice(s.seen, func(i, j int) bool { return s.seen[i] < s.seen[j] })
	}
	return &fakeFetch{}
}

func (s *fakeSession) Idle() (idleWaiter, error) {
	select {
	case s.idleStarted <- struct{}{}:
	default:
	}
	return &fakeIdle{release: make(chan struct{})}, nil
}

func uidInSet(set imap.NumSet, uid imap.UID) bool {
	uidSet, ok := set.(imap.UIDSet)
	if !ok {
		return true
	}
	for _, r := range uidSet {
		stop := r.Stop
		if stop == 0 {
			stop = ^imap.UID(0)
		}
		if uid >= r.Start && uid <= stop {
			return true
		}
	}
	return false
}

type fakeCommand struct{ err error }

func (c *fakeCommand) Wait() error { return c.err }

type fakeSelect struct {
	err  error
	data *imap.SelectData
}

func (s *fakeSelect) Wait() (*imap.SelectData, error) { return s.data, s.err }

type fakeSearch struct {
	err  error
	data *imap.SearchData
}

func (s *fakeSearch) Wait() (*imap.SearchData, error) { return s.data, s.err }

type fakeFetch struct {
	err  error
	bufs []*imapclient.FetchMessageBuffer
}

func (f *fakeFetch) Collect() ([]*imapclient.FetchMessageBuffer, error) { return f.bufs, f.err }
func (f *fakeFetch) Close() error                                       { return f.err }

type fakeIdle struct {
	once    sync.Once
	release chan struct{}
}

func (i *fakeIdle) Wait() error {
	<-i.release
	return nil
}

func (i *fakeIdle) Close() error {
	i.once.Do(func() { close(i.release) })
	return nil
}
