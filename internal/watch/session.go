package watch

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// Account carries the endpoint and credentials of one IMAP mailbox,
// with the password already decrypted.
type Account struct {
	Host     string
	Port     int
	Username string
	Password string
}

// Addr returns the host:port dial target.
func (a Account) Addr() string {
	port := a.Port
	if port == 0 {
		port = 993
	}
	return fmt.Sprintf("%s:%d", a.Host, port)
}

type session interface {
	Login(username, password string) commandWaiter
	Logout() commandWaiter
	Close() error
	Select(mailbox string, options *imap.SelectOptions) selectWaiter
	UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter
	Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter
	Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter
	Idle() (idleWaiter, error)
}

type commandWaiter interface{ Wait() error }
type selectWaiter interface {
	Wait() (*imap.SelectData, error)
}
type searchWaiter interface {
	Wait() (*imap.SearchData, error)
}
type fetchWaiter interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
	Close() error
}
type idleWaiter interface {
	Wait() error
	Close() error
}

// sessionFactory opens an IMAPS session. onExists is invoked from the
// connection's read loop whenever the server pushes a mailbox update;
// it must not block.
type sessionFactory func(account Account, dialTimeout time.Duration, onExists func()) (session, error)

func dialSession(account Account, dialTimeout time.Duration, onExists func()) (session, error) {
	if account.Host == "" {
		return nil, errors.New("imap account missing host")
	}
	opts := &imapclient.Options{
		Dialer: &net.Dialer{Timeout: dialTimeout},
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil && onExists != nil {
					onExists()
				}
			},
		},
	}
	client, err := imapclient.DialTLS(account.Addr(), opts)
	if err != nil {
		return nil, err
	}
	return &sessionWrapper{Client: client}, nil
}

type sessionWrapper struct{ *imapclient.Client }

func (w *sessionWrapper) Login(username, password string) commandWaiter {
	return w.Client.Login(username, password)
}
func (w *sessionWrapper) Logout() commandWaiter { return w.Client.Logout() }
func (w *sessionWrapper) Select(mailbox string, options *imap.SelectOptions) selectWaiter {
	return w.Client.Select(mailbox, options)
}
func (w *sessionWrapper) UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter {
	return w.Client.UIDSearch(criteria, options)
}
func (w *sessionWrapper) Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter {
	return w.Client.Fetch(numSet, options)
}
func (w *sessionWrapper) Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter {
	return w.Client.Store(numSet, store, options)
}
func (w *sessionWrapper) Idle() (idleWaiter, error) {
	return w.Client.Idle()
}

// AuthError marks a credential rejection by the server. It is terminal:
// reconnecting with the same credentials cannot succeed.
type AuthError struct {
	cause error
}

func (e *AuthError) Error() string {
	return "authentication rejected: " + e.cause.Error()
}

func (e *AuthError) Unwrap() error { return e.cause }

// classifyLoginError separates a NO tagged response, which means bad
// credentials, from transport failures that are worth retrying.
func classifyLoginError(err error) error {
	var imapErr *imap.Error
	if errors.As(err, &imapErr) && imapErr.Type == imap.StatusResponseTypeNo {
		return &AuthError{cause: err}
	}
	return fmt.Errorf("login: %w", err)
}

// checkCredentials performs a throwaway login to validate an account
// before any durable state is created for it.
func checkCredentials(account Account, dialTimeout time.Duration, factory sessionFactory) error {
	sess, err := factory(account, dialTimeout, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", account.Addr(), err)
	}
	defer sess.Close()

	if err := sess.Login(account.Username, account.Password).Wait(); err != nil {
		return classifyLoginError(err)
	}
	if err := sess.Logout().Wait(); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}
