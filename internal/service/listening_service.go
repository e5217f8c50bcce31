package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/mailgram-io/mailgram/internal/crypto"
	"github.com/mailgram-io/mailgram/internal/matcher"
	"github.com/mailgram-io/mailgram/internal/models"
	"github.com/mailgram-io/mailgram/internal/repository"
	"github.com/mailgram-io/mailgram/internal/watch"
)

var (
	// ErrMailboxNotFound reports an operation on an unregistered mailbox.
	ErrMailboxNotFound = errors.New("mailbox not found")
	// ErrMailboxExists reports a duplicate registration for one owner.
	ErrMailboxExists = errors.New("mailbox already registered")
	// ErrProviderUnknown reports an unrecognized provider slug.
	ErrProviderUnknown = errors.New("unknown mail provider")
	// ErrInvalidAddress reports a value that does not contain an email
	// address.
	ErrInvalidAddress = errors.New("invalid email address")
)

// flagStore is the slice of the fast-access store the service writes.
type flagStore interface {
	Get(ctx context.Context, key string) (*models.StatusFlag, error)
	Set(ctx context.Context, key string, flag *models.StatusFlag) error
	Delete(ctx context.Context, key string) error
	InvalidateFilters(ctx context.Context, key string) error
}

// watcherRegistry is the watcher pool surface the service drives.
type watcherRegistry interface {
	StartWatcher(ctx context.Context, mailbox *models.Mailbox) error
	StopWatcher(ctx context.Context, ownerID int64, address string) error
	StartAll(ctx context.Context) (int, error)
	CheckCredentials(account watch.Account) error
	Running(key string) bool
}

// ListeningService owns the mailbox lifecycle: registration, filter
// management, and starting or stopping the per-mailbox watchers.
type ListeningService struct {
	mailboxes repository.MailboxRepository
	filters   repository.FilterRepository
	providers repository.ProviderRepository
	flags     flagStore
	registry  watcherRegistry
	cipher    *crypto.Cipher
	logger    *log.Logger
}

// Option customizes a ListeningService.
type Option func(*ListeningService)

// WithLogger overrides the service logger.
func WithLogger(l *log.Logger) Option {
	return func(s *ListeningService) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewListeningService wires the service dependencies.
func NewListeningService(
	mailboxes repository.MailboxRepository,
	filters repository.FilterRepository,
	providers repository.ProviderRepository,
	flags flagStore,
	registry watcherRegistry,
	cipher *crypto.Cipher,
	opts ...Option,
) *ListeningService {
	s := &ListeningService{
		mailboxes: mailboxes,
		filters:   filters,
		providers: providers,
		flags:     flags,
		registry:  registry,
		cipher:    cipher,
		logger:    log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateMailboxInput carries a mailbox registration request. Either
// Provider or Host must be set; Username defaults to Address.
type CreateMailboxInput struct {
	OwnerID  int64
	Address  string
	Password string
	Provider string
	Host     string
	Port     int
	Username string
	Filters  []FilterInput
}

// FilterInput is one sender filter created with the mailbox.
type FilterInput struct {
	Value string
	Name  string
}

// CreateMailbox registers a mailbox after validating its credentials
// against the live server, then starts listening on it. On a start
// failure the mailbox stays registered but not listening.
func (s *ListeningService) CreateMailbox(ctx context.Context, input CreateMailboxInput) (*models.Mailbox, error) {
	if matcher.ExtractAddress(input.Address) != input.Address {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, input.Address)
	}
	if _, err := s.mailboxes.GetByAddressForOwner(ctx, input.OwnerID, input.Address); err == nil {
		return nil, ErrMailboxExists
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("check mailbox: %w", err)
	}

	host, port, err := s.resolveEndpoint(ctx, input)
	if err != nil {
		return nil, err
	}
	username := input.Username
	if username == "" {
		username = input.Address
	}

	if err := s.registry.CheckCredentials(watch.Account{
		Host:     host,
		Port:     port,
		Username: username,
		Password: input.Password,
	}); err != nil {
		return nil, err
	}

	encrypted, err := s.cipher.Encrypt(input.Password)
	if err != nil {
		return nil, fmt.Errorf("encrypt password: %w", err)
	}

	mailbox := &models.Mailbox{
		OwnerID:           input.OwnerID,
		Address:           input.Address,
		IMAPHost:          host,
		IMAPPort:          port,
		Username:          username,
		PasswordEncrypted: encrypted,
	}
	if _, err := s.mailboxes.Create(ctx, mailbox); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrMailboxExists
		}
		return nil, fmt.Errorf("create mailbox: %w", err)
	}

	for _, f := range input.Filters {
		if _, err := s.addFilter(ctx, mailbox, f.Value, f.Name); err != nil {
			return nil, err
		}
	}

	flag := &models.StatusFlag{OwnerID: mailbox.OwnerID, Address: mailbox.Address, Listening: false}
	if err := s.flags.Set(ctx, mailbox.Key(), flag); err != nil {
		s.logger.Printf("service: flag seed failed for %s: %v", mailbox.Key(), err)
	}

	if err := s.startMailbox(ctx, mailbox); err != nil {
		return mailbox, fmt.Errorf("start listening: %w", err)
	}
	return mailbox, nil
}

func (s *ListeningService) resolveEndpoint(ctx context.Context, input CreateMailboxInput) (string, int, error) {
	if input.Host != "" {
		port := input.Port
		if port == 0 {
			port = 993
		}
		return input.Host, port, nil
	}
	if input.Provider == "" {
		return "", 0, fmt.Errorf("%w: no provider or host given", ErrProviderUnknown)
	}
	provider, err := s.providers.GetBySlug(ctx, input.Provider)
	if errors.Is(err, repository.ErrNotFound) {
		return "", 0, fmt.Errorf("%w: %q", ErrProviderUnknown, input.Provider)
	}
	if err != nil {
		return "", 0, fmt.Errorf("resolve provider: %w", err)
	}
	return provider.Host, provider.Port, nil
}

// AddFilter attaches a sender filter to an existing mailbox and drops
// the cached filter list so running watchers pick it up.
func (s *ListeningService) AddFilter(ctx context.Context, ownerID int64, address, value, name string) (*models.Filter, error) {
	mailbox, err := s.getMailbox(ctx, ownerID, address)
	if err != nil {
		return nil, err
	}
	return s.addFilter(ctx, mailbox, value, name)
}

func (s *ListeningService) addFilter(ctx context.Context, mailbox *models.Mailbox, value, name string) (*models.Filter, error) {
	address := matcher.ExtractAddress(value)
	if address == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, value)
	}
	filter, err := s.filters.Create(ctx, mailbox.ID, address, name)
	if err != nil {
		return nil, fmt.Errorf("create filter: %w", err)
	}
	if err := s.flags.InvalidateFilters(ctx, mailbox.Key()); err != nil {
		s.logger.Printf("service: filter invalidation failed for %s: %v", mailbox.Key(), err)
	}
	return filter, nil
}

// ListFilters returns a mailbox's filters in match order.
func (s *ListeningService) ListFilters(ctx context.Context, ownerID int64, address string) ([]models.Filter, error) {
	mailbox, err := s.getMailbox(ctx, ownerID, address)
	if err != nil {
		return nil, err
	}
	filters, err := s.filters.ListForMailbox(ctx, mailbox.ID)
	if err != nil {
		return nil, fmt.Errorf("list filters: %w", err)
	}
	return filters, nil
}

// StartListening starts the mailbox's watcher and records the
// listening state durably and in the fast-access store.
func (s *ListeningService) StartListening(ctx context.Context, ownerID int64, address string) error {
	mailbox, err := s.getMailbox(ctx, ownerID, address)
	if err != nil {
		return err
	}
	return s.startMailbox(ctx, mailbox)
}

func (s *ListeningService) startMailbox(ctx context.Context, mailbox *models.Mailbox) error {
	if err := s.registry.StartWatcher(ctx, mailbox); err != nil {
		return err
	}
	if err := s.mailboxes.SetListeningStatus(ctx, mailbox.ID, true); err != nil {
		return fmt.Errorf("persist listening state: %w", err)
	}
	flag := &models.StatusFlag{OwnerID: mailbox.OwnerID, Address: mailbox.Address, Listening: true}
	if err := s.flags.Set(ctx, mailbox.Key(), flag); err != nil {
		s.logger.Printf("service: flag write failed for %s: %v", mailbox.Key(), err)
	}
	return nil
}

// StopListening stops the mailbox's watcher. The watcher is looked up
// before anything changes, so a stop with no watcher leaves the flag
// aligned with the durable row. For a real stop the flag flips first,
// so a watcher missing the cancellation still sees the stop on its
// next poll.
func (s *ListeningService) StopListening(ctx context.Context, ownerID int64, address string) error {
	mailbox, err := s.getMailbox(ctx, ownerID, address)
	if err != nil {
		return err
	}
	if !s.registry.Running(mailbox.Key()) {
		return watch.ErrNotListening
	}

	flag := &models.StatusFlag{OwnerID: ownerID, Address: address, Listening: false}
	if err := s.flags.Set(ctx, mailbox.Key(), flag); err != nil {
		s.logger.Printf("service: flag write failed for %s: %v", mailbox.Key(), err)
	}

	if err := s.registry.StopWatcher(ctx, ownerID, address); err != nil {
		return err
	}
	if err := s.mailboxes.SetListeningStatus(ctx, mailbox.ID, false); err != nil {
		return fmt.Errorf("persist listening state: %w", err)
	}
	if err := s.flags.InvalidateFilters(ctx, mailbox.Key()); err != nil {
		s.logger.Printf("service: filter invalidation failed for %s: %v", mailbox.Key(), err)
	}
	return nil
}

// DeleteMailbox removes a mailbox, stopping its watcher first if one
// is running. Filters go with the mailbox row.
func (s *ListeningService) DeleteMailbox(ctx context.Context, ownerID int64, address string) error {
	mailbox, err := s.getMailbox(ctx, ownerID, address)
	if err != nil {
		return err
	}

	if s.registry.Running(mailbox.Key()) {
		if err := s.registry.StopWatcher(ctx, ownerID, address); err != nil && !errors.Is(err, watch.ErrNotListening) {
			return err
		}
	}
	if err := s.mailboxes.Delete(ctx, mailbox.ID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrMailboxNotFound
		}
		return fmt.Errorf("delete mailbox: %w", err)
	}
	if err := s.flags.Delete(ctx, mailbox.Key()); err != nil {
		s.logger.Printf("service: flag delete failed for %s: %v", mailbox.Key(), err)
	}
	if err := s.flags.InvalidateFilters(ctx, mailbox.Key()); err != nil {
		s.logger.Printf("service: filter invalidation failed for %s: %v", mailbox.Key(), err)
	}
	return nil
}

// StartAllOnBoot resumes every mailbox marked listening and seeds the
// fast-access flags for the rest.
func (s *ListeningService) StartAllOnBoot(ctx context.Context) (int, error) {
	mailboxes, err := s.mailboxes.ListAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("list mailboxes: %w", err)
	}
	for i := range mailboxes {
		mailbox := &mailboxes[i]
		flag := &models.StatusFlag{
			OwnerID:   mailbox.OwnerID,
			Address:   mailbox.Address,
			Listening: mailbox.Listening,
		}
		if err := s.flags.Set(ctx, mailbox.Key(), flag); err != nil {
			s.logger.Printf("service: flag seed failed for %s: %v", mailbox.Key(), err)
		}
	}
	return s.registry.StartAll(ctx)
}

func (s *ListeningService) getMailbox(ctx context.Context, ownerID int64, address string) (*models.Mailbox, error) {
	mailbox, err := s.mailboxes.GetByAddressForOwner(ctx, ownerID, address)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrMailboxNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get mailbox: %w", err)
	}
	return mailbox, nil
}
