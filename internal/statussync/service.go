package statussync

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"

	"github.com/mailgram-io/mailgram/internal/models"
	"github.com/mailgram-io/mailgram/internal/repository"
)

var (
	sweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "statussync_sweeps_total",
		Help: "Completed reconciliation sweeps",
	})
	correctionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "statussync_corrections_total",
		Help: "Status flags rewritten to match the database",
	})
)

// flagStore is the slice of the fast-access store reconciliation needs.
type flagStore interface {
	Get(ctx context.Context, key string) (*models.StatusFlag, error)
	Set(ctx context.Context, key string, flag *models.StatusFlag) error
	InvalidateFilters(ctx context.Context, key string) error
}

// Service periodically rewrites drifted status flags from the database,
// which is the source of truth for listening state.
type Service struct {
	repo     repository.MailboxRepository
	flags    flagStore
	cron     *cron.Cron
	schedule string
	timeout  time.Duration
	logger   *log.Logger

	startOnce sync.Once
	stopOnce  sync.Once
}

// Option applies configuration to the sync service.
type Option func(*Service)

// WithLogger injects a custom logger implementation.
func WithLogger(l *log.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSchedule overrides the sweep schedule expression.
func WithSchedule(schedule string) Option {
	return func(s *Service) {
		if schedule != "" {
			s.schedule = schedule
		}
	}
}

// WithCron supplies a preconfigured cron scheduler instance.
func WithCron(c *cron.Cron) Option {
	return func(s *Service) {
		if c != nil {
			s.cron = c
		}
	}
}

// WithSweepTimeout bounds a single reconciliation sweep.
func WithSweepTimeout(timeout time.Duration) Option {
	return func(s *Service) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// NewService wires a reconciler over the mailbox repository and the
// fast-access flag store.
func NewService(repo repository.MailboxRepository, flags flagStore, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		flags:    flags,
		schedule: "@every 1m",
		timeout:  30 * time.Second,
		logger:   log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cron == nil {
		s.cron = cron.New(cron.WithLocation(time.UTC))
	}
	return s
}

// Start registers the sweep job and starts the scheduler.
func (s *Service) Start() error {
	var err error
	s.startOnce.Do(func() {
		_, err = s.cron.AddFunc(s.schedule, s.sweep)
		if err != nil {
			err = fmt.Errorf("schedule status sync: %w", err)
			return
		}
		s.cron.Start()
	})
	return err
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		<-s.cron.Stop().Done()
	})
}

func (s *Service) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	corrected, err := s.ReconcileAll(ctx)
	if err != nil {
		s.logger.Printf("statussync: sweep failed: %v", err)
		return
	}
	sweepsTotal.Inc()
	if corrected > 0 {
		s.logger.Printf("statussync: corrected %d drifted flags", corrected)
	}
}

// ReconcileAll walks every mailbox and rewrites status flags that
// disagree with the database row. Corrected entries also lose their
// cached filter list. It returns the number of corrections made.
func (s *Service) ReconcileAll(ctx context.Context) (int, error) {
	mailboxes, err := s.repo.ListAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("list mailboxes: %w", err)
	}

	corrected := 0
	for i := range mailboxes {
		mailbox := &mailboxes[i]
		key := mailbox.Key()

		flag, err := s.flags.Get(ctx, key)
		if err != nil {
			s.logger.Printf("statussync: flag read failed for %s: %v", key, err)
			continue
		}
		if flag != nil && flag.Listening == mailbox.Listening {
			continue
		}

		want := &models.StatusFlag{
			OwnerID:   mailbox.OwnerID,
			Address:   mailbox.Address,
			Listening: mailbox.Listening,
		}
		if err := s.flags.Set(ctx, key, want); err != nil {
			s.logger.Printf("statussync: flag write failed for %s: %v", key, err)
			continue
		}
		if err := s.flags.InvalidateFilters(ctx, key); err != nil {
			s.logger.Printf("statussync: filter invalidation failed for %s: %v", key, err)
		}
		corrected++
		correctionsTotal.Inc()
	}
	return corrected, nil
}
