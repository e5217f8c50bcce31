package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	_ "github.com/lib/pq"

	"github.com/mailgram-io/mailgram/internal/cache"
	"github.com/mailgram-io/mailgram/internal/config"
	"github.com/mailgram-io/mailgram/internal/crypto"
	"github.com/mailgram-io/mailgram/internal/decoder"
	"github.com/mailgram-io/mailgram/internal/models"
	"github.com/mailgram-io/mailgram/internal/notify"
	"github.com/mailgram-io/mailgram/internal/repository"
	"github.com/mailgram-io/mailgram/internal/service"
	"github.com/mailgram-io/mailgram/internal/statussync"
	"github.com/mailgram-io/mailgram/internal/watch"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "mailgram",
	Short:   "Mailgram - IMAP mailbox watcher with image notifications",
	Long:    "Mailgram keeps a persistent IDLE connection per registered mailbox\nand turns filter-matched mail into rendered notifications.",
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
}

var configPathFlag string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the watcher daemon",
	Long: `Serve resumes a watcher for every mailbox marked listening, starts the
status reconciliation sweep, and exposes Prometheus metrics. It runs
until interrupted and logs out of every IMAP session on shutdown.`,
	RunE: runServe,
}

var genkeyCmd = &cobra.Command{
	Use:   "genkey",
	Short: "Generate a credential encryption key",
	Long: `Genkey prints a fresh base64-encoded 256-bit AES key suitable for the
crypto.key configuration value. Rotating the key invalidates every
stored mailbox password.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return fmt.Errorf("generate key: %w", err)
		}
		fmt.Println(base64.StdEncoding.EncodeToString(key))
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&configPathFlag, "config", ".", "Directory containing config.yaml")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(genkeyCmd)
}

// notifyHandler bridges matched messages into the notifier.
type notifyHandler struct {
	notifier *notify.Notifier
}

func (h notifyHandler) Handle(ctx context.Context, mailbox *models.Mailbox, _ *models.Filter, msg *models.DecodedMessage) error {
	return h.notifier.Notify(ctx, mailbox.OwnerID, msg)
}

func runServe(_ *cobra.Command, _ []string) error {
	if err := config.Load(configPathFlag); err != nil {
		return err
	}
	cfg := config.Get()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	db, err := sqlx.Connect("postgres", cfg.Database.GetDSN())
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	flagStore, err := cache.Dial(cfg.Redis.GetRedisAddr(), cfg.Redis.Password, cfg.Redis.DB,
		cache.WithKeyPrefix(cfg.Redis.KeyPrefix),
		cache.WithFlagTTL(cfg.Redis.FlagTTL),
		cache.WithFilterTTL(cfg.Redis.FilterTTL),
	)
	if err != nil {
		return err
	}

	cipher, err := crypto.NewCipher(cfg.Crypto.Key)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}

	mailboxRepo := repository.NewSQLMailboxRepository(db)
	filterRepo := repository.NewSQLFilterRepository(db)
	providerRepo := repository.NewSQLProviderRepository(db)

	notifier := notify.NewNotifier(buildRenderer(cfg, logger), buildSender(cfg, logger), notify.WithLogger(logger))
	dec := decoder.New(decoder.WithBodyLimit(cfg.Notify.BodyLimit))

	registry := watch.NewRegistry(
		mailboxRepo,
		watch.NewCachingFilterSource(filterRepo, flagStore, logger),
		flagStore,
		notifyHandler{notifier: notifier},
		cipher,
		watch.WithRegistryLogger(logger),
		watch.WithRegistryDecoder(dec),
		watch.WithRegistryTimeouts(cfg.IMAP.DialTimeout, cfg.IMAP.IdleTimeout, cfg.IMAP.IdleCeiling, cfg.IMAP.ReconnectDelay),
		watch.WithRegistryMaxRetries(cfg.IMAP.MaxRetries),
	)

	svc := service.NewListeningService(mailboxRepo, filterRepo, providerRepo, flagStore, registry, cipher,
		service.WithLogger(logger))

	ctx := context.Background()
	started, err := svc.StartAllOnBoot(ctx)
	if err != nil {
		return fmt.Errorf("resume watchers: %w", err)
	}
	logger.Printf("resumed %d mailbox watchers", started)

	sync := statussync.NewService(mailboxRepo, flagStore,
		statussync.WithLogger(logger),
		statussync.WithSchedule(cfg.Sync.Schedule),
	)
	if err := sync.Start(); err != nil {
		return err
	}

	metricsSrv := &http.Server{Addr: cfg.App.MetricsAddr, Handler: promhttp.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("metrics server: %v", err)
		}
	}()
	logger.Printf("metrics listening on %s", cfg.App.MetricsAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Printf("received %s, shutting down", sig)

	sync.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.Printf("watcher shutdown: %v", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("metrics shutdown: %v", err)
	}
	return nil
}

func buildRenderer(cfg *config.Config, logger *log.Logger) notify.Renderer {
	if cfg.Notify.RendererURL == "" {
		logger.Println("no renderer configured, notifications pass through unrendered")
		return notify.RawRenderer{}
	}
	return notify.NewHTTPRenderer(cfg.Notify.RendererURL, notify.WithRenderWidth(cfg.Notify.RenderWidth))
}

func buildSender(cfg *config.Config, logger *log.Logger) notify.Sender {
	if cfg.Notify.SenderURL == "" {
		logger.Println("no delivery endpoint configured, notifications are logged only")
		return notify.NewLogSender(logger)
	}
	return notify.NewHTTPSender(cfg.Notify.SenderURL)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
