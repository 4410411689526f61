// Command server runs the document-processing backend: the HTTP API, the
// JetStream worker pool, and the stale-job reclaimer, all in one process.
//
// Startup order matters: configuration and logging first, then storage and
// tracing, then the queue, then the background loops, and the HTTP server
// last. Shutdown is the reverse: stop accepting requests, cancel the
// background loops, drain NATS, flush traces.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/tbourn/go-docproc-backend/internal/cache"
	"github.com/tbourn/go-docproc-backend/internal/config"
	"github.com/tbourn/go-docproc-backend/internal/domain"
	httpapi "github.com/tbourn/go-docproc-backend/internal/http"
	"github.com/tbourn/go-docproc-backend/internal/notify"
	"github.com/tbourn/go-docproc-backend/internal/observability"
	"github.com/tbourn/go-docproc-backend/internal/payments"
	"github.com/tbourn/go-docproc-backend/internal/repo"
	"github.com/tbourn/go-docproc-backend/internal/services"
	"github.com/tbourn/go-docproc-backend/internal/worker"

	"gorm.io/gorm"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	// .env is optional; real deployments use the environment directly.
	_ = godotenv.Load()

	cfg := config.MustLoad()
	setupLogging(cfg)

	log.Info().Str("version", version).Msg("starting go-docproc-backend")

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("setup tracing")
	}

	nc, err := worker.Connect(cfg.Queue.URL)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.Queue.URL).Msg("connect nats")
	}
	defer nc.Drain() //nolint:errcheck

	queue, err := worker.NewQueue(nc, cfg.Queue)
	if err != nil {
		log.Fatal().Err(err).Msg("setup job queue")
	}

	var notifier notify.Notifier = notify.Nop{}
	if cfg.NotifierBaseURL != "" {
		notifier = notify.NewHTTPNotifier(cfg.NotifierBaseURL, cfg.NotifierToken, cfg.NotifierTimeout)
	}

	ledger := services.NewLedgerService(db, cfg.Quota.FreeAllowance)
	catalog := cache.NewCatalog(cfg.Quota.CatalogCacheTTL, catalogLoader(db))
	provider := payments.NewClient(
		cfg.Provider.BaseURL,
		cfg.Provider.ShopID,
		cfg.Provider.SecretKey,
		cfg.Provider.CreateTimeout,
		cfg.Provider.StatusTimeout,
	)

	jobSvc := services.NewJobService(db, ledger, queue, cfg.Queue.MaxPages, cfg.IdempotencyTTL)
	paySvc := &services.PaymentService{
		DB:                db,
		Provider:          provider,
		Catalog:           catalog,
		Ledger:            ledger,
		ReturnURL:         cfg.Provider.ReturnURL,
		MaxPendingIntents: cfg.Quota.MaxPendingIntents,
		PendingWindow:     cfg.Quota.PendingWindow,
	}
	webhookSvc := services.NewWebhookService(db, provider, ledger, notifier)

	if err := seedCatalog(ctx, db, paySvc); err != nil {
		log.Fatal().Err(err).Msg("seed credit packages")
	}

	processor := &worker.Processor{
		DB:         db,
		Ledger:     ledger,
		Notifier:   notifier,
		Analyzer:   worker.LengthAnalyzer{MinTextLen: 32},
		Recognizer: worker.PassthroughRecognizer{},
		OCRTimeout: cfg.Queue.OCRTimeout,
		MaxPages:   cfg.Queue.MaxPages,
		MaxDeliver: cfg.Queue.MaxDeliver,
		RetryBase:  cfg.Queue.RetryBase,
		RetryCap:   cfg.Queue.RetryCap,
	}
	go func() {
		if err := queue.Run(ctx, processor); err != nil {
			log.Error().Err(err).Msg("worker pool stopped")
			stop()
		}
	}()

	reclaimer := &worker.Reclaimer{
		DB:                db,
		Ledger:            ledger,
		Notifier:          notifier,
		Threshold:         cfg.Quota.StaleJobThreshold,
		Interval:          cfg.Quota.ReclaimInterval,
		FreeResetInterval: cfg.Quota.FreeResetInterval,
		FreeAllowance:     cfg.Quota.FreeAllowance,
	}
	go reclaimer.Run(ctx)

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	r.Use(gzip.Gzip(gzip.DefaultCompression))
	httpapi.RegisterRoutes(r, db, httpapi.Services{
		Jobs:    jobSvc,
		Ledger:  ledger,
		Payment: paySvc,
		Webhook: webhookSvc,
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if err := shutdownOTel(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("tracing shutdown")
	}
	log.Info().Msg("bye")
}

// catalogLoader binds the catalog cache to the package repository.
func catalogLoader(db *gorm.DB) cache.Loader {
	return func(ctx context.Context) ([]domain.CreditPackage, error) {
		return repo.ListActivePackages(ctx, db)
	}
}

// seedCatalog installs the default credit packages on first run. Operators
// edit the rows afterwards; existing catalogs are left untouched.
func seedCatalog(ctx context.Context, db *gorm.DB, paySvc *services.PaymentService) error {
	existing, err := repo.ListActivePackages(ctx, db)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	defaults := []domain.CreditPackage{
		{Code: "pages_10", Name: "Starter", Pages: 10, Price: decimal.NewFromInt(99), Currency: "RUB", IsActive: true, SortOrder: 1},
		{Code: "pages_50", Name: "Standard", Pages: 50, Price: decimal.NewFromInt(399), Currency: "RUB", IsActive: true, SortOrder: 2},
		{Code: "pages_200", Name: "Pro", Pages: 200, Price: decimal.NewFromInt(1299), Currency: "RUB", IsActive: true, SortOrder: 3},
	}
	for i := range defaults {
		if err := paySvc.UpsertPackage(ctx, &defaults[i]); err != nil {
			return err
		}
	}
	log.Info().Int("packages", len(defaults)).Msg("default credit packages seeded")
	return nil
}

// setupLogging configures zerolog level and output format.
func setupLogging(cfg config.Config) {
	if lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel)); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
