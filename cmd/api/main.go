package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/school-finance/internal/api"
	"github.com/dvloznov/school-finance/internal/api/handlers"
	"github.com/dvloznov/school-finance/internal/app"
	"github.com/dvloznov/school-finance/internal/config"
	"github.com/dvloznov/school-finance/internal/jobs"
	"github.com/dvloznov/school-finance/internal/jobs/inmemory"
	"github.com/dvloznov/school-finance/internal/logger"
	"github.com/rs/zerolog"
)

func main() {
	// Parse command-line flags
	var (
		configPath = flag.String("config", os.Getenv("SCHOOL_FINANCE_CONFIG"), "Path to the TOML config file (or set SCHOOL_FINANCE_CONFIG env)")
		port       = flag.Int("port", 0, "HTTP server port (overrides server.port)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	// Initialize logger
	log, err := logger.NewFromConfig(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	a, err := app.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize services")
	}
	defer a.Close()

	// Initialize job infrastructure
	jobStore := inmemory.NewStore()
	jobQueue := inmemory.NewQueue(cfg.Jobs.BufferSize, jobStore,
		inmemory.WithWorkers(cfg.Jobs.Workers),
		inmemory.WithMaxRetries(cfg.Jobs.MaxRetries),
		inmemory.WithBackoff(inmemory.LinearBackoff(cfg.Jobs.Backoff)),
	)

	// Start worker in background to process jobs
	workerCtx, cancelWorker := context.WithCancel(logger.WithContext(context.Background(), log))
	defer cancelWorker()

	go func() {
		log.Info().Int("workers", cfg.Jobs.Workers).Msg("Starting job worker")
		if err := jobQueue.Start(workerCtx, refreshHandler(a)); err != nil {
			log.Error().Err(err).Msg("Job worker stopped with error")
		}
	}()

	if a.Reconciler != nil && cfg.Jobs.SweepInterval > 0 {
		go sweepOpenInvoices(workerCtx, a, cfg.Jobs.SweepInterval, log)
	}

	// Initialize handlers
	var invoices handlers.InvoiceService
	if a.Reconciler != nil {
		invoices = a.Reconciler
	}
	h := api.Handlers{
		Transactions: handlers.NewTransactionsHandler(a.Service, invoices),
		Reports:      handlers.NewReportsHandler(a.Bulk, a.CashFlow, a.Service.Today),
		Jobs:         handlers.NewJobsHandler(a.Service, jobQueue, jobStore, cfg.Server.WebhookSecret),
	}
	if cfg.Server.APIKey == "" {
		log.Warn().Msg("No API key configured - the API accepts unauthenticated requests")
	}

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(h, api.Options{APIKey: cfg.Server.APIKey, Metrics: true}, log),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Stop job queue and wait for in-flight jobs
	if err := jobQueue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping job queue")
	}
	cancelWorker()

	log.Info().Msg("Server exited")
}

// refreshHandler fails every job permanently when no provider is configured.
func refreshHandler(a *app.App) jobs.JobHandler {
	if a.Reconciler == nil {
		return func(ctx context.Context, job jobs.Job) error {
			return jobs.Permanent(errors.New("invoice provider is not configured"))
		}
	}
	return jobs.NewRefreshHandler(a.Reconciler)
}

// sweepOpenInvoices refreshes every open invoice on each tick, catching
// webhooks that never arrived and jobs lost on restart.
func sweepOpenInvoices(ctx context.Context, a *app.App, every time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sum, err := a.Reconciler.RefreshOpen(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Open invoice sweep failed")
				continue
			}
			log.Info().
				Int("checked", sum.Checked).
				Int("paid", sum.Paid).
				Int("failed", sum.Failed).
				Msg("Open invoice sweep completed")
		}
	}
}
