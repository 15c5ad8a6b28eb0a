// Package app builds the finance services from a config, so the API server
// and the CLI share one wiring.
package app

import (
	"context"
	"fmt"

	"github.com/dvloznov/school-finance/internal/archive"
	"github.com/dvloznov/school-finance/internal/bulk"
	"github.com/dvloznov/school-finance/internal/cashflow"
	"github.com/dvloznov/school-finance/internal/config"
	"github.com/dvloznov/school-finance/internal/cora"
	"github.com/dvloznov/school-finance/internal/finance"
	infraBQ "github.com/dvloznov/school-finance/internal/infra/bigquery"
	"github.com/dvloznov/school-finance/internal/infra/sqlite"
	"github.com/dvloznov/school-finance/internal/reconciler"
	"github.com/rs/zerolog"
)

// App holds the wired services. Reconciler is nil when no provider token
// is configured.
type App struct {
	Config     config.Config
	Log        zerolog.Logger
	Clock      finance.Clock
	DB         *sqlite.DB
	Service    *finance.Service
	Reconciler *reconciler.Reconciler
	Bulk       *bulk.Generator
	CashFlow   *cashflow.Service

	closers []func() error
}

// New opens the database and wires the services.
func New(cfg config.Config, log zerolog.Logger) (*App, error) {
	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("New: %w", err)
	}

	a := &App{
		Config: cfg,
		Log:    log,
		Clock:  finance.SystemClock(cfg.Location()),
		DB:     db,
	}
	a.closers = append(a.closers, db.Close)

	var (
		notifier finance.InvoiceNotifier
		invoices bulk.InvoiceGenerator
	)
	if cfg.CoraEnabled() {
		client, err := cora.NewClient(cfg.ProviderConfig(), nil, log)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("New: %w", err)
		}
		a.Reconciler = reconciler.New(db, db, client, cfg.ReconcilerConfig(), a.Clock)
		notifier = a.Reconciler
		invoices = a.Reconciler
	} else {
		log.Warn().Msg("No Cora token configured - invoice operations are disabled")
	}

	a.Service = finance.NewService(db, db, notifier, a.Clock)
	a.Bulk = bulk.NewGenerator(db, db, invoices, cfg.BulkSettings(), a.Clock)
	a.CashFlow = cashflow.NewService(db, a.Clock, cfg.CashFlow.RecentLimit)
	return a, nil
}

// Warehouse connects to the configured BigQuery dataset. The caller closes it.
func (a *App) Warehouse(ctx context.Context) (*infraBQ.Warehouse, error) {
	if a.Config.Warehouse.Project == "" {
		return nil, fmt.Errorf("Warehouse: no BigQuery project configured (set warehouse.project or BIGQUERY_PROJECT)")
	}
	return infraBQ.NewWarehouse(ctx, a.Config.Warehouse.Project, a.Config.Warehouse.Dataset)
}

// Archiver connects to the configured GCS bucket. The returned func closes
// the storage client.
func (a *App) Archiver(ctx context.Context) (*archive.Archiver, func() error, error) {
	store, err := archive.NewGCSStore(ctx, a.Config.Archive.Bucket)
	if err != nil {
		return nil, nil, fmt.Errorf("Archiver: %w", err)
	}
	return archive.New(store, a.Config.Archive.Prefix), store.Close, nil
}

// Close releases everything New opened.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}
