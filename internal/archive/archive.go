// Package archive keeps immutable JSON snapshots of cash-flow reports in
// object storage.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/dvloznov/school-finance/internal/cashflow"
	"github.com/dvloznov/school-finance/internal/logger"
)

// ObjectStore stores and fetches opaque objects.
type ObjectStore interface {
	Put(ctx context.Context, objectName, contentType string, data []byte) (string, error)
	Get(ctx context.Context, uri string) ([]byte, error)
}

// Archiver writes cash-flow snapshots under a fixed prefix.
type Archiver struct {
	store  ObjectStore
	prefix string
}

// New creates an Archiver.
func New(store ObjectStore, prefix string) *Archiver {
	return &Archiver{store: store, prefix: prefix}
}

// ObjectName returns where a report of w generated at is stored:
// <prefix>/<start>_<end>/<UTC timestamp>.json.
func ObjectName(prefix string, w cashflow.Window, at time.Time) string {
	return path.Join(prefix, w.Start.String()+"_"+w.End.String(), at.UTC().Format("20060102T150405Z")+".json")
}

// SaveCashFlow stores report and returns its URI.
func (a *Archiver) SaveCashFlow(ctx context.Context, report *cashflow.Report, at time.Time) (string, error) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("SaveCashFlow: marshal report: %w", err)
	}

	name := ObjectName(a.prefix, report.Window, at)
	uri, err := a.store.Put(ctx, name, "application/json", data)
	if err != nil {
		return "", fmt.Errorf("SaveCashFlow: %w", err)
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("uri", uri).
		Str("start_date", report.Window.Start.String()).
		Str("end_date", report.Window.End.String()).
		Msg("Archived cash-flow report")
	return uri, nil
}

// LoadCashFlow reads a snapshot back.
func (a *Archiver) LoadCashFlow(ctx context.Context, uri string) (*cashflow.Report, error) {
	data, err := a.store.Get(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("LoadCashFlow: %w", err)
	}
	var report cashflow.Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("LoadCashFlow: unmarshal report: %w", err)
	}
	return &report, nil
}
