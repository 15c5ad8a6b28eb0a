// Package notionsync mirrors the school's transactions into a Notion
// database so staff can browse them on a board.
package notionsync

import (
	"context"
	"fmt"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/school-finance/internal/domain"
	"github.com/dvloznov/school-finance/internal/logger"
	"github.com/jomei/notionapi"
)

const (
	// BatchSize defines the number of transactions to process in a single batch
	BatchSize = 100
)

// SyncResult counts what a sync did, or would do on a dry run.
type SyncResult struct {
	Created  int `json:"created"`
	Updated  int `json:"updated"`
	Archived int `json:"archived"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// SyncTransactions makes the Notion database match the transactions in src.
// This function:
// 1. Queries all existing Notion pages
// 2. Archives pages whose transaction no longer exists, and duplicates
// 3. Creates missing pages and updates pages whose fingerprint changed
//
// Failures on single pages are logged and counted; the sync goes on.
func SyncTransactions(ctx context.Context, src Source, notionClient NotionService, notionDBID string, today civil.Date, dryRun bool) (*SyncResult, error) {
	log := logger.FromContext(ctx)

	log.Info().
		Str("today", today.String()).
		Bool("dry_run", dryRun).
		Msg("Starting transaction sync to Notion")

	transactions, err := src.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("SyncTransactions: list transactions: %w", err)
	}
	log.Info().Int("transaction_count", len(transactions)).Msg("Retrieved transactions")

	valid := make(map[string]bool, len(transactions))
	for _, tx := range transactions {
		valid[tx.ID] = true
	}

	notionPages, err := queryAllNotionPages(ctx, notionClient, notionDBID)
	if err != nil {
		return nil, fmt.Errorf("SyncTransactions: %w", err)
	}
	log.Info().Int("notion_page_count", len(notionPages)).Msg("Retrieved existing Notion pages")

	result := &SyncResult{}

	// Keep the first page per transaction; the rest are archived below.
	existing := make(map[string]notionapi.Page)
	for _, page := range notionPages {
		txID := readRichText(page, propTransactionID)
		if txID != "" && valid[txID] {
			if _, dup := existing[txID]; !dup {
				existing[txID] = page
				continue
			}
		}

		if dryRun {
			log.Info().
				Str("transaction_id", txID).
				Str("page_id", string(page.ID)).
				Msg("[DRY RUN] Would archive stale Notion page")
			result.Archived++
			continue
		}
		if err := notionClient.ArchivePage(ctx, string(page.ID)); err != nil {
			log.Warn().
				Err(err).
				Str("transaction_id", txID).
				Str("page_id", string(page.ID)).
				Msg("Failed to archive stale Notion page")
			result.Failed++
			continue
		}
		result.Archived++
	}

	if result.Archived > 0 {
		log.Info().Int("archived", result.Archived).Msg("Archived stale Notion pages")
	}

	for i := 0; i < len(transactions); i += BatchSize {
		end := min(i+BatchSize, len(transactions))
		batch := transactions[i:end]
		log.Debug().
			Int("batch_start", i).
			Int("batch_end", end).
			Int("batch_size", len(batch)).
			Msg("Processing batch")

		for _, tx := range batch {
			syncOne(ctx, notionClient, notionDBID, tx, existing, today, dryRun, result)
		}
	}

	log.Info().
		Int("created", result.Created).
		Int("updated", result.Updated).
		Int("archived", result.Archived).
		Int("skipped", result.Skipped).
		Int("failed", result.Failed).
		Bool("dry_run", dryRun).
		Msg("Transaction sync to Notion completed")

	return result, nil
}

func syncOne(ctx context.Context, notionClient NotionService, notionDBID string, tx *domain.Transaction, existing map[string]notionapi.Page, today civil.Date, dryRun bool, result *SyncResult) {
	log := logger.FromContext(ctx).With().Str("transaction_id", tx.ID).Logger()

	page, found := existing[tx.ID]
	if found && readRichText(page, propFingerprint) == Fingerprint(tx, today) {
		result.Skipped++
		return
	}

	props := TransactionToNotionProperties(tx, today)

	if found {
		if dryRun {
			log.Info().Str("page_id", string(page.ID)).Msg("[DRY RUN] Would update Notion page")
			result.Updated++
			return
		}
		if _, err := notionClient.UpdatePage(ctx, string(page.ID), props); err != nil {
			log.Warn().Err(err).Str("page_id", string(page.ID)).Msg("Failed to update Notion page")
			result.Failed++
			return
		}
		result.Updated++
		return
	}

	if dryRun {
		log.Info().Str("description", tx.Description).Msg("[DRY RUN] Would create Notion page")
		result.Created++
		return
	}
	created, err := notionClient.CreatePage(ctx, notionDBID, props)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create Notion page")
		result.Failed++
		return
	}
	log.Debug().Str("page_id", string(created.ID)).Msg("Created Notion page")
	result.Created++
}

// queryAllNotionPages queries all pages from a Notion database, following
// the cursor until the last page.
func queryAllNotionPages(ctx context.Context, notionClient NotionService, databaseID string) ([]notionapi.Page, error) {
	var allPages []notionapi.Page
	var cursor notionapi.Cursor

	for {
		req := &notionapi.DatabaseQueryRequest{
			PageSize: 100,
		}
		if cursor != "" {
			req.StartCursor = cursor
		}

		resp, err := notionClient.QueryDatabase(ctx, databaseID, req)
		if err != nil {
			return nil, fmt.Errorf("queryAllNotionPages: %w", err)
		}

		allPages = append(allPages, resp.Results...)

		if !resp.HasMore {
			break
		}
		cursor = resp.NextCursor
	}

	return allPages, nil
}
