package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/AxelMcKenna/Trolley/internal/model"
	"github.com/AxelMcKenna/Trolley/internal/repository"
)

// Controller orchestrates one end-to-end ingestion run for one chain: it
// opens the IngestionRun row, pulls pages from the adapter, writes each page
// through the engine in its own transaction, sweeps stale promos, and
// finalizes the row with totals and a terminal status.
//
// Record- and page-level failures are recovered locally and surfaced only as
// counters. Cancellation (timeout or stop signal) and stream-open failures
// are run-level: the row is driven to "failed" before the error propagates,
// so no run is ever left "running" without a live task behind it.
type Controller struct {
	catalog repository.CatalogRepository
	stores  repository.StoreRepository
	runs    repository.RunRepository
	engine  *Engine
	sweeper *Sweeper

	now func() time.Time
}

func NewController(
	catalog repository.CatalogRepository,
	stores repository.StoreRepository,
	runs repository.RunRepository,
	engine *Engine,
	sweeper *Sweeper,
) *Controller {
	return &Controller{
		catalog: catalog,
		stores:  stores,
		runs:    runs,
		engine:  engine,
		sweeper: sweeper,
		now:     time.Now,
	}
}

type runTotals struct {
	total   int
	changed int
	failed  int
}

// Run executes a chain-wide ingestion: every record's price applies to all
// of the chain's stores.
func (c *Controller) Run(ctx context.Context, adapter SourceAdapter) (run *model.IngestionRun, err error) {
	chain := adapter.Chain()
	startedAt := c.now().UTC()

	run = &model.IngestionRun{
		Chain:     chain,
		Status:    model.RunStatusRunning,
		StartedAt: startedAt,
	}
	// Committed immediately so the health view observes the run in progress.
	if err := c.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("create ingestion run: %w", err)
	}

	totals := &runTotals{}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ingest %s: panic: %v", chain, r)
			c.fail(ctx, run, totals)
		}
	}()

	stores, err := c.stores.ListByChain(ctx, chain)
	if err != nil {
		c.fail(ctx, run, totals)
		return run, fmt.Errorf("list stores for %s: %w", chain, err)
	}
	if len(stores) == 0 {
		log.Warn().Str("chain", chain).Msg("no stores found for chain")
	}

	stream, err := adapter.StreamPages(ctx)
	if err != nil {
		c.fail(ctx, run, totals)
		return run, fmt.Errorf("open page stream for %s: %w", chain, err)
	}

	if err := c.ingestStream(ctx, adapter, stream, stores, totals); err != nil {
		c.fail(ctx, run, totals)
		return run, err
	}

	// Best-effort sweep: a sweep failure never flips a successful run.
	if _, err := c.sweeper.SweepChain(ctx, chain, startedAt); err != nil {
		log.Warn().Err(err).Str("chain", chain).Msg("promo sweep failed")
	}

	c.finish(ctx, run, model.RunStatusCompleted, totals)
	log.Info().
		Str("chain", chain).
		Int("items_total", totals.total).
		Int("items_changed", totals.changed).
		Int("items_failed", totals.failed).
		Msg("ingestion run completed")
	return run, nil
}

// RunPerStore executes a partitioned ingestion for chains priced per store.
// Stores the adapter can scrape individually get their own stream and a
// store-scoped sweep; the remainder receive one shared fallback stream whose
// records are broadcast to all of them, swept as exactly that subset. Both
// phases roll up into a single IngestionRun.
func (c *Controller) RunPerStore(ctx context.Context, adapter PerStoreAdapter) (run *model.IngestionRun, err error) {
	chain := adapter.Chain()
	startedAt := c.now().UTC()

	run = &model.IngestionRun{
		Chain:     chain,
		Status:    model.RunStatusRunning,
		StartedAt: startedAt,
	}
	if err := c.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("create ingestion run: %w", err)
	}

	totals := &runTotals{}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ingest %s: panic: %v", chain, r)
			c.fail(ctx, run, totals)
		}
	}()

	allStores, err := c.stores.ListByChain(ctx, chain)
	if err != nil {
		c.fail(ctx, run, totals)
		return run, fmt.Errorf("list stores for %s: %w", chain, err)
	}

	onlineIDs, err := adapter.OnlineStoreIDs(ctx)
	if err != nil {
		c.fail(ctx, run, totals)
		return run, fmt.Errorf("discover online stores for %s: %w", chain, err)
	}
	online := make(map[string]bool, len(onlineIDs))
	for _, id := range onlineIDs {
		online[id] = true
	}

	var onlineStores, fallbackStores []model.Store
	for _, s := range allStores {
		if s.APIID != nil && online[*s.APIID] {
			onlineStores = append(onlineStores, s)
		} else {
			fallbackStores = append(fallbackStores, s)
		}
	}
	log.Info().
		Str("chain", chain).
		Int("online", len(onlineStores)).
		Int("fallback", len(fallbackStores)).
		Msg("store split")

	// Phase 1: per-store scraping for online-capable stores. One store's
	// stream failure is counted and the remaining stores still run.
	for _, store := range onlineStores {
		if err := ctx.Err(); err != nil {
			c.fail(ctx, run, totals)
			return run, err
		}
		stream, err := adapter.StreamStorePages(ctx, *store.APIID)
		if err != nil {
			log.Error().Err(err).Str("chain", chain).Str("store", store.Name).Msg("failed to open store stream")
			totals.failed++
			continue
		}
		if err := c.ingestStream(ctx, adapter, stream, []model.Store{store}, totals); err != nil {
			c.fail(ctx, run, totals)
			return run, err
		}
		// Sweep only this store; siblings not covered by this sub-run keep
		// their promos until their own scrape.
		if _, err := c.sweeper.SweepStores(ctx, []uuid.UUID{store.ID}, startedAt); err != nil {
			log.Warn().Err(err).Str("chain", chain).Str("store", store.Name).Msg("store promo sweep failed")
		}
	}

	// Phase 2: one shared scrape broadcast to every non-online store.
	if len(fallbackStores) > 0 {
		stream, err := adapter.StreamPages(ctx)
		if err != nil {
			c.fail(ctx, run, totals)
			return run, fmt.Errorf("open fallback stream for %s: %w", chain, err)
		}
		if err := c.ingestStream(ctx, adapter, stream, fallbackStores, totals); err != nil {
			c.fail(ctx, run, totals)
			return run, err
		}
		// Scoped to exactly the fallback subset: a chain-wide sweep here
		// would clear the per-store prices written in phase 1 of a slow run.
		fallbackIDs := make([]uuid.UUID, len(fallbackStores))
		for i, s := range fallbackStores {
			fallbackIDs[i] = s.ID
		}
		if _, err := c.sweeper.SweepStores(ctx, fallbackIDs, startedAt); err != nil {
			log.Warn().Err(err).Str("chain", chain).Msg("fallback promo sweep failed")
		}
	}

	c.finish(ctx, run, model.RunStatusCompleted, totals)
	log.Info().
		Str("chain", chain).
		Int("items_total", totals.total).
		Int("items_changed", totals.changed).
		Int("items_failed", totals.failed).
		Msg("per-store ingestion run completed")
	return run, nil
}

// ingestStream drains one page stream, writing each page in its own
// transaction. Page-level failures (fetch, parse, or write) are logged,
// counted, and skipped; only context cancellation stops the loop early.
func (c *Controller) ingestStream(
	ctx context.Context,
	adapter SourceAdapter,
	stream PageStream,
	stores []model.Store,
	totals *runTotals,
) error {
	chain := adapter.Chain()
	for {
		page, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			log.Error().Err(err).Str("chain", chain).Msg("failed to fetch page")
			totals.failed++
			continue
		}

		records, err := adapter.Parse(page)
		if err != nil {
			log.Error().Err(err).Str("chain", chain).Msg("failed to parse page")
			totals.failed++
			continue
		}
		totals.total += len(records)

		var batch BatchResult
		err = c.catalog.Transaction(ctx, func(tx repository.CatalogRepository) error {
			var txErr error
			batch, txErr = c.engine.UpsertBatch(ctx, tx, chain, records, stores)
			return txErr
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			log.Error().Err(err).Str("chain", chain).Int("records", len(records)).Msg("failed to write page")
			totals.failed++
			continue
		}
		totals.changed += batch.Changed
		totals.failed += batch.Skipped
	}
}

// finish drives the run row to a terminal status with final totals.
func (c *Controller) finish(ctx context.Context, run *model.IngestionRun, status string, totals *runTotals) {
	// Detached from cancellation so a timed-out run can still be finalized.
	ctx = context.WithoutCancel(ctx)
	finishedAt := c.now().UTC()
	err := c.runs.Finish(ctx, run.ID, status, finishedAt, repository.RunTotals{
		Total:   totals.total,
		Changed: totals.changed,
		Failed:  totals.failed,
	})
	if err != nil && !errors.Is(err, repository.ErrRunAlreadyFinished) {
		log.Error().Err(err).Str("chain", run.Chain).Str("run_id", run.ID.String()).
			Msg("failed to finalize ingestion run")
		return
	}
	run.Status = status
	run.FinishedAt = &finishedAt
	run.ItemsTotal = totals.total
	run.ItemsChanged = totals.changed
	run.ItemsFailed = totals.failed
}

func (c *Controller) fail(ctx context.Context, run *model.IngestionRun, totals *runTotals) {
	log.Error().Str("chain", run.Chain).Str("run_id", run.ID.String()).Msg("ingestion run failed")
	c.finish(ctx, run, model.RunStatusFailed, totals)
}
