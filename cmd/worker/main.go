package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/AxelMcKenna/Trolley/internal/config"
	"github.com/AxelMcKenna/Trolley/internal/infra"
	"github.com/AxelMcKenna/Trolley/internal/ingest"
	"github.com/AxelMcKenna/Trolley/internal/ingest/adapters"
	"github.com/AxelMcKenna/Trolley/internal/repository"
	"github.com/AxelMcKenna/Trolley/internal/worker"
)

// checkInterval is how often the scheduler re-evaluates which chains are
// due. Much shorter than the scrape interval so a missed window is caught
// within the hour.
const checkInterval = time.Hour

// shutdownGrace bounds how long exit waits for in-flight runs to finalize
// their run rows after cancellation.
const shutdownGrace = 30 * time.Second

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	db, err := infra.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	if err := infra.RunMigrations(db); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	rdb, err := infra.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Composition root: repositories, ingest pipeline, scheduler.
	catalogRepo := repository.NewCatalogRepository(db)
	storeRepo := repository.NewStoreRepository(db)
	runRepo := repository.NewRunRepository(db)
	sweepRepo := repository.NewSweepRepository(db)

	engine := ingest.NewEngine()
	sweeper := ingest.NewSweeper(sweepRepo)
	controller := ingest.NewController(catalogRepo, storeRepo, runRepo, engine, sweeper)

	registry := buildRegistry(cfg)
	sched := worker.NewScheduler(registry, controller, worker.SchedulerConfig{
		Interval:        cfg.ScrapeInterval(),
		Timeout:         cfg.ScrapeTimeout(),
		SequentialDelay: cfg.SequentialDelay(),
	})

	jobStore := worker.NewRedisJobStore(rdb)
	consumerDone := worker.NewIngestConsumer(rdb, jobStore, sched).Start(ctx)
	worker.StartExpiryCron(ctx, sweeper, cfg.ExpirySweepInterval())

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		runScheduleLoop(ctx, sched, cfg.WorkerParallel)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down worker…")
	cancel()
	// In-flight runs observe the cancelled context and finalize their run
	// rows as failed; wait for that, bounded so a wedged run cannot block
	// the process forever.
	if awaitDone(shutdownGrace, consumerDone, schedDone) {
		log.Info().Msg("worker exited")
	} else {
		log.Warn().Dur("grace", shutdownGrace).Msg("shutdown grace elapsed with work still in flight")
	}
}

// awaitDone waits for every channel to close, sharing one overall deadline.
func awaitDone(timeout time.Duration, done ...<-chan struct{}) bool {
	deadline := time.After(timeout)
	for _, ch := range done {
		select {
		case <-ch:
		case <-deadline:
			return false
		}
	}
	return true
}

// buildRegistry wires one adapter per configured chain. countdown prices per
// store, so it gets the per-store adapter; the rest price chain-wide.
func buildRegistry(cfg *config.Config) *worker.Registry {
	registry := worker.NewRegistry()
	base := cfg.CatalogBaseURL

	for _, chain := range cfg.ChainList() {
		chain := chain
		catalogURLs := []string{fmt.Sprintf("%s/%s/catalog.json", base, chain)}

		if chain == "countdown" {
			directoryURL := fmt.Sprintf("%s/%s/stores.json", base, chain)
			registry.Register(chain, func() ingest.SourceAdapter {
				return adapters.NewGenericPerStore(chain, catalogURLs, directoryURL, func(storeID string) string {
					return fmt.Sprintf("%s/%s/stores/%s/catalog.json", base, chain, storeID)
				})
			})
			continue
		}
		registry.Register(chain, func() ingest.SourceAdapter {
			return adapters.NewGeneric(chain, catalogURLs)
		})
	}

	log.Info().Strs("chains", registry.Chains()).Msg("adapter registry built")
	return registry
}

// runScheduleLoop fires an immediate pass on startup, then re-checks every
// checkInterval. The due logic inside the scheduler keeps actual scrape
// frequency at the configured interval.
func runScheduleLoop(ctx context.Context, sched *worker.Scheduler, parallel bool) {
	runPass := func() {
		if parallel {
			sched.RunDueParallel(ctx, false)
		} else {
			sched.RunDue(ctx, false)
		}
	}

	runPass()

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runPass()
		}
	}
}
