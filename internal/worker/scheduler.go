package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/AxelMcKenna/Trolley/internal/ingest"
	"github.com/AxelMcKenna/Trolley/internal/model"
)

var (
	// ErrAlreadyRunning means the chain has a run in flight; at most one
	// concurrent run per chain is ever allowed, even for forced triggers.
	ErrAlreadyRunning = errors.New("chain ingestion already running")
	// ErrNotDue means the chain completed a run within the interval.
	ErrNotDue = errors.New("chain not due for ingestion")
)

// runController abstracts the ingest controller so the scheduler can be unit
// tested without a database.
type runController interface {
	Run(ctx context.Context, adapter ingest.SourceAdapter) (*model.IngestionRun, error)
	RunPerStore(ctx context.Context, adapter ingest.PerStoreAdapter) (*model.IngestionRun, error)
}

// SchedulerConfig carries the scheduling knobs.
type SchedulerConfig struct {
	// Interval is how long a completed run stays fresh.
	Interval time.Duration
	// Timeout is the hard per-run deadline.
	Timeout time.Duration
	// SequentialDelay is the enforced gap between runs in sequential mode.
	SequentialDelay time.Duration
}

// Scheduler decides which chains are due, executes due runs with bounded
// concurrency (one slot per chain) and a hard per-run timeout, and records
// last-completion times used for the due decision.
//
// The scheduler never touches IngestionRun rows itself: driving a run row
// to a terminal status is the controller's job, including on timeout.
type Scheduler struct {
	registry   *Registry
	controller runController
	cfg        SchedulerConfig
	limiter    *rate.Limiter

	mu            sync.Mutex
	lastCompleted map[string]time.Time
	inFlight      map[string]struct{}

	now func() time.Time
}

func NewScheduler(registry *Registry, controller runController, cfg SchedulerConfig) *Scheduler {
	var limiter *rate.Limiter
	if cfg.SequentialDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.SequentialDelay), 1)
	}
	return &Scheduler{
		registry:      registry,
		controller:    controller,
		cfg:           cfg,
		limiter:       limiter,
		lastCompleted: make(map[string]time.Time),
		inFlight:      make(map[string]struct{}),
		now:           time.Now,
	}
}

// ShouldRun reports whether a run for chain is due: never completed, or the
// last recorded completion is older than the interval. A chain mid-run is
// never due.
func (s *Scheduler) ShouldRun(chain string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dueLocked(chain)
}

func (s *Scheduler) dueLocked(chain string) bool {
	if _, running := s.inFlight[chain]; running {
		return false
	}
	last, ok := s.lastCompleted[chain]
	if !ok {
		return true
	}
	return s.now().Sub(last) >= s.cfg.Interval
}

// claim reserves the chain's single run slot, or reports why it cannot run.
func (s *Scheduler) claim(chain string, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.inFlight[chain]; running {
		return ErrAlreadyRunning
	}
	if !force && !s.dueLocked(chain) {
		return ErrNotDue
	}
	s.inFlight[chain] = struct{}{}
	return nil
}

func (s *Scheduler) release(chain string, completed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, chain)
	if completed {
		s.lastCompleted[chain] = s.now()
	}
}

// RunSource executes one run for chain, wrapped in the per-run timeout.
// force bypasses the due check but never the one-run-per-chain rule.
// lastCompleted is only advanced on a clean return, so a timed-out or failed
// chain remains due for the next pass.
func (s *Scheduler) RunSource(ctx context.Context, chain string, force bool) error {
	if err := s.claim(chain, force); err != nil {
		return err
	}

	completed := false
	defer func() { s.release(chain, completed) }()

	adapter, err := s.registry.Adapter(chain)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	started := s.now()
	log.Info().Str("chain", chain).Msg("starting ingestion")

	if perStore, ok := adapter.(ingest.PerStoreAdapter); ok {
		_, err = s.controller.RunPerStore(runCtx, perStore)
	} else {
		_, err = s.controller.Run(runCtx, adapter)
	}
	elapsed := s.now().Sub(started)

	switch {
	case err == nil:
		completed = true
		log.Info().Str("chain", chain).Dur("elapsed", elapsed).Msg("ingestion completed")
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		log.Error().Str("chain", chain).Dur("elapsed", elapsed).Dur("limit", s.cfg.Timeout).
			Msg("ingestion timed out")
		return err
	default:
		log.Error().Err(err).Str("chain", chain).Dur("elapsed", elapsed).Msg("ingestion failed")
		return err
	}
}

// RunDue walks all registered chains sequentially, running each due chain
// and pacing executed runs with the configured delay. One chain's failure
// never prevents the remaining chains from running.
func (s *Scheduler) RunDue(ctx context.Context, force bool) {
	chains := s.registry.Chains()
	log.Info().Int("chains", len(chains)).Bool("force", force).Msg("checking chains for scheduled runs")

	// The token bucket refills between passes, which would let the first two
	// runs of a pass start back to back. Drain it so the gap applies from the
	// very first executed run onward.
	if s.limiter != nil {
		s.limiter.Allow()
	}

	for _, chain := range chains {
		if err := ctx.Err(); err != nil {
			return
		}
		err := s.RunSource(ctx, chain, force)
		switch {
		case errors.Is(err, ErrNotDue), errors.Is(err, ErrAlreadyRunning):
			log.Debug().Str("chain", chain).Msg("skipping chain")
			continue
		}
		// Pace the next run whether this one succeeded or failed; the
		// delay protects shared downstream resources either way.
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
		}
	}
}

// RunDueParallel launches all due chains concurrently and waits for all of
// them. Each chain's failure is isolated; writes interleave safely because
// every chain only touches rows keyed by its own identifier.
func (s *Scheduler) RunDueParallel(ctx context.Context, force bool) {
	chains := s.registry.Chains()
	log.Info().Int("chains", len(chains)).Bool("force", force).Msg("launching parallel ingestion pass")

	var wg sync.WaitGroup
	for _, chain := range chains {
		wg.Add(1)
		go func(chain string) {
			defer wg.Done()
			err := s.RunSource(ctx, chain, force)
			if errors.Is(err, ErrNotDue) || errors.Is(err, ErrAlreadyRunning) {
				log.Debug().Str("chain", chain).Msg("skipping chain")
			}
		}(chain)
	}
	wg.Wait()
}

// LastCompleted returns the recorded completion time for chain, if any.
func (s *Scheduler) LastCompleted(chain string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lastCompleted[chain]
	return t, ok
}

// Running reports whether chain currently holds its run slot.
func (s *Scheduler) Running(chain string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[chain]
	return ok
}
