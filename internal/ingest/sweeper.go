package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/AxelMcKenna/Trolley/internal/repository"
)

// Sweeper retracts promotions that are no longer confirmed fresh. All three
// operations are idempotent and safe to re-run; each clears the promo price,
// promo text, and promo end time together and touches nothing else.
type Sweeper struct {
	repo repository.SweepRepository
}

func NewSweeper(repo repository.SweepRepository) *Sweeper { return &Sweeper{repo: repo} }

// SweepChain clears promos on every price row of the chain whose last_seen_at
// predates runStartedAt: anything the just-finished run did not re-confirm is
// assumed to have lost its promotion.
func (s *Sweeper) SweepChain(ctx context.Context, chain string, runStartedAt time.Time) (int64, error) {
	count, err := s.repo.SweepChainPromos(ctx, chain, runStartedAt)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		log.Info().Str("chain", chain).Int64("rows", count).Msg("swept stale promos")
	}
	return count, nil
}

// SweepStores is the same condition scoped to an explicit store subset, so a
// per-store or fallback sub-run never punishes stores it did not cover.
func (s *Sweeper) SweepStores(ctx context.Context, storeIDs []uuid.UUID, runStartedAt time.Time) (int64, error) {
	count, err := s.repo.SweepStorePromos(ctx, storeIDs, runStartedAt)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		log.Info().Int("stores", len(storeIDs)).Int64("rows", count).Msg("swept stale store promos")
	}
	return count, nil
}

// SweepExpired clears promos whose advertised end time has passed. Runs on a
// fixed period, unconnected to any chain's ingestion cadence.
func (s *Sweeper) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	count, err := s.repo.SweepExpiredPromos(ctx, now)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		log.Info().Int64("rows", count).Msg("cleared expired promos")
	}
	return count, nil
}
