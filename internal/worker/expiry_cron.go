package worker

// expiry_cron.go
// Background goroutine that periodically clears promotions whose advertised
// end date has passed, so expired deals disappear between ingestion runs
// instead of lingering until the next scrape.

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/AxelMcKenna/Trolley/internal/ingest"
)

// StartExpiryCron launches a goroutine that ticks on interval and sweeps
// expired promos across all chains. It respects the context for graceful
// shutdown.
func StartExpiryCron(ctx context.Context, sweeper *ingest.Sweeper, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		log.Info().Dur("interval", interval).Msg("expiry_cron: started")

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("expiry_cron: shutting down")
				return
			case <-ticker.C:
				if _, err := sweeper.SweepExpired(ctx, time.Now().UTC()); err != nil {
					log.Error().Err(err).Msg("expiry_cron: expired promo sweep failed")
				}
			}
		}
	}()
}
