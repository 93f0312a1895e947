package infra

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/AxelMcKenna/Trolley/internal/model"
)

// NewDatabase establishes a GORM connection backed by pgx with a bounded
// pool. Schema setup is separate; callers run RunMigrations at startup.
func NewDatabase(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)

	return db, nil
}

// RunMigrations creates/updates the ingestion tables, then applies
// idempotent SQL patches AutoMigrate cannot express. The uniqueness
// constraints it creates, (chain, source_product_id) on products and
// (product_id, store_id) on prices, are the batch writer's only concurrency
// control, so they must exist before any ingestion runs.
func RunMigrations(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.Store{},
		&model.Product{},
		&model.Price{},
		&model.IngestionRun{},
	); err != nil {
		return fmt.Errorf("AutoMigrate: %w", err)
	}
	return applySchemaPatches(db)
}

// applySchemaPatches runs idempotent DDL that AutoMigrate cannot express.
// Each statement uses IF NOT EXISTS semantics so re-running is safe.
func applySchemaPatches(db *gorm.DB) error {
	patches := []string{
		// Partial index for the promo-expiry sweep: only rows that still
		// carry a promo and have an end time are candidates.
		`DO $$ BEGIN
		  IF NOT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_prices_promo_expiry') THEN
		    CREATE INDEX idx_prices_promo_expiry
		        ON prices (promo_ends_at)
		        WHERE promo_price_nzd IS NOT NULL AND promo_ends_at IS NOT NULL;
		  END IF;
		END $$`,
		// Partial index for the staleness sweeps (last_seen_at scan limited
		// to rows with an active promo).
		`DO $$ BEGIN
		  IF NOT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_prices_promo_last_seen') THEN
		    CREATE INDEX idx_prices_promo_last_seen
		        ON prices (store_id, last_seen_at)
		        WHERE promo_price_nzd IS NOT NULL;
		  END IF;
		END $$`,
	}

	for _, sql := range patches {
		if err := db.Exec(sql).Error; err != nil {
			return fmt.Errorf("patch %q: %w", sql[:min(len(sql), 60)], err)
		}
	}
	return nil
}
