package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/AxelMcKenna/Trolley/internal/model"
)

// SweepRepository performs the promo-retraction updates. Every sweep nulls
// the three promo fields (price, text, end time) together, since a partial
// clear is never a valid state, and never touches price_nzd, last_seen_at, or
// price_last_changed_at.
type SweepRepository interface {
	// SweepChainPromos clears promos on every price row of the chain not
	// re-seen since runStartedAt.
	SweepChainPromos(ctx context.Context, chain string, runStartedAt time.Time) (int64, error)
	// SweepStorePromos is the same condition scoped to an explicit store
	// subset (single store for per-store runs, the fallback subset for
	// partitioned runs).
	SweepStorePromos(ctx context.Context, storeIDs []uuid.UUID, runStartedAt time.Time) (int64, error)
	// SweepExpiredPromos clears promos whose end time has passed, regardless
	// of any run.
	SweepExpiredPromos(ctx context.Context, now time.Time) (int64, error)
}

type sweepRepo struct{ db *gorm.DB }

func NewSweepRepository(db *gorm.DB) SweepRepository { return &sweepRepo{db: db} }

var clearedPromoFields = map[string]interface{}{
	"promo_price_nzd": nil,
	"promo_text":      nil,
	"promo_ends_at":   nil,
}

func (r *sweepRepo) SweepChainPromos(ctx context.Context, chain string, runStartedAt time.Time) (int64, error) {
	storeIDs := r.db.Model(&model.Store{}).Select("id").Where("chain = ?", chain)
	res := r.db.WithContext(ctx).Model(&model.Price{}).
		Where("store_id IN (?)", storeIDs).
		Where("last_seen_at < ?", runStartedAt).
		Where("promo_price_nzd IS NOT NULL").
		Updates(clearedPromoFields)
	return res.RowsAffected, res.Error
}

func (r *sweepRepo) SweepStorePromos(ctx context.Context, storeIDs []uuid.UUID, runStartedAt time.Time) (int64, error) {
	if len(storeIDs) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).Model(&model.Price{}).
		Where("store_id IN ?", storeIDs).
		Where("last_seen_at < ?", runStartedAt).
		Where("promo_price_nzd IS NOT NULL").
		Updates(clearedPromoFields)
	return res.RowsAffected, res.Error
}

func (r *sweepRepo) SweepExpiredPromos(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.Price{}).
		Where("promo_ends_at IS NOT NULL").
		Where("promo_ends_at < ?", now).
		Where("promo_price_nzd IS NOT NULL").
		Updates(clearedPromoFields)
	return res.RowsAffected, res.Error
}
