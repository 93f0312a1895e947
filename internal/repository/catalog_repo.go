package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/AxelMcKenna/Trolley/internal/model"
)

// CatalogRepository is the data access contract for the batch write engine.
// The engine depends on this interface, not on the concrete GORM
// implementation, enabling clean unit testing via in-memory stubs.
//
// Upserts rely on ON CONFLICT against the (chain, source_product_id) and
// (product_id, store_id) unique constraints; callers never take explicit
// locks. Each page of an ingestion run is written through Transaction so a
// page commits all-or-nothing.
type CatalogRepository interface {
	// Transaction runs fn against a transaction-scoped repository. The
	// transaction commits iff fn returns nil.
	Transaction(ctx context.Context, fn func(tx CatalogRepository) error) error

	UpsertProducts(ctx context.Context, products []model.Product) error
	// ResolveProductIDs maps source product ids to persisted row ids for one chain.
	ResolveProductIDs(ctx context.Context, chain string, sourceIDs []string) (map[string]uuid.UUID, error)
	// FindPrices returns all existing price rows for the given product x store sets.
	FindPrices(ctx context.Context, productIDs, storeIDs []uuid.UUID) ([]model.Price, error)
	UpsertPrices(ctx context.Context, prices []model.Price) error
}

type catalogRepo struct{ db *gorm.DB }

func NewCatalogRepository(db *gorm.DB) CatalogRepository { return &catalogRepo{db: db} }

func (r *catalogRepo) Transaction(ctx context.Context, fn func(tx CatalogRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&catalogRepo{db: tx})
	})
}

func (r *catalogRepo) UpsertProducts(ctx context.Context, products []model.Product) error {
	if len(products) == 0 {
		return nil
	}
	// Identity columns (chain, source_product_id) are never overwritten,
	// only display/catalog fields and the update timestamp.
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "chain"}, {Name: "source_product_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "brand", "category", "department", "subcategory",
			"size", "unit_price", "unit_measure", "image_url", "product_url",
			"updated_at",
		}),
	}).Create(&products).Error
}

func (r *catalogRepo) ResolveProductIDs(ctx context.Context, chain string, sourceIDs []string) (map[string]uuid.UUID, error) {
	if len(sourceIDs) == 0 {
		return map[string]uuid.UUID{}, nil
	}
	var rows []struct {
		ID              uuid.UUID
		SourceProductID string
	}
	err := r.db.WithContext(ctx).Model(&model.Product{}).
		Select("id", "source_product_id").
		Where("chain = ? AND source_product_id IN ?", chain, sourceIDs).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	ids := make(map[string]uuid.UUID, len(rows))
	for _, row := range rows {
		ids[row.SourceProductID] = row.ID
	}
	return ids, nil
}

func (r *catalogRepo) FindPrices(ctx context.Context, productIDs, storeIDs []uuid.UUID) ([]model.Price, error) {
	if len(productIDs) == 0 || len(storeIDs) == 0 {
		return nil, nil
	}
	var prices []model.Price
	err := r.db.WithContext(ctx).
		Where("product_id IN ? AND store_id IN ?", productIDs, storeIDs).
		Find(&prices).Error
	return prices, err
}

func (r *catalogRepo) UpsertPrices(ctx context.Context, prices []model.Price) error {
	if len(prices) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "product_id"}, {Name: "store_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"price_nzd", "promo_price_nzd", "promo_text", "promo_ends_at",
			"is_member_only", "last_seen_at", "price_last_changed_at",
		}),
	}).Create(&prices).Error
}
