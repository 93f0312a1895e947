package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/AxelMcKenna/Trolley/internal/model"
)

// StoreRepository gives the pipeline read access to the store directory.
// Store rows are provisioned by the location-import process; nothing in the
// ingestion core writes them.
type StoreRepository interface {
	ListByChain(ctx context.Context, chain string) ([]model.Store, error)
}

type storeRepo struct{ db *gorm.DB }

func NewStoreRepository(db *gorm.DB) StoreRepository { return &storeRepo{db: db} }

func (r *storeRepo) ListByChain(ctx context.Context, chain string) ([]model.Store, error) {
	var stores []model.Store
	err := r.db.WithContext(ctx).Where("chain = ?", chain).Order("name ASC").Find(&stores).Error
	return stores, err
}
