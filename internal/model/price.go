package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Price is the current price of one product at one store.
// At most one row exists per (product, store) pair, enforced by the unique
// index, which is also the only concurrency control the batch writer relies
// on (insert-or-update on conflict, no application locks).
//
// LastSeenAt is bumped on every sighting; PriceLastChangedAt only advances
// when a tracked value genuinely changed. Rows are never deleted: stale
// promos are retracted by nulling the three promo fields together.
type Price struct {
	ID                 uuid.UUID  `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	ProductID          uuid.UUID  `gorm:"type:uuid;not null;index;uniqueIndex:idx_price_product_store"`
	StoreID            uuid.UUID  `gorm:"type:uuid;not null;index;uniqueIndex:idx_price_product_store"`
	Currency           string     `gorm:"size:3;not null;default:'NZD'"`
	PriceNZD           decimal.Decimal  `gorm:"type:decimal(10,2);not null"`
	PromoPriceNZD      *decimal.Decimal `gorm:"type:decimal(10,2)"`
	PromoText          *string    `gorm:"size:255"`
	PromoEndsAt        *time.Time
	LastSeenAt         time.Time `gorm:"not null;index"`
	PriceLastChangedAt time.Time `gorm:"not null;index"`
	IsMemberOnly       bool      `gorm:"not null;default:false"`

	Product *Product `gorm:"foreignKey:ProductID"`
	Store   *Store   `gorm:"foreignKey:StoreID"`
}
