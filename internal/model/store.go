package model

import (
	"time"

	"github.com/google/uuid"
)

// Store is one physical site belonging to exactly one chain.
// APIID is the chain's own identifier for the store, used to join scraped
// per-store payloads back to a row. Store rows are provisioned by the
// location-import process; the ingestion pipeline only reads them.
type Store struct {
	ID      uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	Chain   string    `gorm:"size:64;not null;index;uniqueIndex:idx_store_chain_name;uniqueIndex:idx_store_chain_api_id"`
	Name    string    `gorm:"size:255;not null;uniqueIndex:idx_store_chain_name"`
	APIID   *string   `gorm:"size:255;uniqueIndex:idx_store_chain_api_id"`
	Lat     *float64
	Lon     *float64
	Address *string `gorm:"size:255"`
	Region  *string `gorm:"size:64"`
	URL     *string `gorm:"size:255"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Prices []Price `gorm:"foreignKey:StoreID"`
}
