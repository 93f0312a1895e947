package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Product is one catalog item as scraped from a single chain.
// Identity is (chain, source_product_id); rows are owned by the ingestion
// pipeline and read-only to every other component. Products are never
// deleted by the pipeline; staleness is tracked on Price rows instead.
type Product struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	Chain           string    `gorm:"size:64;not null;index;uniqueIndex:idx_product_chain_source"`
	SourceProductID string    `gorm:"size:128;not null;uniqueIndex:idx_product_chain_source"`
	Name            string    `gorm:"size:255;not null"`
	Brand           *string   `gorm:"size:128"`
	Category        *string   `gorm:"size:64"`
	Department      *string   `gorm:"size:64;index"`
	Subcategory     *string   `gorm:"size:128;index"`
	Size            *string   `gorm:"size:64"`
	UnitPrice       *decimal.Decimal `gorm:"type:decimal(10,2)"`
	UnitMeasure     *string   `gorm:"size:16"`
	ImageURL        *string   `gorm:"size:512"`
	ProductURL      *string   `gorm:"size:512"`
	CreatedAt       time.Time
	UpdatedAt       time.Time

	Prices []Price `gorm:"foreignKey:ProductID"`
}
