package ingest

import (
	"time"

	"github.com/shopspring/decimal"
)

// Record is a source-agnostic representation of one product-at-a-chain with
// its current price and promotion state: the parsed output of an adapter.
type Record struct {
	SourceID    string
	Name        string
	Brand       *string
	Category    *string
	Department  *string
	Subcategory *string
	Size        *string
	UnitPrice   *decimal.Decimal
	UnitMeasure *string
	ImageURL    *string
	ProductURL  *string

	PriceNZD      decimal.Decimal
	PromoPriceNZD *decimal.Decimal
	PromoText     *string
	PromoEndsAt   *time.Time
	IsMemberOnly  bool

	// StoreTag is the chain's own store id for per-store payloads; empty for
	// chain-wide pricing.
	StoreTag string
}

// Valid reports whether the record carries the minimum fields the batch
// writer needs. Invalid records are skipped, not fatal.
func (r Record) Valid() bool {
	return r.SourceID != "" && r.Name != ""
}

// promoEquals compares two optional promo prices; 4.5 and 4.50 are equal.
func promoEquals(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
