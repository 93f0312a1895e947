// Package adapters holds the concrete SourceAdapter implementations. Each
// chain gets one variant type; shared fetch logic lives in ingest's URL
// stream helper rather than a common base type.
package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/AxelMcKenna/Trolley/internal/ingest"
)

// genericPage is the JSON payload shape produced by the catalog export
// endpoints the generic adapter consumes.
type genericPage struct {
	Products []genericProduct `json:"products"`
}

type genericProduct struct {
	SourceID      string   `json:"source_id"`
	Name          string   `json:"name"`
	Brand         *string  `json:"brand"`
	Category      *string  `json:"category"`
	Department    *string  `json:"department"`
	Subcategory   *string  `json:"subcategory"`
	Size          *string  `json:"size"`
	UnitPrice     *float64 `json:"unit_price"`
	UnitMeasure   *string  `json:"unit_measure"`
	URL           *string  `json:"url"`
	ImageURL      *string  `json:"image_url"`
	PriceNZD      float64  `json:"price_nzd"`
	PromoPriceNZD *float64 `json:"promo_price_nzd"`
	PromoText     *string  `json:"promo_text"`
	PromoEndsAt   *string  `json:"promo_ends_at"` // RFC 3339
	IsMemberOnly  bool     `json:"is_member_only"`
	StoreID       string   `json:"store_id"` // source-local; empty for chain-wide pricing
}

// Generic ingests any chain that exposes its catalog as paged JSON documents
// at fixed URLs. Chain-wide pricing only; per-store chains need their own
// adapter.
type Generic struct {
	chain       string
	catalogURLs []string
	client      *http.Client
}

func NewGeneric(chain string, catalogURLs []string) *Generic {
	return &Generic{
		chain:       chain,
		catalogURLs: catalogURLs,
		client:      ingest.NewHTTPClient(),
	}
}

func (g *Generic) Chain() string { return g.chain }

func (g *Generic) StreamPages(ctx context.Context) (ingest.PageStream, error) {
	return ingest.NewURLStream(g.client, g.catalogURLs), nil
}

func (g *Generic) Parse(page ingest.Page) ([]ingest.Record, error) {
	var payload genericPage
	if err := json.Unmarshal(page, &payload); err != nil {
		return nil, fmt.Errorf("decode catalog page: %w", err)
	}

	records := make([]ingest.Record, 0, len(payload.Products))
	for _, p := range payload.Products {
		rec := ingest.Record{
			SourceID:     p.SourceID,
			Name:         p.Name,
			Brand:        p.Brand,
			Category:     p.Category,
			Department:   p.Department,
			Subcategory:  p.Subcategory,
			Size:         p.Size,
			UnitMeasure:  p.UnitMeasure,
			ImageURL:     p.ImageURL,
			ProductURL:   p.URL,
			PriceNZD:     decimal.NewFromFloat(p.PriceNZD),
			PromoText:    p.PromoText,
			IsMemberOnly: p.IsMemberOnly,
			StoreTag:     p.StoreID,
		}
		if p.UnitPrice != nil {
			d := decimal.NewFromFloat(*p.UnitPrice)
			rec.UnitPrice = &d
		}
		if p.PromoPriceNZD != nil {
			d := decimal.NewFromFloat(*p.PromoPriceNZD)
			rec.PromoPriceNZD = &d
		}
		if p.PromoEndsAt != nil {
			// A bad timestamp degrades to "no advertised end", leaving the
			// promo to the staleness sweep instead of the expiry sweep.
			if t, err := time.Parse(time.RFC3339, *p.PromoEndsAt); err == nil {
				utc := t.UTC()
				rec.PromoEndsAt = &utc
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

var _ ingest.SourceAdapter = (*Generic)(nil)
