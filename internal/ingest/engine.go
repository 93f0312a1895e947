package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/AxelMcKenna/Trolley/internal/model"
	"github.com/AxelMcKenna/Trolley/internal/repository"
)

// upsertChunkSize keeps each INSERT within Postgres' bind-parameter ceiling.
const upsertChunkSize = 2000

type priceKey struct {
	productID uuid.UUID
	storeID   uuid.UUID
}

// Engine performs the idempotent, chunked reconciliation of one page of
// normalized records against the persisted catalog.
//
// The returned changed count is row-level: a price row counts once when it is
// newly created, or when price, promo price, or the member-only flag differs
// from the stored value. A row merely re-seen with identical values bumps
// last_seen_at but not the counter, and price_last_changed_at carries the
// previous value forward unchanged.
type Engine struct {
	now func() time.Time
}

func NewEngine() *Engine { return &Engine{now: time.Now} }

// BatchResult reports what one page's reconciliation did.
type BatchResult struct {
	// Changed counts price rows created or updated with a different value.
	Changed int
	// Skipped counts records dropped for missing identity fields.
	Skipped int
}

// UpsertBatch writes one page of records for the given chain across the given
// stores. The caller supplies the repository, typically transaction-scoped,
// so the whole page commits or rolls back as one unit. Writes touch only the
// products and prices tables.
func (e *Engine) UpsertBatch(
	ctx context.Context,
	repo repository.CatalogRepository,
	chain string,
	records []Record,
	stores []model.Store,
) (BatchResult, error) {
	var res BatchResult
	if len(records) == 0 {
		return res, nil
	}

	now := e.now().UTC()

	// Drop malformed records and dedupe by source id: a page occasionally
	// repeats a product, and ON CONFLICT cannot update the same row twice in
	// one statement.
	seen := make(map[string]int, len(records))
	clean := make([]Record, 0, len(records))
	for _, rec := range records {
		if !rec.Valid() {
			res.Skipped++
			continue
		}
		if i, dup := seen[rec.SourceID]; dup {
			clean[i] = rec
			continue
		}
		seen[rec.SourceID] = len(clean)
		clean = append(clean, rec)
	}
	if len(clean) == 0 {
		return res, nil
	}

	// Step 1: upsert products in chunks, identity key untouched on conflict.
	products := make([]model.Product, len(clean))
	sourceIDs := make([]string, len(clean))
	for i, rec := range clean {
		products[i] = model.Product{
			Chain:           chain,
			SourceProductID: rec.SourceID,
			Name:            rec.Name,
			Brand:           rec.Brand,
			Category:        rec.Category,
			Department:      rec.Department,
			Subcategory:     rec.Subcategory,
			Size:            rec.Size,
			UnitPrice:       rec.UnitPrice,
			UnitMeasure:     rec.UnitMeasure,
			ImageURL:        rec.ImageURL,
			ProductURL:      rec.ProductURL,
		}
		sourceIDs[i] = rec.SourceID
	}
	for start := 0; start < len(products); start += upsertChunkSize {
		end := min(start+upsertChunkSize, len(products))
		if err := repo.UpsertProducts(ctx, products[start:end]); err != nil {
			return res, fmt.Errorf("upsert products: %w", err)
		}
	}

	// Step 2: resolve persisted ids for the just-upserted products.
	productIDs, err := repo.ResolveProductIDs(ctx, chain, sourceIDs)
	if err != nil {
		return res, fmt.Errorf("resolve product ids: %w", err)
	}

	if len(stores) == 0 {
		return res, nil
	}

	// Step 3: load existing prices for the product x store cross product.
	resolved := make([]uuid.UUID, 0, len(productIDs))
	for _, id := range productIDs {
		resolved = append(resolved, id)
	}
	storeIDs := make([]uuid.UUID, len(stores))
	for i, s := range stores {
		storeIDs[i] = s.ID
	}
	existing, err := repo.FindPrices(ctx, resolved, storeIDs)
	if err != nil {
		return res, fmt.Errorf("load existing prices: %w", err)
	}
	current := make(map[priceKey]model.Price, len(existing))
	for _, p := range existing {
		current[priceKey{p.ProductID, p.StoreID}] = p
	}

	// Step 4: build and upsert price rows. last_seen_at always advances;
	// price_last_changed_at only on a genuine value change or a new row.
	prices := make([]model.Price, 0, len(clean)*len(stores))
	for _, rec := range clean {
		productID, ok := productIDs[rec.SourceID]
		if !ok {
			continue
		}
		for _, store := range stores {
			row := model.Price{
				ProductID:          productID,
				StoreID:            store.ID,
				PriceNZD:           rec.PriceNZD,
				PromoPriceNZD:      rec.PromoPriceNZD,
				PromoText:          rec.PromoText,
				PromoEndsAt:        rec.PromoEndsAt,
				IsMemberOnly:       rec.IsMemberOnly,
				LastSeenAt:         now,
				PriceLastChangedAt: now,
			}

			prev, exists := current[priceKey{productID, store.ID}]
			switch {
			case !exists:
				res.Changed++
			case e.priceChanged(prev, rec):
				res.Changed++
			default:
				row.PriceLastChangedAt = prev.PriceLastChangedAt
			}
			prices = append(prices, row)
		}
	}
	for start := 0; start < len(prices); start += upsertChunkSize {
		end := min(start+upsertChunkSize, len(prices))
		if err := repo.UpsertPrices(ctx, prices[start:end]); err != nil {
			return res, fmt.Errorf("upsert prices: %w", err)
		}
	}

	return res, nil
}

// priceChanged compares the tracked fields: regular price, promo price, and
// the member-only flag. Promo text and end time alone do not count as a
// price change.
func (e *Engine) priceChanged(prev model.Price, rec Record) bool {
	return !prev.PriceNZD.Equal(rec.PriceNZD) ||
		!promoEquals(prev.PromoPriceNZD, rec.PromoPriceNZD) ||
		prev.IsMemberOnly != rec.IsMemberOnly
}
