package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/AxelMcKenna/Trolley/internal/ingest"
)

// storeDirectory is the discovery payload listing which stores the source
// can serve store-scoped catalogs for.
type storeDirectory struct {
	StoreIDs []string `json:"store_ids"`
}

// GenericPerStore extends Generic for chains priced per store. Stores listed
// by the directory endpoint get their own catalog stream; the rest fall back
// to the chain-wide pages.
type GenericPerStore struct {
	*Generic
	directoryURL string
	storePageURL func(storeID string) string
}

func NewGenericPerStore(chain string, catalogURLs []string, directoryURL string, storePageURL func(storeID string) string) *GenericPerStore {
	return &GenericPerStore{
		Generic:      NewGeneric(chain, catalogURLs),
		directoryURL: directoryURL,
		storePageURL: storePageURL,
	}
}

// OnlineStoreIDs fetches the source-local ids of stores that support
// store-scoped scraping.
func (g *GenericPerStore) OnlineStoreIDs(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.directoryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build store directory request: %w", err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch store directory: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch store directory: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read store directory: %w", err)
	}

	var dir storeDirectory
	if err := json.Unmarshal(body, &dir); err != nil {
		return nil, fmt.Errorf("decode store directory: %w", err)
	}
	return dir.StoreIDs, nil
}

// StreamStorePages opens the catalog stream scoped to one store.
func (g *GenericPerStore) StreamStorePages(ctx context.Context, storeID string) (ingest.PageStream, error) {
	return ingest.NewURLStream(g.client, []string{g.storePageURL(storeID)}), nil
}

var _ ingest.PerStoreAdapter = (*GenericPerStore)(nil)
