package ingest

import (
	"context"
	"io"
)

// Page is one raw catalog payload as fetched from a chain, before parsing.
type Page []byte

// PageStream yields catalog pages lazily. Streams are finite and not
// restartable mid-iteration; Next returns io.EOF once exhausted.
type PageStream interface {
	Next(ctx context.Context) (Page, error)
}

// SourceAdapter is the capability contract one chain's scraper implements.
// Fetching and parsing quirks (HTML/JSON shapes, auth, anti-bot measures)
// stay behind this interface; the pipeline only sees normalized records.
type SourceAdapter interface {
	// Chain returns the chain identifier this adapter ingests.
	Chain() string
	// StreamPages opens the chain-wide catalog stream.
	StreamPages(ctx context.Context) (PageStream, error)
	// Parse turns one raw page into normalized records. A parse failure
	// fails the page, never the run.
	Parse(page Page) ([]Record, error)
}

// PerStoreAdapter extends SourceAdapter for chains whose pricing is scraped
// per store. Stores whose source-local id appears in OnlineStoreIDs are
// scraped individually via StreamStorePages; the remainder receive the
// chain-wide fallback stream, broadcast to all of them.
type PerStoreAdapter interface {
	SourceAdapter
	// OnlineStoreIDs returns the source-local ids of stores that support
	// store-specific scraping.
	OnlineStoreIDs(ctx context.Context) ([]string, error)
	// StreamStorePages opens the catalog stream for one store.
	StreamStorePages(ctx context.Context, storeAPIID string) (PageStream, error)
}

// pageSlice adapts a fixed set of pages to the PageStream interface. Useful
// for adapters that fetch everything up front, and for tests.
type pageSlice struct {
	pages []Page
	next  int
}

// NewPageSlice wraps already-fetched pages in a PageStream.
func NewPageSlice(pages []Page) PageStream {
	return &pageSlice{pages: pages}
}

func (s *pageSlice) Next(ctx context.Context) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.next >= len(s.pages) {
		return nil, io.EOF
	}
	p := s.pages[s.next]
	s.next++
	return p, nil
}
