package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxPageBytes caps one catalog payload; grocery category pages are well
// under this.
const maxPageBytes = 16 << 20

// NewHTTPClient returns the shared client adapters use for catalog fetches.
func NewHTTPClient() *http.Client {
	return &http.Client{Timeout: 20 * time.Second}
}

// urlStream fetches a fixed list of catalog URLs lazily, one page per Next
// call. A failed fetch errors that page only; the stream advances past it so
// the caller can count the failure and continue.
type urlStream struct {
	client *http.Client
	urls   []string
	next   int
}

// NewURLStream wraps catalog URLs in a lazily-fetching PageStream.
func NewURLStream(client *http.Client, urls []string) PageStream {
	return &urlStream{client: client, urls: urls}
}

func (s *urlStream) Next(ctx context.Context) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.next >= len(s.urls) {
		return nil, io.EOF
	}
	url := s.urls[s.next]
	s.next++

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", url, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	return Page(body), nil
}
