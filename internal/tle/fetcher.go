package tle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// maxBodyBytes caps a single element response. A GP query for one catalog
// number is a few hundred bytes; anything near this limit is not element data.
const maxBodyBytes = 4 << 20

// Fetcher retrieves raw element text. Mirrors are tried in order when the
// primary source fails.
type Fetcher struct {
	sourceURL  string
	mirrors    []string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewFetcher creates a Fetcher for sourceURL with optional mirror URLs.
func NewFetcher(sourceURL string, logger *slog.Logger, mirrors ...string) *Fetcher {
	return &Fetcher{
		sourceURL: sourceURL,
		mirrors:   mirrors,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// SourceURL returns the primary source URL.
func (f *Fetcher) SourceURL() string {
	return f.sourceURL
}

// Fetch returns the body of the first source that answers 200.
func (f *Fetcher) Fetch(ctx context.Context) ([]byte, error) {
	var errs []error
	for _, u := range append([]string{f.sourceURL}, f.mirrors...) {
		body, err := f.fetchOne(ctx, u)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		f.logger.Warn("element source failed", "url", u, "error", err)
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("all element sources failed: %w", errors.Join(errs...))
}

func (f *Fetcher) fetchOne(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching elements: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %d from %s", resp.StatusCode, u)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("response from %s exceeds %d byte limit", u, maxBodyBytes)
	}
	return body, nil
}
