package tle

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Source yields the current element set for one spacecraft. A successful
// download is archived; when every remote source fails, the newest archived
// download younger than maxStale is used instead.
type Source struct {
	fetcher  *Fetcher
	cache    *Cache
	noradID  int
	maxStale time.Duration
	logger   *slog.Logger
}

// NewSource wires a fetcher and an optional cache (nil disables archiving).
func NewSource(fetcher *Fetcher, cache *Cache, noradID int, maxStale time.Duration, logger *slog.Logger) *Source {
	return &Source{
		fetcher:  fetcher,
		cache:    cache,
		noradID:  noradID,
		maxStale: maxStale,
		logger:   logger,
	}
}

// Name identifies the source for status output.
func (s *Source) Name() string {
	return s.fetcher.SourceURL()
}

// Latest returns the spacecraft's current element set.
func (s *Source) Latest(ctx context.Context) (Elements, error) {
	body, fetchErr := s.fetcher.Fetch(ctx)
	if fetchErr == nil {
		e, err := s.decode(body)
		if err != nil {
			return Elements{}, err
		}
		if s.cache != nil {
			if err := s.cache.Write(body, time.Now()); err != nil {
				s.logger.Warn("archiving element download failed", "error", err)
			}
		}
		return e, nil
	}

	if s.cache == nil {
		return Elements{}, fetchErr
	}
	body, ts, err := s.cache.LoadLatest()
	if err != nil || time.Since(ts) > s.maxStale {
		return Elements{}, fetchErr
	}
	s.logger.Warn("using archived element download", "downloaded_at", ts, "fetch_error", fetchErr)
	return s.decode(body)
}

func (s *Source) decode(body []byte) (Elements, error) {
	entries, err := Parse(bytes.NewReader(body), s.logger)
	if err != nil {
		return Elements{}, err
	}
	e, err := Select(entries, s.noradID)
	if err != nil {
		return Elements{}, fmt.Errorf("decoding element download: %w", err)
	}
	return e, nil
}
