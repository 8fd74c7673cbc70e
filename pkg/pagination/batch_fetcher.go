package pagination

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Config holds batch fetcher configuration
type Config struct {
	// MaxConcurrency is the number of pages fetched in parallel.
	// TVMaze allows about 20 calls per 10 seconds, so keep this small.
	MaxConcurrency int
	// Timeout per page fetch
	Timeout time.Duration
	// MaxPages stops the walk after that many pages as a guard against a source that never ends.
	MaxPages int
}

// DefaultConfig returns safe default configuration for the TVMaze show index
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
		Timeout:        15 * time.Second,
		MaxPages:       1000,
	}
}

// PageFetcher fetches numbered pages of a collection whose length is unknown.
type PageFetcher interface {
	// FetchPage returns the items of one page. An empty page marks the end of the collection.
	FetchPage(ctx context.Context, page int) ([]json.RawMessage, error)
}

// BatchFetcher walks a numbered collection in parallel windows of pages.
type BatchFetcher struct {
	fetcher PageFetcher
	config  Config
}

// NewBatchFetcher creates a new batch fetcher
func NewBatchFetcher(fetcher PageFetcher, config Config) *BatchFetcher {
	defaults := DefaultConfig()
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = defaults.MaxConcurrency
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.MaxPages <= 0 {
		config.MaxPages = defaults.MaxPages
	}

	return &BatchFetcher{
		fetcher: fetcher,
		config:  config,
	}
}

// FetchAllPages fetches pages from startPage on, MaxConcurrency pages at a time, until a
// window contains an empty page. It returns pageNumber -> items for every non-empty page.
// A failed page aborts the walk and the pages fetched so far are returned with the error.
func (bf *BatchFetcher) FetchAllPages(ctx context.Context, startPage int) (map[int][]json.RawMessage, error) {
	start := time.Now()
	results := make(map[int][]json.RawMessage)
	var mu sync.Mutex

	for windowStart := startPage; windowStart < startPage+bf.config.MaxPages; windowStart += bf.config.MaxConcurrency {
		windowEnd := windowStart + bf.config.MaxConcurrency
		if limit := startPage + bf.config.MaxPages; windowEnd > limit {
			windowEnd = limit
		}

		reachedEnd := false
		g, gctx := errgroup.WithContext(ctx)
		for page := windowStart; page < windowEnd; page++ {
			g.Go(func() error {
				pageCtx, cancel := context.WithTimeout(gctx, bf.config.Timeout)
				defer cancel()

				items, err := bf.fetcher.FetchPage(pageCtx, page)
				if err != nil {
					log.Warn().Err(err).Int("page", page).Msg("Page fetch failed")
					return fmt.Errorf("page %d: %w", page, err)
				}

				mu.Lock()
				defer mu.Unlock()
				if len(items) == 0 {
					reachedEnd = true
					return nil
				}
				results[page] = items
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return results, fmt.Errorf("fetch pages (partial data: %d pages): %w", len(results), err)
		}

		log.Debug().
			Int("window_start", windowStart).
			Int("window_end", windowEnd).
			Int("pages", len(results)).
			Msg("Fetch progress")

		if reachedEnd {
			break
		}
	}

	log.Info().
		Int("start_page", startPage).
		Int("pages", len(results)).
		Dur("duration", time.Since(start)).
		Msg("Fetch complete")

	return results, nil
}
