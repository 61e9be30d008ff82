package pagination

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds batch fetcher configuration
type Config struct {
	// MaxConcurrency is the maximum number of parallel requests
	MaxConcurrency int
	// Timeout per page fetch
	Timeout time.Duration
	// MaxPages caps the number of pages fetched (0 = no cap)
	MaxPages int
}

// DefaultConfig returns a configuration that stays well inside the backend's
// per-minute request budget.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
		Timeout:        15 * time.Second,
		MaxPages:       50,
	}
}

// ErrTruncated is returned with the fetched pages when a listing has more
// pages than Config.MaxPages allows.
var ErrTruncated = errors.New("listing exceeds page cap")

// PageFetcher fetches a single page of a listing.
type PageFetcher interface {
	// FetchPage returns the page's items and the last page number
	FetchPage(ctx context.Context, path string, page int) (items []byte, lastPage int, err error)
}

// PageResult represents the result of fetching a single page
type PageResult struct {
	PageNumber int
	Data       []byte
	Error      error
}

// BatchFetcher handles parallel fetching of multiple pages
type BatchFetcher struct {
	fetcher PageFetcher
	config  Config
}

// NewBatchFetcher creates a new batch fetcher
func NewBatchFetcher(fetcher PageFetcher, config Config) *BatchFetcher {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 4
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}

	return &BatchFetcher{
		fetcher: fetcher,
		config:  config,
	}
}

// FetchAllPages fetches all pages of a listing in parallel.
// Returns map of pageNumber -> items for successful pages; on a page
// failure, or when the listing exceeds MaxPages (ErrTruncated), the map
// holds the partial data and the error is non-nil.
func (bf *BatchFetcher) FetchAllPages(ctx context.Context, path string) (map[int][]byte, error) {
	start := time.Now()

	firstPage, lastPage, err := bf.fetchPage(ctx, path, 1)
	if err != nil {
		return nil, fmt.Errorf("fetch first page: %w", err)
	}

	var truncated error
	if bf.config.MaxPages > 0 && lastPage > bf.config.MaxPages {
		log.Warn().
			Str("path", path).
			Int("last_page", lastPage).
			Int("max_pages", bf.config.MaxPages).
			Msg("Listing exceeds page cap, truncating")
		truncated = fmt.Errorf("%w: %d of %d pages", ErrTruncated, bf.config.MaxPages, lastPage)
		lastPage = bf.config.MaxPages
	}

	results := map[int][]byte{1: firstPage}
	if lastPage <= 1 {
		log.Debug().
			Str("path", path).
			Dur("duration", time.Since(start)).
			Msg("Fetch complete (single page)")
		return results, truncated
	}

	pageQueue := make(chan int, lastPage-1)
	for page := 2; page <= lastPage; page++ {
		pageQueue <- page
	}
	close(pageQueue)

	pageResults := make(chan PageResult, lastPage-1)

	workers := min(bf.config.MaxConcurrency, lastPage-1)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go bf.worker(ctx, path, pageQueue, pageResults, &wg, i)
	}

	go func() {
		wg.Wait()
		close(pageResults)
	}()

	var firstErr error
	for result := range pageResults {
		if result.Error != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("page %d: %w", result.PageNumber, result.Error)
			}
			continue
		}
		results[result.PageNumber] = result.Data
	}

	if firstErr == nil && len(results) < lastPage {
		if err := ctx.Err(); err != nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		log.Warn().
			Err(firstErr).
			Str("path", path).
			Int("fetched_pages", len(results)).
			Int("total_pages", lastPage).
			Msg("Returning partial results")
		return results, fmt.Errorf("partial data %d/%d pages: %w", len(results), lastPage, firstErr)
	}

	log.Debug().
		Str("path", path).
		Int("pages", len(results)).
		Dur("duration", time.Since(start)).
		Msg("Fetch complete")

	return results, truncated
}

func (bf *BatchFetcher) fetchPage(ctx context.Context, path string, page int) ([]byte, int, error) {
	pageCtx, cancel := context.WithTimeout(ctx, bf.config.Timeout)
	defer cancel()
	return bf.fetcher.FetchPage(pageCtx, path, page)
}

// worker processes pages from the queue
func (bf *BatchFetcher) worker(ctx context.Context, path string, pageQueue <-chan int, results chan<- PageResult, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	pagesProcessed := 0

	for pageNum := range pageQueue {
		if ctx.Err() != nil {
			log.Debug().
				Int("worker_id", workerID).
				Int("pages_processed", pagesProcessed).
				Msg("Worker stopping (context cancelled)")
			return
		}

		data, _, err := bf.fetchPage(ctx, path, pageNum)
		if err != nil {
			log.Warn().
				Err(err).
				Int("worker_id", workerID).
				Int("page", pageNum).
				Msg("Page fetch failed")
		}

		// results is buffered for every page, so this never blocks
		results <- PageResult{PageNumber: pageNum, Data: data, Error: err}
		pagesProcessed++
	}
}
