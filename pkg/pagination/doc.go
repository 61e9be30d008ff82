// Package pagination provides parallel batch fetching for paginated backend listings.
//
// The backend paginates listings with a "page" query parameter and reports the
// last page in the response envelope ("meta.last_page", or "last_page" at the
// top level). This package fetches page 1 to learn the page count and spreads
// the remaining pages across a bounded worker pool.
//
// Example usage:
//
//	fetcher := pagination.NewBatchFetcher(pagination.NewClientFetcher(api), pagination.DefaultConfig())
//	pages, err := fetcher.FetchAllPages(ctx, "/products")
//	items, err := pagination.Merge(pages)
//
// The batch fetcher:
//   - Fetches the first page to determine the page count
//   - Spawns a worker pool (default 4 workers)
//   - Returns partial data together with an error when a page fails
package pagination
