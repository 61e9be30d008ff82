// Package cache provides the storefront response cache: a single accessor
// for every cached backend response, with namespaced keys and TTL-based
// freshness checks.
//
// The cache manager implements the storefront caching contract:
//
//   - A record is fresh iff now - timestamp < TTL
//   - Payload and timestamp are written as one value (no partial update)
//   - Malformed stored data is a cache miss, never an error
//   - Entries are not evicted on TTL; stale entries stay readable so callers
//     can keep serving them while a refresh is in flight
//   - Prometheus metrics for observability
//   - Deterministic, namespaced cache key generation
//
// # Basic Usage
//
//	// Pick a backend (MemoryStore, RedisStore or S3Store)
//	store := cache.NewRedisStore(redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	}))
//
//	// Create cache manager
//	manager := cache.NewManager(store)
//
//	// Create cache key
//	key := cache.Key{Resource: "product", ID: "42"}
//
//	// Read from cache
//	rec, ok := manager.ReadCached(ctx, key)
//	if !ok || !manager.IsFresh(rec.Timestamp, 10*time.Minute) {
//		// Absent or stale - fetch from the backend
//	}
//
//	// Store the fresh payload
//	if _, err := manager.WriteCached(ctx, key, product); err != nil {
//		return err
//	}
//
//	// Drop it on logout or cart clear
//	_ = manager.Invalidate(ctx, key)
//
// # Metrics
//
// The cache manager exports Prometheus metrics:
//
//   - d2k_cache_hits_total{layer} - Records found
//   - d2k_cache_misses_total - Absent records
//   - d2k_cache_stale_total - Records found but past their TTL
//   - d2k_cache_written_bytes_total{layer} - Bytes written, overwrites included
//   - d2k_cache_errors_total{operation} - Cache operation errors
//
// # Concurrency
//
// The store is written without compare-and-swap. Two writers racing on the
// same key leave whichever write completed last.
package cache
