// Package cache stores fetched image payloads in Redis.
//
// Each entry is one Redis hash holding the raw payload bytes next to its
// content type, validators and timestamps. A 304 revalidation only rewrites
// the timestamps.
//
// Entries are keyed by the normalised image URL and expire according to
// the upstream freshness headers (Cache-Control max-age, then Expires,
// then DefaultTTL). Stale entries keep their ETag and Last-Modified values
// so the fetcher can revalidate them with a conditional request.
//
// # Basic Usage
//
//	manager := cache.NewManager(redisClient)
//
//	key, err := cache.KeyFromURL("https://images.example.com/photo.jpg?w=400")
//	if err != nil {
//		return err
//	}
//
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch from upstream
//	}
//
// # HTTP Response Caching
//
//	entry := cache.NewEntry(body, resp.Header)
//	if err := manager.Set(ctx, key, entry); err != nil {
//		return err
//	}
//
// # Metrics
//
//   - gridfetch_cache_hits_total - Fresh entries served
//   - gridfetch_cache_misses_total{reason} - Misses (absent, expired, stale)
//   - gridfetch_cache_stored_bytes_total - Payload bytes written
//   - gridfetch_cache_revalidated_total - 304 responses that refreshed an entry
//   - gridfetch_cache_errors_total{operation} - Cache operation errors
package cache
