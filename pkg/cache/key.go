package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// KeyPrefix namespaces every key written by the manager.
const KeyPrefix = "gridfetch:img"

// CacheKey identifies a cached image by its normalised URL.
type CacheKey struct {
	// Host is the lower-cased host, including a non-default port
	Host string

	// Path is the URL path
	Path string

	// QueryParams are the query parameters (CDN resize options etc.)
	QueryParams url.Values
}

// KeyFromURL parses rawURL into a CacheKey.
func KeyFromURL(rawURL string) (CacheKey, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return CacheKey{}, fmt.Errorf("parse url: %w", err)
	}
	if u.Host == "" {
		return CacheKey{}, fmt.Errorf("url %q has no host", rawURL)
	}

	return CacheKey{
		Host:        strings.ToLower(u.Host),
		Path:        u.Path,
		QueryParams: u.Query(),
	}, nil
}

// String generates a deterministic cache key string.
// Format: gridfetch:img:host:path:query1=val1:query2=val2
//
// Example:
//
//	gridfetch:img:images.unsplash.com:photo-123:fit=max:w=400
func (k CacheKey) String() string {
	parts := []string{KeyPrefix, k.Host}

	path := strings.Trim(k.Path, "/")
	if path != "" {
		parts = append(parts, path)
	}

	// Sorted for determinism; multi-valued params keep their order.
	if len(k.QueryParams) > 0 {
		queryKeys := make([]string, 0, len(k.QueryParams))
		for key := range k.QueryParams {
			queryKeys = append(queryKeys, key)
		}
		sort.Strings(queryKeys)

		for _, key := range queryKeys {
			parts = append(parts, fmt.Sprintf("%s=%s", key, strings.Join(k.QueryParams[key], ",")))
		}
	}

	return strings.Join(parts, ":")
}
