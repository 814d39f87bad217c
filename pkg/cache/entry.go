package cache

import (
	"fmt"
	"strconv"
	"time"
)

// Hash fields of a stored entry. The payload is stored as raw bytes.
const (
	fieldData         = "data"
	fieldContentType  = "content_type"
	fieldETag         = "etag"
	fieldExpires      = "expires"
	fieldLastModified = "last_modified"
	fieldCachedAt     = "cached_at"
)

// CacheEntry is a cached image payload together with its revalidation data.
type CacheEntry struct {
	Data        []byte
	ContentType string

	// ETag and LastModified are the validators sent back upstream when the
	// entry is stale.
	ETag         string
	LastModified time.Time

	Expires  time.Time
	CachedAt time.Time
}

// IsExpired returns true if the cache entry has expired.
func (e *CacheEntry) IsExpired() bool {
	return time.Now().After(e.Expires)
}

// TTL returns the time until expiration, or 0 once expired.
func (e *CacheEntry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// CanRevalidate reports whether a stale entry can be refreshed with a
// conditional request instead of a full download.
func (e *CacheEntry) CanRevalidate() bool {
	return e.ETag != "" || !e.LastModified.IsZero()
}

// fields encodes the entry as Redis hash fields.
func (e *CacheEntry) fields() map[string]interface{} {
	f := map[string]interface{}{
		fieldData:        e.Data,
		fieldContentType: e.ContentType,
		fieldETag:        e.ETag,
		fieldExpires:     e.Expires.UnixNano(),
		fieldCachedAt:    e.CachedAt.UnixNano(),
	}
	if !e.LastModified.IsZero() {
		f[fieldLastModified] = e.LastModified.Unix()
	}
	return f
}

// entryFromHash decodes the result of HGETALL. The payload field is
// required; timestamps must be integers.
func entryFromHash(h map[string]string) (*CacheEntry, error) {
	data, ok := h[fieldData]
	if !ok {
		return nil, fmt.Errorf("missing %s field", fieldData)
	}

	entry := &CacheEntry{
		Data:        []byte(data),
		ContentType: h[fieldContentType],
		ETag:        h[fieldETag],
	}

	var err error
	if entry.Expires, err = parseUnix(h[fieldExpires], time.Nanosecond); err != nil {
		return nil, fmt.Errorf("%s: %w", fieldExpires, err)
	}
	if entry.CachedAt, err = parseUnix(h[fieldCachedAt], time.Nanosecond); err != nil {
		return nil, fmt.Errorf("%s: %w", fieldCachedAt, err)
	}
	if v, ok := h[fieldLastModified]; ok {
		if entry.LastModified, err = parseUnix(v, time.Second); err != nil {
			return nil, fmt.Errorf("%s: %w", fieldLastModified, err)
		}
	}

	return entry, nil
}

func parseUnix(s string, unit time.Duration) (time.Time, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	if unit == time.Second {
		return time.Unix(n, 0), nil
	}
	return time.Unix(0, n), nil
}
