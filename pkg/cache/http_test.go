package cache

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewEntry(t *testing.T) {
	lastMod := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)

	headers := http.Header{}
	headers.Set("Content-Type", "image/jpeg")
	headers.Set("ETag", `"abc"`)
	headers.Set("Cache-Control", "public, max-age=600")
	headers.Set("Last-Modified", lastMod.Format(http.TimeFormat))

	entry := NewEntry([]byte("jpegdata"), headers)

	if string(entry.Data) != "jpegdata" {
		t.Errorf("Data = %q", entry.Data)
	}
	if entry.ContentType != "image/jpeg" {
		t.Errorf("ContentType = %q", entry.ContentType)
	}
	if entry.ETag != `"abc"` {
		t.Errorf("ETag = %q", entry.ETag)
	}
	if !entry.LastModified.Equal(lastMod) {
		t.Errorf("LastModified = %v, want %v", entry.LastModified, lastMod)
	}
	if ttl := entry.TTL(); ttl < 9*time.Minute || ttl > 10*time.Minute {
		t.Errorf("TTL = %v, want ~10m", ttl)
	}
}

func TestParseFreshness(t *testing.T) {
	future := time.Now().Add(2 * time.Hour).UTC()

	tests := []struct {
		name    string
		headers map[string]string
		wantMin time.Duration
		wantMax time.Duration
	}{
		{
			name:    "max-age",
			headers: map[string]string{"Cache-Control": "max-age=3600"},
			wantMin: 59 * time.Minute,
			wantMax: 61 * time.Minute,
		},
		{
			name: "max-age wins over expires",
			headers: map[string]string{
				"Cache-Control": "public, max-age=60",
				"Expires":       future.Format(http.TimeFormat),
			},
			wantMin: 50 * time.Second,
			wantMax: 61 * time.Second,
		},
		{
			name:    "no-store",
			headers: map[string]string{"Cache-Control": "no-store"},
			wantMin: -time.Second,
			wantMax: time.Second,
		},
		{
			name:    "expires header",
			headers: map[string]string{"Expires": future.Format(http.TimeFormat)},
			wantMin: 119 * time.Minute,
			wantMax: 121 * time.Minute,
		},
		{
			name:    "invalid expires falls back to default",
			headers: map[string]string{"Expires": "not a date"},
			wantMin: DefaultTTL - time.Second,
			wantMax: DefaultTTL + time.Second,
		},
		{
			name:    "no headers",
			headers: nil,
			wantMin: DefaultTTL - time.Second,
			wantMax: DefaultTTL + time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := http.Header{}
			for k, v := range tt.headers {
				headers.Set(k, v)
			}

			got := time.Until(ParseFreshness(headers))
			if got < tt.wantMin || got > tt.wantMax {
				t.Errorf("freshness = %v, want between %v and %v", got, tt.wantMin, tt.wantMax)
			}
		})
	}
}

func TestAddConditionalHeaders(t *testing.T) {
	lastMod := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name                string
		entry               *CacheEntry
		wantIfNoneMatch     string
		wantIfModifiedSince string
	}{
		{
			name:            "etag preferred",
			entry:           &CacheEntry{ETag: `"e1"`, LastModified: lastMod},
			wantIfNoneMatch: `"e1"`,
		},
		{
			name:                "last modified only",
			entry:               &CacheEntry{LastModified: lastMod},
			wantIfModifiedSince: lastMod.Format(http.TimeFormat),
		},
		{
			name:  "no validators",
			entry: &CacheEntry{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "https://images.example.com/a.jpg", nil)
			AddConditionalHeaders(req, tt.entry)

			if got := req.Header.Get("If-None-Match"); got != tt.wantIfNoneMatch {
				t.Errorf("If-None-Match = %q, want %q", got, tt.wantIfNoneMatch)
			}
			if got := req.Header.Get("If-Modified-Since"); got != tt.wantIfModifiedSince {
				t.Errorf("If-Modified-Since = %q, want %q", got, tt.wantIfModifiedSince)
			}
		})
	}
}

func TestAddConditionalHeaders_NilInputs(t *testing.T) {
	// Should not panic
	AddConditionalHeaders(nil, &CacheEntry{ETag: "x"})
	AddConditionalHeaders(httptest.NewRequest("GET", "/", nil), nil)
}
