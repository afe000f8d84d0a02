// Package cache holds the two independent bounded caches that short-circuit
// relay round trips: the Front Proxy's static-asset cache and the Fetcher's
// response cache.
package cache

import (
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/relaybridge/relaybridge/pkg/descriptor"
)

// Entry is one cached HTTP response.
type Entry struct {
	Status   int
	Headers  http.Header
	Body     []byte
	StoredAt time.Time
}

const (
	// DefaultStaticEntries bounds the static-asset cache.
	DefaultStaticEntries = 200
	// DefaultStaticMaxAge expires static-asset entries.
	DefaultStaticMaxAge = time.Hour
	// DefaultResponseEntries bounds the fetcher response cache.
	DefaultResponseEntries = 128
	// DefaultResponseMaxAge expires fetcher response entries.
	DefaultResponseMaxAge = 10 * time.Minute
	// maxCacheableBody keeps multi-megabyte assets out of memory.
	maxCacheableBody = 2 << 20
)

// StaticAssetCache caches static-asset responses on the Front Proxy side.
// Admission requires an upstream ETag plus Cache-Control or Expires: content
// that cannot be revalidated is never cached.
type StaticAssetCache struct {
	lru *expirable.LRU[string, *Entry]
}

// NewStaticAssetCache builds a bounded, age-bounded static-asset cache.
// size<=0 and maxAge<=0 select the defaults.
func NewStaticAssetCache(size int, maxAge time.Duration) *StaticAssetCache {
	if size <= 0 {
		size = DefaultStaticEntries
	}
	if maxAge <= 0 {
		maxAge = DefaultStaticMaxAge
	}
	return &StaticAssetCache{
		lru: expirable.NewLRU[string, *Entry](size, nil, maxAge),
	}
}

// Admit stores the response if it satisfies the cache-admission invariant:
// GET to a static-asset URL, status 200, non-empty body no larger than 2MB,
// upstream-provided ETag and at least one of Cache-Control/Expires.
// Documents (html, json) never enter.
func (c *StaticAssetCache) Admit(method, url string, status int, headers http.Header, body []byte) bool {
	if method != http.MethodGet || status != http.StatusOK {
		return false
	}
	if !descriptor.ClassifyURL(url).IsStaticAsset() {
		return false
	}
	if len(body) == 0 || len(body) > maxCacheableBody {
		return false
	}
	if headers.Get("ETag") == "" {
		return false
	}
	if headers.Get("Cache-Control") == "" && headers.Get("Expires") == "" {
		return false
	}
	c.lru.Add(url, &Entry{
		Status:   status,
		Headers:  headers.Clone(),
		Body:     append([]byte(nil), body...),
		StoredAt: time.Now(),
	})
	return true
}

// Get returns the cached entry for url, if present and unexpired.
func (c *StaticAssetCache) Get(url string) (*Entry, bool) {
	return c.lru.Get(url)
}

// Len reports the number of live entries.
func (c *StaticAssetCache) Len() int { return c.lru.Len() }

// Purge drops every entry.
func (c *StaticAssetCache) Purge() { c.lru.Purge() }

// ResponseCache caches upstream responses on the Fetcher side, keyed by
// (method, url), for bodyless GETs only.
type ResponseCache struct {
	lru *expirable.LRU[string, *Entry]
}

// NewResponseCache builds a bounded, age-bounded response cache.
func NewResponseCache(size int, maxAge time.Duration) *ResponseCache {
	if size <= 0 {
		size = DefaultResponseEntries
	}
	if maxAge <= 0 {
		maxAge = DefaultResponseMaxAge
	}
	return &ResponseCache{
		lru: expirable.NewLRU[string, *Entry](size, nil, maxAge),
	}
}

func responseKey(method, url string) string { return method + " " + url }

// Admit stores a 200 response with non-empty content for a bodyless GET.
func (c *ResponseCache) Admit(method, url string, hasBody bool, status int, headers http.Header, body []byte) bool {
	if method != http.MethodGet || hasBody {
		return false
	}
	if status != http.StatusOK || len(body) == 0 {
		return false
	}
	c.lru.Add(responseKey(method, url), &Entry{
		Status:   status,
		Headers:  headers.Clone(),
		Body:     append([]byte(nil), body...),
		StoredAt: time.Now(),
	})
	return true
}

// Lookup serves a hit for the request, applying conditional-request semantics:
// when the request's If-None-Match matches the cached ETag, the served status
// degrades to 304 with empty content, exactly as upstream would answer.
func (c *ResponseCache) Lookup(method, url string, requestHeaders http.Header) (*Entry, bool) {
	entry, ok := c.lru.Get(responseKey(method, url))
	if !ok {
		return nil, false
	}

	ifNoneMatch := requestHeaders.Get("If-None-Match")
	etag := entry.Headers.Get("ETag")
	if ifNoneMatch != "" && etag != "" && etagMatches(ifNoneMatch, etag) {
		return &Entry{
			Status:   http.StatusNotModified,
			Headers:  entry.Headers.Clone(),
			Body:     nil,
			StoredAt: entry.StoredAt,
		}, true
	}

	return entry, true
}

// Len reports the number of live entries.
func (c *ResponseCache) Len() int { return c.lru.Len() }

// Purge drops every entry.
func (c *ResponseCache) Purge() { c.lru.Purge() }

func etagMatches(ifNoneMatch, etag string) bool {
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == etag || candidate == "*" {
			return true
		}
	}
	return false
}
