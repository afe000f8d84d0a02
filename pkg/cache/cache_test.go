package cache

import (
	"bytes"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cacheableHeaders() http.Header {
	h := http.Header{}
	h.Set("ETag", `"v1"`)
	h.Set("Cache-Control", "public, max-age=3600")
	h.Set("Content-Type", "text/css")
	return h
}

func TestStaticAssetCacheAdmission(t *testing.T) {
	c := NewStaticAssetCache(0, 0)
	body := []byte("body{}")
	url := "https://example.com/main.css"

	assert.True(t, c.Admit(http.MethodGet, url, 200, cacheableHeaders(), body))
	entry, ok := c.Get(url)
	require.True(t, ok)
	assert.Equal(t, 200, entry.Status)
	assert.Equal(t, body, entry.Body)
}

func TestStaticAssetCacheRejections(t *testing.T) {
	c := NewStaticAssetCache(0, 0)
	body := []byte("x")

	noETag := cacheableHeaders()
	noETag.Del("ETag")
	noFreshness := cacheableHeaders()
	noFreshness.Del("Cache-Control")
	noFreshness.Del("Expires")

	cases := []struct {
		name    string
		method  string
		status  int
		headers http.Header
		body    []byte
	}{
		{"post", http.MethodPost, 200, cacheableHeaders(), body},
		{"non-200", http.MethodGet, 404, cacheableHeaders(), body},
		{"empty body", http.MethodGet, 200, cacheableHeaders(), nil},
		{"oversized", http.MethodGet, 200, cacheableHeaders(), bytes.Repeat([]byte("a"), 2<<20+1)},
		{"no etag", http.MethodGet, 200, noETag, body},
		{"no freshness", http.MethodGet, 200, noFreshness, body},
	}
	for _, tc := range cases {
		assert.False(t, c.Admit(tc.method, "https://example.com/a.css", tc.status, tc.headers, tc.body), tc.name)
	}
	assert.Equal(t, 0, c.Len())
}

func TestStaticAssetCacheRejectsDocuments(t *testing.T) {
	c := NewStaticAssetCache(0, 0)
	h := cacheableHeaders()
	h.Set("Content-Type", "text/html")

	// Revalidatable or not, a document URL never enters the static cache.
	assert.False(t, c.Admit(http.MethodGet, "https://example.com/account/balance", 200, h, []byte("<html>")))
	assert.False(t, c.Admit(http.MethodGet, "https://example.com/index.html", 200, h, []byte("<html>")))
	assert.Equal(t, 0, c.Len())
}

func TestStaticAssetCacheExpiresHeaderSuffices(t *testing.T) {
	c := NewStaticAssetCache(0, 0)
	h := cacheableHeaders()
	h.Del("Cache-Control")
	h.Set("Expires", "Thu, 01 Jan 2032 00:00:00 GMT")
	assert.True(t, c.Admit(http.MethodGet, "https://example.com/a.js", 200, h, []byte("x")))
}

func TestStaticAssetCacheEntryIsACopy(t *testing.T) {
	c := NewStaticAssetCache(0, 0)
	body := []byte("original")
	require.True(t, c.Admit(http.MethodGet, "https://example.com/a.css", 200, cacheableHeaders(), body))
	body[0] = 'X'

	entry, ok := c.Get("https://example.com/a.css")
	require.True(t, ok)
	assert.Equal(t, "original", string(entry.Body))
}

func TestStaticAssetCacheExpiry(t *testing.T) {
	c := NewStaticAssetCache(8, 50*time.Millisecond)
	require.True(t, c.Admit(http.MethodGet, "https://example.com/a.css", 200, cacheableHeaders(), []byte("x")))
	time.Sleep(120 * time.Millisecond)
	_, ok := c.Get("https://example.com/a.css")
	assert.False(t, ok)
}

func TestResponseCacheAdmission(t *testing.T) {
	c := NewResponseCache(0, 0)
	h := http.Header{}
	h.Set("ETag", `"v1"`)

	assert.False(t, c.Admit(http.MethodPost, "https://example.com/", false, 200, h, []byte("x")))
	assert.False(t, c.Admit(http.MethodGet, "https://example.com/", true, 200, h, []byte("x")))
	assert.False(t, c.Admit(http.MethodGet, "https://example.com/", false, 500, h, []byte("x")))
	assert.False(t, c.Admit(http.MethodGet, "https://example.com/", false, 200, h, nil))
	assert.True(t, c.Admit(http.MethodGet, "https://example.com/", false, 200, h, []byte("x")))

	entry, ok := c.Lookup(http.MethodGet, "https://example.com/", http.Header{})
	require.True(t, ok)
	assert.Equal(t, 200, entry.Status)
	assert.Equal(t, "x", string(entry.Body))
}

func TestResponseCacheConditionalDowngrade(t *testing.T) {
	c := NewResponseCache(0, 0)
	// Set canonicalizes the key the way real request parsing does; a map
	// literal with the literal key "ETag" would never match Get.
	h := http.Header{}
	h.Set("ETag", `"v1"`)
	require.True(t, c.Admit(http.MethodGet, "https://example.com/data", false, 200, h, []byte("payload")))

	reqHeaders := http.Header{}
	reqHeaders.Set("If-None-Match", `"v1"`)
	entry, ok := c.Lookup(http.MethodGet, "https://example.com/data", reqHeaders)
	require.True(t, ok)
	assert.Equal(t, http.StatusNotModified, entry.Status)
	assert.Empty(t, entry.Body)

	// A stale validator still gets the full body.
	reqHeaders.Set("If-None-Match", `"v0"`)
	entry, ok = c.Lookup(http.MethodGet, "https://example.com/data", reqHeaders)
	require.True(t, ok)
	assert.Equal(t, 200, entry.Status)
	assert.Equal(t, "payload", string(entry.Body))
}

func TestResponseCacheETagListAndWildcard(t *testing.T) {
	assert.True(t, etagMatches(`"a", "v1"`, `"v1"`))
	assert.True(t, etagMatches("*", `"anything"`))
	assert.False(t, etagMatches(`"a", "b"`, `"v1"`))
}

func TestResponseCacheKeyIncludesMethod(t *testing.T) {
	c := NewResponseCache(0, 0)
	require.True(t, c.Admit(http.MethodGet, "https://example.com/x", false, 200, http.Header{}, []byte("x")))
	_, ok := c.Lookup(http.MethodHead, "https://example.com/x", http.Header{})
	assert.False(t, ok)
}
