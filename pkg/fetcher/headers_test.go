package fetcher

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relaybridge/relaybridge/pkg/descriptor"
)

func TestApplyBrowserHeadersFillsGaps(t *testing.T) {
	h := http.Header{}
	applyBrowserHeaders(h, descriptor.ClassHTML)

	assert.Contains(t, h.Get("User-Agent"), "Mozilla/5.0")
	assert.Equal(t, "document", h.Get("Sec-Fetch-Dest"))
	assert.Equal(t, "navigate", h.Get("Sec-Fetch-Mode"))
	assert.Contains(t, h.Get("Accept"), "text/html")
}

func TestApplyBrowserHeadersNeverOverwrites(t *testing.T) {
	h := http.Header{}
	h.Set("User-Agent", "custom-agent/1.0")
	h.Set("Accept", "application/xml")
	applyBrowserHeaders(h, descriptor.ClassJS)

	assert.Equal(t, "custom-agent/1.0", h.Get("User-Agent"))
	assert.Equal(t, "application/xml", h.Get("Accept"))
	assert.Equal(t, "script", h.Get("Sec-Fetch-Dest"))
}

func TestAcceptForClasses(t *testing.T) {
	accept, dest, mode := acceptFor(descriptor.ClassCSS)
	assert.Contains(t, accept, "text/css")
	assert.Equal(t, "style", dest)
	assert.Equal(t, "no-cors", mode)

	accept, dest, _ = acceptFor(descriptor.ClassImage)
	assert.Contains(t, accept, "image/")
	assert.Equal(t, "image", dest)
}
