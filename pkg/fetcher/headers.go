package fetcher

import (
	"net/http"

	"github.com/relaybridge/relaybridge/pkg/descriptor"
)

// Synthetic browser headers applied to relayed requests. Values the original
// client already set always win.
var baseBrowserHeaders = map[string]string{
	"User-Agent":                "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Accept-Language":           "en-US,en;q=0.9",
	"Accept-Encoding":           "gzip, deflate, br",
	"Cache-Control":             "no-cache",
	"Pragma":                    "no-cache",
	"Sec-Fetch-Site":            "none",
	"Upgrade-Insecure-Requests": "1",
}

func applyBrowserHeaders(h http.Header, class descriptor.ContentClass) {
	for name, value := range baseBrowserHeaders {
		if h.Get(name) == "" {
			h.Set(name, value)
		}
	}

	accept, dest, mode := acceptFor(class)
	if h.Get("Accept") == "" {
		h.Set("Accept", accept)
	}
	if h.Get("Sec-Fetch-Dest") == "" {
		h.Set("Sec-Fetch-Dest", dest)
	}
	if h.Get("Sec-Fetch-Mode") == "" {
		h.Set("Sec-Fetch-Mode", mode)
	}
}

func acceptFor(class descriptor.ContentClass) (accept, dest, mode string) {
	switch class {
	case descriptor.ClassCSS:
		return "text/css,*/*;q=0.1", "style", "no-cors"
	case descriptor.ClassJS:
		return "*/*", "script", "no-cors"
	case descriptor.ClassImage:
		return "image/avif,image/webp,image/apng,image/svg+xml,image/*,*/*;q=0.8", "image", "no-cors"
	case descriptor.ClassFont:
		return "*/*", "font", "cors"
	case descriptor.ClassJSON:
		return "application/json,*/*;q=0.8", "empty", "cors"
	default:
		return "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8",
			"document", "navigate"
	}
}
