package descriptor

import (
	"net/url"
	"path"
	"strings"
)

// ContentClass is the closed set of content kinds the relay distinguishes.
// It is derived once per request/response and threaded through priority,
// caching-eligibility and header-annotation decisions.
type ContentClass int

const (
	ClassOther ContentClass = iota
	ClassHTML
	ClassCSS
	ClassJS
	ClassImage
	ClassFont
	ClassJSON
	ClassBinary
)

func (c ContentClass) String() string {
	switch c {
	case ClassHTML:
		return "html"
	case ClassCSS:
		return "css"
	case ClassJS:
		return "js"
	case ClassImage:
		return "image"
	case ClassFont:
		return "font"
	case ClassJSON:
		return "json"
	case ClassBinary:
		return "binary"
	default:
		return "other"
	}
}

// Priority returns the load-order rank of the class, lower loads first.
// This is an ordering hint for batch processing, not a correctness constraint.
func (c ContentClass) Priority() int {
	switch c {
	case ClassHTML:
		return 1
	case ClassCSS:
		return 2
	case ClassJS:
		return 3
	case ClassFont:
		return 4
	case ClassImage:
		return 5
	default:
		return 6
	}
}

// Tier groups classes into the three batch-processing tiers:
// 0 = html+css, 1 = js+fonts, 2 = images and everything else.
func (c ContentClass) Tier() int {
	switch c {
	case ClassHTML, ClassCSS:
		return 0
	case ClassJS, ClassFont:
		return 1
	default:
		return 2
	}
}

// IsStaticAsset reports whether the class is a cacheable static-asset kind.
func (c ContentClass) IsStaticAsset() bool {
	switch c {
	case ClassCSS, ClassJS, ClassImage, ClassFont:
		return true
	}
	return false
}

// FileExtension returns the raw-content file extension for the class.
func (c ContentClass) FileExtension() string {
	switch c {
	case ClassHTML:
		return "html"
	case ClassCSS:
		return "css"
	case ClassJS:
		return "js"
	case ClassImage:
		return "img"
	case ClassFont:
		return "font"
	case ClassJSON:
		return "json"
	default:
		return "bin"
	}
}

var extensionClasses = map[string]ContentClass{
	".html":  ClassHTML,
	".htm":   ClassHTML,
	".css":   ClassCSS,
	".js":    ClassJS,
	".mjs":   ClassJS,
	".json":  ClassJSON,
	".png":   ClassImage,
	".jpg":   ClassImage,
	".jpeg":  ClassImage,
	".gif":   ClassImage,
	".svg":   ClassImage,
	".webp":  ClassImage,
	".ico":   ClassImage,
	".woff":  ClassFont,
	".woff2": ClassFont,
	".ttf":   ClassFont,
	".eot":   ClassFont,
	".otf":   ClassFont,
	".pdf":   ClassBinary,
	".zip":   ClassBinary,
	".exe":   ClassBinary,
}

// ClassifyPath derives a ContentClass from a URL path extension.
func ClassifyPath(p string) ContentClass {
	ext := strings.ToLower(path.Ext(p))
	if c, ok := extensionClasses[ext]; ok {
		return c
	}
	return ClassOther
}

// ClassifyURL derives a ContentClass from a full URL string.
func ClassifyURL(rawURL string) ContentClass {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ClassOther
	}
	return ClassifyPath(u.Path)
}

// ClassifyContentType derives a ContentClass from a MIME type, preferring the
// upstream header over the URL extension when both are known.
func ClassifyContentType(contentType string) ContentClass {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "text/html"):
		return ClassHTML
	case strings.Contains(ct, "text/css"):
		return ClassCSS
	case strings.Contains(ct, "javascript"):
		return ClassJS
	case strings.Contains(ct, "image/"):
		return ClassImage
	case strings.Contains(ct, "font"), strings.Contains(ct, "ms-fontobject"):
		return ClassFont
	case strings.Contains(ct, "json"):
		return ClassJSON
	case strings.Contains(ct, "octet-stream"), strings.Contains(ct, "pdf"), strings.Contains(ct, "zip"):
		return ClassBinary
	default:
		return ClassOther
	}
}

// Classify picks the class from the content type when recognized, falling back
// to the URL extension.
func Classify(contentType, rawURL string) ContentClass {
	if c := ClassifyContentType(contentType); c != ClassOther {
		return c
	}
	return ClassifyURL(rawURL)
}

// IsResourcePath reports whether the path names a static resource
// (css, js, images, fonts) as opposed to a document.
func IsResourcePath(p string) bool {
	return ClassifyPath(p).IsStaticAsset()
}

// LikelyBinary is a hint derived from the URL: binary-looking extensions or
// image-directory path segments.
func LikelyBinary(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	switch ClassifyURL(rawURL) {
	case ClassImage, ClassFont, ClassBinary:
		return true
	}
	return strings.Contains(lower, "/images/") || strings.Contains(lower, "/img/")
}

var fallbackContentTypes = map[ContentClass]string{
	ClassHTML:   "text/html",
	ClassCSS:    "text/css",
	ClassJS:     "application/javascript",
	ClassJSON:   "application/json",
	ClassImage:  "image/png",
	ClassFont:   "font/woff2",
	ClassBinary: "application/octet-stream",
	ClassOther:  "application/octet-stream",
}

// ContentTypeForURL returns a fallback MIME type when upstream did not send one.
func ContentTypeForURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "application/octet-stream"
	}
	ext := strings.ToLower(path.Ext(u.Path))
	switch ext {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".svg":
		return "image/svg+xml"
	case ".ico":
		return "image/x-icon"
	case ".woff":
		return "font/woff"
	case ".woff2":
		return "font/woff2"
	case ".ttf":
		return "font/ttf"
	case ".eot":
		return "application/vnd.ms-fontobject"
	case ".pdf":
		return "application/pdf"
	}
	return fallbackContentTypes[ClassifyPath(u.Path)]
}
