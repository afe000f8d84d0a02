package front

import (
	"net/url"
	"path"
	"regexp"
	"strings"
)

// Attribute and css-url() references whose values may need absolutizing.
var (
	hrefPattern   = regexp.MustCompile(`(href=["'])([^"']*)(["'])`)
	srcPattern    = regexp.MustCompile(`(src=["'])([^"']*)(["'])`)
	cssURLPattern = regexp.MustCompile(`(url\(["']?)([^)"']*)(["']?\))`)
)

// URL schemes/prefixes that are already absolute and must be left alone.
var absolutePrefixes = []string{"http://", "https://", "//", "data:", "javascript:", "mailto:"}

// rewriteHTMLURLs rewrites relative href/src/url() references in an HTML
// payload into fully-qualified URLs anchored at baseURL. Root-relative paths
// resolve against the origin; path-relative ones against the directory of the
// base path with any trailing filename-looking segment dropped.
func rewriteHTMLURLs(content []byte, baseURL string) []byte {
	base, err := url.Parse(baseURL)
	if err != nil || base.Host == "" {
		return content
	}
	origin := base.Scheme + "://" + base.Host
	dir := directoryOf(base.Path)

	rewrite := func(match []byte, re *regexp.Regexp) []byte {
		groups := re.FindSubmatch(match)
		ref := string(groups[2])
		if ref == "" || isAbsoluteRef(ref) {
			return match
		}
		var abs string
		if strings.HasPrefix(ref, "/") {
			abs = origin + ref
		} else {
			abs = origin + dir + ref
		}
		return append(append(append([]byte{}, groups[1]...), abs...), groups[3]...)
	}

	out := hrefPattern.ReplaceAllFunc(content, func(m []byte) []byte { return rewrite(m, hrefPattern) })
	out = srcPattern.ReplaceAllFunc(out, func(m []byte) []byte { return rewrite(m, srcPattern) })
	out = cssURLPattern.ReplaceAllFunc(out, func(m []byte) []byte { return rewrite(m, cssURLPattern) })
	return out
}

func isAbsoluteRef(ref string) bool {
	for _, prefix := range absolutePrefixes {
		if strings.HasPrefix(ref, prefix) {
			return true
		}
	}
	return false
}

// directoryOf returns the base path's directory with a trailing slash,
// dropping a final segment that looks like a filename.
func directoryOf(p string) string {
	if p == "" {
		return "/"
	}
	last := path.Base(p)
	if strings.Contains(last, ".") {
		p = path.Dir(p)
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}
