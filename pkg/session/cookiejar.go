// Package session holds the Fetcher's process-wide stores: the domain-keyed
// cookie jar and the auth-state collaborator, both persisted as versioned JSON
// with throttled atomic writes.
package session

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/relaybridge/relaybridge/pkg/logger"
)

const jarVersion = 1

// persistThrottle bounds disk writes under high request volume; at most one
// throttle interval of updates is lost on crash.
const persistThrottle = 5 * time.Second

type jarFile struct {
	Version     int                          `json:"version"`
	LastUpdated int64                        `json:"last_updated"`
	Domains     map[string]map[string]string `json:"domains"`
}

// CookieJar stores cookies by domain and replays them on relayed requests.
// Applying the same Set-Cookie twice is idempotent: the jar keeps one value
// per (domain, name).
type CookieJar struct {
	mu      sync.Mutex
	domains map[string]map[string]string
	path    string
	log     logger.Logger
	limiter *rate.Limiter
	dirty   bool
}

// NewCookieJar loads the jar from path, starting empty when no file exists.
func NewCookieJar(path string, log logger.Logger) (*CookieJar, error) {
	j := &CookieJar{
		domains: make(map[string]map[string]string),
		path:    path,
		log:     log,
		limiter: rate.NewLimiter(rate.Every(persistThrottle), 1),
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return j, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cookie jar: %w", err)
	}
	var f jarFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse cookie jar %s: %w", path, err)
	}
	if f.Domains != nil {
		j.domains = f.Domains
	}
	log.Debug("cookie jar loaded with %d domains", len(j.domains))
	return j, nil
}

// Apply merges stored cookies for domain into the request headers. An
// existing Cookie header is extended, never overwritten.
func (j *CookieJar) Apply(domain string, h http.Header) {
	j.mu.Lock()
	cookies := j.domains[domain]
	if len(cookies) == 0 {
		j.mu.Unlock()
		return
	}
	names := make([]string, 0, len(cookies))
	for name := range cookies {
		names = append(names, name)
	}
	sort.Strings(names)
	pairs := make([]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, name+"="+cookies[name])
	}
	j.mu.Unlock()

	cookieStr := strings.Join(pairs, "; ")
	if existing := h.Get("Cookie"); existing != "" {
		h.Set("Cookie", existing+"; "+cookieStr)
	} else {
		h.Set("Cookie", cookieStr)
	}
}

// Extract stores Set-Cookie values from a response, keyed by domain, then
// schedules a throttled persist.
func (j *CookieJar) Extract(domain string, h http.Header) {
	setCookies := h.Values("Set-Cookie")
	if len(setCookies) == 0 {
		return
	}

	j.mu.Lock()
	for _, raw := range setCookies {
		name, value, ok := parseSetCookie(raw)
		if !ok {
			continue
		}
		if j.domains[domain] == nil {
			j.domains[domain] = make(map[string]string)
		}
		if j.domains[domain][name] != value {
			j.domains[domain][name] = value
			j.dirty = true
		}
	}
	dirty := j.dirty
	j.mu.Unlock()

	if dirty {
		j.persist(false)
	}
}

func parseSetCookie(raw string) (name, value string, ok bool) {
	pair := strings.TrimSpace(strings.SplitN(raw, ";", 2)[0])
	name, value, ok = strings.Cut(pair, "=")
	if !ok || name == "" {
		return "", "", false
	}
	return name, value, true
}

// Count returns the number of cookies stored for domain.
func (j *CookieJar) Count(domain string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.domains[domain])
}

// Reset empties the jar and persists immediately.
func (j *CookieJar) Reset() error {
	j.mu.Lock()
	j.domains = make(map[string]map[string]string)
	j.dirty = true
	j.mu.Unlock()
	return j.persist(true)
}

// Flush forces any pending state to disk; call on shutdown and after batch
// cleanups.
func (j *CookieJar) Flush() error {
	return j.persist(true)
}

func (j *CookieJar) persist(force bool) error {
	if !force && !j.limiter.Allow() {
		return nil
	}

	j.mu.Lock()
	if !j.dirty && !force {
		j.mu.Unlock()
		return nil
	}
	f := jarFile{
		Version:     jarVersion,
		LastUpdated: time.Now().Unix(),
		Domains:     make(map[string]map[string]string, len(j.domains)),
	}
	for domain, cookies := range j.domains {
		copied := make(map[string]string, len(cookies))
		for k, v := range cookies {
			copied[k] = v
		}
		f.Domains[domain] = copied
	}
	j.dirty = false
	j.mu.Unlock()

	if err := writeJSONAtomic(j.path, &f); err != nil {
		j.log.Error("persist cookie jar: %v", err)
		return err
	}
	return nil
}

// writeJSONAtomic marshals v and writes it via temp file + rename.
func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
