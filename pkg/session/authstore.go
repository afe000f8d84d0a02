package session

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/relaybridge/relaybridge/pkg/logger"
)

// AuthStore is the auth-state collaborator. Token-scraping heuristics live
// behind this interface; the relay only replays and records opaque state.
type AuthStore interface {
	// ApplyToHeaders adds stored auth state for the URL's domain to the
	// request headers without overwriting values already present.
	ApplyToHeaders(rawURL string, h http.Header)
	// ExtractFromResponse records recognizable auth state from a response.
	ExtractFromResponse(rawURL string, h http.Header, body []byte, contentType string)
	// Flush forces pending state to disk.
	Flush() error
}

// NopAuthStore ignores everything; used when no auth domain is configured.
type NopAuthStore struct{}

func (NopAuthStore) ApplyToHeaders(string, http.Header)                      {}
func (NopAuthStore) ExtractFromResponse(string, http.Header, []byte, string) {}
func (NopAuthStore) Flush() error                                            { return nil }

// auth response headers worth replaying on subsequent requests to the domain.
var authHeaderNames = []string{
	"Authorization",
	"X-Auth-Token",
	"X-Csrf-Token",
	"X-Xsrf-Token",
}

type authFile struct {
	Version     int                          `json:"version"`
	LastUpdated int64                        `json:"last_updated"`
	Domains     map[string]map[string]string `json:"domains"`
}

// FileAuthStore persists per-domain auth headers for hosts matched by a
// configurable domain-suffix predicate.
type FileAuthStore struct {
	mu      sync.Mutex
	domains map[string]map[string]string
	path    string
	suffix  string
	log     logger.Logger
	limiter *rate.Limiter
	dirty   bool
}

// NewFileAuthStore loads auth state from path. Only hosts whose name contains
// domainSuffix participate; an empty suffix matches nothing.
func NewFileAuthStore(path, domainSuffix string, log logger.Logger) (*FileAuthStore, error) {
	s := &FileAuthStore{
		domains: make(map[string]map[string]string),
		path:    path,
		suffix:  domainSuffix,
		log:     log,
		limiter: rate.NewLimiter(rate.Every(persistThrottle), 1),
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read auth state: %w", err)
	}
	var f authFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse auth state %s: %w", path, err)
	}
	if f.Domains != nil {
		s.domains = f.Domains
	}
	return s, nil
}

func (s *FileAuthStore) matches(host string) bool {
	return s.suffix != "" && strings.Contains(host, s.suffix)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func (s *FileAuthStore) ApplyToHeaders(rawURL string, h http.Header) {
	host := hostOf(rawURL)
	if !s.matches(host) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, value := range s.domains[host] {
		if h.Get(name) == "" {
			h.Set(name, value)
		}
	}
}

func (s *FileAuthStore) ExtractFromResponse(rawURL string, h http.Header, body []byte, contentType string) {
	host := hostOf(rawURL)
	if !s.matches(host) {
		return
	}

	s.mu.Lock()
	for _, name := range authHeaderNames {
		value := h.Get(name)
		if value == "" {
			continue
		}
		if s.domains[host] == nil {
			s.domains[host] = make(map[string]string)
		}
		if s.domains[host][name] != value {
			s.domains[host][name] = value
			s.dirty = true
		}
	}
	dirty := s.dirty
	s.mu.Unlock()

	if dirty {
		s.persist(false)
	}
}

func (s *FileAuthStore) Flush() error {
	return s.persist(true)
}

func (s *FileAuthStore) persist(force bool) error {
	if !force && !s.limiter.Allow() {
		return nil
	}

	s.mu.Lock()
	if !s.dirty && !force {
		s.mu.Unlock()
		return nil
	}
	f := authFile{
		Version:     jarVersion,
		LastUpdated: time.Now().Unix(),
		Domains:     make(map[string]map[string]string, len(s.domains)),
	}
	for domain, fields := range s.domains {
		copied := make(map[string]string, len(fields))
		for k, v := range fields {
			copied[k] = v
		}
		f.Domains[domain] = copied
	}
	s.dirty = false
	s.mu.Unlock()

	if err := writeJSONAtomic(s.path, &f); err != nil {
		s.log.Error("persist auth state: %v", err)
		return err
	}
	return nil
}
