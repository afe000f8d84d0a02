// Package config holds the per-role configuration for the relaybridge
// processes and the JSON file overlay merged beneath CLI flags.
package config

import (
	"encoding/json"
	"os"
	"strings"
	"time"
)

// Rules decides per-host routing on the Front Proxy.
type Rules struct {
	// RelayDomains: hosts containing any of these patterns traverse the
	// file-exchange relay instead of being fetched directly.
	RelayDomains []string
	// IgnoreDomains: ad/telemetry/OCSP hosts answered with an empty 200 and
	// never fetched at all.
	IgnoreDomains []string
	// SecureDomains: hosts containing any of these patterns are always
	// normalized to https.
	SecureDomains []string
}

func matchAny(host string, patterns []string) bool {
	host = strings.ToLower(host)
	for _, p := range patterns {
		if p != "" && strings.Contains(host, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// IsRelay reports whether the host must be forwarded to the Fetcher.
func (r Rules) IsRelay(host string) bool { return matchAny(host, r.RelayDomains) }

// IsIgnored reports whether the host is short-circuited to an empty 200.
func (r Rules) IsIgnored(host string) bool { return matchAny(host, r.IgnoreDomains) }

// ForceHTTPS reports whether URLs for the host are normalized to https.
func (r Rules) ForceHTTPS(host string) bool { return matchAny(host, r.SecureDomains) }

// Front configures the browser-facing proxy process.
type Front struct {
	ListenPort   int
	ExchangeDir  string
	Rules        Rules
	PollTimeout  time.Duration
	CacheEnabled bool
	CacheEntries int
	CacheMaxAge  time.Duration
	CADir        string

	// DNS steering for clients that cannot set a proxy.
	DNSEnabled bool
	DNSPort    int
	DNSAnswer  string // IP answered for relay domains

	// Remote channel; empty PeerHost selects the same-filesystem channel.
	PeerHost    string
	PeerPort    int
	PeerUser    string
	PeerKeyFile string
	PeerBaseDir string
	LogLevel    string
}

// Fetcher configures the upstream-facing process.
type Fetcher struct {
	ExchangeDir     string
	PollInterval    time.Duration
	Workers         int
	InlineThreshold int
	RequestTimeout  time.Duration
	// InsecureUpstream disables upstream certificate verification. This is an
	// explicit compatibility weakening for controlled test environments and is
	// never the default.
	InsecureUpstream bool
	CacheEnabled     bool
	CacheEntries     int
	CacheMaxAge      time.Duration
	AuthDomainSuffix string
	ResetCookies     bool
	NoCookies        bool

	PeerHost    string
	PeerPort    int
	PeerUser    string
	PeerKeyFile string
	PeerBaseDir string
	LogLevel    string
}

// FileConfig is the optional JSON overlay. CLI flags take precedence: a field
// from the file is only adopted where the flag still holds its default.
type FileConfig struct {
	ListenPort       *int      `json:"listen_port,omitempty"`
	ExchangeDir      *string   `json:"exchange_dir,omitempty"`
	RelayDomains     *[]string `json:"relay_domains,omitempty"`
	IgnoreDomains    *[]string `json:"ignore_domains,omitempty"`
	SecureDomains    *[]string `json:"secure_domains,omitempty"`
	PollTimeoutSec   *int      `json:"poll_timeout_seconds,omitempty"`
	PollIntervalMS   *int      `json:"poll_interval_ms,omitempty"`
	Workers          *int      `json:"workers,omitempty"`
	InlineThreshold  *int      `json:"inline_threshold,omitempty"`
	InsecureUpstream *bool     `json:"insecure_upstream,omitempty"`
	CacheEnabled     *bool     `json:"cache_enabled,omitempty"`
	PeerHost         *string   `json:"peer_host,omitempty"`
	PeerPort         *int      `json:"peer_port,omitempty"`
	PeerUser         *string   `json:"peer_user,omitempty"`
	PeerKeyFile      *string   `json:"peer_key_file,omitempty"`
	PeerBaseDir      *string   `json:"peer_base_dir,omitempty"`
	AuthDomainSuffix *string   `json:"auth_domain_suffix,omitempty"`
	LogLevel         *string   `json:"log_level,omitempty"`
}

// LoadFile reads a JSON overlay; a missing file yields an empty overlay.
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &FileConfig{}, nil
		}
		return nil, err
	}
	var fc FileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, err
	}
	return &fc, nil
}

// MergeFront fills fields still at their defaults from the overlay.
func (c *Front) MergeFront(fc *FileConfig, defaults Front) {
	if fc.ListenPort != nil && c.ListenPort == defaults.ListenPort {
		c.ListenPort = *fc.ListenPort
	}
	if fc.ExchangeDir != nil && c.ExchangeDir == defaults.ExchangeDir {
		c.ExchangeDir = *fc.ExchangeDir
	}
	if fc.RelayDomains != nil && len(c.Rules.RelayDomains) == 0 {
		c.Rules.RelayDomains = *fc.RelayDomains
	}
	if fc.IgnoreDomains != nil && len(c.Rules.IgnoreDomains) == 0 {
		c.Rules.IgnoreDomains = *fc.IgnoreDomains
	}
	if fc.SecureDomains != nil && len(c.Rules.SecureDomains) == 0 {
		c.Rules.SecureDomains = *fc.SecureDomains
	}
	if fc.PollTimeoutSec != nil && c.PollTimeout == defaults.PollTimeout {
		c.PollTimeout = time.Duration(*fc.PollTimeoutSec) * time.Second
	}
	if fc.CacheEnabled != nil && c.CacheEnabled == defaults.CacheEnabled {
		c.CacheEnabled = *fc.CacheEnabled
	}
	if fc.PeerHost != nil && c.PeerHost == defaults.PeerHost {
		c.PeerHost = *fc.PeerHost
	}
	if fc.PeerPort != nil && c.PeerPort == defaults.PeerPort {
		c.PeerPort = *fc.PeerPort
	}
	if fc.PeerUser != nil && c.PeerUser == defaults.PeerUser {
		c.PeerUser = *fc.PeerUser
	}
	if fc.PeerKeyFile != nil && c.PeerKeyFile == defaults.PeerKeyFile {
		c.PeerKeyFile = *fc.PeerKeyFile
	}
	if fc.PeerBaseDir != nil && c.PeerBaseDir == defaults.PeerBaseDir {
		c.PeerBaseDir = *fc.PeerBaseDir
	}
	if fc.LogLevel != nil && c.LogLevel == defaults.LogLevel {
		c.LogLevel = *fc.LogLevel
	}
}

// MergeFetcher fills fields still at their defaults from the overlay.
func (c *Fetcher) MergeFetcher(fc *FileConfig, defaults Fetcher) {
	if fc.ExchangeDir != nil && c.ExchangeDir == defaults.ExchangeDir {
		c.ExchangeDir = *fc.ExchangeDir
	}
	if fc.PollIntervalMS != nil && c.PollInterval == defaults.PollInterval {
		c.PollInterval = time.Duration(*fc.PollIntervalMS) * time.Millisecond
	}
	if fc.Workers != nil && c.Workers == defaults.Workers {
		c.Workers = *fc.Workers
	}
	if fc.InlineThreshold != nil && c.InlineThreshold == defaults.InlineThreshold {
		c.InlineThreshold = *fc.InlineThreshold
	}
	if fc.InsecureUpstream != nil && c.InsecureUpstream == defaults.InsecureUpstream {
		c.InsecureUpstream = *fc.InsecureUpstream
	}
	if fc.CacheEnabled != nil && c.CacheEnabled == defaults.CacheEnabled {
		c.CacheEnabled = *fc.CacheEnabled
	}
	if fc.AuthDomainSuffix != nil && c.AuthDomainSuffix == defaults.AuthDomainSuffix {
		c.AuthDomainSuffix = *fc.AuthDomainSuffix
	}
	if fc.PeerHost != nil && c.PeerHost == defaults.PeerHost {
		c.PeerHost = *fc.PeerHost
	}
	if fc.PeerPort != nil && c.PeerPort == defaults.PeerPort {
		c.PeerPort = *fc.PeerPort
	}
	if fc.PeerUser != nil && c.PeerUser == defaults.PeerUser {
		c.PeerUser = *fc.PeerUser
	}
	if fc.PeerKeyFile != nil && c.PeerKeyFile == defaults.PeerKeyFile {
		c.PeerKeyFile = *fc.PeerKeyFile
	}
	if fc.PeerBaseDir != nil && c.PeerBaseDir == defaults.PeerBaseDir {
		c.PeerBaseDir = *fc.PeerBaseDir
	}
	if fc.LogLevel != nil && c.LogLevel == defaults.LogLevel {
		c.LogLevel = *fc.LogLevel
	}
}
