package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRulesMatching(t *testing.T) {
	r := Rules{
		RelayDomains:  []string{"example.com", "intranet"},
		IgnoreDomains: []string{"doubleclick", "ocsp."},
		SecureDomains: []string{"bank.example"},
	}

	assert.True(t, r.IsRelay("www.example.com"))
	assert.True(t, r.IsRelay("EXAMPLE.COM"))
	assert.True(t, r.IsRelay("intranet.corp"))
	assert.False(t, r.IsRelay("other.net"))

	assert.True(t, r.IsIgnored("stats.doubleclick.net"))
	assert.True(t, r.IsIgnored("ocsp.digicert.com"))
	assert.False(t, r.IsIgnored("www.example.com"))

	assert.True(t, r.ForceHTTPS("bank.example.com"))
	assert.False(t, r.ForceHTTPS("www.example.com"))

	// Empty pattern lists never match.
	assert.False(t, Rules{}.IsRelay("anything"))
}

func TestLoadFileMissingIsEmptyOverlay(t *testing.T) {
	fc, err := LoadFile(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Nil(t, fc.ListenPort)
}

func TestLoadFileRejectsBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))
	_, err := LoadFile(path)
	assert.Error(t, err)
}

func TestMergeFrontFlagPrecedence(t *testing.T) {
	defaults := Front{ListenPort: 8080, PollTimeout: 45 * time.Second, LogLevel: "info"}
	path := filepath.Join(t.TempDir(), "cfg.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"listen_port": 9090,
		"poll_timeout_seconds": 60,
		"relay_domains": ["example.com"],
		"log_level": "debug"
	}`), 0o644))
	fc, err := LoadFile(path)
	require.NoError(t, err)

	// Untouched flags adopt the file values.
	cfg := defaults
	cfg.MergeFront(fc, defaults)
	assert.Equal(t, 9090, cfg.ListenPort)
	assert.Equal(t, time.Minute, cfg.PollTimeout)
	assert.Equal(t, []string{"example.com"}, cfg.Rules.RelayDomains)
	assert.Equal(t, "debug", cfg.LogLevel)

	// Explicit flags win over the file.
	cfg = defaults
	cfg.ListenPort = 3128
	cfg.Rules.RelayDomains = []string{"flag.example"}
	cfg.MergeFront(fc, defaults)
	assert.Equal(t, 3128, cfg.ListenPort)
	assert.Equal(t, []string{"flag.example"}, cfg.Rules.RelayDomains)
	assert.Equal(t, time.Minute, cfg.PollTimeout)
}

func TestMergeFetcherFlagPrecedence(t *testing.T) {
	defaults := Fetcher{Workers: 6, InlineThreshold: 1024, PollInterval: time.Second}
	path := filepath.Join(t.TempDir(), "cfg.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"workers": 12,
		"inline_threshold": 4096,
		"poll_interval_ms": 250,
		"insecure_upstream": true,
		"peer_host": "front.example"
	}`), 0o644))
	fc, err := LoadFile(path)
	require.NoError(t, err)

	cfg := defaults
	cfg.Workers = 2 // explicit flag
	cfg.MergeFetcher(fc, defaults)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, 4096, cfg.InlineThreshold)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.True(t, cfg.InsecureUpstream)
	assert.Equal(t, "front.example", cfg.PeerHost)
}
