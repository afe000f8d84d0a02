// Package exchange implements the file-exchange transport between the Front
// Proxy and the Fetcher: the on-disk directory layout, the secure channel that
// moves descriptor files between hosts, and the age-based artifact sweeper.
package exchange

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Directory names inside an exchange base directory. "outgoing" holds
// descriptors produced here for the peer, "incoming" holds descriptors the
// peer produced for us, "raw_content" carries large response bodies and
// "cache" holds cookie/auth-state JSON.
const (
	DirOutgoing   = "outgoing"
	DirIncoming   = "incoming"
	DirRawContent = "raw_content"
	DirCache      = "cache"
)

// Dirs is one role's view of its exchange directory tree.
type Dirs struct {
	Base       string
	Outgoing   string
	Incoming   string
	RawContent string
	Cache      string
}

// NewDirs creates the exchange tree under base, making any missing directories.
func NewDirs(base string) (*Dirs, error) {
	d := &Dirs{
		Base:       base,
		Outgoing:   filepath.Join(base, DirOutgoing),
		Incoming:   filepath.Join(base, DirIncoming),
		RawContent: filepath.Join(base, DirRawContent),
		Cache:      filepath.Join(base, DirCache),
	}
	for _, dir := range []string{d.Outgoing, d.Incoming, d.RawContent, d.Cache} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create exchange directory %s: %w", dir, err)
		}
	}
	return d, nil
}

// Channel moves files between this role's exchange tree and the peer's.
// Remote names are relative to the peer's base directory
// (e.g. "outgoing/req_<id>.json").
type Channel interface {
	// Put copies a local file to the named path under the peer's base.
	Put(localPath, remoteName string) error
	// Get copies every remote file matching pattern (relative to the peer's
	// base, shell-glob syntax) into localDir and returns the local paths.
	// A pattern matching nothing is not an error.
	Get(remotePattern, localDir string) ([]string, error)
	// Remove deletes the named file under the peer's base.
	Remove(remoteName string) error
	// Run executes a command on the peer and returns its exit code and output.
	Run(cmd string) (exitCode int, stdout, stderr string, err error)
	// Close releases the underlying connection, if any.
	Close() error
}

// Test verifies end-to-end channel connectivity. Startup should treat a
// failure here as unrecoverable.
func Test(ch Channel) error {
	code, out, stderr, err := ch.Run("echo relaybridge-ok")
	if err != nil {
		return fmt.Errorf("channel connectivity test: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("channel connectivity test exited %d: %s", code, strings.TrimSpace(stderr))
	}
	if !strings.Contains(out, "relaybridge-ok") {
		return fmt.Errorf("channel connectivity test returned unexpected output %q", strings.TrimSpace(out))
	}
	return nil
}
