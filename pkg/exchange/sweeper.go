package exchange

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/relaybridge/relaybridge/pkg/logger"
)

// Default artifact lifetimes. A client that disconnected leaves its
// descriptors orphaned; the sweep reclaims them instead of the request path.
const (
	DefaultRequestMaxAge    = 2 * time.Minute
	DefaultResponseMaxAge   = 2 * time.Minute
	DefaultRawContentMaxAge = 10 * time.Minute
	DefaultSweepInterval    = 2 * time.Minute
)

// Sweeper purges aged descriptor and raw-content files from an exchange tree.
type Sweeper struct {
	dirs     *Dirs
	interval time.Duration
	log      logger.Logger

	requestMaxAge    time.Duration
	responseMaxAge   time.Duration
	rawContentMaxAge time.Duration
}

// NewSweeper builds a sweeper with the default lifetimes.
func NewSweeper(dirs *Dirs, interval time.Duration, log logger.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		dirs:             dirs,
		interval:         interval,
		log:              log,
		requestMaxAge:    DefaultRequestMaxAge,
		responseMaxAge:   DefaultResponseMaxAge,
		rawContentMaxAge: DefaultRawContentMaxAge,
	}
}

// Run sweeps periodically until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(time.Now())
		}
	}
}

// SweepOnce removes all artifacts older than their type's lifetime.
// It returns the number of files removed.
func (s *Sweeper) SweepOnce(now time.Time) int {
	removed := 0
	removed += s.sweepDir(s.dirs.Outgoing, now)
	removed += s.sweepDir(s.dirs.Incoming, now)
	removed += s.sweepDir(s.dirs.RawContent, now)
	if removed > 0 {
		s.log.Debug("swept %d stale exchange artifacts", removed)
	}
	return removed
}

func (s *Sweeper) sweepDir(dir string, now time.Time) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		s.log.Warn("sweep: read %s: %v", dir, err)
		return 0
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		age := now.Sub(info.ModTime())
		if age < s.maxAgeFor(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			s.log.Warn("sweep: remove %s: %v", path, err)
			continue
		}
		removed++
	}
	return removed
}

func (s *Sweeper) maxAgeFor(name string) time.Duration {
	switch {
	case strings.HasPrefix(name, "req_"):
		return s.requestMaxAge
	case strings.HasPrefix(name, "resp_"):
		return s.responseMaxAge
	case strings.HasPrefix(name, "content_"):
		return s.rawContentMaxAge
	default:
		// Stray temp files and quarantined descriptors get the longest leash.
		return s.rawContentMaxAge
	}
}
