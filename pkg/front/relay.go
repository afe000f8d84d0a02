package front

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/relaybridge/relaybridge/internal/config"
	"github.com/relaybridge/relaybridge/pkg/descriptor"
	"github.com/relaybridge/relaybridge/pkg/exchange"
	"github.com/relaybridge/relaybridge/pkg/logger"
)

// ErrTimeout is returned when no response descriptor arrived within the
// polling window.
var ErrTimeout = errors.New("timed out waiting for response descriptor")

// ErrMissingRawContent is returned when a response descriptor references a
// raw content file that is not present; for non-resource requests this is a
// hard failure.
var ErrMissingRawContent = errors.New("raw content file missing")

const defaultPollTimeout = 45 * time.Second

// Pipeline is the descriptor round trip shared by the plain-HTTP dispatcher
// and the HTTPS tunnel adapter: dedup, descriptor write, polling wait and
// content loading.
type Pipeline struct {
	cfg   config.Front
	dirs  *exchange.Dirs
	dedup *dedupTable
	group singleflight.Group
	log   logger.Logger
}

// NewPipeline builds the relay pipeline over the local exchange tree. The
// Front Proxy only writes and reads its own directories; the peer's channel
// moves the files.
func NewPipeline(cfg config.Front, dirs *exchange.Dirs, log logger.Logger) *Pipeline {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	return &Pipeline{
		cfg:   cfg,
		dirs:  dirs,
		dedup: newDedupTable(),
		log:   log,
	}
}

// Delivery is a relayed response ready to replay to the client. Cleanup must
// be called after the client write succeeds; on delivery failure the files
// are preserved for inspection.
type Delivery struct {
	Status int
	Header http.Header
	Body   []byte

	cleanupOnce sync.Once
	paths       []string
}

// Cleanup removes the consumed descriptor and raw content files. Safe to call
// from multiple deduped waiters; only the first call acts.
func (d *Delivery) Cleanup() {
	d.cleanupOnce.Do(func() {
		for _, p := range d.paths {
			os.Remove(p)
		}
	})
}

// Relay runs one request through the descriptor protocol and waits for the
// answer. Identical (method,url) requests within the dedup window share one
// descriptor and one polling wait.
func (p *Pipeline) Relay(ctx context.Context, method, rawURL string, header http.Header, body []byte, tunneled bool) (*Delivery, error) {
	id, isNew := p.dedup.acquire(method, rawURL, uuid.NewString)

	if isNew {
		req := descriptor.NewRequest(method, rawURL, descriptor.SanitizeHeader(header), body)
		req.ID = id
		req.TunneledHTTPS = tunneled
		reqPath := filepath.Join(p.dirs.Outgoing, req.Filename())
		if err := descriptor.WriteFile(reqPath, req); err != nil {
			return nil, fmt.Errorf("write request descriptor: %w", err)
		}
		p.log.Debug("wrote %s for %s %s", req.Filename(), method, rawURL)
	} else {
		p.log.Debug("dedup hit for %s %s, reusing id %s", method, rawURL, id)
	}

	result, err, _ := p.group.Do(id, func() (interface{}, error) {
		if d := p.dedup.finished(method, rawURL, id); d != nil {
			return d, nil
		}
		d, err := p.await(ctx, id, rawURL)
		if err == nil {
			p.dedup.finish(method, rawURL, id, d)
		}
		return d, err
	})
	if err != nil {
		return nil, err
	}
	return result.(*Delivery), nil
}

// await polls for the response descriptor with a backoff: fast for the first
// seconds, slower afterwards, bounding filesystem call volume while staying
// responsive for the common fast case.
func (p *Pipeline) await(ctx context.Context, id, rawURL string) (*Delivery, error) {
	respPath := filepath.Join(p.dirs.Incoming, descriptor.ResponseFilename(id))
	deadline := time.Now().Add(p.cfg.PollTimeout)
	start := time.Now()

	for {
		if _, err := os.Stat(respPath); err == nil {
			return p.load(respPath, rawURL)
		}
		if time.Now().After(deadline) {
			return nil, ErrTimeout
		}

		var interval time.Duration
		switch elapsed := time.Since(start); {
		case elapsed < 5*time.Second:
			interval = 100 * time.Millisecond
		case elapsed < 30*time.Second:
			interval = 200 * time.Millisecond
		default:
			interval = 500 * time.Millisecond
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// load materializes a Delivery from the descriptor and its content, applying
// HTML URL rewriting. A missing raw content file is soft-empty for static
// assets and a hard error otherwise.
func (p *Pipeline) load(respPath, rawURL string) (*Delivery, error) {
	resp, err := descriptor.ReadResponseFile(respPath)
	if err != nil {
		return nil, err
	}

	d := &Delivery{
		Status: resp.Status,
		Header: descriptor.SanitizeHeader(resp.Headers),
		paths:  []string{respPath},
	}

	if resp.Status == http.StatusNotModified {
		return d, nil
	}

	var body []byte
	if resp.RawContentFile != "" {
		rawPath := filepath.Join(p.dirs.RawContent, resp.RawContentFile)
		body, err = os.ReadFile(rawPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read raw content: %w", err)
			}
			if !descriptor.ClassifyURL(rawURL).IsStaticAsset() {
				return nil, ErrMissingRawContent
			}
			// Soft-empty: a lost asset must not break page rendering.
			p.log.Warn("raw content %s missing, serving empty asset for %s", resp.RawContentFile, rawURL)
			d.Header.Set("Cache-Control", "no-cache")
			d.Body = nil
			return d, nil
		}
		d.paths = append(d.paths, rawPath)
	} else {
		body, err = resp.InlineBody()
		if err != nil {
			return nil, err
		}
	}

	if !resp.IsBinary && strings.Contains(d.Header.Get("Content-Type"), "text/html") {
		body = rewriteHTMLURLs(body, rawURL)
	}
	d.Body = body
	return d, nil
}
