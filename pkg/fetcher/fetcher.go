// Package fetcher turns request descriptors into real upstream HTTP(S) calls
// and writes response descriptors back across the secure channel.
package fetcher

import (
	"bytes"
	"context"
	"crypto/sha1"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relaybridge/relaybridge/internal/config"
	"github.com/relaybridge/relaybridge/pkg/cache"
	"github.com/relaybridge/relaybridge/pkg/descriptor"
	"github.com/relaybridge/relaybridge/pkg/exchange"
	"github.com/relaybridge/relaybridge/pkg/logger"
	"github.com/relaybridge/relaybridge/pkg/session"
)

const (
	defaultWorkers         = 6
	defaultInlineThreshold = 1024
	defaultRequestTimeout  = 30 * time.Second
	defaultPollInterval    = time.Second
)

// Fetcher drains request descriptors from the exchange, performs the upstream
// fetches and transmits response descriptors back.
type Fetcher struct {
	cfg     config.Fetcher
	dirs    *exchange.Dirs
	channel exchange.Channel
	client  *http.Client
	jar     *session.CookieJar
	auth    session.AuthStore
	cache   *cache.ResponseCache
	log     logger.Logger
}

// New wires a fetcher from its collaborators. The upstream client disables
// automatic decompression so payloads cross the relay exactly as received.
func New(cfg config.Fetcher, dirs *exchange.Dirs, ch exchange.Channel, jar *session.CookieJar, auth session.AuthStore, log logger.Logger) *Fetcher {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.InlineThreshold <= 0 {
		cfg.InlineThreshold = defaultInlineThreshold
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	transport := &http.Transport{
		DisableCompression: true,
		TLSClientConfig: &tls.Config{
			// Opt-in only; surfaced loudly at startup by the CLI.
			InsecureSkipVerify: cfg.InsecureUpstream,
		},
	}

	f := &Fetcher{
		cfg:     cfg,
		dirs:    dirs,
		channel: ch,
		client: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: transport,
		},
		jar:  jar,
		auth: auth,
		log:  log,
	}
	if cfg.CacheEnabled {
		f.cache = cache.NewResponseCache(cfg.CacheEntries, cfg.CacheMaxAge)
	}
	return f
}

// Run polls for request batches until ctx is cancelled, flushing the session
// stores on the way out.
func (f *Fetcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := f.jar.Flush(); err != nil {
				f.log.Warn("flush cookie jar: %v", err)
			}
			if err := f.auth.Flush(); err != nil {
				f.log.Warn("flush auth state: %v", err)
			}
			return ctx.Err()
		case <-ticker.C:
			f.ProcessBatch(ctx)
		}
	}
}

// ProcessBatch fetches pending request descriptors and drains them tier by
// tier: html+css first, js+fonts next, images and the rest last. Within a
// tier requests run fully parallel up to the worker limit.
func (f *Fetcher) ProcessBatch(ctx context.Context) int {
	paths, err := f.channel.Get(exchange.DirOutgoing+"/req_*.json", f.dirs.Incoming)
	if err != nil {
		f.log.Error("sync request files: %v", err)
		return 0
	}
	if len(paths) == 0 {
		return 0
	}

	requests := f.parseBatch(paths)
	if len(requests) == 0 {
		return 0
	}
	f.log.Info("processing batch of %d requests", len(requests))

	tiers := [3][]*pending{}
	for _, p := range requests {
		t := p.req.Class().Tier()
		tiers[t] = append(tiers[t], p)
	}

	processed := 0
	for _, tier := range tiers {
		if len(tier) == 0 {
			continue
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(f.cfg.Workers)
		for _, p := range tier {
			p := p
			g.Go(func() error {
				f.process(gctx, p)
				return nil
			})
		}
		g.Wait()
		processed += len(tier)
	}

	f.jar.Flush()
	return processed
}

type pending struct {
	req       *descriptor.Request
	localPath string
}

// parseBatch loads descriptors, quarantining malformed ones so one bad file
// never stalls the loop, and orders the rest by priority class.
func (f *Fetcher) parseBatch(paths []string) []*pending {
	var out []*pending
	for _, p := range paths {
		req, err := descriptor.ReadRequestFile(p)
		if err != nil {
			f.log.Error("bad request descriptor: %v", err)
			if qerr := os.Rename(p, p+".bad"); qerr != nil {
				f.log.Warn("quarantine %s: %v", p, qerr)
			}
			continue
		}
		out = append(out, &pending{req: req, localPath: p})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].req.Class().Priority() < out[j].req.Class().Priority()
	})
	return out
}

// process runs one request end to end. Transmission failures leave the remote
// request descriptor in place so the next batch retries it.
func (f *Fetcher) process(ctx context.Context, p *pending) {
	req := p.req
	log := f.log.WithField("id", req.ID)
	log.Debug("%s %s", req.Method, req.URL)

	resp, body := f.execute(ctx, req)

	transmitted := f.transmit(resp, body)
	os.Remove(p.localPath)
	if !transmitted {
		log.Warn("response transmission failed, leaving request for retry")
		return
	}

	if err := f.channel.Remove(exchange.DirOutgoing + "/" + req.Filename()); err != nil {
		log.Warn("remove remote request: %v", err)
	}
}

// execute produces the response descriptor and, when the payload exceeds the
// inline threshold, the raw content bytes to ship alongside it.
func (f *Fetcher) execute(ctx context.Context, req *descriptor.Request) (*descriptor.Response, []byte) {
	body, err := req.DecodedBody()
	if err != nil {
		return descriptor.NewErrorResponse(req.ID, err), nil
	}

	// Cache first: a hit for a conditional request degrades to 304 with no
	// upstream call at all.
	if f.cache != nil {
		if entry, ok := f.cache.Lookup(req.Method, req.URL, req.Headers); ok && len(body) == 0 {
			f.log.Debug("response cache hit for %s", req.URL)
			return f.fromCacheEntry(req, entry)
		}
	}

	status, respHeader, respBody, err := f.callUpstream(ctx, req, body)
	if err != nil {
		// Transport-level failure only; HTTP error statuses pass through.
		f.log.Error("upstream %s %s: %v", req.Method, req.URL, err)
		return descriptor.NewErrorResponse(req.ID, err), nil
	}

	domain := domainOf(req.URL)
	if !f.cfg.NoCookies {
		f.jar.Extract(domain, respHeader)
	}
	contentType := respHeader.Get("Content-Type")
	if contentType == "" {
		contentType = descriptor.ContentTypeForURL(req.URL)
		respHeader.Set("Content-Type", contentType)
	}
	f.auth.ExtractFromResponse(req.URL, respHeader, respBody, contentType)

	class := descriptor.Classify(contentType, req.URL)
	if class.IsStaticAsset() && status == http.StatusOK {
		annotateCacheHeaders(respHeader, respBody)
	}

	if f.cache != nil {
		f.cache.Admit(req.Method, req.URL, len(body) > 0, status, respHeader, respBody)
	}

	return f.buildResponse(req, status, respHeader, respBody, class)
}

func (f *Fetcher) fromCacheEntry(req *descriptor.Request, entry *cache.Entry) (*descriptor.Response, []byte) {
	class := descriptor.Classify(entry.Headers.Get("Content-Type"), req.URL)
	return f.buildResponse(req, entry.Status, entry.Headers, entry.Body, class)
}

func (f *Fetcher) buildResponse(req *descriptor.Request, status int, header http.Header, body []byte, class descriptor.ContentClass) (*descriptor.Response, []byte) {
	resp := descriptor.NewResponse(req.ID, status, header)
	resp.ContentType = header.Get("Content-Type")
	resp.IsResource = req.IsResource

	if f.shouldInline(status, class, len(body)) {
		resp.SetInlineContent(body)
		return resp, nil
	}
	name := descriptor.RawContentFilename(req.ID, time.Now(), class)
	resp.SetRawContentFile(name, len(body))
	return resp, body
}

// shouldInline applies the inline rule: empty bodies (incl. 304) are always
// inline; otherwise only static assets with status 200 at or under the
// threshold. One byte over the threshold goes to a raw content file.
func (f *Fetcher) shouldInline(status int, class descriptor.ContentClass, size int) bool {
	if size == 0 {
		return true
	}
	if size > f.cfg.InlineThreshold {
		return false
	}
	return status == http.StatusOK && class.IsStaticAsset()
}

// callUpstream enriches the request and performs it. Returns the status,
// headers and raw body; only transport failures return an error.
func (f *Fetcher) callUpstream(ctx context.Context, req *descriptor.Request, body []byte) (int, http.Header, []byte, error) {
	header := req.Headers.Clone()
	if header == nil {
		header = http.Header{}
	}
	header = descriptor.SanitizeHeader(header)
	header.Del("Host")

	domain := domainOf(req.URL)
	if !f.cfg.NoCookies {
		f.jar.Apply(domain, header)
	}
	f.auth.ApplyToHeaders(req.URL, header)
	applyBrowserHeaders(header, req.Class())

	var reader io.Reader
	if len(body) > 0 && req.Method != http.MethodGet {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, reader)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("build upstream request: %w", err)
	}
	httpReq.Header = header

	httpResp, err := f.client.Do(httpReq)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("upstream request: %w", err)
	}
	defer httpResp.Body.Close()

	// 304 is a terminal non-error with an empty body.
	if httpResp.StatusCode == http.StatusNotModified {
		return httpResp.StatusCode, httpResp.Header.Clone(), nil, nil
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("read upstream body: %w", err)
	}
	return httpResp.StatusCode, httpResp.Header.Clone(), respBody, nil
}

// transmit writes descriptor and raw content locally, pushes them across the
// channel and removes the local temporaries after confirmed transfer.
func (f *Fetcher) transmit(resp *descriptor.Response, rawBody []byte) bool {
	if resp.RawContentFile != "" {
		localRaw := filepath.Join(f.dirs.RawContent, resp.RawContentFile)
		if err := os.WriteFile(localRaw, rawBody, 0o644); err != nil {
			f.log.Error("write raw content: %v", err)
			return false
		}
		if err := f.channel.Put(localRaw, exchange.DirRawContent+"/"+resp.RawContentFile); err != nil {
			f.log.Error("push raw content: %v", err)
			return false
		}
		os.Remove(localRaw)
	}

	localResp := filepath.Join(f.dirs.Outgoing, resp.Filename())
	if err := descriptor.WriteFile(localResp, resp); err != nil {
		f.log.Error("write response descriptor: %v", err)
		return false
	}
	if err := f.channel.Put(localResp, exchange.DirIncoming+"/"+resp.Filename()); err != nil {
		f.log.Error("push response descriptor: %v", err)
		return false
	}
	os.Remove(localResp)
	return true
}

func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}

// annotateCacheHeaders adds revalidation headers to static assets that lack
// them so the far side's cache admission can accept the entry.
func annotateCacheHeaders(h http.Header, body []byte) {
	if h.Get("ETag") == "" {
		sum := sha1.Sum(body)
		h.Set("ETag", `"`+hex.EncodeToString(sum[:8])+`"`)
	}
	if h.Get("Cache-Control") == "" && h.Get("Expires") == "" {
		h.Set("Cache-Control", "public, max-age=3600")
	}
	if h.Get("Last-Modified") == "" {
		h.Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
	}
}
