package front

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaybridge/relaybridge/internal/config"
	"github.com/relaybridge/relaybridge/pkg/descriptor"
	"github.com/relaybridge/relaybridge/pkg/exchange"
	"github.com/relaybridge/relaybridge/pkg/logger"
)

func newTestPipeline(t *testing.T, timeout time.Duration) (*Pipeline, *exchange.Dirs) {
	t.Helper()
	dirs, err := exchange.NewDirs(t.TempDir())
	require.NoError(t, err)
	cfg := config.Front{PollTimeout: timeout}
	return NewPipeline(cfg, dirs, logger.NewNop()), dirs
}

// respondWith plays the peer: it waits for the next request descriptor and
// answers it through the given callback.
func respondWith(t *testing.T, dirs *exchange.Dirs, build func(req *descriptor.Request) *descriptor.Response) {
	t.Helper()
	go func() {
		deadline := time.After(3 * time.Second)
		for {
			select {
			case <-deadline:
				return
			case <-time.After(10 * time.Millisecond):
			}
			matches, _ := filepath.Glob(filepath.Join(dirs.Outgoing, "req_*.json"))
			if len(matches) == 0 {
				continue
			}
			req, err := descriptor.ReadRequestFile(matches[0])
			if err != nil {
				continue
			}
			resp := build(req)
			if err := descriptor.WriteFile(filepath.Join(dirs.Incoming, resp.Filename()), resp); err == nil {
				return
			}
		}
	}()
}

func TestRelayRoundTrip(t *testing.T) {
	p, dirs := newTestPipeline(t, 3*time.Second)
	respondWith(t, dirs, func(req *descriptor.Request) *descriptor.Response {
		assert.Equal(t, "GET", req.Method)
		assert.Equal(t, "https://example.com/api", req.URL)
		resp := descriptor.NewResponse(req.ID, 200, http.Header{"Content-Type": []string{"text/plain"}})
		resp.SetInlineContent([]byte("hello"))
		return resp
	})

	d, err := p.Relay(context.Background(), "GET", "https://example.com/api", nil, nil, false)
	require.NoError(t, err)
	assert.Equal(t, 200, d.Status)
	assert.Equal(t, "hello", string(d.Body))

	d.Cleanup()
	matches, _ := filepath.Glob(filepath.Join(dirs.Incoming, "resp_*.json"))
	assert.Empty(t, matches)
}

func TestRelayRewritesHTML(t *testing.T) {
	p, dirs := newTestPipeline(t, 3*time.Second)
	respondWith(t, dirs, func(req *descriptor.Request) *descriptor.Response {
		resp := descriptor.NewResponse(req.ID, 200, http.Header{"Content-Type": []string{"text/html; charset=utf-8"}})
		resp.SetInlineContent([]byte(`<a href="/about">About</a>`))
		return resp
	})

	d, err := p.Relay(context.Background(), "GET", "https://example.com/index.html", nil, nil, false)
	require.NoError(t, err)
	assert.Contains(t, string(d.Body), `href="https://example.com/about"`)
	d.Cleanup()
}

func TestRelayTimeout(t *testing.T) {
	p, _ := newTestPipeline(t, 300*time.Millisecond)
	_, err := p.Relay(context.Background(), "GET", "https://example.com/slow", nil, nil, false)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRelayContextCancel(t *testing.T) {
	p, _ := newTestPipeline(t, 10*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err := p.Relay(ctx, "GET", "https://example.com/x", nil, nil, false)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRelayRawContentFile(t *testing.T) {
	p, dirs := newTestPipeline(t, 3*time.Second)
	payload := []byte{0x89, 0x50, 0x4e, 0x47, 0x00}
	respondWith(t, dirs, func(req *descriptor.Request) *descriptor.Response {
		name := descriptor.RawContentFilename(req.ID, time.Now(), descriptor.ClassImage)
		require.NoError(t, os.WriteFile(filepath.Join(dirs.RawContent, name), payload, 0o644))
		resp := descriptor.NewResponse(req.ID, 200, http.Header{"Content-Type": []string{"image/png"}})
		resp.SetRawContentFile(name, len(payload))
		resp.IsBinary = true
		return resp
	})

	d, err := p.Relay(context.Background(), "GET", "https://example.com/logo.png", nil, nil, false)
	require.NoError(t, err)
	assert.Equal(t, payload, d.Body)

	d.Cleanup()
	matches, _ := filepath.Glob(filepath.Join(dirs.RawContent, "content_*"))
	assert.Empty(t, matches)
}

func TestRelayMissingRawContentSoftEmptyForAssets(t *testing.T) {
	p, dirs := newTestPipeline(t, 3*time.Second)
	respondWith(t, dirs, func(req *descriptor.Request) *descriptor.Response {
		resp := descriptor.NewResponse(req.ID, 200, http.Header{"Content-Type": []string{"text/css"}})
		resp.SetRawContentFile("content_gone_1.css", 1234)
		return resp
	})

	d, err := p.Relay(context.Background(), "GET", "https://example.com/app.css", nil, nil, false)
	require.NoError(t, err)
	assert.Equal(t, 200, d.Status)
	assert.Empty(t, d.Body)
	assert.Equal(t, "no-cache", d.Header.Get("Cache-Control"))
}

func TestRelayMissingRawContentHardErrorForDocuments(t *testing.T) {
	p, dirs := newTestPipeline(t, 3*time.Second)
	respondWith(t, dirs, func(req *descriptor.Request) *descriptor.Response {
		resp := descriptor.NewResponse(req.ID, 200, http.Header{"Content-Type": []string{"text/html"}})
		resp.SetRawContentFile("content_gone_1.html", 1234)
		return resp
	})

	_, err := p.Relay(context.Background(), "GET", "https://example.com/page", nil, nil, false)
	assert.ErrorIs(t, err, ErrMissingRawContent)
}

func TestRelayRepeatWithinDedupWindowAfterDelivery(t *testing.T) {
	p, dirs := newTestPipeline(t, 3*time.Second)
	respondWith(t, dirs, func(req *descriptor.Request) *descriptor.Response {
		resp := descriptor.NewResponse(req.ID, 200, http.Header{"Content-Type": []string{"text/plain"}})
		resp.SetInlineContent([]byte("hello"))
		return resp
	})

	first, err := p.Relay(context.Background(), "GET", "https://example.com/api", nil, nil, false)
	require.NoError(t, err)
	first.Cleanup()

	// The descriptor files are gone; an identical request inside the dedup
	// window must replay the delivered response, not stall polling for it.
	start := time.Now()
	second, err := p.Relay(context.Background(), "GET", "https://example.com/api", nil, nil, false)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(second.Body))
	assert.Less(t, time.Since(start), time.Second)

	// No second request descriptor was written.
	matches, _ := filepath.Glob(filepath.Join(dirs.Outgoing, "req_*.json"))
	assert.Len(t, matches, 1)
}

func TestRelayDeduplicatesConcurrentRequests(t *testing.T) {
	p, dirs := newTestPipeline(t, 3*time.Second)

	released := make(chan struct{})
	respondWith(t, dirs, func(req *descriptor.Request) *descriptor.Response {
		<-released
		resp := descriptor.NewResponse(req.ID, 200, http.Header{"Content-Type": []string{"text/plain"}})
		resp.SetInlineContent([]byte("shared"))
		return resp
	})

	var wg sync.WaitGroup
	results := make([]*Delivery, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := p.Relay(context.Background(), "GET", "https://example.com/shared", nil, nil, false)
			assert.NoError(t, err)
			results[i] = d
		}(i)
	}

	// Give all three a moment to pile onto the same in-flight descriptor.
	time.Sleep(200 * time.Millisecond)
	matches, _ := filepath.Glob(filepath.Join(dirs.Outgoing, "req_*.json"))
	assert.Len(t, matches, 1)
	close(released)
	wg.Wait()

	for _, d := range results {
		require.NotNil(t, d)
		assert.Equal(t, "shared", string(d.Body))
	}
	results[0].Cleanup()
}
