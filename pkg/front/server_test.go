package front

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaybridge/relaybridge/internal/config"
	"github.com/relaybridge/relaybridge/pkg/cache"
	"github.com/relaybridge/relaybridge/pkg/descriptor"
	"github.com/relaybridge/relaybridge/pkg/exchange"
	"github.com/relaybridge/relaybridge/pkg/logger"
)

func startTestServer(t *testing.T, cfg config.Front, timeout time.Duration) (*Server, *exchange.Dirs, *http.Client) {
	t.Helper()
	dirs, err := exchange.NewDirs(t.TempDir())
	require.NoError(t, err)
	cfg.PollTimeout = timeout
	cfg.CacheEnabled = true

	pipeline := NewPipeline(cfg, dirs, logger.NewNop())
	static := cache.NewStaticAssetCache(16, time.Minute)
	srv := NewServer(cfg, pipeline, static, nil, logger.NewNop())
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)

	proxyURL, err := url.Parse("http://" + srv.Addr())
	require.NoError(t, err)
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   5 * time.Second,
	}
	return srv, dirs, client
}

func relayRules() config.Front {
	return config.Front{
		Rules: config.Rules{
			RelayDomains:  []string{"relay.test"},
			IgnoreDomains: []string{"tracker.test"},
		},
	}
}

func TestServerRelaysThroughDescriptors(t *testing.T) {
	_, dirs, client := startTestServer(t, relayRules(), 3*time.Second)
	respondWith(t, dirs, func(req *descriptor.Request) *descriptor.Response {
		resp := descriptor.NewResponse(req.ID, 200, http.Header{"Content-Type": []string{"text/plain"}})
		resp.SetInlineContent([]byte("relayed"))
		return resp
	})

	resp, err := client.Get("http://relay.test/api")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "MISS", resp.Header.Get("X-Cache"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "relayed", string(body))
}

func TestServerIgnoredDomainGetsEmptySuccess(t *testing.T) {
	_, _, client := startTestServer(t, relayRules(), time.Second)

	resp, err := client.Get("http://tracker.test/pixel.gif")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 200, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Empty(t, body)
}

func TestServerTimeoutDegradation(t *testing.T) {
	_, _, client := startTestServer(t, relayRules(), 300*time.Millisecond)

	// A page resource degrades to an empty success with a plausible type.
	resp, err := client.Get("http://relay.test/assets/app.css")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "text/css", resp.Header.Get("Content-Type"))

	// A query string does not hide the asset extension.
	resp, err = client.Get("http://relay.test/assets/app.css?v=2")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "text/css", resp.Header.Get("Content-Type"))

	// A document gets the honest gateway timeout.
	resp, err = client.Get("http://relay.test/page")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
}

func TestServerStopClosesIdleConnections(t *testing.T) {
	srv, _, _ := startTestServer(t, relayRules(), time.Second)

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()
	// Let the accept loop hand the connection to a handler.
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		srv.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return while a client connection sat idle")
	}
}

func TestServerStopAbortsRelayWait(t *testing.T) {
	srv, _, _ := startTestServer(t, relayRules(), 30*time.Second)

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("GET http://relay.test/page HTTP/1.1\r\nHost: relay.test\r\n\r\n"))
	require.NoError(t, err)
	// The handler is now polling for a response that will never come.
	time.Sleep(100 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		srv.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not abort the in-flight relay wait")
	}
}

func TestServerConnectToUnreachableHostIs502(t *testing.T) {
	srv, _, _ := startTestServer(t, relayRules(), time.Second)

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("CONNECT 127.0.0.1:1 HTTP/1.1\r\nHost: 127.0.0.1:1\r\n\r\n"))
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestServerServesStaticAssetsFromCache(t *testing.T) {
	_, dirs, client := startTestServer(t, relayRules(), 3*time.Second)
	respondWith(t, dirs, func(req *descriptor.Request) *descriptor.Response {
		h := http.Header{}
		h.Set("Content-Type", "text/css")
		h.Set("ETag", `"v1"`)
		h.Set("Cache-Control", "public, max-age=3600")
		resp := descriptor.NewResponse(req.ID, 200, h)
		resp.SetInlineContent([]byte("body{}"))
		return resp
	})

	first, err := client.Get("http://relay.test/main.css")
	require.NoError(t, err)
	io.ReadAll(first.Body)
	first.Body.Close()
	assert.Equal(t, "MISS", first.Header.Get("X-Cache"))

	// The responder answered once and exited: a hit must come from the cache.
	second, err := client.Get("http://relay.test/main.css")
	require.NoError(t, err)
	body, _ := io.ReadAll(second.Body)
	second.Body.Close()
	assert.Equal(t, 200, second.StatusCode)
	assert.Equal(t, "HIT", second.Header.Get("X-Cache"))
	assert.Equal(t, "body{}", string(body))

	// A matching validator downgrades the hit to 304.
	req, _ := http.NewRequest(http.MethodGet, "http://relay.test/main.css", nil)
	req.Header.Set("If-None-Match", `"v1"`)
	third, err := client.Do(req)
	require.NoError(t, err)
	third.Body.Close()
	assert.Equal(t, http.StatusNotModified, third.StatusCode)
}

func TestServerRelayFailureIs500(t *testing.T) {
	_, dirs, client := startTestServer(t, relayRules(), 3*time.Second)
	respondWith(t, dirs, func(req *descriptor.Request) *descriptor.Response {
		// References a raw file that never arrives, for a document URL.
		resp := descriptor.NewResponse(req.ID, 200, http.Header{"Content-Type": []string{"text/html"}})
		resp.SetRawContentFile("content_lost_1.html", 10)
		return resp
	})

	resp, err := client.Get("http://relay.test/page")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}
