package front

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/relaybridge/relaybridge/internal/config"
	"github.com/relaybridge/relaybridge/pkg/cache"
	"github.com/relaybridge/relaybridge/pkg/descriptor"
	"github.com/relaybridge/relaybridge/pkg/logger"
)

const (
	directDialTimeout = 10 * time.Second
	tunnelIdleTimeout = 60 * time.Second
)

// TunnelHandler terminates a CONNECT tunnel for a relay domain. The concrete
// implementation lives outside this package to keep the dependency direction
// one way (the tunnel adapter uses the Pipeline). ctx is the server lifecycle:
// its cancellation must abort any relay wait.
type TunnelHandler interface {
	Handle(ctx context.Context, conn net.Conn, host string)
}

// Server is the browser-facing proxy. Relay domains go through the descriptor
// pipeline, ignored domains get an empty success, everything else is fetched
// directly.
type Server struct {
	cfg      config.Front
	pipeline *Pipeline
	static   *cache.StaticAssetCache
	tunnel   TunnelHandler
	client   *http.Client
	log      logger.Logger

	listener net.Listener
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

func NewServer(cfg config.Front, pipeline *Pipeline, static *cache.StaticAssetCache, tunnel TunnelHandler, log logger.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		pipeline: pipeline,
		static:   static,
		tunnel:   tunnel,
		client: &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log:    log,
		stopCh: make(chan struct{}),
		conns:  make(map[net.Conn]struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Start binds the listen port and runs the accept loop until Stop.
func (s *Server) Start() error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.ListenPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.log.Info("front proxy listening on %s", addr)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listen address, usable once Start succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes the listener, aborts in-flight relay waits and closes every
// live client connection, then waits for the handlers to drain. Without the
// connection sweep an idle keep-alive client would pin a handler in its
// blocking read forever.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.cancel()
		if s.listener != nil {
			s.listener.Close()
		}
		s.connMu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.connMu.Unlock()
	})
	s.wg.Wait()
}

func (s *Server) trackConn(conn net.Conn, add bool) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.log.Error("accept: %v", err)
				continue
			}
		}
		s.wg.Add(1)
		s.trackConn(conn, true)
		go func() {
			defer s.wg.Done()
			defer s.trackConn(conn, false)
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	for {
		req, err := http.ReadRequest(br)
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				s.log.Debug("read request: %v", err)
			}
			return
		}

		if req.Method == http.MethodConnect {
			s.handleConnect(conn, req)
			return
		}
		if !s.handleHTTP(conn, req) {
			return
		}
	}
}

// handleHTTP serves one plain request; the return value says whether the
// connection can be reused for the next one.
func (s *Server) handleHTTP(conn net.Conn, req *http.Request) bool {
	target, err := s.normalizeURL(req)
	if err != nil {
		s.log.Warn("bad request url %q: %v", req.RequestURI, err)
		writeSimpleResponse(conn, http.StatusInternalServerError, "text/plain", []byte("bad request url\n"))
		return false
	}
	host := target.Hostname()

	switch {
	case s.cfg.Rules.IsIgnored(host):
		s.log.Debug("ignored host %s, empty 200", host)
		writeSimpleResponse(conn, http.StatusOK, "", nil)
		return true
	case s.cfg.Rules.IsRelay(host):
		return s.serveRelayed(conn, req, target)
	default:
		return s.serveDirect(conn, req, target)
	}
}

// normalizeURL turns the proxy request line into an absolute URL. Transparent
// requests carry only a path; the Host header (or the Referer's host) fills
// in the rest.
func (s *Server) normalizeURL(req *http.Request) (*url.URL, error) {
	u := *req.URL
	if u.Host == "" {
		u.Host = req.Host
	}
	if u.Host == "" {
		if ref, err := url.Parse(req.Header.Get("Referer")); err == nil && ref.Host != "" {
			u.Host = ref.Host
			if u.Scheme == "" {
				u.Scheme = ref.Scheme
			}
		}
	}
	if u.Host == "" {
		return nil, errors.New("no host in request line, Host header or Referer")
	}
	if u.Scheme == "" {
		u.Scheme = "http"
	}
	if s.cfg.Rules.ForceHTTPS(u.Hostname()) {
		u.Scheme = "https"
	}
	return &u, nil
}

func (s *Server) serveRelayed(conn net.Conn, req *http.Request, target *url.URL) bool {
	rawURL := target.String()

	if s.cfg.CacheEnabled && req.Method == http.MethodGet {
		if entry, ok := s.static.Get(rawURL); ok {
			s.serveCached(conn, req, entry)
			return true
		}
	}

	body, err := readBody(req)
	if err != nil {
		s.log.Warn("read body for %s: %v", rawURL, err)
		writeSimpleResponse(conn, http.StatusBadRequest, "text/plain", []byte("failed to read request body\n"))
		return false
	}

	delivery, err := s.pipeline.Relay(s.ctx, req.Method, rawURL, req.Header, body, false)
	if err != nil {
		s.writeRelayError(conn, rawURL, err)
		return true
	}

	header := delivery.Header.Clone()
	header.Set("X-Cache", "MISS")
	if err := writeResponse(conn, delivery.Status, header, delivery.Body); err != nil {
		s.log.Debug("deliver %s: %v", rawURL, err)
		return false
	}
	delivery.Cleanup()

	if s.cfg.CacheEnabled && s.static.Admit(req.Method, rawURL, delivery.Status, delivery.Header, delivery.Body) {
		s.log.Debug("cached %s (%d bytes)", rawURL, len(delivery.Body))
	}
	return true
}

// serveCached replays a cached static asset, downgrading to 304 when the
// client already holds the matching ETag.
func (s *Server) serveCached(conn net.Conn, req *http.Request, entry *cache.Entry) {
	header := entry.Headers.Clone()
	header.Set("X-Cache", "HIT")
	if inm := req.Header.Get("If-None-Match"); inm != "" && inm == entry.Headers.Get("ETag") {
		writeResponse(conn, http.StatusNotModified, header, nil)
		return
	}
	writeResponse(conn, entry.Status, header, entry.Body)
}

// writeRelayError degrades failures: timed-out page resources become empty
// successes so pages render without their decorations, everything else gets
// an honest error status.
func (s *Server) writeRelayError(conn net.Conn, rawURL string, err error) {
	switch {
	case errors.Is(err, ErrTimeout):
		if descriptor.ClassifyURL(rawURL).IsStaticAsset() {
			s.log.Warn("timeout for resource %s, serving empty body", rawURL)
			writeSimpleResponse(conn, http.StatusOK, descriptor.ContentTypeForURL(rawURL), nil)
			return
		}
		s.log.Warn("timeout for %s", rawURL)
		writeSimpleResponse(conn, http.StatusGatewayTimeout, "text/plain", []byte("upstream relay timed out\n"))
	default:
		s.log.Error("relay %s: %v", rawURL, err)
		writeSimpleResponse(conn, http.StatusInternalServerError, "text/plain", []byte("relay failed\n"))
	}
}

// serveDirect fetches a non-relay host straight from this machine.
func (s *Server) serveDirect(conn net.Conn, req *http.Request, target *url.URL) bool {
	body, err := readBody(req)
	if err != nil {
		writeSimpleResponse(conn, http.StatusBadRequest, "text/plain", []byte("failed to read request body\n"))
		return false
	}

	out, err := http.NewRequest(req.Method, target.String(), strings.NewReader(string(body)))
	if err != nil {
		writeSimpleResponse(conn, http.StatusInternalServerError, "text/plain", []byte("bad request\n"))
		return false
	}
	out.Header = descriptor.SanitizeHeader(req.Header)
	out.Header.Del("Host")

	resp, err := s.client.Do(out)
	if err != nil {
		s.log.Warn("direct fetch %s: %v", target, err)
		writeSimpleResponse(conn, http.StatusBadGateway, "text/plain", []byte("direct fetch failed\n"))
		return true
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		s.log.Warn("direct read %s: %v", target, err)
		writeSimpleResponse(conn, http.StatusBadGateway, "text/plain", []byte("direct fetch failed\n"))
		return true
	}
	return writeResponse(conn, resp.StatusCode, descriptor.SanitizeHeader(resp.Header), respBody) == nil
}

// handleConnect terminates CONNECT: relay domains hand the raw connection to
// the HTTPS tunnel adapter, anything else gets a transparent TCP tunnel.
func (s *Server) handleConnect(conn net.Conn, req *http.Request) {
	host, port, err := net.SplitHostPort(req.Host)
	if err != nil {
		host, port = req.Host, "443"
	}

	if s.cfg.Rules.IsIgnored(host) {
		s.log.Debug("ignored CONNECT %s, refusing", host)
		writeSimpleResponse(conn, http.StatusOK, "", nil)
		return
	}

	if s.cfg.Rules.IsRelay(host) {
		if s.tunnel == nil {
			s.log.Error("CONNECT %s: no tunnel handler configured", host)
			writeSimpleResponse(conn, http.StatusNotImplemented, "", nil)
			return
		}
		if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
			return
		}
		s.tunnel.Handle(s.ctx, conn, host)
		return
	}

	upstream, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), directDialTimeout)
	if err != nil {
		status := http.StatusBadGateway
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			status = http.StatusGatewayTimeout
		}
		s.log.Warn("CONNECT dial %s:%s: %v", host, port, err)
		writeSimpleResponse(conn, status, "", nil)
		return
	}
	defer upstream.Close()

	if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}

	var tw sync.WaitGroup
	tw.Add(2)
	go tunnelCopy(&tw, upstream, conn)
	go tunnelCopy(&tw, conn, upstream)
	tw.Wait()
}

// tunnelCopy relays one direction, refreshing the peer deadlines so an idle
// tunnel eventually frees both sockets.
func tunnelCopy(wg *sync.WaitGroup, dst, src net.Conn) {
	defer wg.Done()
	buf := make([]byte, 32*1024)
	for {
		src.SetReadDeadline(time.Now().Add(tunnelIdleTimeout))
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}
	// Unblock the opposite copy.
	dst.SetReadDeadline(time.Now())
}

func readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	defer req.Body.Close()
	return io.ReadAll(req.Body)
}

// writeResponse hand-writes an HTTP/1.1 response; Content-Length always
// reflects the replayed body since hop-by-hop framing was stripped upstream.
func writeResponse(conn net.Conn, status int, header http.Header, body []byte) error {
	var b strings.Builder
	text := http.StatusText(status)
	if text == "" {
		text = "Status"
	}
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, text)

	header = header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Del("Content-Length")
	header.Del("Transfer-Encoding")
	for key, values := range header {
		for _, v := range values {
			fmt.Fprintf(&b, "%s: %s\r\n", key, v)
		}
	}
	if status != http.StatusNotModified {
		fmt.Fprintf(&b, "Content-Length: %s\r\n", strconv.Itoa(len(body)))
	}
	b.WriteString("\r\n")

	if _, err := io.WriteString(conn, b.String()); err != nil {
		return err
	}
	if len(body) > 0 && status != http.StatusNotModified {
		_, err := conn.Write(body)
		return err
	}
	return nil
}

func writeSimpleResponse(conn net.Conn, status int, contentType string, body []byte) error {
	h := make(http.Header)
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	return writeResponse(conn, status, h, body)
}
