// Package tunnel terminates CONNECT tunnels for relay domains: it presents a
// locally issued certificate to the browser, decrypts the HTTPS stream and
// feeds the plaintext requests through the descriptor pipeline.
package tunnel

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/relaybridge/relaybridge/pkg/cert"
	"github.com/relaybridge/relaybridge/pkg/front"
	"github.com/relaybridge/relaybridge/pkg/logger"
)

// Adapter satisfies front.TunnelHandler.
type Adapter struct {
	ca       *cert.CA
	pipeline *front.Pipeline
	log      logger.Logger
}

func NewAdapter(ca *cert.CA, pipeline *front.Pipeline, log logger.Logger) *Adapter {
	return &Adapter{ca: ca, pipeline: pipeline, log: log}
}

// Handle takes over a CONNECT connection after the 200 was sent. The TLS
// handshake is fatal for the tunnel (a client that rejects our CA cannot be
// served); request-level failures produce a synthetic error response and the
// loop continues. ctx cancellation aborts the relay wait of an in-flight
// request.
func (a *Adapter) Handle(ctx context.Context, conn net.Conn, host string) {
	tlsConf, err := a.ca.ServerTLSConfig(host)
	if err != nil {
		a.log.Error("tunnel %s: issue certificate: %v", host, err)
		return
	}

	tlsConn := tls.Server(conn, tlsConf)
	defer tlsConn.Close()
	if err := tlsConn.Handshake(); err != nil {
		a.log.Warn("tunnel %s: handshake: %v", host, err)
		return
	}

	a.serveLoop(ctx, tlsConn, host)
}

func (a *Adapter) serveLoop(ctx context.Context, tlsConn *tls.Conn, host string) {
	br := bufio.NewReader(tlsConn)
	for {
		req, err := http.ReadRequest(br)
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				a.log.Debug("tunnel %s: read: %v", host, err)
			}
			return
		}

		rawURL := tunneledURL(req, host)
		if err := a.dispatch(ctx, tlsConn, req, rawURL); err != nil {
			a.log.Warn("tunnel %s: %s: %v", host, rawURL, err)
			writeTunnelError(tlsConn, err)
		}
	}
}

func (a *Adapter) dispatch(ctx context.Context, tlsConn *tls.Conn, req *http.Request, rawURL string) error {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
	}

	delivery, err := a.pipeline.Relay(ctx, req.Method, rawURL, req.Header, body, true)
	if err != nil {
		return err
	}

	header := delivery.Header.Clone()
	// The browser multiplexes over the tunnel one request at a time; closing
	// after each response keeps framing simple, and clients reconnect cheaply
	// through the kept-open CONNECT.
	header.Set("Connection", "close")
	if err := writeHTTPResponse(tlsConn, delivery.Status, header, delivery.Body); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	delivery.Cleanup()
	return nil
}

// tunneledURL rebuilds the absolute https URL from the in-tunnel request
// line, which carries only the path.
func tunneledURL(req *http.Request, host string) string {
	u := url.URL{
		Scheme:   "https",
		Host:     host,
		Path:     req.URL.Path,
		RawQuery: req.URL.RawQuery,
	}
	if req.Host != "" {
		u.Host = req.Host
	}
	return u.String()
}

func writeTunnelError(w io.Writer, cause error) {
	status := http.StatusInternalServerError
	if errors.Is(cause, front.ErrTimeout) {
		status = http.StatusGatewayTimeout
	}
	h := make(http.Header)
	h.Set("Content-Type", "text/plain")
	h.Set("Connection", "close")
	writeHTTPResponse(w, status, h, []byte("relay failed\n"))
}

func writeHTTPResponse(w io.Writer, status int, header http.Header, body []byte) error {
	text := http.StatusText(status)
	if text == "" {
		text = "Status"
	}
	if _, err := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n", status, text); err != nil {
		return err
	}
	if header == nil {
		header = make(http.Header)
	}
	header.Del("Content-Length")
	header.Del("Transfer-Encoding")
	for key, values := range header {
		for _, v := range values {
			if _, err := fmt.Fprintf(w, "%s: %s\r\n", key, v); err != nil {
				return err
			}
		}
	}
	if status != http.StatusNotModified {
		if _, err := fmt.Fprintf(w, "Content-Length: %d\r\n", len(body)); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w, "\r\n"); err != nil {
		return err
	}
	if len(body) > 0 && status != http.StatusNotModified {
		_, err := w.Write(body)
		return err
	}
	return nil
}
