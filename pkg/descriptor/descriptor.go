// Package descriptor defines the file-serialized request/response records the
// Front Proxy and Fetcher exchange, and the content classification used to
// order and cache them.
package descriptor

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// EncodingUTF8 marks a body stored as plain text.
	EncodingUTF8 = "utf-8"
	// EncodingBase64 marks a body that was not valid UTF-8 and is stored base64-encoded.
	EncodingBase64 = "base64"
)

// hop-by-hop headers must never cross the relay: the file exchange is not a
// true stream, so connection-scoped semantics would be a lie on the far side.
var hopByHopHeaders = []string{
	"Transfer-Encoding",
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Upgrade",
}

// Request describes one inbound client request awaiting relay.
type Request struct {
	ID            string      `json:"id"`
	Timestamp     int64       `json:"timestamp"`
	Method        string      `json:"method"`
	URL           string      `json:"url"`
	Headers       http.Header `json:"headers"`
	Body          string      `json:"body,omitempty"`
	BodyEncoding  string      `json:"body_encoding,omitempty"`
	IsResource    bool        `json:"is_resource"`
	LikelyBinary  bool        `json:"likely_binary"`
	TunneledHTTPS bool        `json:"tunneled_https,omitempty"`
}

// NewRequest builds a Request with a fresh id and the body encoded as UTF-8
// text or base64 depending on validity.
func NewRequest(method, rawURL string, headers http.Header, body []byte) *Request {
	r := &Request{
		ID:           uuid.NewString(),
		Timestamp:    time.Now().Unix(),
		Method:       method,
		URL:          rawURL,
		Headers:      headers.Clone(),
		LikelyBinary: LikelyBinary(rawURL),
	}
	if u, err := url.Parse(rawURL); err == nil {
		r.IsResource = IsResourcePath(u.Path)
	}
	if len(body) > 0 {
		if utf8.Valid(body) {
			r.Body = string(body)
			r.BodyEncoding = EncodingUTF8
		} else {
			r.Body = base64.StdEncoding.EncodeToString(body)
			r.BodyEncoding = EncodingBase64
		}
	}
	if r.Headers == nil {
		r.Headers = http.Header{}
	}
	return r
}

// DecodedBody returns the request payload bytes.
func (r *Request) DecodedBody() ([]byte, error) {
	if r.Body == "" {
		return nil, nil
	}
	if r.BodyEncoding == EncodingBase64 {
		b, err := base64.StdEncoding.DecodeString(r.Body)
		if err != nil {
			return nil, fmt.Errorf("decode base64 request body: %w", err)
		}
		return b, nil
	}
	return []byte(r.Body), nil
}

// Class derives the content class from the request URL.
func (r *Request) Class() ContentClass {
	return ClassifyURL(r.URL)
}

// Filename returns the exchange-directory name for this request.
func (r *Request) Filename() string {
	return RequestFilename(r.ID)
}

// Response is the Fetcher's answer to one Request.
type Response struct {
	ID             string      `json:"id"`
	Timestamp      int64       `json:"timestamp"`
	Status         int         `json:"status"`
	Headers        http.Header `json:"headers"`
	Content        string      `json:"content,omitempty"`
	RawContentFile string      `json:"raw_content_file,omitempty"`
	ContentSize    int         `json:"content_size"`
	IsBinary       bool        `json:"is_binary"`
	ContentType    string      `json:"content_type,omitempty"`
	IsResource     bool        `json:"is_resource"`
}

// NewResponse builds a Response shell bound to the originating request id,
// with hop-by-hop headers already stripped.
func NewResponse(requestID string, status int, headers http.Header) *Response {
	h := headers.Clone()
	if h == nil {
		h = http.Header{}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
	return &Response{
		ID:        requestID,
		Timestamp: time.Now().Unix(),
		Status:    status,
		Headers:   h,
	}
}

// SetInlineContent embeds the payload directly in the descriptor, base64 when
// not valid UTF-8.
func (r *Response) SetInlineContent(body []byte) {
	r.ContentSize = len(body)
	r.RawContentFile = ""
	if len(body) == 0 {
		r.Content = ""
		r.IsBinary = false
		return
	}
	if utf8.Valid(body) {
		r.Content = string(body)
		r.IsBinary = false
	} else {
		r.Content = base64.StdEncoding.EncodeToString(body)
		r.IsBinary = true
	}
}

// SetRawContentFile records a reference to a side-channel content file.
func (r *Response) SetRawContentFile(name string, size int) {
	r.RawContentFile = name
	r.ContentSize = size
	r.Content = ""
	r.IsBinary = false
}

// InlineBody decodes the inline payload. Returns nil when content is carried
// by a raw content file instead.
func (r *Response) InlineBody() ([]byte, error) {
	if r.Content == "" {
		return nil, nil
	}
	if r.IsBinary {
		b, err := base64.StdEncoding.DecodeString(r.Content)
		if err != nil {
			return nil, fmt.Errorf("decode base64 response content: %w", err)
		}
		return b, nil
	}
	return []byte(r.Content), nil
}

// Filename returns the exchange-directory name for this response.
func (r *Response) Filename() string {
	return ResponseFilename(r.ID)
}

// NewErrorResponse synthesizes a status-500 descriptor carrying the error text,
// so the far side receives something rather than waiting out its timeout.
func NewErrorResponse(requestID string, err error) *Response {
	resp := NewResponse(requestID, http.StatusInternalServerError, http.Header{
		"Content-Type": []string{"text/plain"},
	})
	resp.SetInlineContent([]byte(fmt.Sprintf("relay fetch failed: %v", err)))
	return resp
}

// RequestFilename names a request descriptor file.
func RequestFilename(id string) string { return "req_" + id + ".json" }

// ResponseFilename names a response descriptor file.
func ResponseFilename(id string) string { return "resp_" + id + ".json" }

// RawContentFilename names a raw content file for the given request id and class.
func RawContentFilename(id string, ts time.Time, class ContentClass) string {
	return fmt.Sprintf("content_%s_%d.%s", id, ts.Unix(), class.FileExtension())
}

// WriteFile serializes v as JSON to path via a temp file and rename, so a
// concurrent reader never observes a partial descriptor.
func WriteFile(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal descriptor: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".desc-*")
	if err != nil {
		return fmt.Errorf("create descriptor temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write descriptor: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close descriptor temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename descriptor into place: %w", err)
	}
	return nil
}

// ReadRequestFile loads and validates a request descriptor.
func ReadRequestFile(path string) (*Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read request descriptor: %w", err)
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parse request descriptor %s: %w", filepath.Base(path), err)
	}
	if req.ID == "" || req.Method == "" || req.URL == "" {
		return nil, fmt.Errorf("request descriptor %s missing required fields", filepath.Base(path))
	}
	return &req, nil
}

// ReadResponseFile loads and validates a response descriptor.
func ReadResponseFile(path string) (*Response, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read response descriptor: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse response descriptor %s: %w", filepath.Base(path), err)
	}
	if resp.ID == "" || resp.Status == 0 {
		return nil, fmt.Errorf("response descriptor %s missing required fields", filepath.Base(path))
	}
	return &resp, nil
}

// SanitizeHeader returns a copy with hop-by-hop headers removed.
func SanitizeHeader(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		return http.Header{}
	}
	for _, name := range hopByHopHeaders {
		out.Del(name)
	}
	return out
}
