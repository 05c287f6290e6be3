// File: internal/httpcodec/request.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// HTTP/1.x request head parsing and the incremental Raw Request
// accumulator. Grounded on the teacher's explicit, allocation-aware
// parsing style in protocol/frame.go and on original_source's
// handler/codec.rs fixed-size header array (headers[16]).

package httpcodec

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	"github.com/momentics/enclavehttp/api"
)

// MaxHeaders bounds the number of headers a single request head may
// carry; a request with more is a decode fault, matching the fixed
// 16-slot header array of the reference implementation.
const MaxHeaders = 16

// Header is a single parsed request header, preserving original casing
// and insertion order.
type Header struct {
	Name  string
	Value string
}

// Head is the decoded request line plus headers.
type Head struct {
	Method  string
	URI     string
	Version string
	Headers []Header
}

func (h *Head) header(name string) (string, bool) {
	for _, hd := range h.Headers {
		if strings.EqualFold(hd.Name, name) {
			return hd.Value, true
		}
	}
	return "", false
}

// ContentLength returns the parsed Content-Length header, or 0 if absent
// or unparsable.
func (h *Head) ContentLength() int64 {
	v, ok := h.header("Content-Length")
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// UpgradeWebSocket reports whether the request carries a websocket
// upgrade per RFC 6455: Connection contains "Upgrade" and Upgrade equals
// "websocket" (case-insensitive, comma-separated tokens).
func (h *Head) UpgradeWebSocket() bool {
	conn, ok := h.header("Connection")
	if !ok || !containsToken(conn, "upgrade") {
		return false
	}
	up, ok := h.header("Upgrade")
	return ok && containsToken(up, "websocket")
}

func containsToken(value, token string) bool {
	for _, part := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// ShouldKeepAlive reports whether the connection should remain open
// after this request, per HTTP/1.0 (default close) vs HTTP/1.1 (default
// keep-alive) semantics and any explicit Connection header override.
func (h *Head) ShouldKeepAlive() bool {
	conn, hasConn := h.header("Connection")
	if hasConn && containsToken(conn, "close") {
		return false
	}
	if hasConn && containsToken(conn, "keep-alive") {
		return true
	}
	return h.Version == "HTTP/1.1"
}

// Request is the owned, fully-parsed request handed to the executor.
type Request struct {
	Method     string
	URI        string
	Version    string
	Headers    []Header
	Body       []byte
	Captures   map[string]string
	IsWebSocket bool
	keepAlive  bool
}

func (r *Request) Header(name string) (string, bool) {
	for _, hd := range r.Headers {
		if strings.EqualFold(hd.Name, name) {
			return hd.Value, true
		}
	}
	return "", false
}

// ShouldKeepAlive returns the keep-alive decision captured at parse time.
func (r *Request) ShouldKeepAlive() bool { return r.keepAlive }

// RawRequest incrementally accumulates bytes for one request per §4.3.
type RawRequest struct {
	buf           []byte
	head          *Head
	headBytes     int
	bodyStart     int
	deadline      time.Time
	contentLength int64
	upgrade       bool
}

// NewRawRequest creates an empty accumulator with the given deadline.
func NewRawRequest(deadline time.Time) *RawRequest {
	return &RawRequest{deadline: deadline}
}

// Next appends bytes and attempts to decode the head if not yet done.
func (rr *RawRequest) Next(b []byte) error {
	rr.buf = append(rr.buf, b...)
	if rr.head == nil {
		return rr.tryDecode()
	}
	return nil
}

// tryDecode attempts to parse the request head from the buffer. Leaves
// head nil on a partial parse; on success splits off the head bytes and
// keeps the remainder as body.
func (rr *RawRequest) tryDecode() error {
	head, n, err := decodeHead(rr.buf)
	if err != nil {
		return err
	}
	if head == nil {
		return nil // partial
	}
	rr.head = head
	rr.headBytes = n
	rr.bodyStart = n
	rr.contentLength = head.ContentLength()
	rr.upgrade = head.UpgradeWebSocket()
	return nil
}

// HeadDecoded reports whether the request head has been fully parsed
// yet; callers use this to distinguish "still accumulating the head"
// from an actual validation failure.
func (rr *RawRequest) HeadDecoded() bool { return rr.head != nil }

// Ready reports whether the head is decoded and the buffered body is
// at least content_length bytes.
func (rr *RawRequest) Ready() bool {
	if rr.head == nil {
		return false
	}
	return int64(len(rr.buf)-rr.bodyStart) >= rr.contentLength
}

// Validate checks the head is present and content_length is within the
// configured maximum.
func (rr *RawRequest) Validate(maxBytesReceived int64) error {
	if rr.head == nil {
		return api.NewKindError(api.KindDecodeFault, "request head not decoded")
	}
	if rr.contentLength > maxBytesReceived {
		return api.NewKindError(api.KindPayloadTooLarge, "content-length exceeds configured maximum")
	}
	return nil
}

// CheckTimeout reports whether now is past the request's deadline.
func (rr *RawRequest) CheckTimeout(now time.Time) bool {
	return now.After(rr.deadline)
}

// BufferedLen returns the total number of bytes buffered so far
// (head + body), used to compute remaining capacity against the
// connection's byte cap.
func (rr *RawRequest) BufferedLen() int { return len(rr.buf) }

// Extract consumes the accumulator into an owned Request.
func (rr *RawRequest) Extract() (*Request, error) {
	if !rr.Ready() {
		return nil, api.NewKindError(api.KindServerFault, "extract called before ready")
	}
	body := rr.buf[rr.bodyStart : rr.bodyStart+int(rr.contentLength)]
	owned := make([]byte, len(body))
	copy(owned, body)
	return &Request{
		Method:      rr.head.Method,
		URI:         rr.head.URI,
		Version:     rr.head.Version,
		Headers:     rr.head.Headers,
		Body:        owned,
		Captures:    nil,
		IsWebSocket: rr.upgrade,
		keepAlive:   rr.head.ShouldKeepAlive(),
	}, nil
}

// decodeHead parses an HTTP/1.x request head from buf. Returns (nil, 0,
// nil) on a partial head. Only HTTP/1.0 and HTTP/1.1 are accepted.
func decodeHead(buf []byte) (*Head, int, error) {
	idx := bytes.Index(buf, []byte("\r\n\r\n"))
	if idx < 0 {
		if len(buf) > 64*1024 {
			return nil, 0, api.NewKindError(api.KindDecodeFault, "request head too large")
		}
		return nil, 0, nil
	}
	headBytes := buf[:idx]
	lines := bytes.Split(headBytes, []byte("\r\n"))
	if len(lines) == 0 {
		return nil, 0, api.NewKindError(api.KindDecodeFault, "empty request head")
	}

	requestLine := strings.Fields(string(lines[0]))
	if len(requestLine) != 3 {
		return nil, 0, api.NewKindError(api.KindDecodeFault, "malformed request line")
	}
	method, uri, version := requestLine[0], requestLine[1], requestLine[2]
	if version != "HTTP/1.0" && version != "HTTP/1.1" {
		return nil, 0, api.NewKindError(api.KindDecodeFault, "unsupported HTTP version: "+version)
	}

	headerLines := lines[1:]
	if len(headerLines) > MaxHeaders {
		return nil, 0, api.NewKindError(api.KindDecodeFault, "too many headers")
	}

	headers := make([]Header, 0, len(headerLines))
	for _, line := range headerLines {
		if len(line) == 0 {
			continue
		}
		sep := bytes.IndexByte(line, ':')
		if sep < 0 {
			return nil, 0, api.NewKindError(api.KindDecodeFault, "malformed header line")
		}
		name := strings.TrimSpace(string(line[:sep]))
		value := strings.TrimSpace(string(line[sep+1:]))
		headers = append(headers, Header{Name: name, Value: value})
	}

	return &Head{Method: method, URI: uri, Version: version, Headers: headers}, idx + 4, nil
}
