// File: internal/httpcodec/response.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Response builder and bit-exact wire encoder. Framing order is fixed:
// status line, Server, Content-Length, Date, then application headers,
// blank line, body -- matching the reference codec's field order so
// golden-byte comparisons in the original implementation's test suite
// still hold for this reimplementation.

package httpcodec

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/momentics/enclavehttp/api"
)

// ServerToken is the value sent in every response's Server header.
var ServerToken = "enclavehttp"

// Response is a builder for an outgoing HTTP response.
type Response struct {
	Version string
	Status  int
	Reason  string
	Headers []Header
	Body    []byte
}

// NewResponse starts a builder for the given status, defaulting Version
// to HTTP/1.1 and Reason to the standard text for status.
func NewResponse(status int) *Response {
	return &Response{
		Version: "HTTP/1.1",
		Status:  status,
		Reason:  reasonPhrase(status),
	}
}

// WithHeader appends an application header.
func (r *Response) WithHeader(name, value string) *Response {
	r.Headers = append(r.Headers, Header{Name: name, Value: value})
	return r
}

// WithBody sets the response body verbatim.
func (r *Response) WithBody(body []byte) *Response {
	r.Body = body
	return r
}

// WithJSON marshals v with the stdlib encoding/json package, sets the
// body and Content-Type header.
func (r *Response) WithJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return api.NewKindError(api.KindEncodeFault, "json marshal failed").WithContext("err", err)
	}
	r.Body = data
	r.WithHeader("Content-Type", "application/json")
	return nil
}

// FromError builds a response for a *api.KindError, mapping its kind to
// an HTTP status per the canonical table. WSClosed is never written to
// the wire by this path -- callers must intercept it before reaching
// response encoding.
func FromError(err error) *Response {
	ke := api.AsKindError(err)
	resp := NewResponse(ke.HTTPStatus())
	resp.Body = []byte(ke.Message)
	resp.WithHeader("Content-Type", "text/plain; charset=utf-8")
	return resp
}

// Encode writes the bit-exact wire representation of r:
//
//	<version> <status> <reason>\r\n
//	Server: <token>\r\n
//	Content-Length: <n>\r\n
//	Date: <imf-fixdate>\r\n
//	<application headers, one per line>\r\n
//	\r\n
//	<body>
//
// Encode fails if r.Body is absent (nil) -- a zero-length body set
// explicitly via WithBody([]byte{}) is a valid empty body and encodes
// fine; a Response nobody ever populated is a programming error, not a
// 200 with nothing in it.
func Encode(r *Response) ([]byte, error) {
	if r.Body == nil {
		return nil, api.NewKindError(api.KindEncodeFault, "response body is absent")
	}

	var buf bytes.Buffer
	buf.WriteString(r.Version)
	buf.WriteByte(' ')
	buf.WriteString(strconv.Itoa(r.Status))
	buf.WriteByte(' ')
	buf.WriteString(r.Reason)
	buf.WriteString("\r\n")

	buf.WriteString("Server: ")
	buf.WriteString(ServerToken)
	buf.WriteString("\r\n")

	buf.WriteString("Content-Length: ")
	buf.WriteString(strconv.Itoa(len(r.Body)))
	buf.WriteString("\r\n")

	buf.WriteString("Date: ")
	buf.WriteString(CachedDate())
	buf.WriteString("\r\n")

	for _, h := range r.Headers {
		buf.WriteString(h.Name)
		buf.WriteString(": ")
		buf.WriteString(h.Value)
		buf.WriteString("\r\n")
	}

	buf.WriteString("\r\n")
	buf.Write(r.Body)
	return buf.Bytes(), nil
}

// Decode parses a full response buffer, used by internal/httpclient to
// interpret outbound call replies. Unlike request decoding this does
// not need incremental accumulation semantics of its own; httpclient
// wraps RawRequest-style buffering around it directly.
func Decode(buf []byte) (*Response, int, error) {
	idx := bytes.Index(buf, []byte("\r\n\r\n"))
	if idx < 0 {
		return nil, 0, nil
	}
	headPart := buf[:idx]
	lines := bytes.Split(headPart, []byte("\r\n"))
	if len(lines) == 0 {
		return nil, 0, api.NewKindError(api.KindDecodeFault, "empty response head")
	}

	statusLine := bytes.Fields(lines[0])
	if len(statusLine) < 2 {
		return nil, 0, api.NewKindError(api.KindDecodeFault, "malformed status line")
	}
	version := string(statusLine[0])
	status, err := strconv.Atoi(string(statusLine[1]))
	if err != nil {
		return nil, 0, api.NewKindError(api.KindDecodeFault, "malformed status code")
	}
	reason := ""
	if len(statusLine) > 2 {
		reason = string(bytes.Join(statusLine[2:], []byte(" ")))
	}

	var headers []Header
	var contentLength int64
	for _, line := range lines[1:] {
		if len(line) == 0 {
			continue
		}
		sep := bytes.IndexByte(line, ':')
		if sep < 0 {
			return nil, 0, api.NewKindError(api.KindDecodeFault, "malformed response header")
		}
		name := string(bytes.TrimSpace(line[:sep]))
		value := string(bytes.TrimSpace(line[sep+1:]))
		headers = append(headers, Header{Name: name, Value: value})
		if strings.EqualFold(name, "Content-Length") {
			n, perr := strconv.ParseInt(value, 10, 64)
			if perr == nil && n >= 0 {
				contentLength = n
			}
		}
	}

	bodyStart := idx + 4
	if int64(len(buf)-bodyStart) < contentLength {
		return nil, 0, nil // partial
	}
	body := buf[bodyStart : bodyStart+int(contentLength)]
	owned := make([]byte, len(body))
	copy(owned, body)

	return &Response{
		Version: version,
		Status:  status,
		Reason:  reason,
		Headers: headers,
		Body:    owned,
	}, bodyStart + int(contentLength), nil
}

func reasonPhrase(status int) string {
	switch status {
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 204:
		return "No Content"
	case 226:
		return "IM Used"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Found"
	case 304:
		return "Not Modified"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 408:
		return "Request Timeout"
	case 413:
		return "Payload Too Large"
	case 500:
		return "Internal Server Error"
	case 502:
		return "Bad Gateway"
	case 504:
		return "Gateway Timeout"
	default:
		return "Unknown"
	}
}
