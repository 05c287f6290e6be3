// File: internal/httpcodec/httpcodec_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package httpcodec

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestRawRequestReadyAfterBody(t *testing.T) {
	rr := NewRawRequest(time.Now().Add(time.Second))
	head := "POST /widgets HTTP/1.1\r\nContent-Length: 5\r\nConnection: keep-alive\r\n\r\n"
	if err := rr.Next([]byte(head)); err != nil {
		t.Fatalf("Next(head) error: %v", err)
	}
	if rr.Ready() {
		t.Fatal("expected not ready before body arrives")
	}
	if err := rr.Next([]byte("hel")); err != nil {
		t.Fatalf("Next(partial body) error: %v", err)
	}
	if rr.Ready() {
		t.Fatal("expected not ready with partial body")
	}
	if err := rr.Next([]byte("lo")); err != nil {
		t.Fatalf("Next(rest of body) error: %v", err)
	}
	if !rr.Ready() {
		t.Fatal("expected ready once full body buffered")
	}
	req, err := rr.Extract()
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if req.Method != "POST" || req.URI != "/widgets" {
		t.Fatalf("unexpected request line: %+v", req)
	}
	if string(req.Body) != "hello" {
		t.Fatalf("unexpected body: %q", req.Body)
	}
	if !req.ShouldKeepAlive() {
		t.Fatal("expected keep-alive")
	}
}

func TestRawRequestRejectsUnsupportedVersion(t *testing.T) {
	rr := NewRawRequest(time.Now().Add(time.Second))
	err := rr.Next([]byte("GET / HTTP/2.0\r\n\r\n"))
	if err == nil {
		t.Fatal("expected decode error for HTTP/2.0")
	}
}

func TestRawRequestTimeout(t *testing.T) {
	rr := NewRawRequest(time.Now().Add(-time.Second))
	if !rr.CheckTimeout(time.Now()) {
		t.Fatal("expected timed out")
	}
}

func TestHeadUpgradeWebSocket(t *testing.T) {
	rr := NewRawRequest(time.Now().Add(time.Second))
	req := "GET /ws HTTP/1.1\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n\r\n"
	if err := rr.Next([]byte(req)); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !rr.Ready() {
		t.Fatal("expected ready with no body")
	}
	out, err := rr.Extract()
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !out.IsWebSocket {
		t.Fatal("expected IsWebSocket true")
	}
}

func TestEncodeFraming(t *testing.T) {
	resp := NewResponse(200).WithHeader("X-Test", "1").WithBody([]byte("ok"))
	out, err := Encode(resp)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	s := string(out)
	if !strings.HasPrefix(s, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("unexpected status line: %q", s)
	}
	wantOrder := []string{"Server:", "Content-Length: 2", "Date:", "X-Test: 1"}
	last := -1
	for _, w := range wantOrder {
		idx := strings.Index(s, w)
		if idx < 0 {
			t.Fatalf("missing %q in %q", w, s)
		}
		if idx < last {
			t.Fatalf("%q out of order in %q", w, s)
		}
		last = idx
	}
	if !strings.HasSuffix(s, "\r\n\r\nok") {
		t.Fatalf("unexpected body framing: %q", s)
	}
}

func TestEncodeFailsOnAbsentBody(t *testing.T) {
	resp := NewResponse(200)
	if _, err := Encode(resp); err == nil {
		t.Fatal("expected Encode to fail when Body was never set")
	}
}

func TestEncodeAllowsExplicitEmptyBody(t *testing.T) {
	resp := NewResponse(204).WithBody([]byte{})
	out, err := Encode(resp)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(out), "Content-Length: 0") {
		t.Fatalf("expected zero-length content-length, got %q", out)
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	resp := NewResponse(404).WithBody([]byte("missing"))
	encoded, err := Encode(resp)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, n, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n != len(encoded) {
		t.Fatalf("expected full consume, got %d of %d", n, len(encoded))
	}
	if decoded.Status != 404 || string(decoded.Body) != "missing" {
		t.Fatalf("unexpected decode result: %+v", decoded)
	}
}

func TestDecodePartial(t *testing.T) {
	full, err := Encode(NewResponse(200).WithBody([]byte("hello world")))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	partial := full[:len(full)-3]
	decoded, n, err := Decode(partial)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded != nil || n != 0 {
		t.Fatal("expected partial decode to report not-ready")
	}
}

func TestCachedDateStable(t *testing.T) {
	a := CachedDate()
	b := CachedDate()
	if a != b {
		t.Fatalf("expected stable date within same call burst, got %q vs %q", a, b)
	}
	if !bytes.Contains([]byte(a), []byte("GMT")) {
		t.Fatalf("expected GMT suffix, got %q", a)
	}
}
