// File: internal/httpclient/future_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

//go:build linux

package httpclient

import (
	"strings"
	"testing"
	"time"
)

func TestFutureResolveThenWait(t *testing.T) {
	f := newFuture[int]()
	f.resolve(42, nil)

	v, err := f.Wait()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestFutureWaitBlocksUntilResolved(t *testing.T) {
	f := newFuture[string]()
	done := make(chan struct{})

	go func() {
		v, err := f.Wait()
		if err != nil || v != "done" {
			t.Errorf("unexpected result: %q, %v", v, err)
		}
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	f.resolve("done", nil)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after resolve")
	}
}

func TestFutureResolveIsIdempotent(t *testing.T) {
	f := newFuture[int]()
	f.resolve(1, nil)
	f.resolve(2, nil)

	v, _, ready := f.TryGet()
	if !ready || v != 1 {
		t.Fatalf("expected first resolve to win, got %d ready=%v", v, ready)
	}
}

func TestEncodeRequestFraming(t *testing.T) {
	req := Request{Method: "POST", URL: "http://example.com/widgets?x=1", Body: []byte("hi")}
	out := string(encodeRequest(req, "example.com"))
	if out[:len("POST /widgets?x=1 HTTP/1.1\r\n")] != "POST /widgets?x=1 HTTP/1.1\r\n" {
		t.Fatalf("unexpected request line: %q", out)
	}
	if !strings.Contains(out, "Content-Length: 2") {
		t.Fatalf("expected content-length header, got %q", out)
	}
	if !strings.Contains(out, "hi") {
		t.Fatalf("expected body, got %q", out)
	}
}
