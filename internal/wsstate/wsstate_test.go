// File: internal/wsstate/wsstate_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package wsstate_test

import (
	"bytes"
	"sync"
	"testing"

	"github.com/momentics/enclavehttp/internal/wsstate"
	"github.com/momentics/enclavehttp/protocol"
)

type inlineSpawner struct{}

func (inlineSpawner) Spawn(fn func() error) { _ = fn() }

// inlineDeferrer runs deferred closures immediately, standing in for a
// Connection's deferral inbox in tests that don't need to observe the
// queueing itself.
type inlineDeferrer struct{}

func (inlineDeferrer) Defer(fn func()) error { fn(); return nil }

// recordingDeferrer captures closures instead of running them, so a
// test can assert a write was deferred rather than performed inline.
type recordingDeferrer struct {
	mu       sync.Mutex
	deferred []func()
}

func (r *recordingDeferrer) Defer(fn func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deferred = append(r.deferred, fn)
	return nil
}

func (r *recordingDeferrer) run() {
	r.mu.Lock()
	pending := r.deferred
	r.deferred = nil
	r.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

type memStream struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (m *memStream) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.Write(p)
}

func (m *memStream) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte{}, m.buf.Bytes()...)
}

func TestSendBeforeActivationIsBuffered(t *testing.T) {
	st := wsstate.New(inlineSpawner{}, inlineDeferrer{}, nil)
	if err := st.Send([]byte("hello")); err != nil {
		t.Fatalf("Send before activation: %v", err)
	}

	stream := &memStream{}
	if err := st.Activate(stream, nil); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if len(stream.Bytes()) == 0 {
		t.Fatal("expected buffered message flushed on activation")
	}
}

func TestSendAfterActivationDefersTheWrite(t *testing.T) {
	rec := &recordingDeferrer{}
	st := wsstate.New(inlineSpawner{}, rec, nil)
	stream := &memStream{}
	if err := st.Activate(stream, nil); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := st.Send([]byte("world")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(stream.Bytes()) != 0 {
		t.Fatal("expected Send to defer the write rather than perform it inline")
	}

	rec.run()
	if len(stream.Bytes()) == 0 {
		t.Fatal("expected deferred write to reach the stream once run")
	}
}

func TestHandleFansOutToSubscriptions(t *testing.T) {
	st := wsstate.New(inlineSpawner{}, inlineDeferrer{}, nil)
	var got []byte
	st.Subscribe(func(ctx any, message []byte) error {
		got = message
		return nil
	})

	frame := &protocol.WSFrame{IsFinal: true, Opcode: 0x1, PayloadLen: 2, Payload: []byte("hi")}
	raw, err := protocol.EncodeFrameToBytes(frame)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	n, err := st.Handle(raw)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if n != len(raw) {
		t.Fatalf("expected to consume %d bytes, got %d", len(raw), n)
	}
	if string(got) != "hi" {
		t.Fatalf("expected subscription to receive payload, got %q", got)
	}
}

func TestHandleCloseReturnsWSClosed(t *testing.T) {
	st := wsstate.New(inlineSpawner{}, inlineDeferrer{}, nil)
	frame := &protocol.WSFrame{IsFinal: true, Opcode: 0x8}
	raw, err := protocol.EncodeFrameToBytes(frame)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	_, err = st.Handle(raw)
	if err == nil {
		t.Fatal("expected WSClosed error on close frame")
	}
}

func TestHandleIncompleteFrameReturnsZero(t *testing.T) {
	st := wsstate.New(inlineSpawner{}, inlineDeferrer{}, nil)
	n, err := st.Handle([]byte{0x81})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 consumed for incomplete frame, got %d", n)
	}
}
