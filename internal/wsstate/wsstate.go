// File: internal/wsstate/wsstate.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Post-upgrade WebSocket state per spec.md §4.10: buffered
// pre-activation sends, subscription fan-out dispatched through the
// executor, control-frame handling mapping protocol close states to
// WSClosed. Built on protocol/frame_codec.go and
// protocol/native_handshake.go, unifying the handshake path onto the
// already-parsed httpcodec.Request instead of re-reading from an
// io.Reader, per SPEC_FULL.md's HTTP Client Reactor / WebSocket module
// notes.

package wsstate

import (
	"strings"
	"sync"

	"github.com/momentics/enclavehttp/api"
	"github.com/momentics/enclavehttp/internal/httpcodec"
	"github.com/momentics/enclavehttp/protocol"
)

const (
	opcodeContinuation byte = 0x0
	opcodeText         byte = 0x1
	opcodeBinary       byte = 0x2
	opcodeClose        byte = 0x8
	opcodePing         byte = 0x9
	opcodePong         byte = 0xA
)

// TLSWriter is the subset of internal/tlsbridge.Session wsstate needs to
// flush frames -- kept as an interface to avoid an import cycle.
type TLSWriter interface {
	Write(p []byte) (int, error)
}

// HandlerContext aliases the untyped context a subscription handler
// receives; it is an alias (not a defined type) so its function-type
// signature stays identical to internal/reqcontext.WebSocketBinder's,
// which is what avoids an import cycle between the two packages.
type HandlerContext = any

// SubscriptionHandler processes one inbound message for a bound
// context.
type SubscriptionHandler func(ctx HandlerContext, message []byte) error

// Spawner schedules a subscription invocation on the executor rather
// than running it inline, per §4.10's "dispatch is cooperative via the
// executor".
type Spawner interface {
	Spawn(fn func() error)
}

// Deferrer posts a closure onto the owning Connection's deferral inbox,
// so it runs back on the reactor thread instead of whatever goroutine
// called Send. Post-activation Sends reach the TLS stream only through
// a closure delivered this way; Activate's flush of buffered sends and
// Handle's pong replies write to the stream directly.
type Deferrer interface {
	Defer(fn func()) error
}

// State is one connection's post-upgrade websocket state.
type State struct {
	mu            sync.Mutex
	subscriptions []SubscriptionHandler
	buffered      [][]byte
	activated     bool
	stream        TLSWriter
	ctx           HandlerContext
	spawner       Spawner
	deferrer      Deferrer
	onWriteError  func(error)
	closed        bool
}

// New creates an unactivated State with no subscriptions. onWriteError
// is invoked, on the reactor thread, if a deferred post-activation
// write fails -- there is no caller left waiting to receive the error
// by then.
func New(spawner Spawner, deferrer Deferrer, onWriteError func(error)) *State {
	return &State{spawner: spawner, deferrer: deferrer, onWriteError: onWriteError}
}

// Subscribe appends a handler invoked once per inbound message.
func (s *State) Subscribe(handler SubscriptionHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions = append(s.subscriptions, handler)
}

// Send buffers message pre-activation; once activated, it enqueues a
// deferral that writes the message through the TLS stream in the
// owning Connection's context, per spec.md's activated-send contract,
// keeping inbox order equal to write order for anything racing with
// deferral-delivered responses.
func (s *State) Send(message []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return api.NewKindError(api.KindWSClosed, "websocket is closed")
	}
	if !s.activated {
		s.buffered = append(s.buffered, message)
		return nil
	}
	return s.deferrer.Defer(func() {
		s.mu.Lock()
		err := s.writeLocked(message)
		s.mu.Unlock()
		if err != nil && s.onWriteError != nil {
			s.onWriteError(err)
		}
	})
}

// Activate binds the TLS stream and context, marks the state ready, and
// flushes any messages buffered before activation, synchronously,
// through the stream.
func (s *State) Activate(stream TLSWriter, ctx HandlerContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stream = stream
	s.ctx = ctx
	s.activated = true
	for _, msg := range s.buffered {
		if err := s.writeLocked(msg); err != nil {
			return err
		}
	}
	s.buffered = nil
	return nil
}

func (s *State) writeLocked(payload []byte) error {
	frame := &protocol.WSFrame{IsFinal: true, Opcode: opcodeText, PayloadLen: int64(len(payload)), Payload: payload}
	encoded, err := protocol.EncodeFrameToBytes(frame)
	if err != nil {
		return api.NewKindError(api.KindWSFault, "frame encode failed").WithContext("err", err)
	}
	_, werr := s.stream.Write(encoded)
	if werr != nil {
		return api.NewKindError(api.KindWSFault, "frame write failed").WithContext("err", werr)
	}
	return nil
}

// Handle reads one frame from raw, fans it out to every subscription
// via the spawner, and returns the number of bytes consumed. Control
// frames (close/ping/pong) are handled inline; close maps to WSClosed.
func (s *State) Handle(raw []byte) (int, error) {
	frame, n, err := protocol.DecodeFrameFromBytes(raw)
	if err != nil {
		return 0, api.NewKindError(api.KindWSFault, "frame decode failed").WithContext("err", err)
	}
	if frame == nil {
		return 0, nil // incomplete, wait for more bytes
	}

	switch frame.Opcode {
	case opcodeClose:
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		return n, api.NewKindError(api.KindWSClosed, "peer initiated close")
	case opcodePing:
		pong := &protocol.WSFrame{IsFinal: true, Opcode: opcodePong, PayloadLen: frame.PayloadLen, Payload: frame.Payload}
		encoded, eerr := protocol.EncodeFrameToBytes(pong)
		if eerr != nil {
			return n, api.NewKindError(api.KindWSFault, "pong encode failed").WithContext("err", eerr)
		}
		s.mu.Lock()
		stream := s.stream
		s.mu.Unlock()
		if stream != nil {
			if _, werr := stream.Write(encoded); werr != nil {
				return n, api.NewKindError(api.KindWSFault, "pong write failed").WithContext("err", werr)
			}
		}
		return n, nil
	case opcodePong:
		return n, nil
	}

	s.mu.Lock()
	handlers := append([]SubscriptionHandler{}, s.subscriptions...)
	ctx := s.ctx
	s.mu.Unlock()

	for _, h := range handlers {
		handler := h
		payload := frame.Payload
		s.spawner.Spawn(func() error { return handler(ctx, payload) })
	}
	return n, nil
}

// PreserveHeadersForHandshake adapts a parsed request head into the
// lowercase header map native_handshake.ValidateUpgradeHeaders expects.
func PreserveHeadersForHandshake(req *httpcodec.Request) map[string]string {
	out := make(map[string]string, len(req.Headers))
	for _, h := range req.Headers {
		out[strings.ToLower(h.Name)] = h.Value
	}
	return out
}
