// File: internal/tlsbridge/session.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Session adapts crypto/tls's blocking Conn to the wants_read /
// wants_write / process_new_packets contract the Connection state
// machine expects, per original_source/server/connection.rs's use of
// rustls as a sans-IO black box (spec.md's explicit "TLS library used
// as a black box" non-goal). crypto/tls has no sans-IO mode, so the
// adaptation runs the handshake and application-data Read on a
// dedicated goroutine pair reading/writing through ciphertextPipe,
// while the reactor thread only ever touches plain byte slices and a
// Waker -- it never blocks.
package tlsbridge

import (
	"bytes"
	"crypto/tls"
	"io"
	"sync"

	"github.com/momentics/enclavehttp/internal/waker"
)

// Session wraps one connection's TLS state. FeedCiphertext and
// DrainCiphertext are called from the reactor thread only; ReadPlaintext
// and WritePlaintext may be called from the reactor thread as well, but
// never block past a quick mutex acquisition.
type Session struct {
	pipe  *ciphertextPipe
	conn  *tls.Conn
	waker *waker.Waker

	mu         sync.Mutex
	writeCond  *sync.Cond
	plaintext  bytes.Buffer
	handshook  bool
	closed     bool
	readErr    error
	writeQueue [][]byte
	writeErr   error
}

// NewServer wraps config in a server-side TLS session. w is triggered
// whenever new plaintext becomes available to read or new ciphertext
// becomes available to drain, so the reactor can re-poll this
// connection without spinning.
func NewServer(config *tls.Config, w *waker.Waker) *Session {
	pipe := newCiphertextPipe()
	s := &Session{
		pipe:  pipe,
		conn:  tls.Server(pipe, config),
		waker: w,
	}
	s.writeCond = sync.NewCond(&s.mu)
	go s.readLoop()
	go s.writeLoop()
	return s
}

// FeedCiphertext hands bytes read off the raw socket to the TLS layer.
func (s *Session) FeedCiphertext(b []byte) {
	if len(b) == 0 {
		return
	}
	s.pipe.feed(b)
}

// DrainCiphertext returns bytes the TLS layer wants written to the raw
// socket, or nil if there is nothing pending.
func (s *Session) DrainCiphertext() []byte {
	return s.pipe.drain()
}

// WantsWrite reports whether ciphertext is queued for the socket.
func (s *Session) WantsWrite() bool {
	return s.pipe.pendingWrite()
}

// ReadPlaintext pops any decrypted application data accumulated since
// the last call. ok is false if nothing is ready yet; err is non-nil
// once the session has failed or the peer closed it.
func (s *Session) ReadPlaintext() (data []byte, err error, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.plaintext.Len() > 0 {
		data = make([]byte, s.plaintext.Len())
		_, _ = s.plaintext.Read(data)
		return data, nil, true
	}
	if s.readErr != nil {
		return nil, s.readErr, true
	}
	if s.writeErr != nil {
		return nil, s.writeErr, true
	}
	return nil, nil, false
}

// WritePlaintext enqueues application data for encryption. It never
// blocks: the write loop drains the queue asynchronously and surfaces
// failures on the next ReadPlaintext/WritePlaintext call.
func (s *Session) WritePlaintext(b []byte) error {
	s.mu.Lock()
	if s.writeErr != nil {
		err := s.writeErr
		s.mu.Unlock()
		return err
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	s.writeQueue = append(s.writeQueue, cp)
	s.writeCond.Signal()
	s.mu.Unlock()
	return nil
}

// Write satisfies internal/wsstate.TLSWriter by enqueuing p for
// encryption and reporting it as fully accepted, matching WritePlaintext's
// fire-and-forget semantics.
func (s *Session) Write(p []byte) (int, error) {
	if err := s.WritePlaintext(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close tears down the session and its background goroutines.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.writeCond.Signal()
	s.mu.Unlock()
	return s.pipe.Close()
}

func (s *Session) readLoop() {
	buf := make([]byte, 16*1024)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.handshook = true
			s.plaintext.Write(buf[:n])
			s.mu.Unlock()
			_ = s.waker.Trigger()
		}
		if err != nil {
			s.mu.Lock()
			if s.readErr == nil {
				if err == io.EOF {
					s.readErr = io.EOF
				} else {
					s.readErr = err
				}
			}
			s.mu.Unlock()
			_ = s.waker.Trigger()
			return
		}
	}
}

func (s *Session) writeLoop() {
	for {
		s.mu.Lock()
		for len(s.writeQueue) == 0 && !s.closed {
			s.writeCond.Wait()
		}
		if len(s.writeQueue) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		next := s.writeQueue[0]
		s.writeQueue = s.writeQueue[1:]
		s.mu.Unlock()

		if _, err := s.conn.Write(next); err != nil {
			s.mu.Lock()
			s.writeErr = err
			s.mu.Unlock()
			_ = s.waker.Trigger()
			return
		}
		_ = s.waker.Trigger()
	}
}
