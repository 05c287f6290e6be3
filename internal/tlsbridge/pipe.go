// File: internal/tlsbridge/pipe.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// ciphertextPipe is the in-memory net.Conn substitute that lets
// crypto/tls's blocking Read/Write contract be driven by the reactor's
// non-blocking socket bytes: the reactor feeds bytes it read off the
// raw fd into inbound, and drains bytes crypto/tls wants to send from
// outbound. No syscalls happen here; it is pure buffering.

package tlsbridge

import (
	"bytes"
	"io"
	"net"
	"sync"
	"time"
)

type ciphertextPipe struct {
	mu       sync.Mutex
	cond     *sync.Cond
	inbound  bytes.Buffer
	outbound bytes.Buffer
	closed   bool
}

func newCiphertextPipe() *ciphertextPipe {
	p := &ciphertextPipe{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *ciphertextPipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.inbound.Len() == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.inbound.Len() == 0 {
		return 0, io.EOF
	}
	return p.inbound.Read(b)
}

func (p *ciphertextPipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	n, err := p.outbound.Write(b)
	p.cond.Broadcast()
	return n, err
}

func (p *ciphertextPipe) feed(b []byte) {
	p.mu.Lock()
	p.inbound.Write(b)
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *ciphertextPipe) drain() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.outbound.Len() == 0 {
		return nil
	}
	out := make([]byte, p.outbound.Len())
	_, _ = p.outbound.Read(out)
	return out
}

func (p *ciphertextPipe) pendingWrite() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outbound.Len() > 0
}

func (p *ciphertextPipe) Close() error {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	return nil
}

func (p *ciphertextPipe) LocalAddr() net.Addr              { return pipeAddr{} }
func (p *ciphertextPipe) RemoteAddr() net.Addr             { return pipeAddr{} }
func (p *ciphertextPipe) SetDeadline(time.Time) error      { return nil }
func (p *ciphertextPipe) SetReadDeadline(time.Time) error  { return nil }
func (p *ciphertextPipe) SetWriteDeadline(time.Time) error { return nil }

type pipeAddr struct{}

func (pipeAddr) Network() string { return "tlsbridge" }
func (pipeAddr) String() string  { return "tlsbridge" }
