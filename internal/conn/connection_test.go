// File: internal/conn/connection_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

//go:build linux

package conn

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/enclavehttp/internal/execreactor"
	"github.com/momentics/enclavehttp/internal/router"
)

func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "enclavehttp-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

type noopRegistrar struct{}

func (noopRegistrar) RegisterRead(fd int, token uint64) error         { return nil }
func (noopRegistrar) RegisterWrite(fd int, token uint64) error        { return nil }
func (noopRegistrar) ModifyWrite(fd int, token uint64, want bool) error { return nil }
func (noopRegistrar) Deregister(fd int) error                         { return nil }

type fakeExecRegistrar struct {
	mu  sync.Mutex
	fds map[uint64]int
}

func (f *fakeExecRegistrar) RegisterRead(fd int, token uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fds == nil {
		f.fds = make(map[uint64]int)
	}
	f.fds[token] = fd
	return nil
}

func (f *fakeExecRegistrar) Deregister(fd int) error { return nil }

func (f *fakeExecRegistrar) snapshot() map[uint64]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[uint64]int, len(f.fds))
	for k, v := range f.fds {
		out[k] = v
	}
	return out
}

type fakeOwners struct {
	mu     sync.Mutex
	owners map[uint64]uint64
}

func (f *fakeOwners) RegisterTaskOwner(token, connID uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.owners == nil {
		f.owners = make(map[uint64]uint64)
	}
	f.owners[token] = connID
}

func TestConnectionServesRequestOverTLS(t *testing.T) {
	cert := selfSignedCert(t)
	serverCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	clientCfg := &tls.Config{InsecureSkipVerify: true}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	serverFD, clientFD := fds[0], fds[1]
	if err := unix.SetNonblock(serverFD, true); err != nil {
		t.Fatalf("SetNonblock: %v", err)
	}

	clientFile := os.NewFile(uintptr(clientFD), "client")
	defer clientFile.Close()
	clientRaw, err := net.FileConn(clientFile)
	if err != nil {
		t.Fatalf("FileConn: %v", err)
	}
	defer clientRaw.Close()

	r := router.New()
	r.GET("/hello", func(ctx context.Context, rc any) (any, error) {
		return []byte("hi"), nil
	})

	execReg := &fakeExecRegistrar{}
	exec := execreactor.New(execReg, 1<<32)
	owners := &fakeOwners{}

	deps := Deps{
		Router:           r,
		Exec:             exec,
		Registrar:        noopRegistrar{},
		Owners:           owners,
		MaxBytesReceived: 64 * 1024,
		RequestTimeout:   5 * time.Second,
		ExecTimeout:      5 * time.Second,
	}

	c, err := New(2, serverFD, serverCfg, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer unix.Close(serverFD)

	tlsClient := tls.Client(clientRaw, clientCfg)
	defer tlsClient.Close()

	clientDone := make(chan string, 1)
	clientErr := make(chan error, 1)
	go func() {
		if _, err := tlsClient.Write([]byte("GET /hello HTTP/1.1\r\nHost: test\r\nConnection: close\r\n\r\n")); err != nil {
			clientErr <- err
			return
		}
		buf := make([]byte, 4096)
		n, err := tlsClient.Read(buf)
		if err != nil && n == 0 {
			clientErr <- err
			return
		}
		clientDone <- string(buf[:n])
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		pollable := []unix.PollFd{{Fd: int32(serverFD), Events: unix.POLLIN}}
		for _, fd := range execReg.snapshot() {
			pollable = append(pollable, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
		}
		if _, err := unix.Poll(pollable, 20); err != nil && err != unix.EINTR {
			t.Fatalf("poll: %v", err)
		}

		if pollable[0].Revents&unix.POLLIN != 0 {
			c.HandleReadable()
		}
		c.HandleWritable()

		for token, fd := range execReg.snapshot() {
			for _, pfd := range pollable[1:] {
				if int(pfd.Fd) == fd && pfd.Revents&unix.POLLIN != 0 {
					if v, ferr, ok := exec.Ready(token); ok {
						c.HandleTaskResult(token, v, ferr)
					}
				}
			}
		}

		select {
		case got := <-clientDone:
			if !strings.Contains(got, "200") || !strings.Contains(got, "hi") {
				t.Fatalf("unexpected response: %q", got)
			}
			return
		case err := <-clientErr:
			t.Fatalf("client error: %v", err)
		default:
		}
	}
	t.Fatal("timed out waiting for response")
}
