// File: internal/coreserver/server_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

//go:build linux

package coreserver

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
	"strings"
	"testing"
	"time"

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

func freeLoopbackAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func TestServerAcceptsAndServesOneRequest(t *testing.T) {
	addr := freeLoopbackAddr(t)
	cert := selfSignedCert(t)

	r := router.New()
	r.GET("/hello", func(ctx context.Context, rc any) (any, error) {
		return []byte("hi"), nil
	})

	s, err := New(Config{
		Address:          addr,
		TLSConfig:        &tls.Config{Certificates: []tls.Certificate{cert}},
		Router:           r,
		MaxBytesReceived: 64 * 1024,
		RequestTimeout:   5 * time.Second,
		ExecTimeout:      5 * time.Second,
		MaxDefersQueue:   16,
		MaxFuturesQueue:  16,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	clientCfg := &tls.Config{InsecureSkipVerify: true}
	var raw net.Conn
	deadline := time.Now().Add(2 * time.Second)
	for {
		raw, err = net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("dial: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	tlsClient := tls.Client(raw, clientCfg)
	defer tlsClient.Close()

	if err := tlsClient.SetDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatalf("SetDeadline: %v", err)
	}
	if _, err := tlsClient.Write([]byte("GET /hello HTTP/1.1\r\nHost: test\r\nConnection: close\r\n\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 4096)
	read := 0
	for !strings.Contains(string(buf[:read]), "\r\n\r\n") && read < len(buf) {
		n, err := tlsClient.Read(buf[read:])
		if n > 0 {
			read += n
		}
		if err != nil {
			break
		}
	}
	total := string(buf[:read])

	cancel()
	<-done

	if !strings.Contains(total, "200") || !strings.Contains(total, "hi") {
		t.Fatalf("unexpected response: %q", total)
	}
}
