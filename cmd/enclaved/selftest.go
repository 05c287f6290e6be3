// File: cmd/enclaved/selftest.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// selftest binds the configured reactor on an ephemeral address, issues
// one loopback TLS request against the built-in /healthz route, and
// reports pass/fail -- a deployment smoke test mirroring the callin
// surface's perform_test entrypoint named in SPEC_FULL.md.

package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/momentics/enclavehttp/internal/config"
	"github.com/momentics/enclavehttp/internal/coreserver"
	"github.com/momentics/enclavehttp/internal/router"
)

func newSelftestCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "selftest",
		Short: "bind the configured reactor and probe /healthz once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSelftest(*configPath)
		},
	}
}

func runSelftest(configPath string) error {
	store, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg := store.Current()
	cfg.ListenAddress = "127.0.0.1:0"

	tlsConfig, err := cfg.TLSConfig()
	if err != nil {
		return fmt.Errorf("loading TLS material: %w", err)
	}

	r := router.New()
	registerBuiltinRoutes(r)

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	srv, err := coreserver.New(coreserver.Config{
		Address:          "127.0.0.1:0",
		TLSConfig:        tlsConfig,
		Router:           r,
		MaxBytesReceived: cfg.MaxBytesReceived,
		RequestTimeout:   cfg.RequestTimeout,
		ExecTimeout:      cfg.ExecTimeout,
		MaxDefersQueue:   cfg.MaxDefersQueue,
		MaxFuturesQueue:  cfg.MaxFuturesQueue,
		Log:              log,
	})
	if err != nil {
		return fmt.Errorf("binding selftest listener: %w", err)
	}

	addr := srv.ListenAddr()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	ok, perr := probeHealthz(addr)
	cancel()
	<-done

	if perr != nil {
		return fmt.Errorf("selftest probe failed: %w", perr)
	}
	if !ok {
		return fmt.Errorf("selftest probe returned an unhealthy response")
	}
	fmt.Println("selftest: ok")
	return nil
}

func probeHealthz(addr string) (bool, error) {
	deadline := time.Now().Add(2 * time.Second)
	var raw net.Conn
	var err error
	for {
		raw, err = net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return false, err
		}
		time.Sleep(10 * time.Millisecond)
	}

	client := tls.Client(raw, &tls.Config{InsecureSkipVerify: true})
	defer client.Close()
	if err := client.SetDeadline(time.Now().Add(2 * time.Second)); err != nil {
		return false, err
	}
	if _, err := client.Write([]byte("GET /healthz HTTP/1.1\r\nHost: selftest\r\nConnection: close\r\n\r\n")); err != nil {
		return false, err
	}

	buf := make([]byte, 4096)
	read := 0
	for read < len(buf) {
		n, rerr := client.Read(buf[read:])
		read += n
		if rerr != nil {
			break
		}
	}
	return strings.Contains(string(buf[:read]), "200"), nil
}
