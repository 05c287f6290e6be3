// File: internal/config/config_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaultsWithNoFile(t *testing.T) {
	s, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	c := s.Current()
	if c.ListenAddress != "0.0.0.0:8443" {
		t.Fatalf("unexpected default listen address: %q", c.ListenAddress)
	}
	if c.RequestTimeout != 30*time.Second {
		t.Fatalf("unexpected default request timeout: %v", c.RequestTimeout)
	}
}

func TestLoadReadsFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "listen_address: \"127.0.0.1:9443\"\nmax_bytes_received: 2048\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	c := s.Current()
	if c.ListenAddress != "127.0.0.1:9443" {
		t.Fatalf("unexpected listen address: %q", c.ListenAddress)
	}
	if c.MaxBytesReceived != 2048 {
		t.Fatalf("unexpected max bytes received: %d", c.MaxBytesReceived)
	}
	// unset fields keep their defaults
	if c.MaxDefersQueue != 256 {
		t.Fatalf("unexpected max defers queue: %d", c.MaxDefersQueue)
	}
}

func TestOnReloadRegistersListener(t *testing.T) {
	s, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	called := make(chan Config, 1)
	s.OnReload(func(c Config) { called <- c })
	s.dispatch(s.Current())

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("reload listener was not invoked")
	}
}
