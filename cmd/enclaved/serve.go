// File: cmd/enclaved/serve.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/momentics/enclavehttp/internal/config"
	"github.com/momentics/enclavehttp/internal/control"
	"github.com/momentics/enclavehttp/internal/coreserver"
	"github.com/momentics/enclavehttp/internal/router"
	"github.com/momentics/enclavehttp/pool"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the reactor loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath)
		},
	}
}

func runServe(configPath string) error {
	store, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg := store.Current()

	log := logrus.StandardLogger()
	log.SetFormatter(&logrus.JSONFormatter{})
	entry := log.WithField("server_token", cfg.ServerToken)

	store.OnReload(func(c config.Config) {
		entry.WithField("listen_address", c.ListenAddress).Info("configuration reloaded")
	})

	tlsConfig, err := cfg.TLSConfig()
	if err != nil {
		return fmt.Errorf("loading TLS material: %w", err)
	}

	r := router.New()
	registerBuiltinRoutes(r)

	srv, err := coreserver.New(coreserver.Config{
		Address:          cfg.ListenAddress,
		ServerToken:      cfg.ServerToken,
		TLSConfig:        tlsConfig,
		Router:           r,
		MaxBytesReceived: cfg.MaxBytesReceived,
		RequestTimeout:   cfg.RequestTimeout,
		ExecTimeout:      cfg.ExecTimeout,
		MaxDefersQueue:   cfg.MaxDefersQueue,
		MaxFuturesQueue:  cfg.MaxFuturesQueue,
		BufferPool:       pool.NewBufferPoolManager().GetPool(0),
		Log:              log,
	})
	if err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	facade := control.NewFacade(store, srv.Metrics(), srv.Debug())
	store.OnReload(func(config.Config) { facade.NotifyReload() })
	facade.OnReload(func() { entry.Info("control facade observed a configuration reload") })

	entry.WithField("listen_address", cfg.ListenAddress).Info("reactor listening")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return srv.Run(ctx)
}

// registerBuiltinRoutes wires the always-present health endpoint the
// selftest subcommand also exercises.
func registerBuiltinRoutes(r *router.Router) {
	r.GET("/healthz", func(ctx context.Context, rc any) (any, error) {
		return []byte("ok"), nil
	})
}
