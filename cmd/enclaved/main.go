// File: cmd/enclaved/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// enclaved is the reactor's process entrypoint: a cobra root command
// with `serve` (run the coreserver reactor loop until signalled) and
// `selftest` (bind, issue one loopback request against the router, and
// report pass/fail) subcommands, mirroring the callin surface's
// api_server_start/perform_test split named in SPEC_FULL.md.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "enclaved",
		Short: "TLS-terminating HTTP/1.1 and WebSocket reactor",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML/TOML/JSON config file")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newSelftestCmd(&configPath))
	return root
}
