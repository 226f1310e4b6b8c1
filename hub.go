package main

import (
	"fmt"
	"net"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/cartsync/internal/remote"
)

func newHubCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Serve a shared group store over WebSocket",
		Long: `Run the hub that devices sync through. The hub keeps every group's
documents in memory and streams changes to subscribed devices.

Devices authenticate with one of the configured bearer tokens
([hub] tokens). With no tokens configured the hub accepts anyone.`,
		RunE: runHub,
	}

	cmd.Flags().String("listen", "", "address to listen on (overrides [hub] listen)")

	return cmd
}

func runHub(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	logger := cc.Logger

	addr := cc.Cfg.Hub.Listen
	if cmd.Flags().Changed("listen") {
		addr, _ = cmd.Flags().GetString("listen")
	}

	if len(cc.Cfg.Hub.Tokens) == 0 {
		logger.Warn("hub has no tokens configured, accepting unauthenticated devices")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	ctx := shutdownContext(cmd.Context(), logger)

	mem := remote.NewMemStore(logger)
	defer mem.Close()

	srv := remote.NewServer(mem, cc.Cfg.Hub.Tokens, logger)

	cc.Statusf("Hub listening on ws://%s/v1/ws\n", ln.Addr().String())

	return srv.Serve(ctx, ln)
}
