package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/atlas-chat/atlas/pkg/mcp"
)

func newMCPCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve budget, billing and conversation tools over MCP on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := mcp.New(mcp.Deps{
				Store:   a.store,
				Tiers:   a.tiers,
				Budget:  a.budget,
				Billing: a.billing,
				Logger:  a.log,
			}, version)

			a.log.Infow("mcp server ready", "tools", srv.ToolNames())
			return srv.Run(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}
