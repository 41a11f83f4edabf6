package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	kmcp "github.com/zepia/keygate/internal/mcp"
)

func newMCPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server for AI agents",
		Long: `Start a Model Context Protocol (MCP) server that exposes key lookup, customer
search, cancellation and the admission settings as tools for AI agents.

In stdio mode, the MCP server communicates over stdin/stdout using JSON-RPC,
suitable for clients that launch keygate as a subprocess.

In HTTP mode, the server listens on mcp.addr using the Streamable HTTP
transport.`,
		Example: `  keygate mcp                                 # stdio mode
  keygate mcp --transport http --addr :8090   # Streamable HTTP mode`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP()
		},
	}

	cmd.Flags().String("transport", "stdio", "Transport mode: stdio or http")
	cmd.Flags().String("addr", ":8090", "HTTP listen address (only used with --transport http)")

	viper.BindPFlag("mcp.transport", cmd.Flags().Lookup("transport"))
	viper.BindPFlag("mcp.addr", cmd.Flags().Lookup("addr"))

	return cmd
}

func runMCP() error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	// Logs go to stderr; stdout carries the protocol in stdio mode.
	logger := newLogger(settings, false)

	store, err := openStore(settings)
	if err != nil {
		return err
	}
	defer store.Close()

	reconciler, err := newReconciler(settings, store, nil, logger)
	if err != nil {
		return err
	}

	mcpSrv := kmcp.NewMCPServer(store, reconciler, settings, appVersion, logger)

	switch settings.MCP.Transport {
	case "stdio":
		return mcpSrv.ServeStdio()
	case "http":
		return mcpSrv.ServeHTTP(settings.MCP.Addr)
	default:
		return fmt.Errorf("unsupported transport %q; use 'stdio' or 'http'", settings.MCP.Transport)
	}
}
