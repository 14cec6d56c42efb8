// cmd/server/mcp.go
package main

import (
	"context"
	"os/signal"
	"syscall"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
)

func mcpCmd() *cobra.Command {
	var apiKey string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP(apiKey)
		},
	}
	cmd.Flags().StringVar(&apiKey, "api-key", defaultAPIKey(), "provider key used when a tool call carries none (env "+apiKeyEnv+")")
	return cmd
}

func runMCP(apiKey string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.MCPServer(apiKey, version).Run(ctx, &sdk.StdioTransport{})
}
