// cmd/server/serve.go
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var seedPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and WebSocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(seedPath)
		},
	}
	cmd.Flags().StringVar(&seedPath, "seed", "", "YAML file with personas and groups to load before serving")
	return cmd
}

func runServe(seedPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if seedPath != "" {
		if err := a.SeedFile(ctx, seedPath); err != nil {
			return err
		}
	}
	return a.Run(ctx)
}
