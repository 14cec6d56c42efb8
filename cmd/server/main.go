// cmd/server/main.go
package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/Corphon/PersonaRelay/internal/app"
	"github.com/Corphon/PersonaRelay/internal/config"
	"github.com/Corphon/PersonaRelay/internal/utils"
)

var version = "dev"

// apiKeyEnv CLI 与 MCP 命令默认读取的供应商密钥
const apiKeyEnv = "PERSONARELAY_API_KEY"

var configPath string

func main() {
	root := &cobra.Command{
		Use:          "personarelay",
		Short:        "Persona chat relay over Gemini and OpenRouter",
		SilenceUsage: true,
	}
	root.Version = version
	root.SetVersionTemplate("{{.Version}}\n")
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (defaults to $CONFIG_FILE)")

	root.AddCommand(serveCmd())
	root.AddCommand(mcpCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(reflectCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// openApp 加载配置并构造应用，quiet 时丢弃日志
func openApp(ctx context.Context, quiet bool) (*app.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	opts := app.Options{}
	if quiet {
		opts.Logger = utils.NewNopLogger()
	}
	return app.New(ctx, cfg, opts)
}

func defaultAPIKey() string {
	return os.Getenv(apiKeyEnv)
}
