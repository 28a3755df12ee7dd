package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/pensieve-mcp/pensieve/internal/cmd/mcp"
	"github.com/pensieve-mcp/pensieve/internal/cmd/migrate"
	"github.com/pensieve-mcp/pensieve/internal/cmd/serve"
	"github.com/urfave/cli/v3"
)

func main() {
	// A missing .env file is fine; real environment variables always win.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn("Failed to read .env", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "pensieve",
		Usage: "Conversation memory for AI assistants",
		Commands: []*cli.Command{
			serve.Command(),
			migrate.Command(),
			mcp.Command(),
		},
	}
	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
