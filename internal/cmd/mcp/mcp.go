// Package mcp implements the "mcp" sub-command: the conversation tools served
// over the Model Context Protocol, either straight from a local store or as a
// proxy in front of a pensieve HTTP server.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/mark3labs/mcp-go/server"
	"github.com/pensieve-mcp/pensieve/internal/client"
	"github.com/pensieve-mcp/pensieve/internal/cmd/flags"
	"github.com/pensieve-mcp/pensieve/internal/cmd/serve"
	"github.com/pensieve-mcp/pensieve/internal/config"
	"github.com/pensieve-mcp/pensieve/internal/plugin/route/system"
	"github.com/pensieve-mcp/pensieve/internal/service"
	"github.com/pensieve-mcp/pensieve/internal/tools"
	"github.com/urfave/cli/v3"
)

// Command returns the mcp sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	cfg.DatastoreType = "file"
	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve the conversation tools over MCP (stdio or streamable HTTP)",
		Flags: append(append(mcpFlags(&cfg), flags.Datastore(&cfg)...), flags.Cache(&cfg)...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := cfg.ApplyCompatFromEnv(); err != nil {
				return err
			}
			switch cfg.MCPTransport {
			case config.MCPTransportStdio, config.MCPTransportHTTP:
			default:
				return cli.Exit(fmt.Sprintf("invalid --transport %q (stdio|http)", cfg.MCPTransport), 1)
			}
			// stdout carries the protocol on stdio.
			log.SetOutput(os.Stderr)
			return run(config.WithContext(ctx, &cfg), &cfg)
		},
	}
}

func mcpFlags(cfg *config.Config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "mode",
			Category:    "MCP:",
			Sources:     cli.EnvVars("PENSIEVE_MCP_MODE"),
			Destination: &cfg.MCPMode,
			Value:       cfg.MCPMode,
			Usage:       "Where conversations live: local (a datastore opened in-process) or proxy (a pensieve HTTP server)",
		},
		&cli.StringFlag{
			Name:        "transport",
			Category:    "MCP:",
			Sources:     cli.EnvVars("PENSIEVE_MCP_TRANSPORT"),
			Destination: &cfg.MCPTransport,
			Value:       cfg.MCPTransport,
			Usage:       "MCP transport (stdio|http)",
		},
		&cli.StringFlag{
			Name:        "listen",
			Category:    "MCP:",
			Sources:     cli.EnvVars("PENSIEVE_MCP_LISTEN"),
			Destination: &cfg.MCPAddress,
			Value:       cfg.MCPAddress,
			Usage:       "Listen address for the http transport",
		},
		&cli.StringFlag{
			Name:        "owner",
			Category:    "MCP:",
			Sources:     cli.EnvVars("PENSIEVE_MCP_OWNER"),
			Destination: &cfg.MCPOwner,
			Value:       cfg.MCPOwner,
			Usage:       "Owner of the conversations in local mode",
		},
		&cli.StringFlag{
			Name:        "api-url",
			Category:    "Proxy:",
			Sources:     cli.EnvVars("PENSIEVE_API_URL"),
			Destination: &cfg.APIURL,
			Value:       cfg.APIURL,
			Usage:       "Base URL of the pensieve HTTP server (proxy mode)",
		},
		&cli.StringFlag{
			Name:        "api-token",
			Category:    "Proxy:",
			Sources:     cli.EnvVars("PENSIEVE_API_TOKEN"),
			Destination: &cfg.APIToken,
			Usage:       "Bearer token used by sessions that have not logged in (proxy mode)",
		},
		&cli.DurationFlag{
			Name:        "api-timeout",
			Category:    "Proxy:",
			Sources:     cli.EnvVars("PENSIEVE_API_TIMEOUT"),
			Destination: &cfg.APITimeout,
			Value:       cfg.APITimeout,
			Usage:       "Timeout of a single API request (proxy mode)",
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	backend, closeBackend, err := newBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	s := tools.NewServer(backend, tools.Options{Name: "pensieve-mcp", Version: system.Version})

	if cfg.MCPTransport == config.MCPTransportStdio {
		log.Info("Serving MCP over stdio", "mode", cfg.MCPMode)
		return server.ServeStdio(s, server.WithErrorLogger(log.StandardLog()))
	}

	httpServer := server.NewStreamableHTTPServer(s)
	errCh := make(chan error, 1)
	go func() {
		log.Info("Serving MCP over streamable HTTP", "mode", cfg.MCPMode, "addr", cfg.MCPAddress)
		errCh <- httpServer.Start(cfg.MCPAddress)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		log.Info("Shutting down MCP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeout)*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}

func newBackend(ctx context.Context, cfg *config.Config) (tools.Backend, func(), error) {
	switch cfg.MCPMode {
	case config.MCPModeLocal:
		if cfg.MCPOwner == "" {
			return nil, nil, cli.Exit("--owner must not be empty", 1)
		}
		store, err := serve.OpenStore(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		log.Info("Opened local datastore", "datastore", cfg.DatastoreType, "dir", cfg.ResolvedStorageDir(), "owner", cfg.MCPOwner)
		closeStore := func() {
			if err := store.Close(context.Background()); err != nil {
				log.Warn("Failed to close datastore", "err", err)
			}
		}
		return &tools.Local{API: service.NewConversations(store).For(cfg.MCPOwner)}, closeStore, nil
	case config.MCPModeProxy:
		c, err := client.New(cfg.APIURL, cfg.APITimeout)
		if err != nil {
			return nil, nil, cli.Exit(err.Error(), 1)
		}
		log.Info("Proxying to pensieve API", "url", cfg.APIURL, "seeded", cfg.APIToken != "")
		return &tools.Proxy{Client: c, Sessions: tools.NewSessions(), DefaultToken: cfg.APIToken}, func() {}, nil
	}
	return nil, nil, cli.Exit(fmt.Sprintf("invalid --mode %q (local|proxy)", cfg.MCPMode), 1)
}
