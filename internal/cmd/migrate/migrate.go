package migrate

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/pensieve-mcp/pensieve/internal/cmd/flags"
	"github.com/pensieve-mcp/pensieve/internal/config"
	registrymigrate "github.com/pensieve-mcp/pensieve/internal/registry/migrate"
	"github.com/urfave/cli/v3"

	// Store plugins register their migrators alongside their stores.
	_ "github.com/pensieve-mcp/pensieve/internal/plugin/store/file"
	_ "github.com/pensieve-mcp/pensieve/internal/plugin/store/mongo"
	_ "github.com/pensieve-mcp/pensieve/internal/plugin/store/s3"
	_ "github.com/pensieve-mcp/pensieve/internal/plugin/store/sql"
)

// Command returns the migrate sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create the datastore schema and indexes",
		Flags: flags.Datastore(&cfg),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := cfg.ApplyCompatFromEnv(); err != nil {
				return err
			}
			// Explicitly requested, so the at-start switch does not apply.
			cfg.DatastoreMigrateAtStart = true
			ctx = config.WithContext(ctx, &cfg)

			log.Info("Running migrations...", "datastore", cfg.DatastoreType)
			if err := registrymigrate.RunAll(ctx); err != nil {
				return err
			}
			log.Info("All migrations completed successfully")
			return nil
		},
	}
}
