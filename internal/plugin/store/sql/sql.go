// Package sql stores conversations and users in PostgreSQL or SQLite through gorm.
package sql

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pensieve-mcp/pensieve/internal/config"
	registrymigrate "github.com/pensieve-mcp/pensieve/internal/registry/migrate"
	registrystore "github.com/pensieve-mcp/pensieve/internal/registry/store"
	"github.com/pensieve-mcp/pensieve/internal/security"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

func init() {
	for _, dialect := range []string{DialectPostgres, DialectSQLite} {
		dialect := dialect
		registrystore.Register(registrystore.Plugin{
			Name: dialect,
			Loader: func(ctx context.Context) (registrystore.Store, error) {
				return load(ctx, dialect)
			},
		})
	}
	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &sqlMigrator{}})
}

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

func open(cfg *config.Config, dialect string) (*gorm.DB, error) {
	gcfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	switch dialect {
	case DialectPostgres:
		return gorm.Open(postgres.Open(cfg.DBURL), gcfg)
	case DialectSQLite:
		return gorm.Open(sqlite.Open(sqliteDSN(cfg)), gcfg)
	default:
		return nil, fmt.Errorf("unknown sql dialect %q", dialect)
	}
}

// sqliteDSN uses --db-url unless it still points at another kind of database,
// in which case the database lives in the storage directory.
func sqliteDSN(cfg *config.Config) string {
	url := strings.TrimSpace(cfg.DBURL)
	if url == "" || strings.Contains(url, "://") {
		return filepath.Join(cfg.ResolvedStorageDir(), "pensieve.db")
	}
	return url
}

func load(ctx context.Context, dialect string) (registrystore.Store, error) {
	cfg := config.FromContext(ctx)
	db, err := open(cfg, dialect)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", dialect, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying db: %w", err)
	}
	if dialect == DialectSQLite {
		// One connection serializes writers; SQLite has no row locks.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
		if security.DBPoolMaxConnections != nil {
			security.DBPoolMaxConnections.Set(float64(cfg.DBMaxOpenConns))
		}

		// Periodically update the open connections gauge.
		go func() {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if security.DBPoolOpenConnections != nil {
						security.DBPoolOpenConnections.Set(float64(sqlDB.Stats().OpenConnections))
					}
				}
			}
		}()
	}
	return &Store{db: db, dialect: dialect}, nil
}

type sqlMigrator struct{}

func (m *sqlMigrator) Name() string { return "sql-schema" }
func (m *sqlMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.DatastoreMigrateAtStart {
		return nil
	}
	if cfg.DatastoreType != DialectPostgres && cfg.DatastoreType != DialectSQLite {
		return nil
	}
	log.Info("Running migration", "name", m.Name(), "dialect", cfg.DatastoreType)
	db, err := open(cfg, cfg.DatastoreType)
	if err != nil {
		return fmt.Errorf("migration: failed to connect: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if err := db.WithContext(ctx).AutoMigrate(&userRow{}, &conversationRow{}); err != nil {
		return fmt.Errorf("migration: %w", err)
	}
	log.Info("SQL schema migration complete", "dialect", cfg.DatastoreType)
	return nil
}

// Store implements registrystore.Store using gorm.
type Store struct {
	db      *gorm.DB
	dialect string
}

func (s *Store) Close(context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ registrystore.Store = (*Store)(nil)
