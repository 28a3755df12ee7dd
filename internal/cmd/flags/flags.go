// Package flags holds the cli flag groups shared by the pensieve sub-commands.
// Every flag writes into a config.Config through Destination.
package flags

import (
	"strings"

	"github.com/pensieve-mcp/pensieve/internal/config"
	registrycache "github.com/pensieve-mcp/pensieve/internal/registry/cache"
	registrystore "github.com/pensieve-mcp/pensieve/internal/registry/store"
	"github.com/urfave/cli/v3"
)

// Datastore configures the conversation and user store.
func Datastore(cfg *config.Config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "db-kind",
			Category:    "Datastore:",
			Sources:     cli.EnvVars("PENSIEVE_DB_KIND"),
			Destination: &cfg.DatastoreType,
			Value:       cfg.DatastoreType,
			Usage:       "Datastore backend (" + strings.Join(registrystore.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Datastore:",
			Sources:     cli.EnvVars("PENSIEVE_DB_URL", "MONGODB_URL"),
			Destination: &cfg.DBURL,
			Value:       cfg.DBURL,
			Usage:       "Database connection URL (a file path for sqlite)",
		},
		&cli.StringFlag{
			Name:        "db-name",
			Category:    "Datastore:",
			Sources:     cli.EnvVars("PENSIEVE_DB_NAME"),
			Destination: &cfg.DBName,
			Value:       cfg.DBName,
			Usage:       "Database name (mongo)",
		},
		&cli.BoolFlag{
			Name:        "db-migrate-at-start",
			Category:    "Datastore:",
			Sources:     cli.EnvVars("PENSIEVE_DB_MIGRATE_AT_START"),
			Destination: &cfg.DatastoreMigrateAtStart,
			Value:       cfg.DatastoreMigrateAtStart,
			Usage:       "Create collections, tables and indexes on startup",
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Datastore:",
			Sources:     cli.EnvVars("PENSIEVE_DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Maximum open database connections",
		},
		&cli.IntFlag{
			Name:        "db-max-idle-conns",
			Category:    "Datastore:",
			Sources:     cli.EnvVars("PENSIEVE_DB_MAX_IDLE_CONNS"),
			Destination: &cfg.DBMaxIdleConns,
			Value:       cfg.DBMaxIdleConns,
			Usage:       "Maximum idle database connections",
		},
		&cli.StringFlag{
			Name:        "storage-dir",
			Category:    "Datastore:",
			Sources:     cli.EnvVars("PENSIEVE_STORAGE_DIR"),
			Destination: &cfg.StorageDir,
			Value:       cfg.StorageDir,
			Usage:       "Document directory for the file datastore",
		},
		&cli.StringFlag{
			Name:        "s3-bucket",
			Category:    "Datastore:",
			Sources:     cli.EnvVars("PENSIEVE_S3_BUCKET"),
			Destination: &cfg.S3Bucket,
			Usage:       "S3 bucket for the s3 datastore",
		},
		&cli.StringFlag{
			Name:        "s3-prefix",
			Category:    "Datastore:",
			Sources:     cli.EnvVars("PENSIEVE_S3_PREFIX"),
			Destination: &cfg.S3Prefix,
			Usage:       "Key prefix inside the S3 bucket",
		},
		&cli.BoolFlag{
			Name:        "s3-use-path-style",
			Category:    "Datastore:",
			Sources:     cli.EnvVars("PENSIEVE_S3_USE_PATH_STYLE"),
			Destination: &cfg.S3UsePathStyle,
			Usage:       "Use path-style S3 addressing (MinIO, LocalStack)",
		},
		&cli.BoolFlag{
			Name:        "search-fulltext",
			Category:    "Datastore:",
			Sources:     cli.EnvVars("PENSIEVE_SEARCH_FULLTEXT"),
			Destination: &cfg.SearchFulltextEnabled,
			Usage:       "Use the mongo $text index (word matching ranked by score) instead of substring search",
		},
	}
}

// Cache configures the conversation cache.
func Cache(cfg *config.Config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "cache-kind",
			Category:    "Cache:",
			Sources:     cli.EnvVars("PENSIEVE_CACHE_KIND"),
			Destination: &cfg.CacheType,
			Value:       cfg.CacheType,
			Usage:       "Conversation cache (" + strings.Join(registrycache.Names(), "|") + ")",
		},
		&cli.Int64Flag{
			Name:        "cache-max-entries",
			Category:    "Cache:",
			Sources:     cli.EnvVars("PENSIEVE_CACHE_MAX_ENTRIES"),
			Destination: &cfg.CacheMaxEntries,
			Value:       cfg.CacheMaxEntries,
			Usage:       "Maximum conversations held by the local cache",
		},
		&cli.DurationFlag{
			Name:        "cache-ttl",
			Category:    "Cache:",
			Sources:     cli.EnvVars("PENSIEVE_CACHE_TTL"),
			Destination: &cfg.CacheTTL,
			Value:       cfg.CacheTTL,
			Usage:       "Lifetime of cached conversations",
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Category:    "Cache:",
			Sources:     cli.EnvVars("PENSIEVE_REDIS_URL", "REDIS_URL"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis URL for the redis cache",
		},
		&cli.StringFlag{
			Name:        "infinispan-host",
			Category:    "Cache:",
			Sources:     cli.EnvVars("PENSIEVE_INFINISPAN_HOST"),
			Destination: &cfg.InfinispanHost,
			Usage:       "Infinispan host:port (RESP endpoint)",
		},
		&cli.StringFlag{
			Name:        "infinispan-username",
			Category:    "Cache:",
			Sources:     cli.EnvVars("PENSIEVE_INFINISPAN_USERNAME"),
			Destination: &cfg.InfinispanUsername,
			Usage:       "Infinispan username",
		},
		&cli.StringFlag{
			Name:        "infinispan-password",
			Category:    "Cache:",
			Sources:     cli.EnvVars("PENSIEVE_INFINISPAN_PASSWORD"),
			Destination: &cfg.InfinispanPassword,
			Usage:       "Infinispan password",
		},
	}
}

// Auth configures token signing and password hashing.
func Auth(cfg *config.Config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "jwt-secret",
			Category:    "Authentication:",
			Sources:     cli.EnvVars("PENSIEVE_JWT_SECRET", "JWT_SECRET"),
			Destination: &cfg.JWTSecret,
			Value:       cfg.JWTSecret,
			Usage:       "HMAC secret used to sign access tokens",
		},
		&cli.StringFlag{
			Name:        "jwt-algorithm",
			Category:    "Authentication:",
			Sources:     cli.EnvVars("PENSIEVE_JWT_ALGORITHM"),
			Destination: &cfg.JWTAlgorithm,
			Value:       cfg.JWTAlgorithm,
			Usage:       "Token signing algorithm (HS256|HS384|HS512)",
		},
		&cli.DurationFlag{
			Name:        "token-ttl",
			Category:    "Authentication:",
			Sources:     cli.EnvVars("PENSIEVE_TOKEN_TTL"),
			Destination: &cfg.TokenTTL,
			Value:       cfg.TokenTTL,
			Usage:       "Access token lifetime",
		},
		&cli.IntFlag{
			Name:        "bcrypt-cost",
			Category:    "Authentication:",
			Sources:     cli.EnvVars("PENSIEVE_BCRYPT_COST"),
			Destination: &cfg.BcryptCost,
			Usage:       "bcrypt cost factor (0 = library default)",
		},
	}
}
