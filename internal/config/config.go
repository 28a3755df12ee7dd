package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ListenerConfig holds the network/TLS settings for a single listener (main or management).
type ListenerConfig struct {
	Port              int
	EnablePlainText   bool
	EnableTLS         bool
	TLSCertFile       string
	TLSKeyFile        string
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

// DefaultJWTSecret is the development signing secret. Serving with it logs a warning.
const DefaultJWTSecret = "your-secret-key-change-in-production"

const (
	MCPModeLocal = "local"
	MCPModeProxy = "proxy"

	MCPTransportStdio = "stdio"
	MCPTransportHTTP  = "http"
)

// Config holds all configuration for pensieve.
type Config struct {
	// Datastore backend type: "mongo", "postgres", "sqlite", "file" or "s3".
	DatastoreType string

	// Database
	DBURL  string
	DBName string

	// Run datastore migrations on startup.
	DatastoreMigrateAtStart bool

	// DB pool
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Document store root for the "file" datastore.
	StorageDir string

	// S3
	S3Bucket       string
	S3Prefix       string
	S3UsePathStyle bool

	// Cache backend type: "local", "redis", "infinispan" or "none".
	CacheType       string
	CacheMaxEntries int64
	CacheTTL        time.Duration

	// Redis
	RedisURL string

	// Infinispan (RESP protocol, connects via go-redis)
	InfinispanHost     string
	InfinispanUsername string
	InfinispanPassword string

	// Tokens and passwords
	JWTSecret    string
	JWTAlgorithm string
	TokenTTL     time.Duration
	BcryptCost   int

	// SearchFulltextEnabled switches the mongo store to $text search ranked by score.
	SearchFulltextEnabled bool

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR} expansion.
	MetricsLabels string

	// Server
	Listener           ListenerConfig
	ManagementListener ListenerConfig
	// ManagementListenerEnabled is true when --management-port was explicitly provided.
	// When false, management endpoints are served on the main port.
	ManagementListenerEnabled bool
	// ManagementAccessLog enables HTTP access logging for /health, /ready and /metrics.
	ManagementAccessLog bool
	CORSEnabled         bool
	CORSOrigins         string

	// Body size limit (bytes)
	MaxBodySize int64

	// Graceful shutdown drain timeout (seconds)
	DrainTimeout int

	// MCP tool server
	MCPMode      string
	MCPTransport string
	MCPAddress   string
	MCPOwner     string
	APIURL       string
	APIToken     string
	APITimeout   time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DatastoreType:           "mongo",
		DBURL:                   "mongodb://localhost:27017",
		DBName:                  "pensieve",
		DatastoreMigrateAtStart: true,
		DBMaxOpenConns:          25,
		DBMaxIdleConns:          5,
		StorageDir:              DefaultStorageDir(),
		CacheType:               "local",
		CacheMaxEntries:         10000,
		CacheTTL:                10 * time.Minute,
		JWTSecret:               DefaultJWTSecret,
		JWTAlgorithm:            "HS256",
		TokenTTL:                24 * time.Hour,
		MetricsLabels:           "service=pensieve",
		Listener: ListenerConfig{
			Port:              8000,
			EnablePlainText:   true,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ManagementListener: ListenerConfig{
			EnablePlainText: true,
		},
		CORSEnabled:  true,
		CORSOrigins:  "*",
		MaxBodySize:  10 * 1024 * 1024,
		DrainTimeout: 30,
		MCPMode:      MCPModeLocal,
		MCPTransport: MCPTransportStdio,
		MCPAddress:   ":8090",
		MCPOwner:     "local",
		APIURL:       "http://localhost:8000",
		APITimeout:   30 * time.Second,
	}
}

// DefaultStorageDir is ~/.pensieve-mcp, or a relative .pensieve-mcp when no home directory is known.
func DefaultStorageDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".pensieve-mcp"
	}
	return filepath.Join(home, ".pensieve-mcp")
}

// ResolvedStorageDir expands a leading "~/" in StorageDir.
func (c *Config) ResolvedStorageDir() string {
	if c == nil {
		return DefaultStorageDir()
	}
	dir := strings.TrimSpace(c.StorageDir)
	if dir == "" {
		return DefaultStorageDir()
	}
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(dir, "~"))
		}
	}
	return dir
}

// UsesDefaultJWTSecret reports whether tokens would be signed with the development secret.
func (c *Config) UsesDefaultJWTSecret() bool {
	return c == nil || c.JWTSecret == "" || c.JWTSecret == DefaultJWTSecret
}
