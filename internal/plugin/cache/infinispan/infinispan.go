// Package infinispan provides a cache plugin that connects to Infinispan
// via its RESP (Redis protocol) endpoint, reusing the Redis cache implementation.
package infinispan

import (
	"context"
	"fmt"
	"time"

	"github.com/pensieve-mcp/pensieve/internal/config"
	"github.com/pensieve-mcp/pensieve/internal/plugin/cache/redis"
	registrycache "github.com/pensieve-mcp/pensieve/internal/registry/cache"
	goredis "github.com/redis/go-redis/v9"
)

const startupTimeout = 30 * time.Second

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "infinispan",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.ConversationCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.InfinispanHost == "" {
		return nil, fmt.Errorf("infinispan cache: PENSIEVE_INFINISPAN_HOST is required")
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	// Infinispan's RESP endpoint does not support the RESP3 HELLO command.
	opts := &goredis.Options{
		Addr:     cfg.InfinispanHost,
		Username: cfg.InfinispanUsername,
		Password: cfg.InfinispanPassword,
		Protocol: 2,
	}
	return redis.LoadFromOptionsWithTTL(timeoutCtx, opts, cfg.CacheTTL)
}
