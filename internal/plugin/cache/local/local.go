// Package local provides a bounded in-process conversation cache.
package local

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/pensieve-mcp/pensieve/internal/config"
	"github.com/pensieve-mcp/pensieve/internal/model"
	registrycache "github.com/pensieve-mcp/pensieve/internal/registry/cache"
)

const (
	defaultMaxEntries = 10000
	defaultTTL        = 10 * time.Minute
)

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "local",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.ConversationCache, error) {
	maxEntries := int64(defaultMaxEntries)
	ttl := defaultTTL
	if cfg := config.FromContext(ctx); cfg != nil {
		if cfg.CacheMaxEntries > 0 {
			maxEntries = cfg.CacheMaxEntries
		}
		if cfg.CacheTTL > 0 {
			ttl = cfg.CacheTTL
		}
	}
	return New(maxEntries, ttl)
}

// Cache keeps at most maxEntries records; each record costs 1.
type Cache struct {
	cache *ristretto.Cache[string, *model.Conversation]
	ttl   time.Duration
}

// New creates a local cache.
func New(maxEntries int64, ttl time.Duration) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, *model.Conversation]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("local cache: %w", err)
	}
	return &Cache{cache: c, ttl: ttl}, nil
}

func (c *Cache) Available() bool { return true }

// Get returns a copy so callers may mutate the record freely.
func (c *Cache) Get(_ context.Context, id string) (*model.Conversation, error) {
	conv, ok := c.cache.Get(id)
	if !ok {
		return nil, nil
	}
	return conv.Clone(), nil
}

func (c *Cache) Set(_ context.Context, conv *model.Conversation) error {
	c.cache.SetWithTTL(conv.ID, conv.Clone(), 1, c.ttl)
	// Writes are buffered; wait so the next Get observes this value.
	c.cache.Wait()
	return nil
}

func (c *Cache) Remove(_ context.Context, id string) error {
	c.cache.Del(id)
	c.cache.Wait()
	return nil
}

// Close stops the cache's background goroutines.
func (c *Cache) Close() {
	c.cache.Close()
}

var _ registrycache.ConversationCache = (*Cache)(nil)
