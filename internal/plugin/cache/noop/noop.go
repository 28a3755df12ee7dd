package noop

import (
	"context"

	"github.com/pensieve-mcp/pensieve/internal/model"
	"github.com/pensieve-mcp/pensieve/internal/registry/cache"
)

func init() {
	cache.Register(cache.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (cache.ConversationCache, error) {
			return Cache{}, nil
		},
	})
}

// Cache never holds anything.
type Cache struct{}

func (Cache) Available() bool { return false }
func (Cache) Get(context.Context, string) (*model.Conversation, error) {
	return nil, nil
}
func (Cache) Set(context.Context, *model.Conversation) error { return nil }
func (Cache) Remove(context.Context, string) error           { return nil }

var _ cache.ConversationCache = Cache{}
