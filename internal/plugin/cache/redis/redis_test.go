package redis

import (
	"context"
	"testing"
	"time"

	"github.com/pensieve-mcp/pensieve/internal/model"
	"github.com/pensieve-mcp/pensieve/internal/testutil/testredis"
	"github.com/stretchr/testify/require"
)

func TestRedisCache_RoundTrip(t *testing.T) {
	url := testredis.StartRedis(t)
	ctx := context.Background()

	c, err := LoadFromURLWithTTL(ctx, url, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	miss, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	require.Nil(t, miss)

	conv := &model.Conversation{
		ID:       "c1",
		OwnerID:  "u1",
		Messages: []model.Message{{Role: model.RoleUser, Content: "hello"}},
		Metadata: map[string]any{"title": "greeting"},
	}
	require.NoError(t, c.Set(ctx, conv))

	got, err := c.Get(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "u1", got.OwnerID)
	require.Equal(t, "greeting", got.Metadata["title"])

	require.NoError(t, c.Remove(ctx, "c1"))
	got, err = c.Get(ctx, "c1")
	require.NoError(t, err)
	require.Nil(t, got)
}
