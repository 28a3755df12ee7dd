package s3_test

import (
	"context"
	"testing"

	"github.com/pensieve-mcp/pensieve/internal/config"
	"github.com/pensieve-mcp/pensieve/internal/plugin/store/file"
	"github.com/pensieve-mcp/pensieve/internal/plugin/store/s3"
	registrystore "github.com/pensieve-mcp/pensieve/internal/registry/store"
	"github.com/pensieve-mcp/pensieve/internal/testutil/storetest"
	"github.com/pensieve-mcp/pensieve/internal/testutil/tests3"
	"github.com/stretchr/testify/require"
)

func TestS3Store_Contract(t *testing.T) {
	bucketName := tests3.StartS3(t)

	cfg := config.DefaultConfig()
	cfg.DatastoreType = "s3"
	cfg.S3Bucket = bucketName
	cfg.S3Prefix = "contract/"
	cfg.S3UsePathStyle = true
	ctx := config.WithContext(context.Background(), &cfg)

	loader, err := registrystore.Select("s3")
	require.NoError(t, err)
	store, err := loader(ctx)
	require.NoError(t, err)
	storetest.Run(t, store)
}

func TestBucket_DeleteAndList(t *testing.T) {
	bucketName := tests3.StartS3(t)
	ctx := context.Background()

	bucket, err := s3.NewBucket(ctx, bucketName, "/nested/", true)
	require.NoError(t, err)

	require.NoError(t, bucket.Put(ctx, "conversations/a.json", []byte(`{}`)))
	require.NoError(t, bucket.Put(ctx, "conversations/b.json", []byte(`{}`)))
	require.NoError(t, bucket.Put(ctx, "users/u.json", []byte(`{}`)))

	keys, err := bucket.List(ctx, "conversations")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"conversations/a.json", "conversations/b.json"}, keys)

	data, err := bucket.Get(ctx, "conversations/a.json")
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(data))

	deleted, err := bucket.Delete(ctx, "conversations/a.json")
	require.NoError(t, err)
	require.True(t, deleted)

	deleted, err = bucket.Delete(ctx, "conversations/a.json")
	require.NoError(t, err)
	require.False(t, deleted)

	_, err = bucket.Get(ctx, "conversations/a.json")
	require.ErrorIs(t, err, file.ErrNotExist)
}
