package sql_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pensieve-mcp/pensieve/internal/config"
	"github.com/pensieve-mcp/pensieve/internal/model"
	sqlstore "github.com/pensieve-mcp/pensieve/internal/plugin/store/sql"
	registrymigrate "github.com/pensieve-mcp/pensieve/internal/registry/migrate"
	registrystore "github.com/pensieve-mcp/pensieve/internal/registry/store"
	"github.com/pensieve-mcp/pensieve/internal/testutil/storetest"
	"github.com/pensieve-mcp/pensieve/internal/testutil/testpg"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T, dialect, dbURL string) (registrystore.Store, context.Context) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DatastoreType = dialect
	cfg.DBURL = dbURL
	cfg.StorageDir = t.TempDir()
	ctx := config.WithContext(context.Background(), &cfg)

	_ = sqlstore.ForceImport
	require.NoError(t, registrymigrate.RunAll(ctx))

	loader, err := registrystore.Select(dialect)
	require.NoError(t, err)
	store, err := loader(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	return store, ctx
}

func TestSQLiteStore_Contract(t *testing.T) {
	store, _ := setupTestStore(t, sqlstore.DialectSQLite, filepath.Join(t.TempDir(), "pensieve.db"))
	storetest.Run(t, store)
}

func TestPostgresStore_Contract(t *testing.T) {
	store, _ := setupTestStore(t, sqlstore.DialectPostgres, testpg.StartPostgres(t))
	storetest.Run(t, store)
}

func TestSQLiteStore_DefaultsToStorageDir(t *testing.T) {
	store, ctx := setupTestStore(t, sqlstore.DialectSQLite, "mongodb://localhost:27017")

	conv := &model.Conversation{ID: "c1", OwnerID: "u1", Messages: []model.Message{}, Metadata: map[string]any{}}
	require.NoError(t, store.PutConversation(ctx, conv))
	require.FileExists(t, filepath.Join(config.FromContext(ctx).StorageDir, "pensieve.db"))
}

func TestSQLiteStore_LikeWildcardsAreLiteral(t *testing.T) {
	store, ctx := setupTestStore(t, sqlstore.DialectSQLite, filepath.Join(t.TempDir(), "pensieve.db"))

	plain := &model.Conversation{
		ID:       "plain",
		OwnerID:  "u1",
		Messages: []model.Message{{Role: model.RoleUser, Content: "one hundred"}},
		Metadata: map[string]any{},
	}
	percent := &model.Conversation{
		ID:       "percent",
		OwnerID:  "u1",
		Messages: []model.Message{{Role: model.RoleUser, Content: "100% done_now"}},
		Metadata: map[string]any{},
	}
	require.NoError(t, store.PutConversation(ctx, plain))
	require.NoError(t, store.PutConversation(ctx, percent))

	hits, err := store.SearchConversations(ctx, "u1", "%", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "percent", hits[0].ID)

	hits, err = store.SearchConversations(ctx, "u1", "e_", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "percent", hits[0].ID)
}
