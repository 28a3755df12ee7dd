package serve

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pensieve-mcp/pensieve/internal/config"
	"github.com/pensieve-mcp/pensieve/internal/model"
	registrycache "github.com/pensieve-mcp/pensieve/internal/registry/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DatastoreType = "file"
	cfg.StorageDir = t.TempDir()
	cfg.CacheType = "none"
	cfg.BcryptCost = bcrypt.MinCost
	cfg.JWTSecret = "test-secret"
	cfg.Listener.Port = 0
	return cfg
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := testConfig(t)
	ctx := config.WithContext(context.Background(), &cfg)

	store, err := OpenStore(ctx, &cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	svc, err := NewServices(&cfg, store)
	require.NoError(t, err)
	router, err := NewRouter(&cfg, svc)
	require.NoError(t, err)
	return router
}

func do(t *testing.T, router http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func register(t *testing.T, router http.Handler, email string) string {
	t.Helper()
	rec := do(t, router, http.MethodPost, "/auth/register", "", map[string]string{"email": email, "password": "secret123"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[map[string]string](t, rec)
	require.Equal(t, "bearer", resp["token_type"])
	require.NotEmpty(t, resp["access_token"])
	return resp["access_token"]
}

func TestAuthRoutes(t *testing.T) {
	router := newTestRouter(t)
	register(t, router, "alice@example.com")

	t.Run("duplicate email", func(t *testing.T) {
		rec := do(t, router, http.MethodPost, "/auth/register", "", map[string]string{"email": "alice@example.com", "password": "another1"})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Equal(t, "Email already registered", decode[map[string]any](t, rec)["error"])
	})

	t.Run("short password", func(t *testing.T) {
		rec := do(t, router, http.MethodPost, "/auth/register", "", map[string]string{"email": "bob@example.com", "password": "12345"})
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("malformed email", func(t *testing.T) {
		rec := do(t, router, http.MethodPost, "/api/register", "", map[string]string{"email": "not-an-email", "password": "secret123"})
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("missing body fields", func(t *testing.T) {
		rec := do(t, router, http.MethodPost, "/auth/login", "", map[string]string{"email": "alice@example.com"})
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("login", func(t *testing.T) {
		rec := do(t, router, http.MethodPost, "/api/login", "", map[string]string{"email": "alice@example.com", "password": "secret123"})
		require.Equal(t, http.StatusOK, rec.Code)
		token := decode[map[string]string](t, rec)["access_token"]

		me := do(t, router, http.MethodGet, "/api/me", token, nil)
		require.Equal(t, http.StatusOK, me.Code)
		require.Equal(t, "alice@example.com", decode[map[string]any](t, me)["email"])
	})

	t.Run("wrong password and unknown email look the same", func(t *testing.T) {
		wrong := do(t, router, http.MethodPost, "/auth/login", "", map[string]string{"email": "alice@example.com", "password": "nope-nope"})
		unknown := do(t, router, http.MethodPost, "/auth/login", "", map[string]string{"email": "nobody@example.com", "password": "nope-nope"})
		require.Equal(t, http.StatusUnauthorized, wrong.Code)
		require.Equal(t, http.StatusUnauthorized, unknown.Code)
		require.Equal(t, wrong.Body.String(), unknown.Body.String())
	})

	t.Run("bad tokens", func(t *testing.T) {
		for _, token := range []string{"", "garbage", "a.b.c"} {
			rec := do(t, router, http.MethodGet, "/conversations", token, nil)
			require.Equal(t, http.StatusUnauthorized, rec.Code)
			require.Equal(t, "Could not validate credentials", decode[map[string]any](t, rec)["error"])
		}
	})
}

func TestConversationRoutes(t *testing.T) {
	router := newTestRouter(t)
	alice := register(t, router, "alice@example.com")
	bob := register(t, router, "bob@example.com")

	create := func(token string, body any) string {
		rec := do(t, router, http.MethodPost, "/conversations", token, body)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		resp := decode[map[string]string](t, rec)
		require.Equal(t, "Conversation created successfully", resp["message"])
		return resp["id"]
	}

	first := create(alice, map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "How do I deploy to Kubernetes?"}},
		"metadata": map[string]any{"source": "cli"},
	})
	time.Sleep(5 * time.Millisecond)
	second := create(alice, map[string]any{"messages": []map[string]string{}})

	t.Run("list newest first", func(t *testing.T) {
		rec := do(t, router, http.MethodGet, "/conversations", alice, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		list := decode[[]map[string]any](t, rec)
		require.Len(t, list, 2)
		assert.Equal(t, second, list[0]["id"])
		assert.Equal(t, first, list[1]["id"])
		assert.EqualValues(t, 1, list[1]["message_count"])
		assert.NotContains(t, list[1], "messages")

		rec = do(t, router, http.MethodGet, "/conversations?limit=1&offset=1", alice, nil)
		require.Len(t, decode[[]map[string]any](t, rec), 1)

		rec = do(t, router, http.MethodGet, "/conversations?limit=abc", alice, nil)
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("get", func(t *testing.T) {
		rec := do(t, router, http.MethodGet, "/conversations/"+first, alice, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		conv := decode[map[string]any](t, rec)
		require.Equal(t, first, conv["id"])
		require.Equal(t, "cli", conv["metadata"].(map[string]any)["source"])
	})

	t.Run("other owners see not found", func(t *testing.T) {
		for _, req := range []struct {
			method, path string
			body         any
		}{
			{http.MethodGet, "/conversations/" + first, nil},
			{http.MethodPut, "/conversations/" + first, map[string]any{"messages": []map[string]string{}}},
			{http.MethodPost, "/conversations/" + first + "/messages", []map[string]string{{"role": "user", "content": "x"}}},
			{http.MethodDelete, "/conversations/" + first, nil},
			{http.MethodGet, "/api/conversations/" + first, nil},
		} {
			rec := do(t, router, req.method, req.path, bob, req.body)
			require.Equal(t, http.StatusNotFound, rec.Code, "%s %s", req.method, req.path)
			require.Equal(t, "Conversation not found", decode[map[string]any](t, rec)["error"])
		}
		rec := do(t, router, http.MethodGet, "/conversations", bob, nil)
		require.Empty(t, decode[[]map[string]any](t, rec))
	})

	t.Run("append and replace", func(t *testing.T) {
		rec := do(t, router, http.MethodPost, "/conversations/"+second+"/messages", alice, []map[string]string{
			{"role": "user", "content": "hi"},
			{"role": "assistant", "content": "hello"},
		})
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "Added 2 messages to conversation", decode[map[string]string](t, rec)["message"])

		rec = do(t, router, http.MethodPut, "/conversations/"+second, alice, map[string]any{
			"messages": []map[string]string{{"role": "system", "content": "reset"}},
		})
		require.Equal(t, http.StatusOK, rec.Code)

		rec = do(t, router, http.MethodGet, "/conversations/"+second, alice, nil)
		msgs := decode[map[string]any](t, rec)["messages"].([]any)
		require.Len(t, msgs, 1)
		require.Equal(t, "reset", msgs[0].(map[string]any)["content"])
	})

	t.Run("invalid role", func(t *testing.T) {
		rec := do(t, router, http.MethodPost, "/conversations", alice, map[string]any{
			"messages": []map[string]string{{"role": "robot", "content": "beep"}},
		})
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		require.Equal(t, "messages[0].role", decode[map[string]any](t, rec)["field"])
	})

	t.Run("search", func(t *testing.T) {
		rec := do(t, router, http.MethodGet, "/conversations/search?query=KUBERNETES", alice, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		hits := decode[[]map[string]any](t, rec)
		require.Len(t, hits, 1)
		require.Equal(t, first, hits[0]["id"])
		require.NotNil(t, hits[0]["matched_message"])

		rec = do(t, router, http.MethodGet, "/conversations/search?query=kubernetes", bob, nil)
		require.Empty(t, decode[[]map[string]any](t, rec))

		rec = do(t, router, http.MethodGet, "/conversations/search", alice, nil)
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("dashboard list carries messages", func(t *testing.T) {
		rec := do(t, router, http.MethodGet, "/api/conversations?limit=20&skip=0", alice, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		list := decode[[]map[string]any](t, rec)
		require.Len(t, list, 2)
		require.Contains(t, list[0], "messages")
	})

	t.Run("delete twice", func(t *testing.T) {
		rec := do(t, router, http.MethodDelete, "/api/conversations/"+first, alice, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		rec = do(t, router, http.MethodDelete, "/conversations/"+first, alice, nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHealthOnMainRouter(t *testing.T) {
	router := newTestRouter(t)
	rec := do(t, router, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, map[string]string{"message": "Pensieve API", "version": "1.0.0", "status": "healthy"}, decode[map[string]string](t, rec))
}

func TestStartServer_ServesOnRandomPort(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(config.WithContext(context.Background(), &cfg))
	defer cancel()

	srv, err := StartServer(ctx, &cfg)
	require.NoError(t, err)
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		require.NoError(t, srv.Shutdown(shutdownCtx))
	}()
	require.NotZero(t, srv.Running.Port)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/ready", srv.Running.Port))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStartServer_DedicatedManagementPort(t *testing.T) {
	cfg := testConfig(t)
	cfg.ManagementListener.Port = 0
	cfg.ManagementListenerEnabled = true
	ctx, cancel := context.WithCancel(config.WithContext(context.Background(), &cfg))
	defer cancel()

	srv, err := StartServer(ctx, &cfg)
	require.NoError(t, err)
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		require.NoError(t, srv.Shutdown(shutdownCtx))
	}()
	require.NotNil(t, srv.Management)
	require.NotEqual(t, srv.Running.Port, srv.Management.Port)

	get := func(port int, path string) int {
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d%s", port, path))
		require.NoError(t, err)
		defer resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusOK, get(srv.Management.Port, "/health"))
	assert.Equal(t, http.StatusNotFound, get(srv.Running.Port, "/health"))
	assert.Equal(t, http.StatusUnauthorized, get(srv.Running.Port, "/conversations"))
}

type closeTrackingCache struct {
	closed atomic.Bool
}

func (c *closeTrackingCache) Available() bool { return true }
func (c *closeTrackingCache) Get(context.Context, string) (*model.Conversation, error) {
	return nil, nil
}
func (c *closeTrackingCache) Set(context.Context, *model.Conversation) error { return nil }
func (c *closeTrackingCache) Remove(context.Context, string) error          { return nil }
func (c *closeTrackingCache) Close() error {
	c.closed.Store(true)
	return nil
}

func TestOpenStore_ClosesCacheWithStore(t *testing.T) {
	tracked := &closeTrackingCache{}
	registrycache.Register(registrycache.Plugin{
		Name: "close-tracking",
		Loader: func(context.Context) (registrycache.ConversationCache, error) {
			return tracked, nil
		},
	})

	cfg := testConfig(t)
	cfg.CacheType = "close-tracking"
	ctx := config.WithContext(context.Background(), &cfg)

	store, err := OpenStore(ctx, &cfg)
	require.NoError(t, err)
	require.False(t, tracked.closed.Load())
	require.NoError(t, store.Close(context.Background()))
	require.True(t, tracked.closed.Load())
}
