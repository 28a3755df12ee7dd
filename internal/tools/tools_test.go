package tools

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/pensieve-mcp/pensieve/internal/client"
	"github.com/pensieve-mcp/pensieve/internal/cmd/serve"
	"github.com/pensieve-mcp/pensieve/internal/config"
	"github.com/pensieve-mcp/pensieve/internal/model"
	"github.com/pensieve-mcp/pensieve/internal/plugin/store/file"
	"github.com/pensieve-mcp/pensieve/internal/service"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func localToolset(t *testing.T) *toolset {
	t.Helper()
	bucket, err := file.NewDirBucket(t.TempDir())
	require.NoError(t, err)
	store := file.New(bucket, file.Options{LegacyOwner: "local"})
	return newToolset(&Local{API: service.NewConversations(store).For("local")})
}

func call(t *testing.T, ts *toolset, name string, args map[string]any) (string, bool) {
	t.Helper()
	for _, st := range ts.serverTools() {
		if st.Tool.Name != name {
			continue
		}
		req := mcp.CallToolRequest{}
		req.Params.Name = name
		req.Params.Arguments = args
		res, err := st.Handler(context.Background(), req)
		require.NoError(t, err)
		require.NotEmpty(t, res.Content)
		text, ok := res.Content[0].(mcp.TextContent)
		require.True(t, ok)
		return text.Text, res.IsError
	}
	t.Fatalf("no tool named %s", name)
	return "", false
}

func toolNames(ts *toolset) []string {
	var names []string
	for _, st := range ts.serverTools() {
		names = append(names, st.Tool.Name)
	}
	return names
}

func savedID(t *testing.T, text string) string {
	t.Helper()
	const prefix = "Conversation saved. ID: "
	require.True(t, strings.HasPrefix(text, prefix), text)
	return strings.TrimPrefix(text, prefix)
}

func msgs(pairs ...string) []any {
	out := []any{}
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, map[string]any{"role": pairs[i], "content": pairs[i+1]})
	}
	return out
}

func TestLocalTools_Names(t *testing.T) {
	ts := localToolset(t)
	require.ElementsMatch(t, []string{
		"save_conversation", "load_conversation", "list_conversations",
		"search_conversations", "append_to_conversation",
	}, toolNames(ts))

	for _, st := range ts.serverTools() {
		if st.Tool.Name == "save_conversation" {
			require.Contains(t, st.Tool.InputSchema.Properties, "conversation_id")
			require.Contains(t, st.Tool.InputSchema.Required, "messages")
		}
	}
}

func TestLocalTools_RoundTrip(t *testing.T) {
	ts := localToolset(t)

	text, isErr := call(t, ts, "save_conversation", map[string]any{
		"messages": msgs("user", "How do I rotate TLS certs?", "assistant", "Use cert-manager"),
		"metadata": map[string]any{"title": "TLS"},
	})
	require.False(t, isErr, text)
	id := savedID(t, text)

	text, isErr = call(t, ts, "append_to_conversation", map[string]any{
		"conversation_id": id,
		"messages":        msgs("user", "thanks"),
	})
	require.False(t, isErr, text)
	require.Equal(t, "Added 1 messages to conversation "+id, text)

	text, isErr = call(t, ts, "load_conversation", map[string]any{"conversation_id": id})
	require.False(t, isErr, text)
	var conv model.Conversation
	require.NoError(t, json.Unmarshal([]byte(text), &conv))
	require.Len(t, conv.Messages, 3)
	require.Equal(t, "TLS", conv.Metadata["title"])

	text, isErr = call(t, ts, "list_conversations", map[string]any{})
	require.False(t, isErr, text)
	var list []model.ConversationSummary
	require.NoError(t, json.Unmarshal([]byte(text), &list))
	require.Len(t, list, 1)
	require.Equal(t, 3, list[0].MessageCount)

	text, isErr = call(t, ts, "list_conversations", map[string]any{"limit": 10.0, "offset": 5.0})
	require.False(t, isErr, text)
	require.Equal(t, "[]", text)

	text, isErr = call(t, ts, "search_conversations", map[string]any{"query": "CERT-MANAGER"})
	require.False(t, isErr, text)
	var hits []model.SearchMatch
	require.NoError(t, json.Unmarshal([]byte(text), &hits))
	require.Len(t, hits, 1)
	require.Equal(t, "Use cert-manager", hits[0].MatchedMessage.Content)
}

func TestLocalTools_SaveWithChosenID(t *testing.T) {
	ts := localToolset(t)

	text, isErr := call(t, ts, "save_conversation", map[string]any{
		"conversation_id": "standup-notes",
		"messages":        msgs("user", "v1"),
	})
	require.False(t, isErr, text)
	require.Equal(t, "standup-notes", savedID(t, text))

	_, isErr = call(t, ts, "save_conversation", map[string]any{
		"conversation_id": "standup-notes",
		"messages":        msgs("user", "v2"),
	})
	require.False(t, isErr)

	text, _ = call(t, ts, "load_conversation", map[string]any{"conversation_id": "standup-notes"})
	require.Contains(t, text, `"v2"`)
	require.NotContains(t, text, `"v1"`)
}

func TestLocalTools_Errors(t *testing.T) {
	ts := localToolset(t)

	text, isErr := call(t, ts, "load_conversation", map[string]any{"conversation_id": "missing"})
	require.True(t, isErr)
	require.Equal(t, "Conversation not found: missing", text)

	text, isErr = call(t, ts, "append_to_conversation", map[string]any{"conversation_id": "missing", "messages": msgs("user", "x")})
	require.True(t, isErr)
	require.Contains(t, text, "not found")

	text, isErr = call(t, ts, "save_conversation", map[string]any{"messages": msgs("robot", "beep")})
	require.True(t, isErr)
	require.Contains(t, text, "messages[0].role")

	text, isErr = call(t, ts, "save_conversation", map[string]any{"messages": "not a list"})
	require.True(t, isErr)
	require.Contains(t, text, "messages")

	text, isErr = call(t, ts, "save_conversation", map[string]any{"messages": msgs("user", "x"), "metadata": "oops"})
	require.True(t, isErr)
	require.Contains(t, text, "metadata")

	text, isErr = call(t, ts, "search_conversations", map[string]any{"query": "  "})
	require.True(t, isErr)
	require.Contains(t, text, "query")

	_, isErr = call(t, ts, "list_conversations", map[string]any{"limit": -1.0})
	require.True(t, isErr)
}

type panicAPI struct{ service.API }

func (panicAPI) List(context.Context, int, int) ([]model.ConversationSummary, error) {
	panic("boom")
}

func TestTools_PanicBecomesErrorResult(t *testing.T) {
	ts := newToolset(&Local{API: panicAPI{}})
	text, isErr := call(t, ts, "list_conversations", nil)
	require.True(t, isErr)
	require.Equal(t, "Error: boom", text)
}

func startAPI(t *testing.T) *client.Client {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.DefaultConfig()
	cfg.DatastoreType = "file"
	cfg.StorageDir = t.TempDir()
	cfg.CacheType = "none"
	cfg.BcryptCost = bcrypt.MinCost
	cfg.JWTSecret = "test-secret"
	ctx := config.WithContext(context.Background(), &cfg)

	store, err := serve.OpenStore(ctx, &cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	svc, err := serve.NewServices(&cfg, store)
	require.NoError(t, err)
	router, err := serve.NewRouter(&cfg, svc)
	require.NoError(t, err)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	c, err := client.New(srv.URL, 5*time.Second)
	require.NoError(t, err)
	return c
}

func TestProxyTools(t *testing.T) {
	c := startAPI(t)
	proxy := &Proxy{Client: c, Sessions: NewSessions()}
	ts := newToolset(proxy)

	require.Contains(t, toolNames(ts), "login")
	require.Contains(t, toolNames(ts), "register")
	require.Contains(t, toolNames(ts), "set_api_token")
	for _, st := range ts.serverTools() {
		if st.Tool.Name == "save_conversation" {
			require.NotContains(t, st.Tool.InputSchema.Properties, "conversation_id")
		}
	}

	text, isErr := call(t, ts, "list_conversations", nil)
	require.True(t, isErr)
	require.Equal(t, GuidanceMessage, text)

	text, isErr = call(t, ts, "register", map[string]any{"email": "alice@example.com", "password": "secret123"})
	require.False(t, isErr, text)
	require.Equal(t, 1, proxy.Sessions.Len())

	text, isErr = call(t, ts, "save_conversation", map[string]any{"messages": msgs("user", "remote hello")})
	require.False(t, isErr, text)
	id := savedID(t, text)

	text, isErr = call(t, ts, "load_conversation", map[string]any{"conversation_id": id})
	require.False(t, isErr, text)
	require.Contains(t, text, "remote hello")

	text, isErr = call(t, ts, "login", map[string]any{"email": "alice@example.com", "password": "wrong-password"})
	require.True(t, isErr)
	require.True(t, strings.HasPrefix(text, "Login failed"), text)

	text, isErr = call(t, ts, "set_api_token", map[string]any{"token": "garbage"})
	require.False(t, isErr, text)
	text, isErr = call(t, ts, "list_conversations", nil)
	require.True(t, isErr)
	require.Contains(t, text, "Not authorized")

	text, isErr = call(t, ts, "login", map[string]any{"email": "alice@example.com", "password": "secret123"})
	require.False(t, isErr, text)
	text, isErr = call(t, ts, "list_conversations", nil)
	require.False(t, isErr, text)
	require.Contains(t, text, id)
}

func TestProxy_DefaultToken(t *testing.T) {
	ctx := context.Background()
	sessions := NewSessions()
	proxy := &Proxy{Sessions: sessions}

	_, err := proxy.Resolve(ctx)
	require.ErrorIs(t, err, ErrNoToken)

	c, err := client.New("http://localhost:1", time.Second)
	require.NoError(t, err)
	proxy.Client = c
	proxy.DefaultToken = "seed"
	api, err := proxy.Resolve(ctx)
	require.NoError(t, err)
	require.NotNil(t, api)

	sessions.Set("", "own")
	sessions.Forget("")
	require.Equal(t, 0, sessions.Len())
}

func TestNewServer(t *testing.T) {
	ts := localToolset(t)
	s := NewServer(ts.backend, Options{})
	require.NotNil(t, s)

	p := NewServer(&Proxy{Sessions: NewSessions()}, Options{Name: "proxy", Version: "test"})
	require.NotNil(t, p)
}
