package service_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pensieve-mcp/pensieve/internal/model"
	"github.com/pensieve-mcp/pensieve/internal/plugin/store/file"
	registrystore "github.com/pensieve-mcp/pensieve/internal/registry/store"
	"github.com/pensieve-mcp/pensieve/internal/security"
	"github.com/pensieve-mcp/pensieve/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newStore(t *testing.T) *file.Store {
	t.Helper()
	bucket, err := file.NewDirBucket(t.TempDir())
	require.NoError(t, err)
	return file.New(bucket, file.Options{LegacyOwner: "local"})
}

func newAuth(t *testing.T, users registrystore.UserStore) (*service.Auth, *security.TokenIssuer) {
	t.Helper()
	tokens, err := security.NewTokenIssuer("test-secret", "HS256", time.Hour)
	require.NoError(t, err)
	passwords, err := security.NewPasswordHasher(bcrypt.MinCost)
	require.NoError(t, err)
	return service.NewAuth(users, tokens, passwords), tokens
}

func requireValidation(t *testing.T, err error, field string) {
	t.Helper()
	var verr *registrystore.ValidationError
	require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
	if field != "" {
		require.Equal(t, field, verr.Field)
	}
}

func requireNotFound(t *testing.T, err error) {
	t.Helper()
	var nf *registrystore.NotFoundError
	require.True(t, errors.As(err, &nf), "expected NotFoundError, got %v", err)
}

func TestAuth_RegisterLoginAuthenticate(t *testing.T) {
	ctx := context.Background()
	auth, _ := newAuth(t, newStore(t))

	token, err := auth.Register(ctx, "alice@example.com", "secret123")
	require.NoError(t, err)
	user, err := auth.Authenticate(ctx, token)
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", user.Email)
	require.NotEqual(t, "secret123", user.PasswordHash)

	token, err = auth.Login(ctx, "alice@example.com", "secret123")
	require.NoError(t, err)
	again, err := auth.Authenticate(ctx, token)
	require.NoError(t, err)
	require.Equal(t, user.ID, again.ID)
}

func TestAuth_RegisterValidation(t *testing.T) {
	ctx := context.Background()
	auth, _ := newAuth(t, newStore(t))

	_, err := auth.Register(ctx, "not-an-email", "secret123")
	requireValidation(t, err, "email")

	_, err = auth.Register(ctx, "a@example.com", "12345")
	requireValidation(t, err, "password")

	_, err = auth.Register(ctx, "a@example.com", strings.Repeat("x", 101))
	requireValidation(t, err, "password")

	// Length counts characters, not bytes.
	_, err = auth.Register(ctx, "a@example.com", strings.Repeat("한", 100))
	require.NoError(t, err)

	_, err = auth.Login(ctx, "a@example.com", strings.Repeat("한", 100))
	require.NoError(t, err)
}

func TestAuth_DuplicateEmail(t *testing.T) {
	ctx := context.Background()
	auth, _ := newAuth(t, newStore(t))

	_, err := auth.Register(ctx, "alice@example.com", "secret123")
	require.NoError(t, err)
	_, err = auth.Register(ctx, "alice@example.com", "different1")
	require.True(t, service.IsDuplicateIdentity(err), "got %v", err)

	// Emails are case-sensitive identities.
	_, err = auth.Register(ctx, "Alice@example.com", "secret123")
	require.NoError(t, err)
}

func TestAuth_LoginFailuresAreUniform(t *testing.T) {
	ctx := context.Background()
	auth, _ := newAuth(t, newStore(t))
	_, err := auth.Register(ctx, "alice@example.com", "secret123")
	require.NoError(t, err)

	_, wrong := auth.Login(ctx, "alice@example.com", "wrong-password")
	_, unknown := auth.Login(ctx, "bob@example.com", "secret123")
	require.ErrorIs(t, wrong, service.ErrInvalidCredentials)
	require.ErrorIs(t, unknown, service.ErrInvalidCredentials)
	require.True(t, service.IsUnauthorized(wrong))
}

func TestAuth_AuthenticateRejects(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	auth, tokens := newAuth(t, store)

	_, err := auth.Authenticate(ctx, "garbage")
	require.ErrorIs(t, err, service.ErrInvalidToken)

	other, err := security.NewTokenIssuer("other-secret", "HS256", time.Hour)
	require.NoError(t, err)
	forged, err := other.Issue("alice@example.com")
	require.NoError(t, err)
	_, err = auth.Authenticate(ctx, forged)
	require.ErrorIs(t, err, service.ErrInvalidToken)

	ghost, err := tokens.Issue("ghost@example.com")
	require.NoError(t, err)
	_, err = auth.Authenticate(ctx, ghost)
	require.ErrorIs(t, err, service.ErrUnknownSubject)
	require.True(t, service.IsUnauthorized(err))
}

func TestConversations_Lifecycle(t *testing.T) {
	ctx := context.Background()
	svc := service.NewConversations(newStore(t))

	conv, err := svc.Create(ctx, "alice", []model.Message{{Role: model.RoleUser, Content: "hello"}}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, conv.ID)
	require.Equal(t, "alice", conv.OwnerID)
	require.NotNil(t, conv.Metadata)

	n, err := svc.Append(ctx, "alice", conv.ID, []model.Message{
		{Role: model.RoleAssistant, Content: "hi"},
		{Role: model.RoleUser, Content: "bye"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	got, err := svc.Get(ctx, "alice", conv.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 3)

	require.NoError(t, svc.Replace(ctx, "alice", conv.ID, nil))
	got, err = svc.Get(ctx, "alice", conv.ID)
	require.NoError(t, err)
	require.Empty(t, got.Messages)

	require.NoError(t, svc.Delete(ctx, "alice", conv.ID))
	requireNotFound(t, svc.Delete(ctx, "alice", conv.ID))
	_, err = svc.Get(ctx, "alice", conv.ID)
	requireNotFound(t, err)
}

func TestConversations_OwnershipIsInvisible(t *testing.T) {
	ctx := context.Background()
	svc := service.NewConversations(newStore(t))

	conv, err := svc.Create(ctx, "alice", []model.Message{{Role: model.RoleUser, Content: "private"}}, nil)
	require.NoError(t, err)

	_, err = svc.Get(ctx, "bob", conv.ID)
	requireNotFound(t, err)
	_, err = svc.Append(ctx, "bob", conv.ID, []model.Message{{Role: model.RoleUser, Content: "x"}})
	requireNotFound(t, err)
	requireNotFound(t, svc.Replace(ctx, "bob", conv.ID, nil))
	requireNotFound(t, svc.Delete(ctx, "bob", conv.ID))
	_, err = svc.Save(ctx, "bob", conv.ID, nil, nil)
	requireNotFound(t, err)

	_, err = svc.Get(ctx, "bob", "never-existed")
	requireNotFound(t, err)

	got, err := svc.Get(ctx, "alice", conv.ID)
	require.NoError(t, err)
	require.Equal(t, "private", got.Messages[0].Content)
}

func TestConversations_SaveWithClientID(t *testing.T) {
	ctx := context.Background()
	svc := service.NewConversations(newStore(t))

	first, err := svc.Save(ctx, "local", "notes-2024", []model.Message{{Role: model.RoleUser, Content: "v1"}}, map[string]any{"v": 1})
	require.NoError(t, err)
	second, err := svc.Save(ctx, "local", "notes-2024", []model.Message{{Role: model.RoleUser, Content: "v2"}}, nil)
	require.NoError(t, err)
	require.Equal(t, first.CreatedAt, second.CreatedAt)

	got, err := svc.Get(ctx, "local", "notes-2024")
	require.NoError(t, err)
	require.Equal(t, "v2", got.Messages[0].Content)

	_, err = svc.Save(ctx, "local", "../escape", nil, nil)
	requireValidation(t, err, "conversation_id")
}

func TestConversations_RejectsInvalidMessagesBeforeWriting(t *testing.T) {
	ctx := context.Background()
	svc := service.NewConversations(newStore(t))

	_, err := svc.Create(ctx, "alice", []model.Message{{Role: "robot", Content: "beep"}}, nil)
	requireValidation(t, err, "messages[0].role")

	conv, err := svc.Create(ctx, "alice", nil, nil)
	require.NoError(t, err)
	_, err = svc.Append(ctx, "alice", conv.ID, []model.Message{
		{Role: model.RoleUser, Content: "ok"},
		{Role: "", Content: "missing role"},
	})
	requireValidation(t, err, "messages[1].role")

	got, err := svc.Get(ctx, "alice", conv.ID)
	require.NoError(t, err)
	require.Empty(t, got.Messages)

	list, err := svc.List(ctx, "alice", 0, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestConversations_Paging(t *testing.T) {
	ctx := context.Background()
	svc := service.NewConversations(newStore(t))
	for i := 0; i < 3; i++ {
		_, err := svc.Create(ctx, "alice", nil, nil)
		require.NoError(t, err)
	}

	all, err := svc.List(ctx, "alice", 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = svc.List(ctx, "alice", -1, 0)
	requireValidation(t, err, "limit")
	_, err = svc.List(ctx, "alice", 10, -1)
	requireValidation(t, err, "offset")

	past, err := svc.List(ctx, "alice", 10, 99)
	require.NoError(t, err)
	assert.Empty(t, past)
}

func TestConversations_Search(t *testing.T) {
	ctx := context.Background()
	svc := service.NewConversations(newStore(t))

	_, err := svc.Create(ctx, "alice", []model.Message{{Role: model.RoleUser, Content: "Deploying with Kubernetes"}}, nil)
	require.NoError(t, err)

	hits, err := svc.Search(ctx, "alice", "  kubernetes ", 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	_, err = svc.Search(ctx, "alice", "   ", 0)
	requireValidation(t, err, "query")

	hits, err = svc.Search(ctx, "alice", "with\x1fkubernetes", 0)
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestConversations_ConcurrentAppendsThroughScope(t *testing.T) {
	ctx := context.Background()
	api := service.NewConversations(newStore(t)).For("local")

	conv, err := api.Save(ctx, "", nil, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := api.Append(ctx, conv.ID, []model.Message{{Role: model.RoleUser, Content: "m"}})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := api.Load(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 20)
}
