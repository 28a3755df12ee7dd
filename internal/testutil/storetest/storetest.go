// Package storetest holds the behaviour every registrystore.Store must share.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pensieve-mcp/pensieve/internal/model"
	registrystore "github.com/pensieve-mcp/pensieve/internal/registry/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises store against the shared contract. Each subtest uses fresh owners,
// so one store instance may serve them all.
func Run(t *testing.T, store registrystore.Store) {
	t.Run("PutAndGet", func(t *testing.T) { testPutAndGet(t, store) })
	t.Run("PutForeignIDIsNotFound", func(t *testing.T) { testPutForeignID(t, store) })
	t.Run("ListNewestFirst", func(t *testing.T) { testList(t, store) })
	t.Run("ReplaceAndAppend", func(t *testing.T) { testReplaceAndAppend(t, store) })
	t.Run("ConcurrentAppends", func(t *testing.T) { testConcurrentAppends(t, store) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, store) })
	t.Run("Search", func(t *testing.T) { testSearch(t, store) })
	t.Run("Users", func(t *testing.T) { testUsers(t, store) })
}

func msgs(contents ...string) []model.Message {
	out := make([]model.Message, len(contents))
	for i, c := range contents {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		out[i] = model.Message{Role: role, Content: c}
	}
	return out
}

func put(t *testing.T, store registrystore.Store, owner string, meta map[string]any, contents ...string) *model.Conversation {
	t.Helper()
	if meta == nil {
		meta = map[string]any{}
	}
	conv := &model.Conversation{ID: uuid.NewString(), OwnerID: owner, Messages: msgs(contents...), Metadata: meta}
	require.NoError(t, store.PutConversation(context.Background(), conv))
	return conv
}

func requireNotFound(t *testing.T, err error) {
	t.Helper()
	var nf *registrystore.NotFoundError
	require.True(t, errors.As(err, &nf), "expected NotFoundError, got %v", err)
}

func testPutAndGet(t *testing.T, store registrystore.Store) {
	ctx := context.Background()
	owner := uuid.NewString()
	conv := put(t, store, owner, map[string]any{"title": "Weekly sync"}, "hello", "hi there")
	require.False(t, conv.CreatedAt.IsZero())
	require.False(t, conv.UpdatedAt.IsZero())

	got, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, owner, got.OwnerID)
	require.Equal(t, conv.Messages, got.Messages)
	require.Equal(t, "Weekly sync", got.Metadata["title"])
	require.WithinDuration(t, conv.CreatedAt, got.CreatedAt, time.Millisecond)

	time.Sleep(5 * time.Millisecond)
	again := &model.Conversation{ID: conv.ID, OwnerID: owner, Messages: msgs("rewritten"), Metadata: map[string]any{}}
	require.NoError(t, store.PutConversation(ctx, again))
	require.WithinDuration(t, conv.CreatedAt, again.CreatedAt, time.Millisecond)
	require.True(t, again.UpdatedAt.After(conv.UpdatedAt))

	got, err = store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	require.Equal(t, "rewritten", got.Messages[0].Content)

	_, err = store.GetConversation(ctx, uuid.NewString())
	requireNotFound(t, err)
}

func testPutForeignID(t *testing.T, store registrystore.Store) {
	ctx := context.Background()
	owner := uuid.NewString()
	conv := put(t, store, owner, nil, "mine")

	hijack := &model.Conversation{ID: conv.ID, OwnerID: uuid.NewString(), Messages: msgs("theirs"), Metadata: map[string]any{}}
	requireNotFound(t, store.PutConversation(ctx, hijack))

	got, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, owner, got.OwnerID)
	require.Equal(t, "mine", got.Messages[0].Content)
}

func testList(t *testing.T, store registrystore.Store) {
	ctx := context.Background()
	owner := uuid.NewString()
	var ids []string
	for i := 0; i < 4; i++ {
		conv := put(t, store, owner, map[string]any{"n": fmt.Sprint(i)}, "a", "b", "c")
		ids = append(ids, conv.ID)
		time.Sleep(10 * time.Millisecond)
	}
	put(t, store, uuid.NewString(), nil, "someone else")

	all, err := store.ListConversations(ctx, owner, 50, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i, s := range all {
		assert.Equal(t, ids[3-i], s.ID)
		assert.Equal(t, 3, s.MessageCount)
	}

	page, err := store.ListConversations(ctx, owner, 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, ids[2], page[0].ID)
	require.Equal(t, ids[1], page[1].ID)

	empty, err := store.ListConversations(ctx, owner, 10, 10)
	require.NoError(t, err)
	require.Empty(t, empty)

	none, err := store.ListConversations(ctx, uuid.NewString(), 10, 0)
	require.NoError(t, err)
	require.Empty(t, none)
}

func testReplaceAndAppend(t *testing.T, store registrystore.Store) {
	ctx := context.Background()
	owner := uuid.NewString()
	conv := put(t, store, owner, map[string]any{"keep": "me"}, "one")

	require.NoError(t, store.AppendMessages(ctx, conv.ID, owner, msgs("two", "three")))
	got, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"one", "two", "three"}, contents(got))
	require.Equal(t, "me", got.Metadata["keep"])
	require.False(t, got.UpdatedAt.Before(conv.UpdatedAt))

	require.NoError(t, store.ReplaceMessages(ctx, conv.ID, owner, msgs("fresh")))
	got, err = store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"fresh"}, contents(got))
	require.Equal(t, "me", got.Metadata["keep"])

	stranger := uuid.NewString()
	requireNotFound(t, store.AppendMessages(ctx, conv.ID, stranger, msgs("x")))
	requireNotFound(t, store.ReplaceMessages(ctx, conv.ID, stranger, msgs("x")))
	requireNotFound(t, store.AppendMessages(ctx, uuid.NewString(), owner, msgs("x")))

	got, err = store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"fresh"}, contents(got))
}

func testConcurrentAppends(t *testing.T, store registrystore.Store) {
	ctx := context.Background()
	owner := uuid.NewString()
	conv := put(t, store, owner, nil)

	const writers = 16
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- store.AppendMessages(ctx, conv.ID, owner, msgs(fmt.Sprintf("m%d", i)))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, writers)
}

func testDelete(t *testing.T, store registrystore.Store) {
	ctx := context.Background()
	owner := uuid.NewString()
	conv := put(t, store, owner, nil, "bye")

	deleted, err := store.DeleteConversation(ctx, conv.ID, uuid.NewString())
	require.NoError(t, err)
	require.False(t, deleted)

	deleted, err = store.DeleteConversation(ctx, conv.ID, owner)
	require.NoError(t, err)
	require.True(t, deleted)

	deleted, err = store.DeleteConversation(ctx, conv.ID, owner)
	require.NoError(t, err)
	require.False(t, deleted)

	_, err = store.GetConversation(ctx, conv.ID)
	requireNotFound(t, err)
}

func testSearch(t *testing.T, store registrystore.Store) {
	ctx := context.Background()
	owner := uuid.NewString()
	k8s := put(t, store, owner, nil, "How do I deploy?", "Use Kubernetes with a Helm chart")
	time.Sleep(10 * time.Millisecond)
	meta := put(t, store, owner, map[string]any{"project": "Kubernetes migration"}, "unrelated")
	time.Sleep(10 * time.Millisecond)
	put(t, store, owner, nil, "nothing to see")
	put(t, store, uuid.NewString(), nil, "kubernetes for someone else")

	results, err := store.SearchConversations(ctx, owner, model.NormalizeQuery("KUBERNETES"), 20)
	require.NoError(t, err)
	require.Len(t, results, 2)
	byID := map[string]model.SearchMatch{}
	for _, r := range results {
		byID[r.ID] = r
	}
	require.Contains(t, byID, k8s.ID)
	require.Contains(t, byID, meta.ID)
	require.NotNil(t, byID[k8s.ID].MatchedMessage)
	require.Equal(t, model.RoleAssistant, byID[k8s.ID].MatchedMessage.Role)
	require.Equal(t, 2, byID[k8s.ID].MessageCount)
	require.Nil(t, byID[meta.ID].MatchedMessage)

	limited, err := store.SearchConversations(ctx, owner, "kubernetes", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)

	special, err := store.SearchConversations(ctx, owner, "a.*b", 20)
	require.NoError(t, err)
	require.Empty(t, special)

	none, err := store.SearchConversations(ctx, owner, "zebra", 20)
	require.NoError(t, err)
	require.Empty(t, none)
}

func testUsers(t *testing.T, store registrystore.Store) {
	ctx := context.Background()
	email := uuid.NewString() + "@Example.com"
	user := &model.User{ID: uuid.NewString(), Email: email, PasswordHash: "hash", CreatedAt: time.Now().UTC()}
	require.NoError(t, store.CreateUser(ctx, user))

	got, err := store.GetUserByEmail(ctx, email)
	require.NoError(t, err)
	require.Equal(t, user.ID, got.ID)
	require.Equal(t, "hash", got.PasswordHash)

	dup := &model.User{ID: uuid.NewString(), Email: email, PasswordHash: "other", CreatedAt: time.Now().UTC()}
	err = store.CreateUser(ctx, dup)
	var conflict *registrystore.ConflictError
	require.True(t, errors.As(err, &conflict), "expected ConflictError, got %v", err)

	_, err = store.GetUserByEmail(ctx, "missing-"+email)
	requireNotFound(t, err)
}

func contents(conv *model.Conversation) []string {
	out := make([]string, len(conv.Messages))
	for i, m := range conv.Messages {
		out[i] = m.Content
	}
	return out
}
