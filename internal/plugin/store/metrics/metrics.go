package metrics

import (
	"context"
	"time"

	"github.com/pensieve-mcp/pensieve/internal/model"
	"github.com/pensieve-mcp/pensieve/internal/registry/store"
	"github.com/pensieve-mcp/pensieve/internal/security"
)

// Wrap returns a Store that records StoreLatency for every operation.
func Wrap(inner store.Store) store.Store {
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner store.Store
}

func observe(op string, start time.Time) {
	if security.StoreLatency == nil {
		return
	}
	security.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *metricsStore) PutConversation(ctx context.Context, conv *model.Conversation) error {
	defer observe("put_conversation", time.Now())
	return m.inner.PutConversation(ctx, conv)
}

func (m *metricsStore) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	defer observe("get_conversation", time.Now())
	return m.inner.GetConversation(ctx, id)
}

func (m *metricsStore) ListConversations(ctx context.Context, ownerID string, limit, offset int) ([]model.ConversationSummary, error) {
	defer observe("list_conversations", time.Now())
	return m.inner.ListConversations(ctx, ownerID, limit, offset)
}

func (m *metricsStore) ReplaceMessages(ctx context.Context, id, ownerID string, messages []model.Message) error {
	defer observe("replace_messages", time.Now())
	return m.inner.ReplaceMessages(ctx, id, ownerID, messages)
}

func (m *metricsStore) AppendMessages(ctx context.Context, id, ownerID string, messages []model.Message) error {
	defer observe("append_messages", time.Now())
	return m.inner.AppendMessages(ctx, id, ownerID, messages)
}

func (m *metricsStore) DeleteConversation(ctx context.Context, id, ownerID string) (bool, error) {
	defer observe("delete_conversation", time.Now())
	return m.inner.DeleteConversation(ctx, id, ownerID)
}

func (m *metricsStore) SearchConversations(ctx context.Context, ownerID, query string, limit int) ([]model.SearchMatch, error) {
	defer observe("search_conversations", time.Now())
	return m.inner.SearchConversations(ctx, ownerID, query, limit)
}

func (m *metricsStore) CreateUser(ctx context.Context, user *model.User) error {
	defer observe("create_user", time.Now())
	return m.inner.CreateUser(ctx, user)
}

func (m *metricsStore) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	defer observe("get_user", time.Now())
	return m.inner.GetUserByEmail(ctx, email)
}

func (m *metricsStore) Close(ctx context.Context) error {
	return m.inner.Close(ctx)
}
