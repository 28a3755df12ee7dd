package store

import (
	"context"
	"fmt"

	"github.com/pensieve-mcp/pensieve/internal/model"
)

// ConversationStore persists conversations. Every mutating operation is keyed by
// (id, owner) so a caller can never modify a record it does not own.
type ConversationStore interface {
	// PutConversation upserts conv by id. created_at is kept from the existing record
	// (or stamped on insert) and updated_at is always refreshed; both are written back
	// into conv. A record with the same id owned by someone else yields NotFoundError.
	PutConversation(ctx context.Context, conv *model.Conversation) error
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	// ListConversations returns the owner's conversations, most recently created first.
	ListConversations(ctx context.Context, ownerID string, limit, offset int) ([]model.ConversationSummary, error)
	ReplaceMessages(ctx context.Context, id, ownerID string, messages []model.Message) error
	// AppendMessages extends the message list atomically with respect to other appends.
	AppendMessages(ctx context.Context, id, ownerID string, messages []model.Message) error
	DeleteConversation(ctx context.Context, id, ownerID string) (bool, error)
	// SearchConversations expects a normalized query (see model.NormalizeQuery).
	SearchConversations(ctx context.Context, ownerID, query string, limit int) ([]model.SearchMatch, error)
}

// UserStore persists accounts.
type UserStore interface {
	// CreateUser fails with ConflictError when the email is already registered.
	CreateUser(ctx context.Context, user *model.User) error
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
}

// Store is the full persistence surface a datastore plugin provides.
type Store interface {
	ConversationStore
	UserStore
	Close(ctx context.Context) error
}

// Loader creates a Store from config.
type Loader func(ctx context.Context) (Store, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
