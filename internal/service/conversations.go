package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pensieve-mcp/pensieve/internal/model"
	registrystore "github.com/pensieve-mcp/pensieve/internal/registry/store"
)

const (
	DefaultListLimit   = 50
	DefaultSearchLimit = 20
	MaxPageLimit       = 1000
)

// API is the per-owner conversation capability shared by every front end.
type API interface {
	// Save creates a conversation, or replaces the caller's conversation when id is set.
	Save(ctx context.Context, id string, messages []model.Message, metadata map[string]any) (*model.Conversation, error)
	Load(ctx context.Context, id string) (*model.Conversation, error)
	List(ctx context.Context, limit, offset int) ([]model.ConversationSummary, error)
	Search(ctx context.Context, query string, limit int) ([]model.SearchMatch, error)
	// Append returns the number of messages added.
	Append(ctx context.Context, id string, messages []model.Message) (int, error)
	Replace(ctx context.Context, id string, messages []model.Message) error
	Delete(ctx context.Context, id string) error
}

// Conversations enforces ownership on top of a ConversationStore. A conversation
// owned by someone else is reported exactly like a missing one.
type Conversations struct {
	store registrystore.ConversationStore
}

// NewConversations creates the conversation service.
func NewConversations(store registrystore.ConversationStore) *Conversations {
	return &Conversations{store: store}
}

// ValidateMessages rejects unknown roles.
func ValidateMessages(messages []model.Message) error {
	for i, m := range messages {
		if !m.Role.Valid() {
			return &registrystore.ValidationError{
				Field:   fmt.Sprintf("messages[%d].role", i),
				Message: fmt.Sprintf("must be one of user, assistant, system; got %q", m.Role),
			}
		}
	}
	return nil
}

// ValidateConversationID accepts ids usable as a single path or file-name segment.
func ValidateConversationID(id string) error {
	if !model.ValidConversationID(id) {
		return &registrystore.ValidationError{
			Field:   "conversation_id",
			Message: "must be 1-128 characters of letters, digits, '.', '_' or '-' and start with a letter or digit",
		}
	}
	return nil
}

// Create stores a new conversation owned by ownerID under a fresh id.
func (s *Conversations) Create(ctx context.Context, ownerID string, messages []model.Message, metadata map[string]any) (*model.Conversation, error) {
	return s.Save(ctx, ownerID, "", messages, metadata)
}

// Save stores a conversation under id (a fresh id when empty). An existing
// conversation of the same owner is overwritten; one of another owner is not found.
func (s *Conversations) Save(ctx context.Context, ownerID, id string, messages []model.Message, metadata map[string]any) (*model.Conversation, error) {
	if err := ValidateMessages(messages); err != nil {
		return nil, err
	}
	if id == "" {
		id = uuid.NewString()
	} else if err := ValidateConversationID(id); err != nil {
		return nil, err
	}
	if messages == nil {
		messages = []model.Message{}
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	conv := &model.Conversation{
		ID:       id,
		OwnerID:  ownerID,
		Messages: messages,
		Metadata: metadata,
	}
	if err := s.store.PutConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// Get returns the caller's conversation.
func (s *Conversations) Get(ctx context.Context, ownerID, id string) (*model.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.OwnerID != ownerID {
		return nil, registrystore.ConversationNotFound(id)
	}
	return conv, nil
}

// List pages through the caller's conversations, newest first.
func (s *Conversations) List(ctx context.Context, ownerID string, limit, offset int) ([]model.ConversationSummary, error) {
	limit, err := pageLimit(limit, DefaultListLimit)
	if err != nil {
		return nil, err
	}
	if offset < 0 {
		return nil, &registrystore.ValidationError{Field: "offset", Message: "must not be negative"}
	}
	return s.store.ListConversations(ctx, ownerID, limit, offset)
}

// Replace overwrites the message list of the caller's conversation.
func (s *Conversations) Replace(ctx context.Context, ownerID, id string, messages []model.Message) error {
	if err := ValidateMessages(messages); err != nil {
		return err
	}
	if messages == nil {
		messages = []model.Message{}
	}
	return s.store.ReplaceMessages(ctx, id, ownerID, messages)
}

// Append adds messages to the end of the caller's conversation.
func (s *Conversations) Append(ctx context.Context, ownerID, id string, messages []model.Message) (int, error) {
	if err := ValidateMessages(messages); err != nil {
		return 0, err
	}
	if err := s.store.AppendMessages(ctx, id, ownerID, messages); err != nil {
		return 0, err
	}
	return len(messages), nil
}

// Delete removes the caller's conversation. Deleting twice reports not found.
func (s *Conversations) Delete(ctx context.Context, ownerID, id string) error {
	deleted, err := s.store.DeleteConversation(ctx, id, ownerID)
	if err != nil {
		return err
	}
	if !deleted {
		return registrystore.ConversationNotFound(id)
	}
	return nil
}

// Search finds the caller's conversations whose messages or metadata contain query.
func (s *Conversations) Search(ctx context.Context, ownerID, query string, limit int) ([]model.SearchMatch, error) {
	q := model.NormalizeQuery(query)
	if q == "" {
		return nil, &registrystore.ValidationError{Field: "query", Message: "must not be empty"}
	}
	if strings.Contains(q, model.TextSeparator) {
		return []model.SearchMatch{}, nil
	}
	limit, err := pageLimit(limit, DefaultSearchLimit)
	if err != nil {
		return nil, err
	}
	return s.store.SearchConversations(ctx, ownerID, q, limit)
}

func pageLimit(limit, def int) (int, error) {
	switch {
	case limit == 0:
		return def, nil
	case limit < 0:
		return 0, &registrystore.ValidationError{Field: "limit", Message: "must be positive"}
	case limit > MaxPageLimit:
		return MaxPageLimit, nil
	}
	return limit, nil
}

// For binds the service to a single owner.
func (s *Conversations) For(ownerID string) API {
	return &ownerScope{svc: s, ownerID: ownerID}
}

type ownerScope struct {
	svc     *Conversations
	ownerID string
}

func (o *ownerScope) Save(ctx context.Context, id string, messages []model.Message, metadata map[string]any) (*model.Conversation, error) {
	return o.svc.Save(ctx, o.ownerID, id, messages, metadata)
}

func (o *ownerScope) Load(ctx context.Context, id string) (*model.Conversation, error) {
	return o.svc.Get(ctx, o.ownerID, id)
}

func (o *ownerScope) List(ctx context.Context, limit, offset int) ([]model.ConversationSummary, error) {
	return o.svc.List(ctx, o.ownerID, limit, offset)
}

func (o *ownerScope) Search(ctx context.Context, query string, limit int) ([]model.SearchMatch, error) {
	return o.svc.Search(ctx, o.ownerID, query, limit)
}

func (o *ownerScope) Append(ctx context.Context, id string, messages []model.Message) (int, error) {
	return o.svc.Append(ctx, o.ownerID, id, messages)
}

func (o *ownerScope) Replace(ctx context.Context, id string, messages []model.Message) error {
	return o.svc.Replace(ctx, o.ownerID, id, messages)
}

func (o *ownerScope) Delete(ctx context.Context, id string) error {
	return o.svc.Delete(ctx, o.ownerID, id)
}
