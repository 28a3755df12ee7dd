// Package file stores one JSON document per conversation in a Bucket: a local
// directory for the "file" datastore, or an object store (see package s3).
//
// Read-modify-write operations are serialized per conversation id inside one
// process. Several processes sharing one directory are not supported.
package file

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pensieve-mcp/pensieve/internal/config"
	"github.com/pensieve-mcp/pensieve/internal/model"
	registrycache "github.com/pensieve-mcp/pensieve/internal/registry/cache"
	registrystore "github.com/pensieve-mcp/pensieve/internal/registry/store"
	"github.com/pensieve-mcp/pensieve/internal/security"
)

const (
	conversationsPrefix = "conversations"
	usersPrefix         = "users"
	docSuffix           = ".json"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name:   "file",
		Loader: load,
	})
}

func load(ctx context.Context) (registrystore.Store, error) {
	cfg := config.FromContext(ctx)
	dir := cfg.ResolvedStorageDir()
	bucket, err := NewDirBucket(dir)
	if err != nil {
		return nil, err
	}
	log.Info("Using file datastore", "dir", dir)
	return New(bucket, Options{
		Cache:       registrycache.ConversationCacheFromContext(ctx),
		LegacyOwner: legacyOwner(cfg),
	}), nil
}

func legacyOwner(cfg *config.Config) string {
	if cfg == nil {
		return ""
	}
	return cfg.MCPOwner
}

// Options tune a Store.
type Options struct {
	// Cache is consulted before the bucket and written through on every change.
	Cache registrycache.ConversationCache
	// LegacyOwner owns documents written without a user_id.
	LegacyOwner string
}

// Store implements registrystore.Store over a Bucket.
type Store struct {
	bucket      Bucket
	cache       registrycache.ConversationCache
	legacyOwner string
	locks       *keyedMutex
	usersMu     sync.Mutex
	now         func() time.Time
}

// New creates a Store.
func New(bucket Bucket, opts Options) *Store {
	cache := opts.Cache
	if cache != nil && !cache.Available() {
		cache = nil
	}
	return &Store{
		bucket:      bucket,
		cache:       cache,
		legacyOwner: opts.LegacyOwner,
		locks:       newKeyedMutex(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func conversationKey(id string) string {
	return path.Join(conversationsPrefix, id+docSuffix)
}

func userKey(email string) string {
	sum := sha256.Sum256([]byte(email))
	return path.Join(usersPrefix, hex.EncodeToString(sum[:])+docSuffix)
}

// load reads a conversation through the cache and fills the cache on a miss.
// Callers hold the id lock so a filled entry cannot predate a concurrent write.
// Missing ids yield NotFoundError.
func (s *Store) load(ctx context.Context, id string) (*model.Conversation, error) {
	conv, cached, err := s.read(ctx, id)
	if err != nil {
		return nil, err
	}
	if !cached {
		s.remember(ctx, conv)
	}
	return conv, nil
}

// read looks in the cache, then the bucket. It never writes the cache, so it is
// safe without the id lock.
func (s *Store) read(ctx context.Context, id string) (*model.Conversation, bool, error) {
	if !model.ValidConversationID(id) {
		return nil, false, registrystore.ConversationNotFound(id)
	}
	if s.cache != nil {
		cached, err := s.cache.Get(ctx, id)
		if err != nil {
			log.Warn("Conversation cache read failed", "id", id, "err", err)
		}
		security.RecordCacheLookup(cached != nil)
		if cached != nil {
			return cached, true, nil
		}
	}
	data, err := s.bucket.Get(ctx, conversationKey(id))
	if errors.Is(err, ErrNotExist) {
		return nil, false, registrystore.ConversationNotFound(id)
	}
	if err != nil {
		return nil, false, registrystore.Unavailable("read conversation", err)
	}
	conv, err := s.decode(data)
	if err != nil {
		return nil, false, registrystore.Unavailable("decode conversation", fmt.Errorf("%s: %w", id, err))
	}
	return conv, false, nil
}

func (s *Store) decode(data []byte) (*model.Conversation, error) {
	var conv model.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, err
	}
	if conv.OwnerID == "" {
		conv.OwnerID = s.legacyOwner
	}
	if conv.Messages == nil {
		conv.Messages = []model.Message{}
	}
	if conv.Metadata == nil {
		conv.Metadata = map[string]any{}
	}
	return &conv, nil
}

func (s *Store) write(ctx context.Context, conv *model.Conversation) error {
	data, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return registrystore.Unavailable("encode conversation", err)
	}
	if err := s.bucket.Put(ctx, conversationKey(conv.ID), data); err != nil {
		// The cached copy may no longer match storage.
		s.forget(ctx, conv.ID)
		return registrystore.Unavailable("write conversation", err)
	}
	s.remember(ctx, conv)
	return nil
}

func (s *Store) remember(ctx context.Context, conv *model.Conversation) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, conv); err != nil {
		log.Warn("Conversation cache write failed", "id", conv.ID, "err", err)
	}
}

func (s *Store) forget(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Remove(ctx, id); err != nil {
		log.Warn("Conversation cache remove failed", "id", id, "err", err)
	}
}

// loadOwned loads id and hides records of other owners.
func (s *Store) loadOwned(ctx context.Context, id, ownerID string) (*model.Conversation, error) {
	conv, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.OwnerID != ownerID {
		return nil, registrystore.ConversationNotFound(id)
	}
	return conv, nil
}

func (s *Store) PutConversation(ctx context.Context, conv *model.Conversation) error {
	if !model.ValidConversationID(conv.ID) {
		return &registrystore.ValidationError{Field: "conversation_id", Message: "invalid conversation id"}
	}
	unlock := s.locks.Lock(conv.ID)
	defer unlock()

	now := s.now()
	conv.CreatedAt = now
	existing, err := s.load(ctx, conv.ID)
	switch {
	case err == nil:
		if existing.OwnerID != conv.OwnerID {
			return registrystore.ConversationNotFound(conv.ID)
		}
		conv.CreatedAt = existing.CreatedAt
	case isNotFound(err):
	default:
		return err
	}
	conv.UpdatedAt = now
	return s.write(ctx, conv)
}

func (s *Store) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	if !model.ValidConversationID(id) {
		return nil, registrystore.ConversationNotFound(id)
	}
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.load(ctx, id)
}

func (s *Store) ReplaceMessages(ctx context.Context, id, ownerID string, messages []model.Message) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	conv, err := s.loadOwned(ctx, id, ownerID)
	if err != nil {
		return err
	}
	conv.Messages = append([]model.Message{}, messages...)
	conv.UpdatedAt = s.now()
	return s.write(ctx, conv)
}

func (s *Store) AppendMessages(ctx context.Context, id, ownerID string, messages []model.Message) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	conv, err := s.loadOwned(ctx, id, ownerID)
	if err != nil {
		return err
	}
	conv.Messages = append(conv.Messages, messages...)
	conv.UpdatedAt = s.now()
	return s.write(ctx, conv)
}

func (s *Store) DeleteConversation(ctx context.Context, id, ownerID string) (bool, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	if _, err := s.loadOwned(ctx, id, ownerID); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	s.forget(ctx, id)
	deleted, err := s.bucket.Delete(ctx, conversationKey(id))
	if err != nil {
		return false, registrystore.Unavailable("delete conversation", err)
	}
	return deleted, nil
}

// owned loads every conversation of ownerID, newest created first.
func (s *Store) owned(ctx context.Context, ownerID string) ([]*model.Conversation, error) {
	keys, err := s.bucket.List(ctx, conversationsPrefix)
	if err != nil {
		return nil, registrystore.Unavailable("list conversations", err)
	}
	out := make([]*model.Conversation, 0, len(keys))
	for _, key := range keys {
		name := path.Base(key)
		if !strings.HasSuffix(name, docSuffix) {
			continue
		}
		conv, _, err := s.read(ctx, strings.TrimSuffix(name, docSuffix))
		if err != nil {
			if isNotFound(err) {
				continue
			}
			log.Warn("Skipping unreadable conversation", "key", key, "err", err)
			continue
		}
		if conv.OwnerID == ownerID {
			out = append(out, conv)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) ListConversations(ctx context.Context, ownerID string, limit, offset int) ([]model.ConversationSummary, error) {
	convs, err := s.owned(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	out := []model.ConversationSummary{}
	if offset >= len(convs) {
		return out, nil
	}
	end := len(convs)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	for _, conv := range convs[offset:end] {
		out = append(out, conv.Summary())
	}
	return out, nil
}

func (s *Store) SearchConversations(ctx context.Context, ownerID, query string, limit int) ([]model.SearchMatch, error) {
	convs, err := s.owned(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	out := []model.SearchMatch{}
	for _, conv := range convs {
		if limit > 0 && len(out) >= limit {
			break
		}
		if matched, ok := model.Match(conv, query); ok {
			out = append(out, model.NewSearchMatch(conv, matched))
		}
	}
	return out, nil
}

func (s *Store) CreateUser(ctx context.Context, user *model.User) error {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()

	key := userKey(user.Email)
	if _, err := s.bucket.Get(ctx, key); err == nil {
		return &registrystore.ConflictError{Message: "Email already registered"}
	} else if !errors.Is(err, ErrNotExist) {
		return registrystore.Unavailable("read user", err)
	}
	data, err := json.Marshal(user)
	if err != nil {
		return registrystore.Unavailable("encode user", err)
	}
	if err := s.bucket.Put(ctx, key, data); err != nil {
		return registrystore.Unavailable("write user", err)
	}
	return nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	data, err := s.bucket.Get(ctx, userKey(email))
	if errors.Is(err, ErrNotExist) {
		return nil, &registrystore.NotFoundError{Resource: "user", ID: email}
	}
	if err != nil {
		return nil, registrystore.Unavailable("read user", err)
	}
	var user model.User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, registrystore.Unavailable("decode user", err)
	}
	if user.Email != email {
		return nil, &registrystore.NotFoundError{Resource: "user", ID: email}
	}
	return &user, nil
}

func (s *Store) Close(context.Context) error {
	return nil
}

func isNotFound(err error) bool {
	var nf *registrystore.NotFoundError
	return errors.As(err, &nf)
}

var _ registrystore.Store = (*Store)(nil)
