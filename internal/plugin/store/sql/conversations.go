package sql

import (
	"context"
	"errors"
	"strings"

	"github.com/pensieve-mcp/pensieve/internal/model"
	registrystore "github.com/pensieve-mcp/pensieve/internal/registry/store"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// lockRow reads one conversation inside tx, holding a row lock where the dialect has one.
func (s *Store) lockRow(tx *gorm.DB, id string) (*conversationRow, error) {
	q := tx.Where("id = ?", id)
	if s.dialect == DialectPostgres {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row conversationRow
	if err := q.Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, registrystore.ConversationNotFound(id)
		}
		return nil, err
	}
	return &row, nil
}

func (s *Store) PutConversation(ctx context.Context, conv *model.Conversation) error {
	put := func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			ts := now()
			row, err := s.lockRow(tx, conv.ID)
			var nf *registrystore.NotFoundError
			switch {
			case errors.As(err, &nf):
				row = &conversationRow{ID: conv.ID, UserID: conv.OwnerID, CreatedAt: ts}
				row.setMessages(conv.Messages)
				row.Metadata = conv.Metadata
				row.MetadataText = model.MetadataText(conv.Metadata)
				row.UpdatedAt = ts
				if err := tx.Create(row).Error; err != nil {
					return err
				}
			case err != nil:
				return err
			case row.UserID != conv.OwnerID:
				return registrystore.ConversationNotFound(conv.ID)
			default:
				row.setMessages(conv.Messages)
				row.Metadata = conv.Metadata
				row.MetadataText = model.MetadataText(conv.Metadata)
				row.UpdatedAt = ts
				if err := tx.Save(row).Error; err != nil {
					return err
				}
			}
			conv.CreatedAt = row.CreatedAt.UTC()
			conv.UpdatedAt = row.UpdatedAt.UTC()
			return nil
		})
	}
	err := put()
	if isDuplicateKey(err) {
		// A concurrent put created the id first; retry as an update.
		err = put()
	}
	if err != nil {
		return registrystore.Unavailable("put conversation", err)
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var row conversationRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, registrystore.ConversationNotFound(id)
	}
	if err != nil {
		return nil, registrystore.Unavailable("get conversation", err)
	}
	return row.toModel(), nil
}

func (s *Store) ListConversations(ctx context.Context, ownerID string, limit, offset int) ([]model.ConversationSummary, error) {
	var rows []conversationRow
	err := s.db.WithContext(ctx).
		Select("id", "user_id", "metadata", "message_count", "created_at", "updated_at").
		Where("user_id = ?", ownerID).
		Order("created_at DESC").Order("id ASC").
		Limit(limit).Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, registrystore.Unavailable("list conversations", err)
	}
	out := make([]model.ConversationSummary, len(rows))
	for i := range rows {
		out[i] = rows[i].toModel().Summary()
		out[i].MessageCount = rows[i].MessageCount
	}
	return out, nil
}

// mutate applies fn to the owned row under lock and saves it.
func (s *Store) mutate(ctx context.Context, op, id, ownerID string, fn func(*conversationRow)) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.lockRow(tx, id)
		if err != nil {
			return err
		}
		if row.UserID != ownerID {
			return registrystore.ConversationNotFound(id)
		}
		fn(row)
		row.UpdatedAt = now()
		return tx.Save(row).Error
	})
	return registrystore.Unavailable(op, err)
}

func (s *Store) ReplaceMessages(ctx context.Context, id, ownerID string, messages []model.Message) error {
	return s.mutate(ctx, "replace messages", id, ownerID, func(row *conversationRow) {
		row.setMessages(messages)
	})
}

func (s *Store) AppendMessages(ctx context.Context, id, ownerID string, messages []model.Message) error {
	return s.mutate(ctx, "append messages", id, ownerID, func(row *conversationRow) {
		row.setMessages(append(row.Messages, messages...))
	})
}

func (s *Store) DeleteConversation(ctx context.Context, id, ownerID string) (bool, error) {
	res := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, ownerID).Delete(&conversationRow{})
	if res.Error != nil {
		return false, registrystore.Unavailable("delete conversation", res.Error)
	}
	return res.RowsAffected > 0, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (s *Store) SearchConversations(ctx context.Context, ownerID, query string, limit int) ([]model.SearchMatch, error) {
	pattern := "%" + likeEscaper.Replace(query) + "%"
	var rows []conversationRow
	err := s.db.WithContext(ctx).
		Where("user_id = ?", ownerID).
		Where(`(message_text LIKE ? ESCAPE '\' OR metadata_text LIKE ? ESCAPE '\')`, pattern, pattern).
		Order("created_at DESC").Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, registrystore.Unavailable("search conversations", err)
	}
	out := make([]model.SearchMatch, len(rows))
	for i := range rows {
		conv := rows[i].toModel()
		matched, _ := model.Match(conv, query)
		out[i] = model.NewSearchMatch(conv, matched)
	}
	return out, nil
}
