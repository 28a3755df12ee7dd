package sql

import (
	"time"

	"github.com/pensieve-mcp/pensieve/internal/model"
)

type userRow struct {
	ID           string    `gorm:"primaryKey;size:64"`
	Email        string    `gorm:"not null;uniqueIndex:idx_users_email;size:320"`
	PasswordHash string    `gorm:"column:hashed_password;not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (userRow) TableName() string { return "users" }

// conversationRow keeps lower-cased copies of the searchable text so LIKE can
// run against plain columns.
type conversationRow struct {
	ID           string          `gorm:"primaryKey;size:128"`
	UserID       string          `gorm:"not null;index:idx_conversations_owner_created,priority:1;size:64"`
	Messages     []model.Message `gorm:"serializer:json;not null"`
	Metadata     map[string]any  `gorm:"serializer:json;not null"`
	MessageText  string          `gorm:"not null;default:''"`
	MetadataText string          `gorm:"not null;default:''"`
	MessageCount int             `gorm:"not null;default:0"`
	CreatedAt    time.Time       `gorm:"not null;index:idx_conversations_owner_created,priority:2,sort:desc"`
	UpdatedAt    time.Time       `gorm:"not null"`
}

func (conversationRow) TableName() string { return "conversations" }

func (r *conversationRow) toModel() *model.Conversation {
	msgs := r.Messages
	if msgs == nil {
		msgs = []model.Message{}
	}
	meta := r.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	return &model.Conversation{
		ID:        r.ID,
		OwnerID:   r.UserID,
		Messages:  msgs,
		Metadata:  meta,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}

func (r *conversationRow) setMessages(msgs []model.Message) {
	r.Messages = append([]model.Message{}, msgs...)
	r.MessageText = model.MessageText(r.Messages)
	r.MessageCount = len(r.Messages)
}

// now is truncated to the microsecond precision of postgres timestamps.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
