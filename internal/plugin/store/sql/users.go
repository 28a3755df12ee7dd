package sql

import (
	"context"
	"errors"

	"github.com/pensieve-mcp/pensieve/internal/model"
	registrystore "github.com/pensieve-mcp/pensieve/internal/registry/store"
	"gorm.io/gorm"
)

func (s *Store) CreateUser(ctx context.Context, user *model.User) error {
	row := userRow{
		ID:           user.ID,
		Email:        user.Email,
		PasswordHash: user.PasswordHash,
		CreatedAt:    user.CreatedAt.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isDuplicateKey(err) {
			return &registrystore.ConflictError{Message: "Email already registered"}
		}
		return registrystore.Unavailable("create user", err)
	}
	return nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	var row userRow
	err := s.db.WithContext(ctx).Where("email = ?", email).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &registrystore.NotFoundError{Resource: "user", ID: email}
	}
	if err != nil {
		return nil, registrystore.Unavailable("get user", err)
	}
	return &model.User{
		ID:           row.ID,
		Email:        row.Email,
		PasswordHash: row.PasswordHash,
		CreatedAt:    row.CreatedAt.UTC(),
	}, nil
}
