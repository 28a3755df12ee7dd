package mongo

import (
	"context"
	"errors"
	"time"

	"github.com/pensieve-mcp/pensieve/internal/model"
	registrystore "github.com/pensieve-mcp/pensieve/internal/registry/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

type userDoc struct {
	ID           string    `bson:"_id"`
	Email        string    `bson:"email"`
	PasswordHash string    `bson:"hashed_password"`
	CreatedAt    time.Time `bson:"created_at"`
}

func (s *MongoStore) CreateUser(ctx context.Context, user *model.User) error {
	_, err := s.users().InsertOne(ctx, userDoc{
		ID:           user.ID,
		Email:        user.Email,
		PasswordHash: user.PasswordHash,
		CreatedAt:    user.CreatedAt.UTC().Truncate(time.Millisecond),
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return &registrystore.ConflictError{Message: "Email already registered"}
		}
		return registrystore.Unavailable("create user", err)
	}
	return nil
}

func (s *MongoStore) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	var doc userDoc
	err := s.users().FindOne(ctx, bson.D{{Key: "email", Value: email}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &registrystore.NotFoundError{Resource: "user", ID: email}
	}
	if err != nil {
		return nil, registrystore.Unavailable("get user", err)
	}
	return &model.User{
		ID:           doc.ID,
		Email:        doc.Email,
		PasswordHash: doc.PasswordHash,
		CreatedAt:    doc.CreatedAt.UTC(),
	}, nil
}
