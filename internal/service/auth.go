package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pensieve-mcp/pensieve/internal/model"
	registrystore "github.com/pensieve-mcp/pensieve/internal/registry/store"
	"github.com/pensieve-mcp/pensieve/internal/security"
)

const (
	MinPasswordLength = 6
	MaxPasswordLength = 100
)

// Auth registers users, logs them in and resolves access tokens.
type Auth struct {
	users     registrystore.UserStore
	tokens    *security.TokenIssuer
	passwords *security.PasswordHasher
	validate  *validator.Validate
	now       func() time.Time
}

// NewAuth creates the auth service.
func NewAuth(users registrystore.UserStore, tokens *security.TokenIssuer, passwords *security.PasswordHasher) *Auth {
	return &Auth{
		users:     users,
		tokens:    tokens,
		passwords: passwords,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		now:       time.Now,
	}
}

// TokenTTL is the lifetime of issued access tokens.
func (a *Auth) TokenTTL() time.Duration {
	return a.tokens.TTL()
}

// ValidateCredentials checks the email format and the password length in characters.
func (a *Auth) ValidateCredentials(email, password string) error {
	if err := a.validate.Var(email, "required,email"); err != nil {
		return &registrystore.ValidationError{Field: "email", Message: "value is not a valid email address"}
	}
	n := utf8.RuneCountInString(password)
	if n < MinPasswordLength || n > MaxPasswordLength {
		return &registrystore.ValidationError{
			Field:   "password",
			Message: fmt.Sprintf("must be between %d and %d characters", MinPasswordLength, MaxPasswordLength),
		}
	}
	return nil
}

// Register creates an account and returns an access token for it.
func (a *Auth) Register(ctx context.Context, email, password string) (string, error) {
	email = strings.TrimSpace(email)
	if err := a.ValidateCredentials(email, password); err != nil {
		security.RecordAuthEvent("register", "invalid")
		return "", err
	}
	if _, err := a.users.GetUserByEmail(ctx, email); err == nil {
		security.RecordAuthEvent("register", "duplicate")
		return "", newDuplicateIdentity()
	} else if !isNotFound(err) {
		return "", err
	}

	hash, err := a.passwords.Hash(password)
	if err != nil {
		return "", err
	}
	user := &model.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    a.now().UTC(),
	}
	if err := a.users.CreateUser(ctx, user); err != nil {
		var conflict *registrystore.ConflictError
		if errors.As(err, &conflict) {
			security.RecordAuthEvent("register", "duplicate")
			return "", newDuplicateIdentity()
		}
		return "", err
	}
	log.Info("User registered", "userID", user.ID)
	security.RecordAuthEvent("register", "ok")
	return a.tokens.Issue(user.Email)
}

// Login verifies credentials. An unknown email and a wrong password both yield
// ErrInvalidCredentials and cost one bcrypt comparison.
func (a *Auth) Login(ctx context.Context, email, password string) (string, error) {
	email = strings.TrimSpace(email)
	user, err := a.users.GetUserByEmail(ctx, email)
	if err != nil {
		if isNotFound(err) {
			a.passwords.DummyCompare(password)
			security.RecordAuthEvent("login", "invalid_credentials")
			return "", ErrInvalidCredentials
		}
		return "", err
	}
	ok, err := a.passwords.Compare(user.PasswordHash, password)
	if err != nil {
		return "", err
	}
	if !ok {
		security.RecordAuthEvent("login", "invalid_credentials")
		return "", ErrInvalidCredentials
	}
	security.RecordAuthEvent("login", "ok")
	return a.tokens.Issue(user.Email)
}

// Authenticate resolves a bearer token to its user.
func (a *Auth) Authenticate(ctx context.Context, token string) (*model.User, error) {
	subject, err := a.tokens.Parse(token)
	if err != nil {
		security.RecordAuthEvent("authenticate", "invalid_token")
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	user, err := a.users.GetUserByEmail(ctx, subject)
	if err != nil {
		if isNotFound(err) {
			security.RecordAuthEvent("authenticate", "unknown_subject")
			return nil, ErrUnknownSubject
		}
		return nil, err
	}
	return user, nil
}

func isNotFound(err error) bool {
	var nf *registrystore.NotFoundError
	return errors.As(err, &nf)
}

var _ security.Authenticator = (*Auth)(nil)
