package service

import (
	"errors"

	registrystore "github.com/pensieve-mcp/pensieve/internal/registry/store"
)

var (
	// ErrInvalidCredentials is returned by Login for an unknown email or a wrong password.
	ErrInvalidCredentials = errors.New("incorrect email or password")
	// ErrInvalidToken covers malformed, tampered and expired tokens.
	ErrInvalidToken = errors.New("invalid or expired token")
	// ErrUnknownSubject is returned when a valid token names an account that no longer exists.
	ErrUnknownSubject = errors.New("token subject does not exist")
)

// DuplicateIdentityError is returned by Register when the email is already taken.
type DuplicateIdentityError struct {
	registrystore.ConflictError
}

func newDuplicateIdentity() error {
	return &DuplicateIdentityError{ConflictError: registrystore.ConflictError{Message: "Email already registered"}}
}

// IsUnauthorized reports whether err is one of the unauthorized outcomes.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrInvalidCredentials) ||
		errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrUnknownSubject)
}

// IsDuplicateIdentity reports whether err means the identity already exists.
func IsDuplicateIdentity(err error) bool {
	var dup *DuplicateIdentityError
	if errors.As(err, &dup) {
		return true
	}
	var conflict *registrystore.ConflictError
	return errors.As(err, &conflict)
}
