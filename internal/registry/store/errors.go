package store

import "fmt"

// NotFoundError indicates the resource was not found (or the caller does not own it).
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ValidationError indicates a client-side validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

// ConflictError indicates a uniqueness violation.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// UnavailableError indicates the backing storage failed. The cause is kept for
// logs and never shown to callers.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable during %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// Unavailable wraps err as an UnavailableError unless it is already classified.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	switch err.(type) {
	case *NotFoundError, *ValidationError, *ConflictError, *UnavailableError:
		return err
	}
	return &UnavailableError{Op: op, Err: err}
}

// ConversationNotFound is the NotFoundError for a conversation id.
func ConversationNotFound(id string) error {
	return &NotFoundError{Resource: "conversation", ID: id}
}
