// Package domain holds identifier primitives shared across bounded contexts.
package domain

import (
	"strings"

	"github.com/google/uuid"

	dErrors "entralink/pkg/domain-errors"
)

// UserID identifies a local account. It is immutable once assigned.
type UserID uuid.UUID

// NewUserID allocates a fresh random user ID.
func NewUserID() UserID {
	return UserID(uuid.New())
}

// ParseUserID validates s at a trust boundary. Empty and nil UUIDs are rejected.
func ParseUserID(s string) (UserID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return UserID{}, dErrors.New(dErrors.CodeInvalidInput, "user ID is required")
	}
	parsed, err := uuid.Parse(s)
	if err != nil {
		return UserID{}, dErrors.New(dErrors.CodeInvalidInput, "invalid user ID")
	}
	if parsed == uuid.Nil {
		return UserID{}, dErrors.New(dErrors.CodeInvalidInput, "invalid user ID")
	}
	return UserID(parsed), nil
}

func (id UserID) String() string { return uuid.UUID(id).String() }

// IsNil reports whether the ID is the zero value.
func (id UserID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
