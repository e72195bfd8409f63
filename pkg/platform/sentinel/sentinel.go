// Package sentinel defines the facts a store may report about a record.
//
// Stores return these (optionally wrapped with context); services translate
// them into coded domain errors. They describe storage state, never input
// validation.
package sentinel

import "errors"

var (
	// ErrNotFound: the record does not exist (or has already been consumed).
	ErrNotFound = errors.New("not found")
	// ErrConflict: a uniqueness constraint rejected the write.
	ErrConflict = errors.New("conflict")
	// ErrExpired: the record exists but is past its lifetime.
	ErrExpired = errors.New("expired")
	// ErrUnavailable: the backing service could not be reached.
	ErrUnavailable = errors.New("unavailable")
)
