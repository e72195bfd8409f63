package graph

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrDeltaExpired means the stored delta token is no longer accepted and
	// a full enumeration is required.
	ErrDeltaExpired = errors.New("graph: delta token expired, full sync required")
	ErrNotFound     = errors.New("graph: not found")
	ErrRateLimited  = errors.New("graph: rate limited")
	ErrUnauthorized = errors.New("graph: unauthorized")
)

// StatusError is a non-2xx Graph response.
type StatusError struct {
	Status int
	Code   string
	Msg    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("graph: status %d: %s: %s", e.Status, e.Code, e.Msg)
	}
	return fmt.Sprintf("graph: status %d", e.Status)
}

func (e *StatusError) Unwrap() error {
	switch e.Status {
	case http.StatusGone:
		return ErrDeltaExpired
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusUnauthorized:
		return ErrUnauthorized
	}
	return nil
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusServiceUnavailable ||
		status == http.StatusGatewayTimeout
}
