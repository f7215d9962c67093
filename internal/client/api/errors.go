package api

import (
	"errors"

	"github.com/envsync/envsync/internal/common"
)

var (
	ErrUnavailable  = errors.New("server unavailable")
	ErrUnauthorized = errors.New("unauthorized")
)

// ConflictError reports a push rejected by the server's conflict detector.
// It is an expected outcome requiring a resolution flow, not a retry.
// errors.Is matches it against common.ErrConflictDetected.
type ConflictError struct {
	ConflictID string
}

func (e *ConflictError) Error() string {
	return "sync conflict detected: " + e.ConflictID
}

func (e *ConflictError) Unwrap() error { return common.ErrConflictDetected }
