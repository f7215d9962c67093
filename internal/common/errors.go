// Package common defines shared constants and sentinel errors used across
// client and server layers of EnvSync. Callers should use errors.Is to
// match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// Service-level errors (generic/internal flow control).
	ErrorInternal     = errors.New("internal error")
	ErrorUnauthorized = errors.New("unauthorized")

	// Sync errors. ErrConflictDetected is an expected outcome of a push,
	// not a failure: the caller is supposed to route it into the conflict
	// resolution flow rather than retry.
	ErrConflictDetected  = errors.New("sync conflict detected")
	ErrInvalidResolution = errors.New("invalid conflict resolution")

	// ErrTransport marks remote-store/network failures. Batch operations
	// record it per entity instead of aborting the whole batch.
	ErrTransport = errors.New("transport failure")

	// ErrAuthenticationFailed is the client-side decrypt failure: the key,
	// nonce or ciphertext was altered. The server never produces it.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")

	// Token lifecycle errors.
	ErrTokenExpired        = errors.New("token expired")
	ErrRefreshTokenExpired = errors.New("refresh token expired")
)
