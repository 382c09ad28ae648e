// Package common defines shared sentinel errors and the error-kind model
// used across the auth core. Callers should use errors.Is / errors.As to
// match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound      = errors.New("not found")
	ErrorAlreadyExists = errors.New("already exists")

	// Service-level errors (generic/internal flow control).
	ErrorInternal     = errors.New("internal error")
	ErrorUnauthorized = errors.New("unauthorized")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")

	// Token lifecycle errors.
	ErrTokenExpired        = errors.New("token expired")
	ErrRefreshTokenExpired = errors.New("refresh token expired")

	// Refresh token family errors. Never surfaced to clients as-is.
	ErrRefreshTokenReused   = errors.New("refresh token reused")
	ErrRefreshTokenMismatch = errors.New("refresh token mismatch")
)
