package models

import "time"

// RefreshToken is the server-side state behind a refresh JWT. JTI links it
// to the signed claims; Token holds a hash of the raw JWT, never the JWT.
type RefreshToken struct {
	ID          string
	UserID      string
	JTI         string
	Token       HashRecord
	ExpiresAt   time.Time
	RevokedAt   *time.Time
	RotatedFrom *string
	CreatedAt   time.Time
}

// Active reports whether the row has not been revoked.
func (t *RefreshToken) Active() bool { return t.RevokedAt == nil }

// Expired reports whether the row is past its expiry at now.
func (t *RefreshToken) Expired(now time.Time) bool { return t.ExpiresAt.Before(now) }
