package models

import "time"

// User is the credential-owning account record.
type User struct {
	ID        string
	Email     string
	Password  HashRecord
	CreatedAt time.Time
	UpdatedAt time.Time
}
