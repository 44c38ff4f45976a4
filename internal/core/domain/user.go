package domain

import "time"

// Credential is a registered account. Only the bcrypt hash is stored.
type Credential struct {
	Username     string
	PasswordHash []byte
	CreatedAt    time.Time
}
