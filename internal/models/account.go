package models

import (
	"time"
)

// Account is the identity handed to the client by the login collaborator.
type Account struct {
	UserID    string    `json:"user_id"`
	Token     string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}
