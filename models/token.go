package models

import "time"

// AccessToken gates dashboard access. A token can be shared by up to MaxUsers users.
type AccessToken struct {
	Value     string     `json:"token_value"`
	Label     string     `json:"label,omitempty"`
	Active    bool       `json:"active"`
	MaxUsers  *int       `json:"max_users,omitempty"`
	Notes     string     `json:"notes,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Expired reports whether the token has an expiry in the past.
func (t *AccessToken) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && t.ExpiresAt.Before(now)
}

// TokenUser is a user registered against an access token.
type TokenUser struct {
	TokenValue string    `json:"-"`
	Username   string    `json:"username"`
	Login      string    `json:"login,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastLogin  time.Time `json:"last_login"`
}

// TokenSummary is the admin view of a token.
type TokenSummary struct {
	AccessToken
	UsersCount int `json:"users_count"`
}

type Admin struct {
	ID        int64
	Username  string
	PassHash  []byte
	UpdatedAt time.Time
}

// LoginEvent is one entry of the login history.
type LoginEvent struct {
	ID         int64     `json:"id"`
	Username   string    `json:"username"`
	TokenValue string    `json:"token_value"`
	Success    bool      `json:"success"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
}
