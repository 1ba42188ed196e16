package model

import "time"

// StreamToken is a single-use credential granting one user read access to
// one stream.
type StreamToken struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	StreamID  string    `json:"streamId"`
	Scopes    []string  `json:"scopes"`
	Used      bool      `json:"used"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
}

// IsExpired reports whether the token is past its expiry at now.
func (t *StreamToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// TokenClaims is what a successful validation hands to the transport layer.
type TokenClaims struct {
	UserID   string   `json:"userId"`
	StreamID string   `json:"streamId"`
	Scopes   []string `json:"scopes"`
}

type TokenStats struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Used    int `json:"used"`
	Expired int `json:"expired"`
}
