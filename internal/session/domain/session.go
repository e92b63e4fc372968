package domain

import "time"

// Session represents an authenticated login. Only Revoked changes after creation.
type Session struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Device      string    `json:"device,omitempty"`
	IPAddress   string    `json:"ip_address,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAtMs int64     `json:"expires_at_ms"`
	Revoked     bool      `json:"revoked"`
}

// Valid reports whether the session is unrevoked and unexpired at now.
func (s *Session) Valid(now time.Time) bool {
	return s != nil && !s.Revoked && now.UnixMilli() < s.ExpiresAtMs
}

// RefreshToken is the server-side record of an issued refresh token, keyed by the token's jti.
type RefreshToken struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	SessionID   string    `json:"session_id,omitempty"` // empty when issued independently of a session
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAtMs int64     `json:"expires_at_ms"`
	Revoked     bool      `json:"revoked"`
}

// Valid reports whether the refresh record is unrevoked and unexpired at now.
func (r *RefreshToken) Valid(now time.Time) bool {
	return r != nil && !r.Revoked && now.UnixMilli() < r.ExpiresAtMs
}
