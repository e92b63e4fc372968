package domain

import "time"

// Challenge is the one-time email code currently outstanding for a user. Only the salted hash of the code is kept.
type Challenge struct {
	UserID      string    `json:"user_id"`
	CodeHash    string    `json:"code_hash"`
	Salt        string    `json:"salt"`
	ExpiresAtMs int64     `json:"expires_at_ms"`
	Attempts    int       `json:"attempts"`
	Consumed    bool      `json:"consumed"`
	CreatedAt   time.Time `json:"created_at"`
}

// Open reports whether the challenge can still be answered at now given the attempt limit.
func (c *Challenge) Open(now time.Time, maxAttempts int) bool {
	return c != nil && !c.Consumed && now.UnixMilli() < c.ExpiresAtMs && c.Attempts < maxAttempts
}
