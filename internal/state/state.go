// Package state defines the materialized key→value tables the partition processor writes and the
// query service reads. Every table is keyed by the same key commands are routed by, so a
// check-then-write on one key never races with another writer of that key.
package state

import (
	"context"

	identitydomain "identity-session-core/internal/identity/domain"
	mfadomain "identity-session-core/internal/mfa/domain"
	sessiondomain "identity-session-core/internal/session/domain"
	userdomain "identity-session-core/internal/user/domain"
)

// Table names. Durable backends use them as SQL table names or key namespaces.
const (
	TableUsers               = "users"
	TableCredentials         = "credentials"
	TableUsernameIndex       = "username_index"
	TableEmailIndex          = "email_index"
	TableSessions            = "sessions"
	TableRefreshTokens       = "refresh_tokens"
	TableSessionRefreshLinks = "session_refresh_links"
	TableLoginFailures       = "login_failures"
	TableOTPs                = "otps"
)

// TableNames lists every table in creation order.
var TableNames = []string{
	TableUsers,
	TableCredentials,
	TableUsernameIndex,
	TableEmailIndex,
	TableSessions,
	TableRefreshTokens,
	TableSessionRefreshLinks,
	TableLoginFailures,
	TableOTPs,
}

// Table is a key→value map. Get returns ok false for a missing key. Nothing is ever deleted.
type Table[V any] interface {
	Get(ctx context.Context, key string) (V, bool, error)
	Put(ctx context.Context, key string, value V) error
}

// Tables bundles one table per entity.
type Tables struct {
	Users               Table[userdomain.User]
	Credentials         Table[identitydomain.Credential]
	UsernameIndex       Table[string]
	EmailIndex          Table[string]
	Sessions            Table[sessiondomain.Session]
	RefreshTokens       Table[sessiondomain.RefreshToken]
	SessionRefreshLinks Table[string]
	LoginFailures       Table[int64]
	OTPs                Table[mfadomain.Challenge]
}

// LoginFailureKey is the counter key for failed logins of principal from ip.
func LoginFailureKey(principal, ip string) string {
	return principal + "|" + ip
}

// EmailOwner returns the user the email index points at, or "" when the email is free. An index entry
// whose user no longer carries that email is stale and counts as free.
func (t *Tables) EmailOwner(ctx context.Context, email string) (string, error) {
	userID, ok, err := t.EmailIndex.Get(ctx, email)
	if err != nil || !ok {
		return "", err
	}
	u, ok, err := t.Users.Get(ctx, userID)
	if err != nil || !ok {
		return "", err
	}
	if u.Email != email {
		return "", nil
	}
	return userID, nil
}
