// Package query answers point lookups against the state tables. Queries never write and may run
// concurrently with the processor; each sees the latest command applied for the keys it reads.
package query

import (
	"context"
	"time"

	identitydomain "identity-session-core/internal/identity/domain"
	"identity-session-core/internal/mfa"
	"identity-session-core/internal/security"
	sessiondomain "identity-session-core/internal/session/domain"
	"identity-session-core/internal/state"
	userdomain "identity-session-core/internal/user/domain"
)

// Service is the read side over state.Tables. Absent entities are returned as nil or "" with a nil error.
type Service struct {
	tables         *state.Tables
	hashers        *security.Hashers
	otpMaxAttempts int
	now            func() time.Time
}

// New returns a query Service. hashers verifies credentials in Authenticate.
func New(tables *state.Tables, hashers *security.Hashers, otpMaxAttempts int) *Service {
	if otpMaxAttempts <= 0 {
		otpMaxAttempts = 5
	}
	return &Service{tables: tables, hashers: hashers, otpMaxAttempts: otpMaxAttempts, now: time.Now}
}

// WithClock replaces the clock used for lazy expiry. Intended for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CanRegister reports whether both the email and the username are free. Inputs must already be normalized.
func (s *Service) CanRegister(ctx context.Context, emailLower, usernameLower string) (bool, error) {
	if _, taken, err := s.tables.UsernameIndex.Get(ctx, usernameLower); err != nil || taken {
		return false, err
	}
	owner, err := s.tables.EmailOwner(ctx, emailLower)
	if err != nil {
		return false, err
	}
	return owner == "", nil
}

// UserIDByEmail returns the current owner of email, or "" when the index entry is absent or stale.
func (s *Service) UserIDByEmail(ctx context.Context, email string) (string, error) {
	return s.tables.EmailOwner(ctx, userdomain.NormalizeEmail(email))
}

// UserIDByUsername returns the owner of username, or "".
func (s *Service) UserIDByUsername(ctx context.Context, username string) (string, error) {
	id, _, err := s.tables.UsernameIndex.Get(ctx, userdomain.NormalizeUsername(username))
	return id, err
}

// UserByID returns the user, or nil.
func (s *Service) UserByID(ctx context.Context, userID string) (*userdomain.User, error) {
	u, ok, err := s.tables.Users.Get(ctx, userID)
	if err != nil || !ok {
		return nil, err
	}
	return &u, nil
}

// CredentialForUser returns the stored credential, or nil.
func (s *Service) CredentialForUser(ctx context.Context, userID string) (*identitydomain.Credential, error) {
	c, ok, err := s.tables.Credentials.Get(ctx, userID)
	if err != nil || !ok {
		return nil, err
	}
	return &c, nil
}

// Authenticate resolves username to its credential and verifies password with the credential's own
// algorithm. Returns the userId on a match and "" otherwise; an unknown username and a wrong password
// are indistinguishable.
func (s *Service) Authenticate(ctx context.Context, usernameLower, password string) (string, error) {
	userID, err := s.UserIDByUsername(ctx, usernameLower)
	if err != nil || userID == "" {
		return "", err
	}
	cred, err := s.CredentialForUser(ctx, userID)
	if err != nil || cred == nil {
		return "", err
	}
	if !s.hashers.Verify(CredentialDigest(cred), []byte(password)) {
		return "", nil
	}
	return userID, nil
}

// CheckSession returns the session when it is unrevoked and unexpired, else nil.
func (s *Service) CheckSession(ctx context.Context, sessionID string) (*sessiondomain.Session, error) {
	sess, ok, err := s.tables.Sessions.Get(ctx, sessionID)
	if err != nil || !ok || !sess.Valid(s.now()) {
		return nil, err
	}
	return &sess, nil
}

// ValidateRefresh returns the refresh record when it is unrevoked and unexpired, else nil.
func (s *Service) ValidateRefresh(ctx context.Context, refreshID string) (*sessiondomain.RefreshToken, error) {
	rec, ok, err := s.tables.RefreshTokens.Get(ctx, refreshID)
	if err != nil || !ok || !rec.Valid(s.now()) {
		return nil, err
	}
	return &rec, nil
}

// LoginFailures returns the failed-login count of principal from ip.
func (s *Service) LoginFailures(ctx context.Context, principal, ip string) (int64, error) {
	n, _, err := s.tables.LoginFailures.Get(ctx, state.LoginFailureKey(principal, ip))
	return n, err
}

// CheckOTP reports whether code answers the user's open challenge. A missing, expired, consumed or
// exhausted challenge never matches.
func (s *Service) CheckOTP(ctx context.Context, userID, code string) (bool, error) {
	ch, ok, err := s.tables.OTPs.Get(ctx, userID)
	if err != nil || !ok || !ch.Open(s.now(), s.otpMaxAttempts) {
		return false, err
	}
	return mfa.OTPEqual(code, ch.Salt, ch.CodeHash), nil
}

// OTPStatus is where the user's challenge stands.
type OTPStatus int

const (
	// OTPPending is an open challenge still taking attempts.
	OTPPending OTPStatus = iota
	// OTPConsumed is a challenge answered by an accepted attempt.
	OTPConsumed
	// OTPClosed is a missing, expired or exhausted challenge.
	OTPClosed
)

// ChallengeStatus reports the state of the user's challenge.
func (s *Service) ChallengeStatus(ctx context.Context, userID string) (OTPStatus, error) {
	ch, ok, err := s.tables.OTPs.Get(ctx, userID)
	switch {
	case err != nil:
		return OTPPending, err
	case !ok:
		return OTPClosed, nil
	case ch.Consumed:
		return OTPConsumed, nil
	case !ch.Open(s.now(), s.otpMaxAttempts):
		return OTPClosed, nil
	}
	return OTPPending, nil
}

// CredentialDigest converts a stored credential into the form the hashers verify against.
func CredentialDigest(c *identitydomain.Credential) security.Digest {
	return security.Digest{Algo: c.Algo, Hash: c.Hash, Salt: c.Salt, Params: c.Params}
}
