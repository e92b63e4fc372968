package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when a token is malformed, tampered with, of the wrong type or expired.
	ErrInvalidToken = errors.New("invalid token")
	// ErrEmptySecret is returned when a TokenProvider is built without a signing secret.
	ErrEmptySecret = errors.New("token secret must not be empty")
)

// TokenType discriminates access tokens from refresh tokens.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims holds the JWT claims of both token types. Refresh tokens carry a jti naming their server-side record.
type Claims struct {
	jwt.RegisteredClaims
	Type      TokenType `json:"type"`
	SessionID string    `json:"sid,omitempty"`
}

// TokenProvider issues and validates HS256 access and refresh tokens signed with one shared secret.
type TokenProvider struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewTokenProvider returns a TokenProvider for secret. secret must be non-empty.
func NewTokenProvider(secret string, accessTTL, refreshTTL time.Duration) (*TokenProvider, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &TokenProvider{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithClock returns a copy of p that reads the current time from now. Used by tests and replays.
func (p *TokenProvider) WithClock(now func() time.Time) *TokenProvider {
	cp := *p
	cp.now = now
	return &cp
}

// AccessTTL returns the configured access token lifetime.
func (p *TokenProvider) AccessTTL() time.Duration { return p.accessTTL }

// RefreshTTL returns the configured refresh token lifetime.
func (p *TokenProvider) RefreshTTL() time.Duration { return p.refreshTTL }

// IssueAccess issues a short-lived access token for userID. sessionID may be empty.
func (p *TokenProvider) IssueAccess(userID, sessionID string) (token string, expiresAt time.Time, err error) {
	now := p.now()
	expiresAt = now.Add(p.accessTTL)
	token, err = p.Sign(&Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Type:      TokenTypeAccess,
		SessionID: sessionID,
	})
	return token, expiresAt, err
}

// IssueRefresh issues a long-lived refresh token and returns it with its jti, which the caller
// records server-side so the token can be revoked before it expires.
func (p *TokenProvider) IssueRefresh(userID, sessionID string) (token, jti string, expiresAt time.Time, err error) {
	jti, err = generateJTI()
	if err != nil {
		return "", "", time.Time{}, err
	}
	now := p.now()
	expiresAt = now.Add(p.refreshTTL)
	token, err = p.Sign(&Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Type:      TokenTypeRefresh,
		SessionID: sessionID,
	})
	return token, jti, expiresAt, err
}

// Sign serializes claims as header.claims.signature with an HMAC-SHA256 signature.
func (p *TokenProvider) Sign(claims *Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
}

// Verify checks signature, algorithm, expiry and type discriminator. Every defect yields ErrInvalidToken.
func (p *TokenProvider) Verify(tokenString string, want TokenType) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return p.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithStrictDecoding(),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Type != want || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	if want == TokenTypeRefresh && claims.ID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ValidateAccess verifies an access token. Returns userID and sessionID (empty when unbound).
func (p *TokenProvider) ValidateAccess(tokenString string) (userID, sessionID string, err error) {
	claims, err := p.Verify(tokenString, TokenTypeAccess)
	if err != nil {
		return "", "", err
	}
	return claims.Subject, claims.SessionID, nil
}

// ValidateRefresh verifies a refresh token's signature and expiry only. Callers must also check
// the server-side record named by jti before trusting it.
func (p *TokenProvider) ValidateRefresh(tokenString string) (userID, sessionID, jti string, err error) {
	claims, err := p.Verify(tokenString, TokenTypeRefresh)
	if err != nil {
		return "", "", "", err
	}
	return claims.Subject, claims.SessionID, claims.ID, nil
}

func generateJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
