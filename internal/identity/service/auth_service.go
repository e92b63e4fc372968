// Package service is the gateway-facing auth service. It turns requests into commands on the command log,
// reads outcomes back through the query service, and issues and checks signed tokens.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"identity-session-core/internal/command"
	identitydomain "identity-session-core/internal/identity/domain"
	"identity-session-core/internal/policy/engine"
	"identity-session-core/internal/query"
	"identity-session-core/internal/security"
	"identity-session-core/internal/server/interceptors"
	sessiondomain "identity-session-core/internal/session/domain"
	userdomain "identity-session-core/internal/user/domain"
)

// CommandLog is the write side the auth service appends to.
type CommandLog interface {
	Append(ctx context.Context, cmd command.Command) error
}

// Queries is the read side the auth service consults.
type Queries interface {
	CanRegister(ctx context.Context, emailLower, usernameLower string) (bool, error)
	UserIDByEmail(ctx context.Context, email string) (string, error)
	UserIDByUsername(ctx context.Context, username string) (string, error)
	UserByID(ctx context.Context, userID string) (*userdomain.User, error)
	CredentialForUser(ctx context.Context, userID string) (*identitydomain.Credential, error)
	Authenticate(ctx context.Context, usernameLower, password string) (string, error)
	CheckSession(ctx context.Context, sessionID string) (*sessiondomain.Session, error)
	ValidateRefresh(ctx context.Context, refreshID string) (*sessiondomain.RefreshToken, error)
	LoginFailures(ctx context.Context, principal, ip string) (int64, error)
	CheckOTP(ctx context.Context, userID, code string) (bool, error)
	ChallengeStatus(ctx context.Context, userID string) (query.OTPStatus, error)
}

// Options tunes the auth service. Zero values take defaults.
type Options struct {
	MaxLoginFailures    int
	RegisterPollTimeout time.Duration
	Logger              *slog.Logger
}

// AuthService implements register, login, refresh, logout, profile and one-time code flows.
type AuthService struct {
	log         CommandLog
	queries     Queries
	hashers     *security.Hashers
	tokens      *security.TokenProvider
	policy      engine.Evaluator
	maxFailures int
	pollTimeout time.Duration
	logger      *slog.Logger
}

// NewAuthService returns an AuthService with the given dependencies.
func NewAuthService(
	log CommandLog,
	queries Queries,
	hashers *security.Hashers,
	tokens *security.TokenProvider,
	policy engine.Evaluator,
	opts Options,
) *AuthService {
	if opts.MaxLoginFailures <= 0 {
		opts.MaxLoginFailures = 5
	}
	if opts.RegisterPollTimeout <= 0 {
		opts.RegisterPollTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &AuthService{
		log:         log,
		queries:     queries,
		hashers:     hashers,
		tokens:      tokens,
		policy:      policy,
		maxFailures: opts.MaxLoginFailures,
		pollTimeout: opts.RegisterPollTimeout,
		logger:      opts.Logger,
	}
}

// RegisterStatus tells the caller whether the new user is already visible.
type RegisterStatus string

const (
	// RegisterCreated means the user is visible and UserID is set.
	RegisterCreated RegisterStatus = "created"
	// RegisterAccepted means the command was accepted but the user did not become visible in time.
	RegisterAccepted RegisterStatus = "accepted"
)

// RegisterResult is the outcome of Register.
type RegisterResult struct {
	UserID string
	Status RegisterStatus
}

// AuthResult holds the tokens issued by Login and Refresh.
type AuthResult struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	UserID           string
	SessionID        string
}

// Register pre-checks availability, hashes the password, appends RegisterRequested and waits a bounded
// time for the user to appear. A username that resolves to a user with another email or another
// credential lost a race.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*RegisterResult, error) {
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	email := userdomain.NormalizeEmail(in.Email)
	username := userdomain.NormalizeUsername(in.Username)

	free, err := s.queries.CanRegister(ctx, email, username)
	if err != nil {
		return nil, err
	}
	if !free {
		return nil, ErrEmailOrUsernameTaken
	}
	digest, err := s.hashers.Hash([]byte(in.Password))
	if err != nil {
		return nil, err
	}
	err = s.log.Append(ctx, command.RegisterRequested{
		Email:      email,
		Username:   username,
		FullName:   in.FullName,
		Mobile:     in.Mobile,
		Credential: commandCredential(digest),
	})
	if err != nil {
		return nil, err
	}

	userID, err := waitFor(ctx, s.pollTimeout, func(ctx context.Context) (string, error) {
		return s.queries.UserIDByUsername(ctx, username)
	})
	if errors.Is(err, errNotVisible) {
		return &RegisterResult{Status: RegisterAccepted}, nil
	}
	if err != nil {
		return nil, err
	}
	u, err := s.queries.UserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u == nil || u.Email != email {
		return nil, ErrEmailOrUsernameTaken
	}
	// A concurrent registration of the same username and email can win; only the caller whose
	// credential was stored created the user.
	cred, err := s.queries.CredentialForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cred == nil || cred.Algo != digest.Algo || cred.Hash != digest.Hash {
		return nil, ErrEmailOrUsernameTaken
	}
	return &RegisterResult{UserID: userID, Status: RegisterCreated}, nil
}

// Login runs the admission policy, verifies the password and opens a session. Failed attempts are
// counted per username and client address; a successful one clears the count.
func (s *AuthService) Login(ctx context.Context, in LoginInput) (*AuthResult, error) {
	username := userdomain.NormalizeUsername(in.Username)
	if username == "" || in.Password == "" {
		return nil, ErrInvalidCredentials
	}
	failures, err := s.queries.LoginFailures(ctx, username, in.IPAddress)
	if err != nil {
		return nil, err
	}
	var user *userdomain.User
	if id, err := s.queries.UserIDByUsername(ctx, username); err != nil {
		return nil, err
	} else if id != "" {
		if user, err = s.queries.UserByID(ctx, id); err != nil {
			return nil, err
		}
	}
	decision, err := s.policy.EvaluateLogin(ctx, engine.LoginRequest{
		User:        user,
		Failures:    failures,
		MaxFailures: s.maxFailures,
		IPAddress:   in.IPAddress,
		Device:      in.Device,
	})
	if err != nil {
		return nil, err
	}
	if !decision.Allow {
		if decision.Reason == engine.ReasonTooManyFailures {
			return nil, ErrLoginBlocked
		}
		s.recordFailure(ctx, username, in.IPAddress)
		return nil, ErrInvalidCredentials
	}

	userID, err := s.queries.Authenticate(ctx, username, in.Password)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		s.recordFailure(ctx, username, in.IPAddress)
		return nil, ErrInvalidCredentials
	}
	if failures > 0 {
		if err := s.log.Append(ctx, command.LoginFailuresReset{Principal: username, IPAddress: in.IPAddress}); err != nil {
			s.logger.WarnContext(ctx, "reset login failures failed", "user_id", userID, "error", err)
		}
	}
	s.upgradeCredential(ctx, userID, in.Password)

	sessionID := newID()
	result, err := s.issue(userID, sessionID)
	if err != nil {
		return nil, err
	}
	err = s.log.Append(ctx, command.CreateSession{
		SessionID:          sessionID,
		UserID:             userID,
		RefreshID:          result.refreshID,
		ExpiresAtMs:        result.RefreshExpiresAt.UnixMilli(),
		RefreshExpiresAtMs: result.RefreshExpiresAt.UnixMilli(),
		Device:             strings.TrimSpace(in.Device),
		IPAddress:          in.IPAddress,
	})
	if err != nil {
		return nil, err
	}
	_, err = waitFor(ctx, s.pollTimeout, func(ctx context.Context) (*sessiondomain.Session, error) {
		return s.queries.CheckSession(ctx, sessionID)
	})
	if err != nil && !errors.Is(err, errNotVisible) {
		return nil, err
	}
	return &result.AuthResult, nil
}

// Refresh rotates a refresh token: the presented record is revoked, a new one is recorded against the
// same session, and a new access token is issued. The session must still be live.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*AuthResult, error) {
	if refreshToken == "" {
		return nil, ErrInvalidRefreshToken
	}
	userID, sessionID, jti, err := s.tokens.ValidateRefresh(refreshToken)
	if err != nil {
		return nil, ErrInvalidRefreshToken
	}
	rec, err := s.queries.ValidateRefresh(ctx, jti)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.UserID != userID || rec.SessionID != sessionID {
		return nil, ErrInvalidRefreshToken
	}
	if sessionID != "" {
		sess, err := s.queries.CheckSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if sess == nil || sess.UserID != userID {
			return nil, ErrInvalidRefreshToken
		}
	}

	if err := s.log.Append(ctx, command.RefreshTokenRevoke{RefreshID: jti, SessionID: sessionID}); err != nil {
		return nil, err
	}
	result, err := s.issue(userID, sessionID)
	if err != nil {
		return nil, err
	}
	err = s.log.Append(ctx, command.RefreshTokenUpsert{
		RefreshID:   result.refreshID,
		UserID:      userID,
		SessionID:   sessionID,
		ExpiresAtMs: result.RefreshExpiresAt.UnixMilli(),
	})
	if err != nil {
		return nil, err
	}
	return &result.AuthResult, nil
}

// Logout revokes the session identified by the refresh token, or by the access token in context.
// A refresh token without a session revokes only itself. An invalid token is a no-op.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken != "" {
		_, sessionID, jti, err := s.tokens.ValidateRefresh(refreshToken)
		if err != nil {
			return nil
		}
		if sessionID == "" {
			return s.log.Append(ctx, command.RefreshTokenRevoke{RefreshID: jti})
		}
		return s.log.Append(ctx, command.LogoutRequested{SessionID: sessionID})
	}
	sessionID, ok := interceptors.GetSessionID(ctx)
	if !ok || sessionID == "" {
		return nil
	}
	return s.log.Append(ctx, command.LogoutRequested{SessionID: sessionID})
}

// UpdateProfile changes the provided profile fields. An email currently owned by another user is refused.
func (s *AuthService) UpdateProfile(ctx context.Context, in UpdateProfileInput) error {
	if err := in.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	u, err := s.queries.UserByID(ctx, in.UserID)
	if err != nil {
		return err
	}
	if u == nil {
		return ErrUserNotFound
	}
	cmd := command.UserUpdated{UserID: u.ID, FullName: in.FullName, Mobile: in.Mobile}
	if in.Email != nil {
		email := userdomain.NormalizeEmail(*in.Email)
		owner, err := s.queries.UserIDByEmail(ctx, email)
		if err != nil {
			return err
		}
		if owner != "" && owner != u.ID {
			return ErrEmailOrUsernameTaken
		}
		cmd.Email = &email
	}
	return s.log.Append(ctx, cmd)
}

// ChangePassword verifies current and replaces the credential with a hash of next.
func (s *AuthService) ChangePassword(ctx context.Context, userID, current, next string) error {
	if err := validatePassword(next); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	cred, err := s.queries.CredentialForUser(ctx, userID)
	if err != nil {
		return err
	}
	if cred == nil {
		return ErrUserNotFound
	}
	if !s.hashers.Verify(query.CredentialDigest(cred), []byte(current)) {
		return ErrInvalidCredentials
	}
	digest, err := s.hashers.Hash([]byte(next))
	if err != nil {
		return err
	}
	return s.log.Append(ctx, command.CredentialReplaced{UserID: userID, Credential: commandCredential(digest)})
}

// Authorize verifies an access token. A token bound to a session is accepted only while that session is live.
func (s *AuthService) Authorize(ctx context.Context, accessToken string) (userID, sessionID string, err error) {
	userID, sessionID, err = s.tokens.ValidateAccess(accessToken)
	if err != nil {
		return "", "", ErrUnauthenticated
	}
	if sessionID != "" {
		sess, err := s.queries.CheckSession(ctx, sessionID)
		if err != nil {
			return "", "", err
		}
		if sess == nil || sess.UserID != userID {
			return "", "", ErrUnauthenticated
		}
	}
	return userID, sessionID, nil
}

// Me returns the user the access token belongs to.
func (s *AuthService) Me(ctx context.Context, accessToken string) (*userdomain.User, error) {
	userID, _, err := s.Authorize(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	u, err := s.queries.UserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrUserNotFound
	}
	return u, nil
}

func (s *AuthService) recordFailure(ctx context.Context, username, ip string) {
	if err := s.log.Append(ctx, command.LoginFailed{Principal: username, IPAddress: ip}); err != nil {
		s.logger.WarnContext(ctx, "record login failure failed", "error", err)
	}
}

// upgradeCredential re-hashes a just-verified password when its credential uses a non-primary algorithm.
// Best-effort: failures are logged and do not fail the login.
func (s *AuthService) upgradeCredential(ctx context.Context, userID, password string) {
	cred, err := s.queries.CredentialForUser(ctx, userID)
	if err != nil || cred == nil || !s.hashers.NeedsRehash(query.CredentialDigest(cred)) {
		return
	}
	digest, err := s.hashers.Hash([]byte(password))
	if err == nil {
		err = s.log.Append(ctx, command.CredentialReplaced{UserID: userID, Credential: commandCredential(digest)})
	}
	if err != nil {
		s.logger.WarnContext(ctx, "credential upgrade failed", "user_id", userID, "from", cred.Algo, "error", err)
	}
}

type issued struct {
	AuthResult
	refreshID string
}

func (s *AuthService) issue(userID, sessionID string) (*issued, error) {
	refresh, jti, refreshExp, err := s.tokens.IssueRefresh(userID, sessionID)
	if err != nil {
		return nil, err
	}
	access, accessExp, err := s.tokens.IssueAccess(userID, sessionID)
	if err != nil {
		return nil, err
	}
	return &issued{
		AuthResult: AuthResult{
			AccessToken:      access,
			RefreshToken:     refresh,
			AccessExpiresAt:  accessExp,
			RefreshExpiresAt: refreshExp,
			UserID:           userID,
			SessionID:        sessionID,
		},
		refreshID: jti,
	}, nil
}

// waitFor polls fn with exponential backoff until it returns a non-zero value. When the poll window
// ends first it returns errNotVisible; errors from fn and from ctx are returned as they are.
func waitFor[T comparable](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	var zero T
	var opErr error
	v, err := backoff.Retry[T](ctx, func() (T, error) {
		v, err := fn(ctx)
		if err != nil {
			opErr = err
			return zero, backoff.Permanent(err)
		}
		if v == zero {
			return zero, errNotVisible
		}
		return v, nil
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(timeout))
	switch {
	case err == nil:
		return v, nil
	case opErr != nil:
		return zero, opErr
	case ctx.Err() != nil:
		return zero, ctx.Err()
	default:
		return zero, errNotVisible
	}
}

func commandCredential(d security.Digest) command.Credential {
	return command.Credential{Algo: d.Algo, Hash: d.Hash, Salt: d.Salt, Params: d.Params}
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
