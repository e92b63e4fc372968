// Package command defines the typed, immutable commands accepted by the command log.
// Each command names its stream and the routing key that selects its partition.
package command

import (
	"errors"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"

	"identity-session-core/internal/state"
	userdomain "identity-session-core/internal/user/domain"
)

// Stream is a logical command stream. Each stream is partitioned independently.
type Stream string

const (
	StreamIdentity Stream = "identity"
	StreamSession  Stream = "session"
)

// Type names a command.
type Type string

const (
	TypeRegisterRequested  Type = "RegisterRequested"
	TypeUserUpdated        Type = "UserUpdated"
	TypeEmailVerified      Type = "EmailVerified"
	TypeCredentialReplaced Type = "CredentialReplaced"
	TypeOTPIssued          Type = "OTPIssued"
	TypeOTPAttempted       Type = "OTPAttempted"
	TypeCreateSession      Type = "CreateSession"
	TypeLogoutRequested    Type = "LogoutRequested"
	TypeRefreshTokenUpsert Type = "RefreshTokenUpsert"
	TypeRefreshTokenRevoke Type = "RefreshTokenRevoke"
	TypeLoginFailed        Type = "LoginFailed"
	TypeLoginFailuresReset Type = "LoginFailuresReset"
)

// ErrInvalid wraps every validation failure of a command.
var ErrInvalid = errors.New("invalid command")

// Command is an immutable record routed to exactly one partition of its stream.
type Command interface {
	Type() Type
	Stream() Stream
	RoutingKey() string
	Validate() error
}

// Credential carries a password hash and its algorithm metadata. Never a plaintext password.
type Credential struct {
	Algo   string         `json:"algo"`
	Hash   string         `json:"hash"`
	Salt   string         `json:"salt,omitempty"`
	Params map[string]int `json:"params,omitempty"`
}

func (c Credential) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Algo, validation.Required),
		validation.Field(&c.Hash, validation.Required),
	)
}

// RegisterRequested asks for a new user. Routed by normalized username so concurrent
// claims of one username serialize on one partition.
type RegisterRequested struct {
	Email      string     `json:"email"`
	Username   string     `json:"username"`
	FullName   string     `json:"full_name,omitempty"`
	Mobile     string     `json:"mobile,omitempty"`
	Credential Credential `json:"credential"`
}

func (RegisterRequested) Type() Type           { return TypeRegisterRequested }
func (RegisterRequested) Stream() Stream       { return StreamIdentity }
func (c RegisterRequested) RoutingKey() string { return userdomain.NormalizeUsername(c.Username) }

// Validate checks the normalized email and username, the form the processor stores.
func (c RegisterRequested) Validate() error {
	c.Email = userdomain.NormalizeEmail(c.Email)
	c.Username = userdomain.NormalizeUsername(c.Username)
	return validation.ValidateStruct(&c,
		validation.Field(&c.Email, validation.Required, is.Email),
		validation.Field(&c.Username, validation.Required, validation.Length(1, 64)),
		validation.Field(&c.FullName, validation.Length(0, 200)),
		validation.Field(&c.Credential),
	)
}

// UserUpdated changes profile fields. Nil fields are left untouched. Username cannot change.
type UserUpdated struct {
	UserID   string  `json:"user_id"`
	FullName *string `json:"full_name,omitempty"`
	Email    *string `json:"email,omitempty"`
	Mobile   *string `json:"mobile,omitempty"`
}

func (UserUpdated) Type() Type           { return TypeUserUpdated }
func (UserUpdated) Stream() Stream       { return StreamIdentity }
func (c UserUpdated) RoutingKey() string { return c.UserID }

func (c UserUpdated) Validate() error {
	if c.Email != nil {
		email := userdomain.NormalizeEmail(*c.Email)
		c.Email = &email
	}
	return validation.ValidateStruct(&c,
		validation.Field(&c.UserID, validation.Required, notBlank),
		validation.Field(&c.Email, validation.NilOrNotEmpty, is.Email),
	)
}

// EmailVerified marks the user's current email as verified.
type EmailVerified struct {
	UserID string `json:"user_id"`
}

func (EmailVerified) Type() Type           { return TypeEmailVerified }
func (EmailVerified) Stream() Stream       { return StreamIdentity }
func (c EmailVerified) RoutingKey() string { return c.UserID }

func (c EmailVerified) Validate() error {
	return validation.ValidateStruct(&c, validation.Field(&c.UserID, validation.Required, notBlank))
}

// CredentialReplaced overwrites the user's credential. Last write wins.
type CredentialReplaced struct {
	UserID     string     `json:"user_id"`
	Credential Credential `json:"credential"`
}

func (CredentialReplaced) Type() Type           { return TypeCredentialReplaced }
func (CredentialReplaced) Stream() Stream       { return StreamIdentity }
func (c CredentialReplaced) RoutingKey() string { return c.UserID }

func (c CredentialReplaced) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.UserID, validation.Required, notBlank),
		validation.Field(&c.Credential),
	)
}

// OTPIssued replaces the user's outstanding one-time code. ExpiresAtMs zero means now plus the configured TTL.
type OTPIssued struct {
	UserID      string `json:"user_id"`
	CodeHash    string `json:"code_hash"`
	Salt        string `json:"salt"`
	ExpiresAtMs int64  `json:"expires_at_ms,omitempty"`
}

func (OTPIssued) Type() Type           { return TypeOTPIssued }
func (OTPIssued) Stream() Stream       { return StreamIdentity }
func (c OTPIssued) RoutingKey() string { return c.UserID }

func (c OTPIssued) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.UserID, validation.Required, notBlank),
		validation.Field(&c.CodeHash, validation.Required),
		validation.Field(&c.Salt, validation.Required),
		validation.Field(&c.ExpiresAtMs, validation.Min(int64(0))),
	)
}

// OTPAttempted records one verification attempt against the user's code.
type OTPAttempted struct {
	UserID  string `json:"user_id"`
	Success bool   `json:"success"`
}

func (OTPAttempted) Type() Type           { return TypeOTPAttempted }
func (OTPAttempted) Stream() Stream       { return StreamIdentity }
func (c OTPAttempted) RoutingKey() string { return c.UserID }

func (c OTPAttempted) Validate() error {
	return validation.ValidateStruct(&c, validation.Field(&c.UserID, validation.Required, notBlank))
}

// CreateSession establishes a session and its linked refresh record. Zero expiries default to the configured TTLs.
type CreateSession struct {
	SessionID          string `json:"session_id"`
	UserID             string `json:"user_id"`
	RefreshID          string `json:"refresh_id"`
	ExpiresAtMs        int64  `json:"expires_at_ms,omitempty"`
	RefreshExpiresAtMs int64  `json:"refresh_expires_at_ms,omitempty"`
	Device             string `json:"device,omitempty"`
	IPAddress          string `json:"ip_address,omitempty"`
}

func (CreateSession) Type() Type           { return TypeCreateSession }
func (CreateSession) Stream() Stream       { return StreamSession }
func (c CreateSession) RoutingKey() string { return c.SessionID }

func (c CreateSession) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.SessionID, validation.Required, notBlank),
		validation.Field(&c.UserID, validation.Required, notBlank),
		validation.Field(&c.RefreshID, validation.Required, notBlank),
		validation.Field(&c.ExpiresAtMs, validation.Min(int64(0))),
		validation.Field(&c.RefreshExpiresAtMs, validation.Min(int64(0))),
	)
}

// LogoutRequested revokes a session and, in the same step, its linked refresh record.
type LogoutRequested struct {
	SessionID string `json:"session_id"`
}

func (LogoutRequested) Type() Type           { return TypeLogoutRequested }
func (LogoutRequested) Stream() Stream       { return StreamSession }
func (c LogoutRequested) RoutingKey() string { return c.SessionID }

func (c LogoutRequested) Validate() error {
	return validation.ValidateStruct(&c, validation.Field(&c.SessionID, validation.Required, notBlank))
}

// RefreshTokenUpsert records a refresh token issued or rotated outside CreateSession.
// When SessionID is set the command is routed by it, so it serializes with that session's logout.
type RefreshTokenUpsert struct {
	RefreshID   string `json:"refresh_id"`
	UserID      string `json:"user_id"`
	SessionID   string `json:"session_id,omitempty"`
	ExpiresAtMs int64  `json:"expires_at_ms,omitempty"`
}

func (RefreshTokenUpsert) Type() Type     { return TypeRefreshTokenUpsert }
func (RefreshTokenUpsert) Stream() Stream { return StreamSession }

func (c RefreshTokenUpsert) RoutingKey() string {
	if c.SessionID != "" {
		return c.SessionID
	}
	return c.RefreshID
}

func (c RefreshTokenUpsert) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.RefreshID, validation.Required, notBlank),
		validation.Field(&c.UserID, validation.Required, notBlank),
		validation.Field(&c.ExpiresAtMs, validation.Min(int64(0))),
	)
}

// RefreshTokenRevoke revokes one refresh record. Its session, if any, stays valid.
// SessionID must name the record's session when it has one; the command is then routed by it,
// so every write to a session-linked record lands on the session's partition.
type RefreshTokenRevoke struct {
	RefreshID string `json:"refresh_id"`
	SessionID string `json:"session_id,omitempty"`
}

func (RefreshTokenRevoke) Type() Type     { return TypeRefreshTokenRevoke }
func (RefreshTokenRevoke) Stream() Stream { return StreamSession }

func (c RefreshTokenRevoke) RoutingKey() string {
	if c.SessionID != "" {
		return c.SessionID
	}
	return c.RefreshID
}

func (c RefreshTokenRevoke) Validate() error {
	return validation.ValidateStruct(&c, validation.Field(&c.RefreshID, validation.Required, notBlank))
}

// LoginFailed increments the failure counter of principal from ip.
type LoginFailed struct {
	Principal string `json:"principal"`
	IPAddress string `json:"ip_address"`
}

func (LoginFailed) Type() Type           { return TypeLoginFailed }
func (LoginFailed) Stream() Stream       { return StreamSession }
func (c LoginFailed) RoutingKey() string { return state.LoginFailureKey(c.Principal, c.IPAddress) }

func (c LoginFailed) Validate() error {
	return validation.ValidateStruct(&c, validation.Field(&c.Principal, validation.Required, notBlank))
}

// LoginFailuresReset clears the failure counter of principal from ip after a successful login.
type LoginFailuresReset struct {
	Principal string `json:"principal"`
	IPAddress string `json:"ip_address"`
}

func (LoginFailuresReset) Type() Type     { return TypeLoginFailuresReset }
func (LoginFailuresReset) Stream() Stream { return StreamSession }

func (c LoginFailuresReset) RoutingKey() string {
	return state.LoginFailureKey(c.Principal, c.IPAddress)
}

func (c LoginFailuresReset) Validate() error {
	return validation.ValidateStruct(&c, validation.Field(&c.Principal, validation.Required, notBlank))
}

var notBlank = validation.By(func(value interface{}) error {
	switch v := value.(type) {
	case string:
		if v != "" && strings.TrimSpace(v) == "" {
			return errors.New("cannot be blank")
		}
	case *string:
		if v != nil && *v != "" && strings.TrimSpace(*v) == "" {
			return errors.New("cannot be blank")
		}
	}
	return nil
})
