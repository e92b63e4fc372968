package service

import "errors"

// Sentinel errors for the auth service; the transport maps them to status codes.
var (
	ErrValidation           = errors.New("validation failed")
	ErrEmailOrUsernameTaken = errors.New("email or username already registered")
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrLoginBlocked         = errors.New("too many failed logins")
	ErrInvalidRefreshToken  = errors.New("invalid or expired refresh token")
	ErrUnauthenticated      = errors.New("invalid or expired access token")
	ErrUserNotFound         = errors.New("user not found")
	ErrInvalidOTP           = errors.New("invalid or expired one-time code")
	errNotVisible           = errors.New("not yet visible")
)
