package service

import (
	"context"
	"errors"

	"identity-session-core/internal/command"
	"identity-session-core/internal/mfa"
	"identity-session-core/internal/query"
)

// IssueEmailOTP creates a fresh one-time code for userID, replacing any outstanding one, and returns
// the plaintext code for delivery. Only its salted hash is appended.
func (s *AuthService) IssueEmailOTP(ctx context.Context, userID string) (string, error) {
	u, err := s.queries.UserByID(ctx, userID)
	if err != nil {
		return "", err
	}
	if u == nil {
		return "", ErrUserNotFound
	}
	code, err := mfa.GenerateOTP()
	if err != nil {
		return "", err
	}
	salt, err := mfa.NewSalt()
	if err != nil {
		return "", err
	}
	err = s.log.Append(ctx, command.OTPIssued{UserID: u.ID, CodeHash: mfa.HashOTP(code, salt), Salt: salt})
	if err != nil {
		return "", err
	}
	return code, nil
}

// VerifyEmailOTP checks code against the user's open challenge and records the attempt. A match is
// only accepted if the challenge is still open when the attempt is applied; the processor then
// consumes it and marks the user's email as verified. The call waits for that outcome.
func (s *AuthService) VerifyEmailOTP(ctx context.Context, userID, code string) error {
	if userID == "" || code == "" {
		return ErrInvalidOTP
	}
	ok, err := s.queries.CheckOTP(ctx, userID, code)
	if err != nil {
		return err
	}
	if err := s.log.Append(ctx, command.OTPAttempted{UserID: userID, Success: ok}); err != nil {
		return err
	}
	if !ok {
		return ErrInvalidOTP
	}
	status, err := waitFor(ctx, s.pollTimeout, func(ctx context.Context) (query.OTPStatus, error) {
		return s.queries.ChallengeStatus(ctx, userID)
	})
	if err != nil && !errors.Is(err, errNotVisible) {
		return err
	}
	if status != query.OTPConsumed {
		return ErrInvalidOTP
	}
	return nil
}
