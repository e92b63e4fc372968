package processor

import (
	"context"
	"strings"
	"time"

	"identity-session-core/internal/command"
	identitydomain "identity-session-core/internal/identity/domain"
	mfadomain "identity-session-core/internal/mfa/domain"
	"identity-session-core/internal/telemetry/domain"
	userdomain "identity-session-core/internal/user/domain"
)

// register creates a user unless the username or a live email is already taken. The username index is
// written last: once a poller can resolve the username, the user and credential are already in place.
func (p *Processor) register(ctx context.Context, now time.Time, c command.RegisterRequested, ev *domain.Event) (Outcome, error) {
	t := p.tables
	username := userdomain.NormalizeUsername(c.Username)
	email := userdomain.NormalizeEmail(c.Email)

	if _, taken, err := t.UsernameIndex.Get(ctx, username); err != nil {
		return Outcome{}, err
	} else if taken {
		return rejected(ReasonUsernameTaken), nil
	}
	defer p.lockEmail(email)()
	owner, err := t.EmailOwner(ctx, email)
	if err != nil {
		return Outcome{}, err
	}
	if owner != "" {
		return rejected(ReasonEmailTaken), nil
	}

	userID := p.newID()
	ev.UserID = userID
	user := userdomain.User{
		ID:        userID,
		Username:  username,
		Email:     email,
		FullName:  strings.TrimSpace(c.FullName),
		Mobile:    userdomain.NormalizeMobile(c.Mobile),
		Status:    userdomain.UserStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := user.Validate(); err != nil {
		return Outcome{}, err
	}
	if err := t.Users.Put(ctx, userID, user); err != nil {
		return Outcome{}, err
	}
	if err := t.Credentials.Put(ctx, userID, credential(userID, c.Credential, now)); err != nil {
		return Outcome{}, err
	}
	if err := t.EmailIndex.Put(ctx, email, userID); err != nil {
		return Outcome{}, err
	}
	if err := t.UsernameIndex.Put(ctx, username, userID); err != nil {
		return Outcome{}, err
	}
	return applied, nil
}

// updateUser applies the provided profile fields. An email owned by another user rejects the whole command.
// The old email's index entry is left behind; readers treat it as stale.
func (p *Processor) updateUser(ctx context.Context, now time.Time, c command.UserUpdated) (Outcome, error) {
	t := p.tables
	user, ok, err := t.Users.Get(ctx, c.UserID)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return rejected(ReasonUserNotFound), nil
	}

	newEmail := ""
	if c.Email != nil {
		if email := userdomain.NormalizeEmail(*c.Email); email != user.Email {
			defer p.lockEmail(email)()
			owner, err := t.EmailOwner(ctx, email)
			if err != nil {
				return Outcome{}, err
			}
			if owner != "" && owner != user.ID {
				return rejected(ReasonEmailTaken), nil
			}
			newEmail = email
		}
	}

	if c.FullName != nil {
		user.FullName = strings.TrimSpace(*c.FullName)
	}
	if c.Mobile != nil {
		user.Mobile = userdomain.NormalizeMobile(*c.Mobile)
	}
	if newEmail != "" {
		user.Email = newEmail
		user.EmailVerified = false
	}
	user.UpdatedAt = now
	if err := t.Users.Put(ctx, user.ID, user); err != nil {
		return Outcome{}, err
	}
	if newEmail != "" {
		if err := t.EmailIndex.Put(ctx, newEmail, user.ID); err != nil {
			return Outcome{}, err
		}
	}
	return applied, nil
}

func (p *Processor) verifyEmail(ctx context.Context, now time.Time, c command.EmailVerified) (Outcome, error) {
	user, ok, err := p.tables.Users.Get(ctx, c.UserID)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return rejected(ReasonUserNotFound), nil
	}
	user.EmailVerified = true
	user.UpdatedAt = now
	return applied, p.tables.Users.Put(ctx, user.ID, user)
}

func (p *Processor) replaceCredential(ctx context.Context, now time.Time, c command.CredentialReplaced) (Outcome, error) {
	if _, ok, err := p.tables.Users.Get(ctx, c.UserID); err != nil {
		return Outcome{}, err
	} else if !ok {
		return rejected(ReasonUserNotFound), nil
	}
	return applied, p.tables.Credentials.Put(ctx, c.UserID, credential(c.UserID, c.Credential, now))
}

func (p *Processor) issueOTP(ctx context.Context, now time.Time, c command.OTPIssued) (Outcome, error) {
	if _, ok, err := p.tables.Users.Get(ctx, c.UserID); err != nil {
		return Outcome{}, err
	} else if !ok {
		return rejected(ReasonUserNotFound), nil
	}
	return applied, p.tables.OTPs.Put(ctx, c.UserID, mfadomain.Challenge{
		UserID:      c.UserID,
		CodeHash:    c.CodeHash,
		Salt:        c.Salt,
		ExpiresAtMs: expiry(c.ExpiresAtMs, now, p.otpTTL),
		CreatedAt:   now,
	})
}

// attemptOTP counts one answer to the user's challenge. Only an open challenge takes attempts, so the
// limit and the expiry hold in the order attempts were appended. A successful answer consumes the
// challenge and verifies the user's current email in the same step.
func (p *Processor) attemptOTP(ctx context.Context, now time.Time, c command.OTPAttempted) (Outcome, error) {
	ch, ok, err := p.tables.OTPs.Get(ctx, c.UserID)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return rejected(ReasonChallengeNotFound), nil
	}
	if !ch.Open(now, p.otpMax) {
		return rejected(ReasonChallengeClosed), nil
	}
	ch.Attempts++
	if !c.Success {
		return applied, p.tables.OTPs.Put(ctx, c.UserID, ch)
	}
	ch.Consumed = true
	if err := p.tables.OTPs.Put(ctx, c.UserID, ch); err != nil {
		return Outcome{}, err
	}
	return p.verifyEmail(ctx, now, command.EmailVerified{UserID: c.UserID})
}

func credential(userID string, c command.Credential, now time.Time) identitydomain.Credential {
	return identitydomain.Credential{
		UserID:    userID,
		Algo:      c.Algo,
		Hash:      c.Hash,
		Salt:      c.Salt,
		Params:    c.Params,
		UpdatedAt: now,
	}
}
