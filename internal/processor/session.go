package processor

import (
	"context"
	"time"

	"identity-session-core/internal/command"
	sessiondomain "identity-session-core/internal/session/domain"
	"identity-session-core/internal/telemetry/domain"
)

// createSession writes the refresh record and link before the session itself, so a visible session
// always has a revocable refresh record behind it.
func (p *Processor) createSession(ctx context.Context, now time.Time, c command.CreateSession) (Outcome, error) {
	t := p.tables
	if _, exists, err := t.Sessions.Get(ctx, c.SessionID); err != nil {
		return Outcome{}, err
	} else if exists {
		return rejected(ReasonSessionExists), nil
	}
	if _, exists, err := t.RefreshTokens.Get(ctx, c.RefreshID); err != nil {
		return Outcome{}, err
	} else if exists {
		return rejected(ReasonRefreshExists), nil
	}

	refresh := sessiondomain.RefreshToken{
		ID:          c.RefreshID,
		UserID:      c.UserID,
		SessionID:   c.SessionID,
		CreatedAt:   now,
		ExpiresAtMs: expiry(c.RefreshExpiresAtMs, now, p.refreshTTL),
	}
	if err := t.RefreshTokens.Put(ctx, refresh.ID, refresh); err != nil {
		return Outcome{}, err
	}
	if err := t.SessionRefreshLinks.Put(ctx, c.SessionID, c.RefreshID); err != nil {
		return Outcome{}, err
	}
	return applied, t.Sessions.Put(ctx, c.SessionID, sessiondomain.Session{
		ID:          c.SessionID,
		UserID:      c.UserID,
		Device:      c.Device,
		IPAddress:   c.IPAddress,
		CreatedAt:   now,
		ExpiresAtMs: expiry(c.ExpiresAtMs, now, p.accessTTL),
	})
}

// logout revokes the session and its linked refresh record in one step.
func (p *Processor) logout(ctx context.Context, c command.LogoutRequested, ev *domain.Event) (Outcome, error) {
	t := p.tables
	sess, ok, err := t.Sessions.Get(ctx, c.SessionID)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return rejected(ReasonSessionNotFound), nil
	}
	ev.UserID = sess.UserID
	sess.Revoked = true
	if err := t.Sessions.Put(ctx, sess.ID, sess); err != nil {
		return Outcome{}, err
	}

	refreshID, linked, err := t.SessionRefreshLinks.Get(ctx, sess.ID)
	if err != nil || !linked {
		return applied, err
	}
	return applied, p.revoke(ctx, refreshID)
}

// upsertRefresh records an issued or rotated refresh token. A revoked record stays revoked and an
// existing record keeps its session. A linked session must be live, and its link moves to this record
// so a later logout revokes it.
func (p *Processor) upsertRefresh(ctx context.Context, now time.Time, c command.RefreshTokenUpsert) (Outcome, error) {
	t := p.tables
	existing, exists, err := t.RefreshTokens.Get(ctx, c.RefreshID)
	if err != nil {
		return Outcome{}, err
	}
	if exists && existing.Revoked {
		return rejected(ReasonRefreshRevoked), nil
	}
	if exists && existing.SessionID != c.SessionID {
		return rejected(ReasonRefreshWrongSession), nil
	}
	if c.SessionID != "" {
		sess, ok, err := t.Sessions.Get(ctx, c.SessionID)
		if err != nil {
			return Outcome{}, err
		}
		switch {
		case !ok:
			return rejected(ReasonSessionNotFound), nil
		case sess.Revoked:
			return rejected(ReasonSessionRevoked), nil
		case sess.UserID != c.UserID:
			return rejected(ReasonSessionMismatch), nil
		}
	}

	rec := sessiondomain.RefreshToken{
		ID:          c.RefreshID,
		UserID:      c.UserID,
		SessionID:   c.SessionID,
		CreatedAt:   now,
		ExpiresAtMs: expiry(c.ExpiresAtMs, now, p.refreshTTL),
	}
	if exists {
		rec.CreatedAt = existing.CreatedAt
	}
	if err := t.RefreshTokens.Put(ctx, rec.ID, rec); err != nil {
		return Outcome{}, err
	}
	if c.SessionID != "" {
		if err := t.SessionRefreshLinks.Put(ctx, c.SessionID, rec.ID); err != nil {
			return Outcome{}, err
		}
	}
	return applied, nil
}

// revokeRefresh revokes one refresh record and leaves its session alone. The command must name the
// record's session, so it ran on the same partition as every other write to the record.
func (p *Processor) revokeRefresh(ctx context.Context, c command.RefreshTokenRevoke, ev *domain.Event) (Outcome, error) {
	rec, ok, err := p.tables.RefreshTokens.Get(ctx, c.RefreshID)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return rejected(ReasonRefreshNotFound), nil
	}
	ev.UserID, ev.SessionID = rec.UserID, rec.SessionID
	if rec.SessionID != c.SessionID {
		return rejected(ReasonRefreshWrongSession), nil
	}
	if rec.Revoked {
		return applied, nil
	}
	rec.Revoked = true
	return applied, p.tables.RefreshTokens.Put(ctx, rec.ID, rec)
}

func (p *Processor) revoke(ctx context.Context, refreshID string) error {
	rec, ok, err := p.tables.RefreshTokens.Get(ctx, refreshID)
	if err != nil || !ok || rec.Revoked {
		return err
	}
	rec.Revoked = true
	return p.tables.RefreshTokens.Put(ctx, rec.ID, rec)
}

func (p *Processor) countLoginFailure(ctx context.Context, c command.LoginFailed) (Outcome, error) {
	key := c.RoutingKey()
	n, _, err := p.tables.LoginFailures.Get(ctx, key)
	if err != nil {
		return Outcome{}, err
	}
	return applied, p.tables.LoginFailures.Put(ctx, key, n+1)
}
