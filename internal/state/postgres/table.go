// Package postgres stores the state tables in Postgres, one table per entity with a JSONB value column.
// Schemas are created by the migrations embedded in internal/db.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	identitydomain "identity-session-core/internal/identity/domain"
	mfadomain "identity-session-core/internal/mfa/domain"
	sessiondomain "identity-session-core/internal/session/domain"
	"identity-session-core/internal/state"
	userdomain "identity-session-core/internal/user/domain"
)

// Table is a state.Table backed by a Postgres table of (key, value, updated_at).
type Table[V any] struct {
	db        *sql.DB
	name      string
	selectSQL string
	upsertSQL string
}

// NewTable returns a Table over the named table. name must be one of state.TableNames.
func NewTable[V any](db *sql.DB, name string) *Table[V] {
	return &Table[V]{
		db:        db,
		name:      name,
		selectSQL: fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, name),
		upsertSQL: fmt.Sprintf(`INSERT INTO %s (key, value, updated_at) VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`, name),
	}
}

// Get returns the value stored for key. A missing row is ok false, not an error.
func (t *Table[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	var raw []byte
	err := t.db.QueryRowContext(ctx, t.selectSQL, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("%s get %q: %w", t.name, key, err)
	}
	var v V
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, false, fmt.Errorf("%s decode %q: %w", t.name, key, err)
	}
	return v, true, nil
}

// Put upserts value for key.
func (t *Table[V]) Put(ctx context.Context, key string, value V) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%s encode %q: %w", t.name, key, err)
	}
	if _, err := t.db.ExecContext(ctx, t.upsertSQL, key, raw); err != nil {
		return fmt.Errorf("%s put %q: %w", t.name, key, err)
	}
	return nil
}

// NewTables returns the state tables stored in db.
func NewTables(db *sql.DB) *state.Tables {
	return &state.Tables{
		Users:               NewTable[userdomain.User](db, state.TableUsers),
		Credentials:         NewTable[identitydomain.Credential](db, state.TableCredentials),
		UsernameIndex:       NewTable[string](db, state.TableUsernameIndex),
		EmailIndex:          NewTable[string](db, state.TableEmailIndex),
		Sessions:            NewTable[sessiondomain.Session](db, state.TableSessions),
		RefreshTokens:       NewTable[sessiondomain.RefreshToken](db, state.TableRefreshTokens),
		SessionRefreshLinks: NewTable[string](db, state.TableSessionRefreshLinks),
		LoginFailures:       NewTable[int64](db, state.TableLoginFailures),
		OTPs:                NewTable[mfadomain.Challenge](db, state.TableOTPs),
	}
}
