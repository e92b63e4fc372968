// Package redisstore stores the state tables in Redis as JSON strings under "<prefix>:<table>:<key>".
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	identitydomain "identity-session-core/internal/identity/domain"
	mfadomain "identity-session-core/internal/mfa/domain"
	sessiondomain "identity-session-core/internal/session/domain"
	"identity-session-core/internal/state"
	userdomain "identity-session-core/internal/user/domain"
)

// Table is a state.Table backed by Redis string keys.
type Table[V any] struct {
	client redis.UniversalClient
	ns     string
}

// NewTable returns a Table whose keys live under prefix:name:.
func NewTable[V any](client redis.UniversalClient, prefix, name string) *Table[V] {
	return &Table[V]{client: client, ns: prefix + ":" + name + ":"}
}

// Key returns the Redis key used for key.
func (t *Table[V]) Key(key string) string {
	return t.ns + key
}

// Get returns the value stored for key. redis.Nil is reported as ok false.
func (t *Table[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	raw, err := t.client.Get(ctx, t.Key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("redis get %s: %w", t.Key(key), err)
	}
	var v V
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, false, fmt.Errorf("redis decode %s: %w", t.Key(key), err)
	}
	return v, true, nil
}

// Put stores value for key without expiry; expiry of sessions and tokens is evaluated at read time.
func (t *Table[V]) Put(ctx context.Context, key string, value V) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("redis encode %s: %w", t.Key(key), err)
	}
	if err := t.client.Set(ctx, t.Key(key), raw, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", t.Key(key), err)
	}
	return nil
}

// Open parses a redis:// URL and pings the server.
func Open(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// NewTables returns the state tables stored in Redis under prefix.
func NewTables(client redis.UniversalClient, prefix string) *state.Tables {
	return &state.Tables{
		Users:               NewTable[userdomain.User](client, prefix, state.TableUsers),
		Credentials:         NewTable[identitydomain.Credential](client, prefix, state.TableCredentials),
		UsernameIndex:       NewTable[string](client, prefix, state.TableUsernameIndex),
		EmailIndex:          NewTable[string](client, prefix, state.TableEmailIndex),
		Sessions:            NewTable[sessiondomain.Session](client, prefix, state.TableSessions),
		RefreshTokens:       NewTable[sessiondomain.RefreshToken](client, prefix, state.TableRefreshTokens),
		SessionRefreshLinks: NewTable[string](client, prefix, state.TableSessionRefreshLinks),
		LoginFailures:       NewTable[int64](client, prefix, state.TableLoginFailures),
		OTPs:                NewTable[mfadomain.Challenge](client, prefix, state.TableOTPs),
	}
}
