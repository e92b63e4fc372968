package state

import (
	"context"
	"sync"

	identitydomain "identity-session-core/internal/identity/domain"
	mfadomain "identity-session-core/internal/mfa/domain"
	"identity-session-core/internal/partition"
	sessiondomain "identity-session-core/internal/session/domain"
	userdomain "identity-session-core/internal/user/domain"
)

type shard[V any] struct {
	mu sync.RWMutex
	m  map[string]V
}

// MemoryTable is an in-memory Table split into independently locked shards.
type MemoryTable[V any] struct {
	shards []*shard[V]
}

// NewMemoryTable returns an empty table with n shards (at least one).
func NewMemoryTable[V any](n int) *MemoryTable[V] {
	if n < 1 {
		n = 1
	}
	t := &MemoryTable[V]{shards: make([]*shard[V], n)}
	for i := range t.shards {
		t.shards[i] = &shard[V]{m: make(map[string]V)}
	}
	return t
}

func (t *MemoryTable[V]) shardFor(key string) *shard[V] {
	return t.shards[partition.Of(key, len(t.shards))]
}

// Get returns the value stored for key.
func (t *MemoryTable[V]) Get(ctx context.Context, key string) (V, bool, error) {
	s := t.shardFor(key)
	s.mu.RLock()
	v, ok := s.m[key]
	s.mu.RUnlock()
	return v, ok, nil
}

// Put stores value for key, replacing any previous value.
func (t *MemoryTable[V]) Put(ctx context.Context, key string, value V) error {
	s := t.shardFor(key)
	s.mu.Lock()
	s.m[key] = value
	s.mu.Unlock()
	return nil
}

// Len returns the number of keys in the table.
func (t *MemoryTable[V]) Len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}

// NewMemoryTables returns in-memory tables, each split into shards shards.
func NewMemoryTables(shards int) *Tables {
	return &Tables{
		Users:               NewMemoryTable[userdomain.User](shards),
		Credentials:         NewMemoryTable[identitydomain.Credential](shards),
		UsernameIndex:       NewMemoryTable[string](shards),
		EmailIndex:          NewMemoryTable[string](shards),
		Sessions:            NewMemoryTable[sessiondomain.Session](shards),
		RefreshTokens:       NewMemoryTable[sessiondomain.RefreshToken](shards),
		SessionRefreshLinks: NewMemoryTable[string](shards),
		LoginFailures:       NewMemoryTable[int64](shards),
		OTPs:                NewMemoryTable[mfadomain.Challenge](shards),
	}
}
