package commandlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-session-core/internal/command"
)

// recorder collects applied commands per routing key.
type recorder struct {
	mu    sync.Mutex
	byKey map[string][]command.Command
	total int
}

func newRecorder() *recorder {
	return &recorder{byKey: make(map[string][]command.Command)}
}

func (r *recorder) handle(_ context.Context, cmd command.Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey[cmd.RoutingKey()] = append(r.byKey[cmd.RoutingKey()], cmd)
	r.total++
}

type fakeJournal struct {
	mu      sync.Mutex
	records []command.Envelope
	err     error
	closed  bool
}

func (j *fakeJournal) Record(_ context.Context, env command.Envelope) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return j.err
	}
	j.records = append(j.records, env)
	return nil
}

func (j *fakeJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closed = true
	return nil
}

func TestAppend_PreservesOrderPerKey(t *testing.T) {
	rec := newRecorder()
	l := New(rec.handle, Options{Partitions: 4, QueueSize: 8})
	ctx := context.Background()

	const keys, perKey = 10, 50
	var wg sync.WaitGroup
	for k := 0; k < keys; k++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			for i := 0; i < perKey; i++ {
				cmd := command.OTPAttempted{UserID: fmt.Sprintf("user-%d", k), Success: i == perKey-1}
				if err := l.Append(ctx, cmd); err != nil {
					t.Errorf("Append: %v", err)
					return
				}
			}
		}(k)
	}
	wg.Wait()
	require.NoError(t, l.Close())

	assert.Equal(t, keys*perKey, rec.total)
	for k := 0; k < keys; k++ {
		got := rec.byKey[fmt.Sprintf("user-%d", k)]
		require.Len(t, got, perKey)
		for i, cmd := range got {
			want := i == perKey-1
			assert.Equal(t, want, cmd.(command.OTPAttempted).Success, "key %d position %d", k, i)
		}
	}
}

func TestAppend_InvalidCommand(t *testing.T) {
	rec := newRecorder()
	l := New(rec.handle, Options{Partitions: 1})
	defer l.Close()

	err := l.Append(context.Background(), command.LogoutRequested{SessionID: "  "})
	require.Error(t, err)
	assert.True(t, errors.Is(err, command.ErrInvalid))

	err = l.Append(context.Background(), nil)
	assert.True(t, errors.Is(err, command.ErrInvalid))
}

func TestAppend_AfterClose(t *testing.T) {
	l := New(newRecorder().handle, Options{Partitions: 1})
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	err := l.Append(context.Background(), command.LogoutRequested{SessionID: "s1"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestAppend_CanceledContextOnFullQueue(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	handler := func(context.Context, command.Command) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-block
	}
	l := New(handler, Options{Partitions: 1, QueueSize: 1})
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, command.LogoutRequested{SessionID: "s1"}))
	<-started
	require.NoError(t, l.Append(ctx, command.LogoutRequested{SessionID: "s2"}))

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := l.Append(cctx, command.LogoutRequested{SessionID: "s3"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(block)
	require.NoError(t, l.Close())
}

func TestAppend_CanceledOnFullQueueIsNotJournaled(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	rec := newRecorder()
	handler := func(ctx context.Context, cmd command.Command) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-block
		rec.handle(ctx, cmd)
	}
	j := &fakeJournal{}
	l := New(handler, Options{Partitions: 1, QueueSize: 1, Journal: j})
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, command.LogoutRequested{SessionID: "s1"}))
	<-started
	require.NoError(t, l.Append(ctx, command.LogoutRequested{SessionID: "s2"}))

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	err := l.Append(cctx, command.LogoutRequested{SessionID: "s3"})
	assert.ErrorIs(t, err, context.Canceled)

	close(block)
	require.NoError(t, l.Close())

	keys := make([]string, 0, len(j.records))
	for _, env := range j.records {
		keys = append(keys, env.Key)
	}
	assert.Equal(t, []string{"s1", "s2"}, keys)
	assert.Equal(t, 2, rec.total)
	assert.Empty(t, rec.byKey["s3"])
}

func TestAppend_ContextOutlivesCaller(t *testing.T) {
	seen := make(chan error, 1)
	l := New(func(ctx context.Context, _ command.Command) { seen <- ctx.Err() }, Options{Partitions: 1})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, l.Append(ctx, command.LogoutRequested{SessionID: "s1"}))
	cancel()
	require.NoError(t, l.Close())
	assert.NoError(t, <-seen)
}

func TestAppend_Journal(t *testing.T) {
	j := &fakeJournal{}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := newRecorder()
	l := New(rec.handle, Options{Partitions: 2, Journal: j, Now: func() time.Time { return at }})

	cmd := command.RefreshTokenUpsert{RefreshID: "r1", UserID: "u1", SessionID: "s1"}
	require.NoError(t, l.Append(context.Background(), cmd))
	require.NoError(t, l.Close())

	require.Len(t, j.records, 1)
	env := j.records[0]
	assert.Equal(t, command.StreamSession, env.Stream)
	assert.Equal(t, command.TypeRefreshTokenUpsert, env.Type)
	assert.Equal(t, "s1", env.Key)
	assert.True(t, env.At.Equal(at))
	assert.True(t, j.closed)
	assert.Equal(t, 1, rec.total)
}

func TestAppend_JournalFailureRejects(t *testing.T) {
	j := &fakeJournal{err: errors.New("broker down")}
	rec := newRecorder()
	l := New(rec.handle, Options{Partitions: 1, Journal: j})

	err := l.Append(context.Background(), command.LogoutRequested{SessionID: "s1"})
	require.Error(t, err)
	require.NoError(t, l.Close())
	assert.Equal(t, 0, rec.total)
}

func TestSubmit(t *testing.T) {
	rec := newRecorder()
	l := New(rec.handle, Options{Partitions: 2})
	ctx := context.Background()

	err := l.Submit(ctx, command.StreamSession, command.TypeLoginFailed, map[string]any{
		"principal":  "alice",
		"ip_address": "10.0.0.1",
	})
	require.NoError(t, err)

	err = l.Submit(ctx, command.StreamIdentity, command.TypeLoginFailed, map[string]any{"principal": "alice"})
	assert.ErrorIs(t, err, command.ErrStreamMismatch)

	err = l.Submit(ctx, command.StreamSession, "Nope", map[string]any{})
	assert.ErrorIs(t, err, command.ErrUnknownType)

	err = l.Submit(ctx, command.StreamSession, command.TypeLogoutRequested, map[string]any{"session_id": ""})
	assert.ErrorIs(t, err, command.ErrInvalid)

	require.NoError(t, l.Close())
	assert.Len(t, rec.byKey["alice|10.0.0.1"], 1)
}

func TestSubmit_PaddedMixedCaseRegistration(t *testing.T) {
	rec := newRecorder()
	l := New(rec.handle, Options{Partitions: 2})

	err := l.Submit(context.Background(), command.StreamIdentity, command.TypeRegisterRequested, map[string]any{
		"email":      " A@X.com ",
		"username":   "  Alice ",
		"credential": map[string]any{"algo": "bcrypt", "hash": "$2a$04$abc"},
	})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	got := rec.byKey["alice"]
	require.Len(t, got, 1)
	assert.Equal(t, " A@X.com ", got[0].(command.RegisterRequested).Email)
}

func TestHandlerPanicDoesNotStopPartition(t *testing.T) {
	var mu sync.Mutex
	var applied []string
	handler := func(_ context.Context, cmd command.Command) {
		id := cmd.RoutingKey()
		if id == "boom" {
			panic("boom")
		}
		mu.Lock()
		applied = append(applied, id)
		mu.Unlock()
	}
	l := New(handler, Options{Partitions: 1})
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, command.LogoutRequested{SessionID: "boom"}))
	require.NoError(t, l.Append(ctx, command.LogoutRequested{SessionID: "after"}))
	require.NoError(t, l.Close())
	assert.Equal(t, []string{"after"}, applied)
}
