package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-session-core/internal/command"
	"identity-session-core/internal/commandlog"
	"identity-session-core/internal/policy/engine"
	"identity-session-core/internal/processor"
	"identity-session-core/internal/query"
	"identity-session-core/internal/security"
	"identity-session-core/internal/server/interceptors"
	"identity-session-core/internal/state"
)

const (
	goodPassword = "Correct-Horse-42"
	waitFor1s    = time.Second
	tick         = 5 * time.Millisecond
)

type testEnv struct {
	svc     *AuthService
	queries *query.Service
	log     *commandlog.Log
	tokens  *security.TokenProvider
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	tables := state.NewMemoryTables(4)
	proc := processor.New(tables, processor.Config{OTPMaxAttempts: 3})
	l := commandlog.New(func(ctx context.Context, cmd command.Command) { proc.Apply(ctx, cmd) },
		commandlog.Options{Partitions: 4})
	t.Cleanup(func() { _ = l.Close() })

	hashers, err := security.NewHashers(security.AlgoBcrypt, 4)
	require.NoError(t, err)
	tokens, err := security.NewTokenProvider("test-secret", 15*time.Minute, 24*time.Hour)
	require.NoError(t, err)
	policy, err := engine.NewOPAEvaluator(ctx)
	require.NoError(t, err)
	queries := query.New(tables, hashers, 3)

	svc := NewAuthService(l, queries, hashers, tokens, policy, Options{
		MaxLoginFailures:    3,
		RegisterPollTimeout: 2 * time.Second,
	})
	return &testEnv{svc: svc, queries: queries, log: l, tokens: tokens}
}

func (e *testEnv) register(t *testing.T, email, username string) string {
	t.Helper()
	res, err := e.svc.Register(context.Background(), RegisterInput{Email: email, Username: username, Password: goodPassword})
	require.NoError(t, err)
	require.Equal(t, RegisterCreated, res.Status)
	require.NotEmpty(t, res.UserID)
	return res.UserID
}

func (e *testEnv) login(t *testing.T, username, password string) *AuthResult {
	t.Helper()
	res, err := e.svc.Login(context.Background(), LoginInput{Username: username, Password: password, IPAddress: "10.0.0.1"})
	require.NoError(t, err)
	return res
}

func TestRegister_CreatesUser(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	id := e.register(t, " Alice@Example.COM ", "Alice")

	u, err := e.queries.UserByID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "alice@example.com", u.Email)
	assert.Equal(t, "alice", u.Username)
	assert.False(t, u.EmailVerified)

	owner, err := e.queries.UserIDByEmail(ctx, "ALICE@example.com")
	require.NoError(t, err)
	assert.Equal(t, id, owner)
}

func TestRegister_Conflicts(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.register(t, "alice@example.com", "alice")

	_, err := e.svc.Register(ctx, RegisterInput{Email: "other@example.com", Username: "ALICE", Password: goodPassword})
	assert.ErrorIs(t, err, ErrEmailOrUsernameTaken)

	_, err = e.svc.Register(ctx, RegisterInput{Email: "Alice@Example.com", Username: "bob", Password: goodPassword})
	assert.ErrorIs(t, err, ErrEmailOrUsernameTaken)
}

func TestRegister_Validation(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	cases := []struct {
		name string
		in   RegisterInput
	}{
		{"missing email", RegisterInput{Username: "alice", Password: goodPassword}},
		{"bad email", RegisterInput{Email: "not-an-email", Username: "alice", Password: goodPassword}},
		{"missing username", RegisterInput{Email: "a@example.com", Password: goodPassword}},
		{"short password", RegisterInput{Email: "a@example.com", Username: "alice", Password: "Ab1!"}},
		{"no symbol", RegisterInput{Email: "a@example.com", Username: "alice", Password: "Abcdefgh12345"}},
		{"no upper", RegisterInput{Email: "a@example.com", Username: "alice", Password: "abcdefgh-12345"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.svc.Register(ctx, tc.in)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

// barrierQueries holds every CanRegister caller until all of them have passed the availability check.
type barrierQueries struct {
	*query.Service
	arrived sync.WaitGroup
}

func (q *barrierQueries) CanRegister(ctx context.Context, email, username string) (bool, error) {
	free, err := q.Service.CanRegister(ctx, email, username)
	q.arrived.Done()
	q.arrived.Wait()
	return free, err
}

func TestRegister_ConcurrentSameUserOnlyWinnerCreated(t *testing.T) {
	e := newTestEnv(t)
	q := &barrierQueries{Service: e.queries}
	passwords := []string{goodPassword, "Battery-Staple-43"}
	q.arrived.Add(len(passwords))
	svc := NewAuthService(e.log, q, e.svc.hashers, e.tokens, e.svc.policy, Options{RegisterPollTimeout: 2 * time.Second})

	results := make([]*RegisterResult, len(passwords))
	errs := make([]error, len(passwords))
	var wg sync.WaitGroup
	for i, pw := range passwords {
		wg.Add(1)
		go func(i int, pw string) {
			defer wg.Done()
			results[i], errs[i] = svc.Register(context.Background(), RegisterInput{
				Email: "alice@example.com", Username: "alice", Password: pw,
			})
		}(i, pw)
	}
	wg.Wait()

	winner := -1
	for i := range passwords {
		if errs[i] == nil {
			require.Equal(t, RegisterCreated, results[i].Status)
			require.Equal(t, -1, winner, "two callers told they created the user")
			winner = i
			continue
		}
		assert.ErrorIs(t, errs[i], ErrEmailOrUsernameTaken)
	}
	require.NotEqual(t, -1, winner)

	res := e.login(t, "alice", passwords[winner])
	assert.Equal(t, results[winner].UserID, res.UserID)
}

type droppingLog struct{}

func (droppingLog) Append(context.Context, command.Command) error { return nil }

func TestRegister_AcceptedWhenNotVisibleInTime(t *testing.T) {
	e := newTestEnv(t)
	svc := NewAuthService(droppingLog{}, e.queries, e.svc.hashers, e.tokens, e.svc.policy, Options{
		RegisterPollTimeout: 30 * time.Millisecond,
	})

	res, err := svc.Register(context.Background(), RegisterInput{Email: "a@example.com", Username: "alice", Password: goodPassword})
	require.NoError(t, err)
	assert.Equal(t, RegisterAccepted, res.Status)
	assert.Empty(t, res.UserID)
}

func TestLogin_IssuesTokensForLiveSession(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	id := e.register(t, "alice@example.com", "alice")

	res := e.login(t, "Alice", goodPassword)
	assert.Equal(t, id, res.UserID)
	assert.NotEmpty(t, res.SessionID)
	assert.NotEmpty(t, res.AccessToken)
	assert.NotEmpty(t, res.RefreshToken)
	assert.True(t, res.RefreshExpiresAt.After(res.AccessExpiresAt))

	sess, err := e.queries.CheckSession(ctx, res.SessionID)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, id, sess.UserID)
	assert.Equal(t, "10.0.0.1", sess.IPAddress)

	userID, sessionID, err := e.svc.Authorize(ctx, res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, id, userID)
	assert.Equal(t, res.SessionID, sessionID)

	me, err := e.svc.Me(ctx, res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", me.Username)
}

func TestLogin_InvalidCredentials(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.register(t, "alice@example.com", "alice")

	_, err := e.svc.Login(ctx, LoginInput{Username: "alice", Password: "Wrong-Password-1"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = e.svc.Login(ctx, LoginInput{Username: "nobody", Password: goodPassword})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = e.svc.Login(ctx, LoginInput{Username: "alice"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLogin_BlockedAfterTooManyFailures(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.register(t, "alice@example.com", "alice")

	for i := 0; i < 3; i++ {
		_, err := e.svc.Login(ctx, LoginInput{Username: "alice", Password: "Wrong-Password-1", IPAddress: "10.0.0.9"})
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
	assert.Eventually(t, func() bool {
		n, err := e.queries.LoginFailures(ctx, "alice", "10.0.0.9")
		return err == nil && n == 3
	}, waitFor1s, tick)

	_, err := e.svc.Login(ctx, LoginInput{Username: "alice", Password: goodPassword, IPAddress: "10.0.0.9"})
	assert.ErrorIs(t, err, ErrLoginBlocked)

	// Failures are counted per address.
	_, err = e.svc.Login(ctx, LoginInput{Username: "alice", Password: goodPassword, IPAddress: "10.0.0.10"})
	assert.NoError(t, err)
}

func TestLogin_SuccessResetsFailures(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.register(t, "alice@example.com", "alice")

	_, err := e.svc.Login(ctx, LoginInput{Username: "alice", Password: "Wrong-Password-1", IPAddress: "10.0.0.1"})
	require.ErrorIs(t, err, ErrInvalidCredentials)
	require.Eventually(t, func() bool {
		n, _ := e.queries.LoginFailures(ctx, "alice", "10.0.0.1")
		return n == 1
	}, waitFor1s, tick)

	e.login(t, "alice", goodPassword)
	assert.Eventually(t, func() bool {
		n, _ := e.queries.LoginFailures(ctx, "alice", "10.0.0.1")
		return n == 0
	}, waitFor1s, tick)
}

func TestLogin_UpgradesLegacyCredential(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	sum := sha256.Sum256([]byte("pepper" + goodPassword))
	require.NoError(t, e.log.Append(ctx, command.RegisterRequested{
		Email:    "legacy@example.com",
		Username: "legacy",
		Credential: command.Credential{
			Algo: security.AlgoSHA256,
			Salt: "pepper",
			Hash: hex.EncodeToString(sum[:]),
		},
	}))
	var id string
	require.Eventually(t, func() bool {
		id, _ = e.queries.UserIDByUsername(ctx, "legacy")
		return id != ""
	}, waitFor1s, tick)

	e.login(t, "legacy", goodPassword)

	assert.Eventually(t, func() bool {
		cred, err := e.queries.CredentialForUser(ctx, id)
		return err == nil && cred != nil && cred.Algo == security.AlgoBcrypt
	}, waitFor1s, tick)
	e.login(t, "legacy", goodPassword)
}

func TestRefresh_RotatesToken(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.register(t, "alice@example.com", "alice")
	first := e.login(t, "alice", goodPassword)

	second, err := e.svc.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, first.UserID, second.UserID)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	_, _, oldJTI, err := e.tokens.ValidateRefresh(first.RefreshToken)
	require.NoError(t, err)
	_, _, newJTI, err := e.tokens.ValidateRefresh(second.RefreshToken)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		oldRec, _ := e.queries.ValidateRefresh(ctx, oldJTI)
		newRec, _ := e.queries.ValidateRefresh(ctx, newJTI)
		return oldRec == nil && newRec != nil
	}, waitFor1s, tick)

	_, err = e.svc.Refresh(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	third, err := e.svc.Refresh(ctx, second.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, third.SessionID)
}

func TestRefresh_RejectsInvalidTokens(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.register(t, "alice@example.com", "alice")
	res := e.login(t, "alice", goodPassword)

	for _, tok := range []string{"", "garbage", res.AccessToken} {
		_, err := e.svc.Refresh(ctx, tok)
		assert.ErrorIs(t, err, ErrInvalidRefreshToken, "token %q", tok)
	}
}

func TestLogout_WithRefreshTokenRevokesSession(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.register(t, "alice@example.com", "alice")
	res := e.login(t, "alice", goodPassword)

	require.NoError(t, e.svc.Logout(ctx, res.RefreshToken))

	assert.Eventually(t, func() bool {
		_, _, err := e.svc.Authorize(ctx, res.AccessToken)
		return errors.Is(err, ErrUnauthenticated)
	}, waitFor1s, tick)
	assert.Eventually(t, func() bool {
		_, err := e.svc.Refresh(ctx, res.RefreshToken)
		return errors.Is(err, ErrInvalidRefreshToken)
	}, waitFor1s, tick)

	assert.NoError(t, e.svc.Logout(ctx, "garbage"))
}

func TestLogout_FromContextSession(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "alice@example.com", "alice")
	res := e.login(t, "alice", goodPassword)

	ctx := interceptors.WithIdentity(context.Background(), res.UserID, res.SessionID)
	require.NoError(t, e.svc.Logout(ctx, ""))

	assert.Eventually(t, func() bool {
		sess, err := e.queries.CheckSession(context.Background(), res.SessionID)
		return err == nil && sess == nil
	}, waitFor1s, tick)

	assert.NoError(t, e.svc.Logout(context.Background(), ""))
}

func TestAuthorize_RejectsBadTokens(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.register(t, "alice@example.com", "alice")
	res := e.login(t, "alice", goodPassword)

	for _, tok := range []string{"", "garbage", res.RefreshToken} {
		_, _, err := e.svc.Authorize(ctx, tok)
		assert.ErrorIs(t, err, ErrUnauthenticated, "token %q", tok)
	}
	_, err := e.svc.Me(ctx, "garbage")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestUpdateProfile_EmailChangeMovesOwnership(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	id := e.register(t, "a@x.com", "alice")

	newEmail := "a2@x.com"
	require.NoError(t, e.svc.UpdateProfile(ctx, UpdateProfileInput{UserID: id, Email: &newEmail}))

	assert.Eventually(t, func() bool {
		old, _ := e.queries.UserIDByEmail(ctx, "a@x.com")
		cur, _ := e.queries.UserIDByEmail(ctx, "a2@x.com")
		return old == "" && cur == id
	}, waitFor1s, tick)

	// The released address can be registered again.
	e.register(t, "a@x.com", "bob")
}

func TestUpdateProfile_Errors(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	alice := e.register(t, "alice@example.com", "alice")
	e.register(t, "bob@example.com", "bob")

	taken := "BOB@example.com"
	err := e.svc.UpdateProfile(ctx, UpdateProfileInput{UserID: alice, Email: &taken})
	assert.ErrorIs(t, err, ErrEmailOrUsernameTaken)

	bad := "nope"
	err = e.svc.UpdateProfile(ctx, UpdateProfileInput{UserID: alice, Email: &bad})
	assert.ErrorIs(t, err, ErrValidation)

	name := "Nobody"
	err = e.svc.UpdateProfile(ctx, UpdateProfileInput{UserID: "missing", FullName: &name})
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestUpdateProfile_FullName(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	id := e.register(t, "alice@example.com", "alice")

	name := "Alice Liddell"
	require.NoError(t, e.svc.UpdateProfile(ctx, UpdateProfileInput{UserID: id, FullName: &name}))
	assert.Eventually(t, func() bool {
		u, _ := e.queries.UserByID(ctx, id)
		return u != nil && u.FullName == name && u.Email == "alice@example.com"
	}, waitFor1s, tick)
}

func TestChangePassword(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	id := e.register(t, "alice@example.com", "alice")
	const next = "Another-Secret-7"

	err := e.svc.ChangePassword(ctx, id, "Wrong-Password-1", next)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	err = e.svc.ChangePassword(ctx, id, goodPassword, "weak")
	assert.ErrorIs(t, err, ErrValidation)

	require.NoError(t, e.svc.ChangePassword(ctx, id, goodPassword, next))
	assert.Eventually(t, func() bool {
		got, _ := e.queries.Authenticate(ctx, "alice", next)
		return got == id
	}, waitFor1s, tick)

	_, err = e.svc.Login(ctx, LoginInput{Username: "alice", Password: goodPassword})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestEmailOTP(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	id := e.register(t, "alice@example.com", "alice")

	code, err := e.svc.IssueEmailOTP(ctx, id)
	require.NoError(t, err)
	require.Len(t, code, 6)
	require.Eventually(t, func() bool {
		ok, _ := e.queries.CheckOTP(ctx, id, code)
		return ok
	}, waitFor1s, tick)

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	assert.ErrorIs(t, e.svc.VerifyEmailOTP(ctx, id, wrong), ErrInvalidOTP)
	require.NoError(t, e.svc.VerifyEmailOTP(ctx, id, code))

	assert.Eventually(t, func() bool {
		u, _ := e.queries.UserByID(ctx, id)
		return u != nil && u.EmailVerified
	}, waitFor1s, tick)
	assert.Eventually(t, func() bool {
		ok, _ := e.queries.CheckOTP(ctx, id, code)
		return !ok
	}, waitFor1s, tick)

	_, err = e.svc.IssueEmailOTP(ctx, "missing")
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.ErrorIs(t, e.svc.VerifyEmailOTP(ctx, id, ""), ErrInvalidOTP)
}

// gatedOTPQueries parks the caller checking code after its check and before it records the attempt.
type gatedOTPQueries struct {
	*query.Service
	code    string
	checked chan struct{}
	release chan struct{}
}

func (q *gatedOTPQueries) CheckOTP(ctx context.Context, userID, code string) (bool, error) {
	ok, err := q.Service.CheckOTP(ctx, userID, code)
	if code == q.code {
		close(q.checked)
		<-q.release
	}
	return ok, err
}

func TestEmailOTP_MatchAfterAttemptsExhaustedIsRejected(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	id := e.register(t, "alice@example.com", "alice")
	code, err := e.svc.IssueEmailOTP(ctx, id)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		ok, _ := e.queries.CheckOTP(ctx, id, code)
		return ok
	}, waitFor1s, tick)

	q := &gatedOTPQueries{Service: e.queries, code: code, checked: make(chan struct{}), release: make(chan struct{})}
	svc := NewAuthService(e.log, q, e.svc.hashers, e.tokens, e.svc.policy, Options{RegisterPollTimeout: time.Second})

	matched := make(chan error, 1)
	go func() { matched <- svc.VerifyEmailOTP(ctx, id, code) }()
	<-q.checked

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, svc.VerifyEmailOTP(ctx, id, wrong), ErrInvalidOTP)
	}
	require.Eventually(t, func() bool {
		status, _ := e.queries.ChallengeStatus(ctx, id)
		return status == query.OTPClosed
	}, waitFor1s, tick)

	close(q.release)
	assert.ErrorIs(t, <-matched, ErrInvalidOTP)

	u, err := e.queries.UserByID(ctx, id)
	require.NoError(t, err)
	assert.False(t, u.EmailVerified)
	status, _ := e.queries.ChallengeStatus(ctx, id)
	assert.Equal(t, query.OTPClosed, status, "never consumed")
}
