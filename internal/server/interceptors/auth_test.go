package interceptors

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type fakeAuthorizer struct {
	tokens map[string][2]string
	calls  int
}

func (f *fakeAuthorizer) Authorize(_ context.Context, token string) (string, string, error) {
	f.calls++
	id, ok := f.tokens[token]
	if !ok {
		return "", "", errors.New("invalid token")
	}
	return id[0], id[1], nil
}

func newFakeAuthorizer() *fakeAuthorizer {
	return &fakeAuthorizer{tokens: map[string][2]string{"good-token": {"user-1", "session-1"}}}
}

func bearerCtx(token string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+token))
}

func okHandler(ctx context.Context, req interface{}) (interface{}, error) {
	return "success", nil
}

func TestAuthUnary_PublicMethod(t *testing.T) {
	auth := newFakeAuthorizer()
	interceptor := AuthUnary(auth, map[string]bool{"/test.Service/PublicMethod": true})

	resp, err := interceptor(context.Background(), "request", &grpc.UnaryServerInfo{
		FullMethod: "/test.Service/PublicMethod",
	}, okHandler)
	if err != nil {
		t.Fatalf("interceptor: %v", err)
	}
	if resp != "success" {
		t.Errorf("response = %v, want %q", resp, "success")
	}
	if auth.calls != 0 {
		t.Errorf("Authorize called %d times without a token", auth.calls)
	}
}

func TestAuthUnary_PublicMethod_InvalidTokenIgnored(t *testing.T) {
	interceptor := AuthUnary(newFakeAuthorizer(), map[string]bool{"/test.Service/PublicMethod": true})

	var sawIdentity bool
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		_, sawIdentity = GetUserID(ctx)
		return "success", nil
	}
	if _, err := interceptor(bearerCtx("bad-token"), "request", &grpc.UnaryServerInfo{
		FullMethod: "/test.Service/PublicMethod",
	}, handler); err != nil {
		t.Fatalf("interceptor: %v", err)
	}
	if sawIdentity {
		t.Error("identity should not be set for a rejected token")
	}
}

func TestAuthUnary_ProtectedMethod_NoToken(t *testing.T) {
	interceptor := AuthUnary(newFakeAuthorizer(), map[string]bool{})

	_, err := interceptor(context.Background(), "request", &grpc.UnaryServerInfo{
		FullMethod: "/test.Service/ProtectedMethod",
	}, okHandler)
	if err == nil {
		t.Fatal("expected error for missing token")
	}
	if code := status.Code(err); code != codes.Unauthenticated {
		t.Errorf("status code = %v, want %v", code, codes.Unauthenticated)
	}
}

func TestAuthUnary_ProtectedMethod_ValidToken(t *testing.T) {
	interceptor := AuthUnary(newFakeAuthorizer(), map[string]bool{})

	var gotUser, gotSession string
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		gotUser, _ = GetUserID(ctx)
		gotSession, _ = GetSessionID(ctx)
		return "success", nil
	}
	resp, err := interceptor(bearerCtx("good-token"), "request", &grpc.UnaryServerInfo{
		FullMethod: "/test.Service/ProtectedMethod",
	}, handler)
	if err != nil {
		t.Fatalf("interceptor: %v", err)
	}
	if resp != "success" {
		t.Errorf("response = %v, want %q", resp, "success")
	}
	if gotUser != "user-1" {
		t.Errorf("user_id = %q, want %q", gotUser, "user-1")
	}
	if gotSession != "session-1" {
		t.Errorf("session_id = %q, want %q", gotSession, "session-1")
	}
}

func TestAuthUnary_ProtectedMethod_InvalidToken(t *testing.T) {
	interceptor := AuthUnary(newFakeAuthorizer(), map[string]bool{})

	called := false
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		called = true
		return nil, nil
	}
	_, err := interceptor(bearerCtx("bad-token"), "request", &grpc.UnaryServerInfo{
		FullMethod: "/test.Service/ProtectedMethod",
	}, handler)
	if code := status.Code(err); code != codes.Unauthenticated {
		t.Errorf("status code = %v, want %v", code, codes.Unauthenticated)
	}
	if called {
		t.Error("handler should not run for an invalid token")
	}
}

func TestExtractBearer(t *testing.T) {
	cases := []struct {
		name string
		md   metadata.MD
		want string
	}{
		{"valid", metadata.Pairs("authorization", "Bearer abc"), "abc"},
		{"case insensitive", metadata.Pairs("authorization", "bEaReR abc"), "abc"},
		{"whitespace", metadata.Pairs("authorization", "  Bearer   abc  "), "abc"},
		{"missing", metadata.MD{}, ""},
		{"basic scheme", metadata.Pairs("authorization", "Basic abc"), ""},
		{"too short", metadata.Pairs("authorization", "Bear"), ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := metadata.NewIncomingContext(context.Background(), tc.md)
			if got := extractBearer(ctx); got != tc.want {
				t.Errorf("extractBearer = %q, want %q", got, tc.want)
			}
		})
	}
	if got := extractBearer(context.Background()); got != "" {
		t.Errorf("extractBearer without metadata = %q, want empty", got)
	}
}
