package interceptors

import (
	"context"
	"testing"
)

func TestWithIdentity_SetsValues(t *testing.T) {
	ctx := WithIdentity(context.Background(), "user-1", "session-1")

	userID, ok := GetUserID(ctx)
	if !ok {
		t.Fatal("GetUserID should return true")
	}
	if userID != "user-1" {
		t.Errorf("user_id = %q, want %q", userID, "user-1")
	}

	sessionID, ok := GetSessionID(ctx)
	if !ok {
		t.Fatal("GetSessionID should return true")
	}
	if sessionID != "session-1" {
		t.Errorf("session_id = %q, want %q", sessionID, "session-1")
	}
}

func TestGetters_ReturnFalseWhenNotSet(t *testing.T) {
	ctx := context.Background()
	if v, ok := GetUserID(ctx); ok || v != "" {
		t.Errorf("GetUserID = (%q, %v), want (\"\", false)", v, ok)
	}
	if v, ok := GetSessionID(ctx); ok || v != "" {
		t.Errorf("GetSessionID = (%q, %v), want (\"\", false)", v, ok)
	}
}

func TestContext_Isolation(t *testing.T) {
	ctx1 := WithIdentity(context.Background(), "user-1", "session-1")
	ctx2 := WithIdentity(context.Background(), "user-2", "session-2")

	if v, _ := GetUserID(ctx1); v != "user-1" {
		t.Errorf("ctx1 user_id = %q, want user-1", v)
	}
	if v, _ := GetUserID(ctx2); v != "user-2" {
		t.Errorf("ctx2 user_id = %q, want user-2", v)
	}
}

func TestWithIdentity_Chaining(t *testing.T) {
	ctx := WithIdentity(context.Background(), "user-1", "session-1")
	ctx = WithIdentity(ctx, "user-2", "session-2")

	if v, _ := GetUserID(ctx); v != "user-2" {
		t.Errorf("user_id = %q, want user-2", v)
	}
	if v, _ := GetSessionID(ctx); v != "session-2" {
		t.Errorf("session_id = %q, want session-2", v)
	}
}

func TestWithIdentity_EmptySession(t *testing.T) {
	ctx := WithIdentity(context.Background(), "user-1", "")

	v, ok := GetSessionID(ctx)
	if !ok {
		t.Error("GetSessionID should return true for an empty value that was set")
	}
	if v != "" {
		t.Errorf("session_id = %q, want empty", v)
	}
}
