package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

const testSecret = "test-secret-key-for-unit-tests-only"

func TestJWTManagerRoundTrip(t *testing.T) {
	m, err := NewJWTManager(testSecret, "trialbridge", "portal", time.Hour)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	token, err := m.IssueToken("user-1", "dr@example.com", "clinician")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	p, err := m.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.UserID != "user-1" || p.Email != "dr@example.com" || p.Role != "clinician" || p.Token != token {
		t.Fatalf("unexpected principal %+v", p)
	}
}

func TestJWTManagerRejects(t *testing.T) {
	m, _ := NewJWTManager(testSecret, "trialbridge", "portal", time.Hour)
	other, _ := NewJWTManager("another-secret-of-enough-length", "trialbridge", "portal", time.Hour)
	wrongAud, _ := NewJWTManager(testSecret, "trialbridge", "someone-else", time.Hour)

	forged, _ := other.IssueToken("u", "", "")
	foreign, _ := wrongAud.IssueToken("u", "", "")

	expiredMgr, _ := NewJWTManager(testSecret, "trialbridge", "portal", time.Minute)
	expiredMgr.nowFunc = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, _ := expiredMgr.IssueToken("u", "", "")

	cases := map[string]string{
		"empty":    "",
		"garbage":  "not-a-jwt",
		"forged":   forged,
		"audience": foreign,
		"expired":  expired,
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := m.Verify(context.Background(), token); err == nil {
				t.Fatal("expected verification failure")
			}
		})
	}

	if _, err := m.Verify(context.Background(), ""); !errors.Is(err, ErrTokenEmpty) {
		t.Fatalf("expected ErrTokenEmpty, got %v", err)
	}
}

func TestNewJWTManagerRequiresLongSecret(t *testing.T) {
	if _, err := NewJWTManager("short", "i", "a", 0); err == nil {
		t.Fatal("expected error for short secret")
	}
}

func TestPrincipalContext(t *testing.T) {
	ctx := context.Background()
	if TokenFromContext(ctx) != "" {
		t.Fatal("expected empty token without principal")
	}
	ctx = WithPrincipal(ctx, &Principal{UserID: "u", Token: "abc"})
	if TokenFromContext(ctx) != "abc" {
		t.Fatalf("unexpected token %q", TokenFromContext(ctx))
	}
}
