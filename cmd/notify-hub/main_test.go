package main

import (
	"bytes"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/hub"
)

func TestInt64EnvParsesValue(t *testing.T) {
	logger, _ := test.NewNullLogger()
	t.Setenv("NOTIFY_HUB_TEST_INT", "42")
	if got := int64Env(logger, "NOTIFY_HUB_TEST_INT", 7); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestInt64EnvFallsBackOnInvalidValue(t *testing.T) {
	logger, hook := test.NewNullLogger()
	t.Setenv("NOTIFY_HUB_TEST_INT_BAD", "not-a-number")
	if got := int64Env(logger, "NOTIFY_HUB_TEST_INT_BAD", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
	if len(hook.Entries) != 1 {
		t.Fatalf("expected one warning, got %d", len(hook.Entries))
	}
}

func TestDurationEnvParsesValue(t *testing.T) {
	logger, _ := test.NewNullLogger()
	t.Setenv("NOTIFY_HUB_TEST_DURATION", "150ms")
	if got := durationEnv(logger, "NOTIFY_HUB_TEST_DURATION", time.Second); got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
}

func TestDurationEnvFallsBackOnInvalidValue(t *testing.T) {
	logger, _ := test.NewNullLogger()
	t.Setenv("NOTIFY_HUB_TEST_DURATION_BAD", "soon")
	if got := durationEnv(logger, "NOTIFY_HUB_TEST_DURATION_BAD", 2*time.Second); got != 2*time.Second {
		t.Fatalf("expected fallback 2s, got %s", got)
	}
}

func TestEnvHelpersUseFallbackWhenUnset(t *testing.T) {
	logger, _ := test.NewNullLogger()
	_ = os.Unsetenv("NOTIFY_HUB_TEST_INT_UNSET")
	_ = os.Unsetenv("NOTIFY_HUB_TEST_DURATION_UNSET")

	if got := int64Env(logger, "NOTIFY_HUB_TEST_INT_UNSET", 9); got != 9 {
		t.Fatalf("expected fallback 9, got %d", got)
	}
	if got := durationEnv(logger, "NOTIFY_HUB_TEST_DURATION_UNSET", 3*time.Second); got != 3*time.Second {
		t.Fatalf("expected fallback 3s, got %s", got)
	}
}

func TestIssueTokenPrintsSignedClaims(t *testing.T) {
	var out bytes.Buffer
	if err := issueToken(&out, []string{"5", "ops@example.com", "notifications:publish, extra"}, "s3cret", time.Hour); err != nil {
		t.Fatalf("issue token: %v", err)
	}
	var claims hub.Claims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(out.String()), &claims, func(*jwt.Token) (any, error) {
		return []byte("s3cret"), nil
	})
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if claims.UserID != 5 || claims.Email != "ops@example.com" {
		t.Fatalf("unexpected identity %d/%s", claims.UserID, claims.Email)
	}
	if len(claims.Scopes) != 2 || claims.Scopes[0] != hub.ScopePublish || claims.Scopes[1] != "extra" {
		t.Fatalf("unexpected scopes %v", claims.Scopes)
	}
}

func TestIssueTokenRejectsBadArguments(t *testing.T) {
	cases := [][]string{
		nil,
		{"5"},
		{"x", "ops@example.com"},
		{"5", "not-an-email"},
		{"0", "ops@example.com"},
	}
	for _, args := range cases {
		if err := issueToken(&bytes.Buffer{}, args, "s3cret", time.Hour); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
	if err := issueToken(&bytes.Buffer{}, []string{"5", "ops@example.com"}, "", time.Hour); err == nil {
		t.Fatal("expected error without secret")
	}
}
