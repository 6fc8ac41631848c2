package authn

import (
	"context"
	"testing"
	"time"

	"github.com/odinstream/fanout/internal/registry"
)

func TestVerifyRoundTrip(t *testing.T) {
	v := NewJWTVerifier("test-secret")
	token, err := v.NewTestToken("user-1", registry.RoleInstitutional, time.Hour)
	if err != nil {
		t.Fatalf("NewTestToken: %v", err)
	}

	identity, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if identity.UserID != "user-1" || identity.Role != registry.RoleInstitutional {
		t.Fatalf("identity = %+v, unexpected", identity)
	}
}

func TestVerifyDefaultsRoleWhenEmpty(t *testing.T) {
	v := NewJWTVerifier("test-secret")
	token, err := v.NewTestToken("user-1", "", time.Hour)
	if err != nil {
		t.Fatalf("NewTestToken: %v", err)
	}

	identity, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if identity.Role != registry.RoleUser {
		t.Fatalf("Role = %q, want %q", identity.Role, registry.RoleUser)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	issuer := NewJWTVerifier("secret-a")
	token, err := issuer.NewTestToken("user-1", registry.RoleUser, time.Hour)
	if err != nil {
		t.Fatalf("NewTestToken: %v", err)
	}

	verifier := NewJWTVerifier("secret-b")
	if _, err := verifier.Verify(context.Background(), token); err == nil {
		t.Fatal("expected verification to fail with a different secret")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	v := NewJWTVerifier("test-secret")
	token, err := v.NewTestToken("user-1", registry.RoleUser, -time.Hour)
	if err != nil {
		t.Fatalf("NewTestToken: %v", err)
	}

	if _, err := v.Verify(context.Background(), token); err == nil {
		t.Fatal("expected verification to fail for an expired token")
	}
}

func TestVerifyRejectsGarbageToken(t *testing.T) {
	v := NewJWTVerifier("test-secret")
	if _, err := v.Verify(context.Background(), "not-a-jwt"); err == nil {
		t.Fatal("expected verification to fail for a malformed token")
	}
}

func TestVerifyRespectsCanceledContext(t *testing.T) {
	v := NewJWTVerifier("test-secret")
	token, err := v.NewTestToken("user-1", registry.RoleUser, time.Hour)
	if err != nil {
		t.Fatalf("NewTestToken: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := v.Verify(ctx, token); err == nil {
		t.Fatal("expected verification to fail against an already-canceled context")
	}
}
