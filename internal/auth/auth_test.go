package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTokensRoundTrip(t *testing.T) {
	tokens, err := NewTokens("test-secret", WithIssuer("test-issuer"))
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	in := Principal{
		ID:    "user-42",
		Email: "u@example.com",
		Memberships: []Membership{
			{TenantID: "school-a", Role: "Admin"},
			{TenantID: "school-b", Role: RoleStudent},
			{TenantID: "school-a", Role: RoleStudent},
		},
	}
	token, expires, err := tokens.GenerateToken(in, 30*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if time.Until(expires) <= 0 {
		t.Fatalf("expected future expiration, got %v", expires)
	}

	p, err := tokens.ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if p.ID != "user-42" || p.Email != "u@example.com" {
		t.Fatalf("unexpected principal: %+v", p)
	}
	if len(p.Memberships) != 2 {
		t.Fatalf("expected deduplicated memberships, got %v", p.Memberships)
	}
	if !p.CanAdminister("school-a") || p.CanAdminister("school-b") {
		t.Fatalf("unexpected admin rights: %+v", p.Memberships)
	}
	if p.IsMember("school-c") {
		t.Fatalf("unexpected membership in school-c")
	}
}

func TestParseRejectsForeignAndExpiredTokens(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	issuerA, _ := NewTokens("secret-a", WithClock(clock))
	issuerB, _ := NewTokens("secret-b", WithClock(clock))

	token, _, err := issuerA.GenerateToken(Principal{ID: "p1"}, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if _, err := issuerB.ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for foreign secret, got %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := issuerA.ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
	if _, err := issuerA.ParseAndValidate(""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for empty token, got %v", err)
	}
}

func TestGenerateTokenValidation(t *testing.T) {
	if _, err := NewTokens("  "); err == nil {
		t.Fatalf("expected error for empty secret")
	}
	tokens, _ := NewTokens("s")
	if _, _, err := tokens.GenerateToken(Principal{ID: " "}, time.Minute); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	bad := Principal{ID: "p", Memberships: []Membership{{TenantID: "t", Role: "root"}}}
	if _, _, err := tokens.GenerateToken(bad, time.Minute); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown role, got %v", err)
	}
}

func TestRequireAdmin(t *testing.T) {
	p := Principal{ID: "p", Memberships: []Membership{{TenantID: "t1", Role: RoleInstructor}, {TenantID: "t2", Role: RoleOwner}}}
	if err := RequireAdmin(p, "t1"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := RequireAdmin(p, "t2"); err != nil {
		t.Fatalf("owner should administer: %v", err)
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := ContextWithPrincipal(context.Background(), Principal{ID: "user-7"})
	id, ok := PrincipalIDFromContext(ctx)
	if !ok || id != "user-7" {
		t.Fatalf("unexpected principal id: %s, ok=%v", id, ok)
	}
	if _, ok := PrincipalFromContext(context.Background()); ok {
		t.Fatalf("expected no principal in empty context")
	}
	anon := ContextWithPrincipal(context.Background(), Principal{})
	if _, ok := PrincipalIDFromContext(anon); ok {
		t.Fatalf("principal without id must not count as authenticated")
	}
}
