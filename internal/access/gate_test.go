package access

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"inkwell/api/internal/auth"
	"inkwell/api/internal/store"
)

type fakeFacts struct {
	owner  string
	shared []string
	err    error
}

func (f *fakeFacts) LoadAccessFacts(_ context.Context, _ string) (store.AccessFacts, error) {
	if f.err != nil {
		return store.AccessFacts{}, f.err
	}
	return store.AccessFacts{OwnerID: f.owner, ShareList: f.shared}, nil
}

func TestOwnerGetsFullAccess(t *testing.T) {
	gate := NewGate(&fakeFacts{owner: "user-a"}, "secret", time.Minute)

	grant, err := gate.Authorize(context.Background(), "user-a", "doc-1")
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if !grant.Granted || grant.Privilege != PrivilegeFull || grant.Token == "" {
		t.Fatalf("unexpected grant: %+v", grant)
	}

	claims, err := gate.Verify(grant.Token, "doc-1")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if claims.Sub != "user-a" || claims.Doc != "doc-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestAccessMonotonicity(t *testing.T) {
	// No grant, not the owner: denied. After the grant appears: full.
	// After it is removed: denied again.
	facts := &fakeFacts{owner: "user-a"}
	gate := NewGate(facts, "secret", time.Minute)
	ctx := context.Background()

	if _, err := gate.Authorize(ctx, "user-b", "doc-1"); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}

	facts.shared = []string{"user-b"}
	grant, err := gate.Authorize(ctx, "user-b", "doc-1")
	if err != nil {
		t.Fatalf("Authorize after share failed: %v", err)
	}
	if !grant.Granted || grant.Privilege != PrivilegeFull {
		t.Fatalf("expected full privilege, got %+v", grant)
	}

	facts.shared = nil
	if _, err := gate.Authorize(ctx, "user-b", "doc-1"); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied after unshare, got %v", err)
	}
}

func TestUnknownDocumentLooksLikeDenial(t *testing.T) {
	gate := NewGate(&fakeFacts{err: sql.ErrNoRows}, "secret", time.Minute)

	grant, err := gate.Authorize(context.Background(), "user-a", "doc-missing")
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
	if grant.Granted || grant.Reason != "not found" {
		t.Fatalf("unexpected grant: %+v", grant)
	}
}

func TestTokenScopedToOneDocument(t *testing.T) {
	gate := NewGate(&fakeFacts{owner: "user-a"}, "secret", time.Minute)

	grant, err := gate.Authorize(context.Background(), "user-a", "doc-1")
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if _, err := gate.Verify(grant.Token, "doc-2"); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong document, got %v", err)
	}
}

func TestTokenSingleUse(t *testing.T) {
	gate := NewGate(&fakeFacts{owner: "user-a"}, "secret", time.Minute)

	grant, err := gate.Authorize(context.Background(), "user-a", "doc-1")
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if _, err := gate.Verify(grant.Token, "doc-1"); err != nil {
		t.Fatalf("first Verify failed: %v", err)
	}
	if _, err := gate.Verify(grant.Token, "doc-1"); !errors.Is(err, ErrTokenUsed) {
		t.Fatalf("expected ErrTokenUsed, got %v", err)
	}
}

func TestTokenExpires(t *testing.T) {
	gate := NewGate(&fakeFacts{owner: "user-a"}, "secret", -time.Second)

	grant, err := gate.Authorize(context.Background(), "user-a", "doc-1")
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if _, err := gate.Verify(grant.Token, "doc-1"); !errors.Is(err, auth.ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestTokenRejectsTamperedSecret(t *testing.T) {
	minting := NewGate(&fakeFacts{owner: "user-a"}, "secret-one", time.Minute)
	verifying := NewGate(&fakeFacts{owner: "user-a"}, "secret-two", time.Minute)

	grant, err := minting.Authorize(context.Background(), "user-a", "doc-1")
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if _, err := verifying.Verify(grant.Token, "doc-1"); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken across secrets, got %v", err)
	}
}
