package auth

import (
	"testing"
	"time"
)

func TestGenerateAndValidateOpsToken(t *testing.T) {
	m := NewOpsTokenManager([]byte("test-secret"), time.Hour)

	token, err := m.GenerateOpsToken("ops-dashboard", "status,metrics")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	claims, err := m.ValidateOpsToken(token)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if claims.Client != "ops-dashboard" {
		t.Fatalf("expected client ops-dashboard, got %s", claims.Client)
	}
	if !claims.HasScope("metrics") {
		t.Fatal("expected metrics scope")
	}
	if claims.HasScope("admin") {
		t.Fatal("admin scope should not be granted")
	}
}

func TestValidateRejectsWrongKey(t *testing.T) {
	issuer := NewOpsTokenManager([]byte("key-a"), time.Hour)
	verifier := NewOpsTokenManager([]byte("key-b"), time.Hour)

	token, err := issuer.GenerateOpsToken("client", "status")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	if _, err := verifier.ValidateOpsToken(token); err == nil {
		t.Fatal("token signed with a different key must be rejected")
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	m := NewOpsTokenManager([]byte("test-secret"), -time.Minute)

	token, err := m.GenerateOpsToken("client", "status")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	if _, err := m.ValidateOpsToken(token); err == nil {
		t.Fatal("expired token must be rejected")
	}
}
