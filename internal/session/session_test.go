package session

import (
	"strings"
	"testing"
)

func TestGenerateToken_FormatAndHash(t *testing.T) {
	raw, hash, err := generateToken()
	if err != nil {
		t.Fatalf("generateToken: %v", err)
	}
	if !strings.HasPrefix(raw, tokenPrefix) {
		t.Fatalf("expected prefix %q, got %q", tokenPrefix, raw)
	}
	// 32 raw bytes -> 64 hex chars, plus the prefix.
	if len(raw) != len(tokenPrefix)+64 {
		t.Fatalf("expected token length %d, got %d", len(tokenPrefix)+64, len(raw))
	}
	if hash != hashToken(raw) {
		t.Fatal("hash does not match hashToken(raw)")
	}
	if hash == raw {
		t.Fatal("hash must not equal the raw token")
	}
}

func TestGenerateToken_Unique(t *testing.T) {
	raw1, _, err := generateToken()
	if err != nil {
		t.Fatalf("generateToken: %v", err)
	}
	raw2, _, err := generateToken()
	if err != nil {
		t.Fatalf("generateToken: %v", err)
	}
	if raw1 == raw2 {
		t.Fatal("expected distinct tokens across calls")
	}
}

func TestHashToken_Deterministic(t *testing.T) {
	h1 := hashToken("dsess_abc123")
	h2 := hashToken("dsess_abc123")
	if h1 != h2 {
		t.Fatalf("expected deterministic hash, got %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("expected 64-char hex sha256, got %d", len(h1))
	}
}
