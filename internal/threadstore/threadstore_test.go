package threadstore

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
)

func TestHashToken_Deterministic(t *testing.T) {
	a := hashToken("thr_abc123")
	b := hashToken("thr_abc123")
	if a != b {
		t.Fatalf("hashToken not deterministic: %q vs %q", a, b)
	}
	if hashToken("thr_abc123") == hashToken("thr_xyz789") {
		t.Fatal("different tokens hashed to the same value")
	}
	if len(a) != 64 {
		t.Fatalf("expected a 64-char hex digest, got %d chars", len(a))
	}
}

func TestIdempotencyKey_StableAndDistinguishing(t *testing.T) {
	threadID := uuid.New()
	args := json.RawMessage(`{"page_id": "123"}`)

	k1, err := IdempotencyKey("req-1", threadID, "msg-1", "notion:get_page", args, 0)
	if err != nil {
		t.Fatalf("IdempotencyKey: %v", err)
	}
	k2, err := IdempotencyKey("req-1", threadID, "msg-1", "notion:get_page", args, 0)
	if err != nil {
		t.Fatalf("IdempotencyKey: %v", err)
	}
	if k1 != k2 {
		t.Fatalf("idempotency key not stable: %q vs %q", k1, k2)
	}

	k3, err := IdempotencyKey("req-1", threadID, "msg-1", "notion:get_page", args, 1)
	if err != nil {
		t.Fatalf("IdempotencyKey: %v", err)
	}
	if k1 == k3 {
		t.Fatal("expected different call_index to change the idempotency key")
	}

	k4, err := IdempotencyKey("req-2", threadID, "msg-1", "notion:get_page", args, 0)
	if err != nil {
		t.Fatalf("IdempotencyKey: %v", err)
	}
	if k1 == k4 {
		t.Fatal("expected different request_id to change the idempotency key")
	}
}
