package common

import "testing"

func TestCacheKey_WithSchemaFP(t *testing.T) {
	got := CacheKey("mcp", "notion:get_page", "v1", "fp123", "user:42", "abc")
	want := "mcp:notion:get_page:v1:fp123:user:42:abc"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestCacheKey_WithoutSchemaFP(t *testing.T) {
	got := CacheKey("mcp", "notion:get_page", "v1", "", "user:42", "abc")
	want := "mcp:notion:get_page:v1:user:42:abc"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestIdempotencyKey_StableAcrossEquivalentArgs(t *testing.T) {
	k1, err := IdempotencyKey("req-1", "thr-1", "msg-1", "notion:get_page", []byte(`{"b":1,"a":2}`), 0)
	if err != nil {
		t.Fatalf("key 1: %v", err)
	}
	k2, err := IdempotencyKey("req-1", "thr-1", "msg-1", "notion:get_page", []byte(`{"a":2,"b":1}`), 0)
	if err != nil {
		t.Fatalf("key 2: %v", err)
	}
	if k1 != k2 {
		t.Fatalf("expected equal idempotency keys, got %s vs %s", k1, k2)
	}
	if len(k1) != 64 {
		t.Fatalf("expected 64-char hex sha256, got %d", len(k1))
	}
}

func TestIdempotencyKey_DiffersByCallIndex(t *testing.T) {
	k1, _ := IdempotencyKey("req-1", "thr-1", "msg-1", "notion:get_page", []byte(`{}`), 0)
	k2, _ := IdempotencyKey("req-1", "thr-1", "msg-1", "notion:get_page", []byte(`{}`), 1)
	if k1 == k2 {
		t.Fatalf("expected different keys for different call_index")
	}
}

func TestIdempotencyKey_DiffersByToolName(t *testing.T) {
	k1, _ := IdempotencyKey("req-1", "thr-1", "msg-1", "notion:get_page", []byte(`{}`), 0)
	k2, _ := IdempotencyKey("req-1", "thr-1", "msg-1", "github:get_file", []byte(`{}`), 0)
	if k1 == k2 {
		t.Fatalf("expected different keys for different tool_name")
	}
}
