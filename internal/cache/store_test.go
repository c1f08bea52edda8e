package cache

import (
	"encoding/json"
	"testing"
	"time"
)

func TestContentHash_StableAndDistinguishing(t *testing.T) {
	a := contentHash(json.RawMessage(`{"x":1}`))
	b := contentHash(json.RawMessage(`{"x":1}`))
	if a != b {
		t.Fatalf("expected stable hash, got %s vs %s", a, b)
	}
	c := contentHash(json.RawMessage(`{"x":2}`))
	if a == c {
		t.Fatal("expected different hash for different content")
	}
}

func TestAdvisoryLockID_StableAndDistinguishing(t *testing.T) {
	a := advisoryLockID("mcp:notion:get_page:v1:user:42:abc")
	b := advisoryLockID("mcp:notion:get_page:v1:user:42:abc")
	if a != b {
		t.Fatalf("expected stable lock id, got %d vs %d", a, b)
	}
	c := advisoryLockID("mcp:notion:get_page:v1:user:43:abc")
	if a == c {
		t.Fatal("expected different lock ids for different keys")
	}
}

func TestMirroredEntry_RoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	m := mirroredEntry{
		Value:       json.RawMessage(`{"a":1}`),
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
		ContentHash: "deadbeef",
		Tags:        []string{"notion:page:123"},
	}
	blob, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded mirroredEntry
	if err := json.Unmarshal(blob, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	entry := decoded.toEntry("some-key")
	if entry.Key != "some-key" {
		t.Fatalf("got key %q", entry.Key)
	}
	if string(entry.Value) != string(m.Value) {
		t.Fatalf("got value %s, want %s", entry.Value, m.Value)
	}
	if entry.SizeBytes != len(m.Value) {
		t.Fatalf("got size %d, want %d", entry.SizeBytes, len(m.Value))
	}
}

func TestDefaultTTL_KnownAndFallback(t *testing.T) {
	if got := DefaultTTL("notion:get_page"); got != 4*time.Hour {
		t.Fatalf("got %v, want 4h", got)
	}
	if got := DefaultTTL("unknown:tool"); got != 1*time.Hour {
		t.Fatalf("got %v, want 1h fallback", got)
	}
}

func TestScope(t *testing.T) {
	if got := Scope("", ""); got != "global" {
		t.Fatalf("got %q, want global", got)
	}
	if got := Scope("u1", "w1"); got != "u1:w1" {
		t.Fatalf("got %q, want u1:w1", got)
	}
}
