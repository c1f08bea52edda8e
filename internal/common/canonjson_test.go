package common

import "testing"

func TestCanonicalJSONFromRaw_KeyOrderIndependent(t *testing.T) {
	a, err := CanonicalJSONFromRaw([]byte(`{"b":1,"a":2}`))
	if err != nil {
		t.Fatalf("canonicalize a: %v", err)
	}
	b, err := CanonicalJSONFromRaw([]byte(`{"a":2,"b":1}`))
	if err != nil {
		t.Fatalf("canonicalize b: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("expected equal canonical forms, got %q vs %q", a, b)
	}
}

func TestCanonicalJSONFromRaw_TrimsStrings(t *testing.T) {
	got, err := CanonicalJSONFromRaw([]byte(`{"name":"  alice  "}`))
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := `{"name":"alice"}`
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestCanonicalJSONFromRaw_RoundsFloats(t *testing.T) {
	got, err := CanonicalJSONFromRaw([]byte(`{"x":1.00000000001}`))
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := `{"x":1}`
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestCanonicalJSONFromRaw_EmptyIsEmptyObject(t *testing.T) {
	got, err := CanonicalJSONFromRaw(nil)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if string(got) != "{}" {
		t.Fatalf("got %q, want {}", got)
	}
}

func TestArgsHash_StableAcrossEquivalentInputs(t *testing.T) {
	h1, err := ArgsHash([]byte(`{"query":"foo","limit":10.0}`))
	if err != nil {
		t.Fatalf("hash 1: %v", err)
	}
	h2, err := ArgsHash([]byte(`{"limit":10.0000000000,"query":"foo"}`))
	if err != nil {
		t.Fatalf("hash 2: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected stable hash, got %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("expected 64-char hex sha256, got %d chars", len(h1))
	}
}

func TestArgsHash_DiffersOnSemanticChange(t *testing.T) {
	h1, _ := ArgsHash([]byte(`{"query":"foo"}`))
	h2, _ := ArgsHash([]byte(`{"query":"bar"}`))
	if h1 == h2 {
		t.Fatalf("expected different hashes for different args")
	}
}

func TestSortedKeys(t *testing.T) {
	m := map[string]int{"b": 1, "a": 2, "c": 3}
	got := SortedKeys(m)
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
