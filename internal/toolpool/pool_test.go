package toolpool

import (
	"testing"
	"time"
)

func TestVersionTag_StableForSameInputs(t *testing.T) {
	expiry := time.Now().Unix()
	a := versionTag(1, "abcdef1234567890", expiry)
	b := versionTag(1, "abcdef1234567890", expiry)
	if a != b {
		t.Fatalf("versionTag not stable: %q vs %q", a, b)
	}
}

func TestVersionTag_ChangesOnRotationOrRefresh(t *testing.T) {
	expiry := time.Now().Unix()
	base := versionTag(1, "abcdef1234567890", expiry)

	if got := versionTag(2, "abcdef1234567890", expiry); got == base {
		t.Fatal("versionTag did not change when key generation changed")
	}
	if got := versionTag(1, "zzzzzz1234567890", expiry); got == base {
		t.Fatal("versionTag did not change when token suffix changed")
	}
	if got := versionTag(1, "abcdef1234567890", expiry+3600); got == base {
		t.Fatal("versionTag did not change when expiry changed")
	}
}

func TestVersionTag_ShortTokenDoesNotPanic(t *testing.T) {
	if got := versionTag(1, "ab", 123); got == "" {
		t.Fatal("expected a non-empty tag for a short token")
	}
}
