package vault

import "testing"

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	v, err := New("primary-secret-key-material")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ct, err := v.Encrypt("access-token-abc123")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if ct == "" {
		t.Fatal("expected non-empty ciphertext")
	}

	pt, err := v.Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if pt != "access-token-abc123" {
		t.Fatalf("got %q, want %q", pt, "access-token-abc123")
	}
}

func TestEncrypt_DifferentNoncesEachCall(t *testing.T) {
	v, err := New("primary-secret-key-material")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ct1, _ := v.Encrypt("same-plaintext")
	ct2, _ := v.Encrypt("same-plaintext")
	if ct1 == ct2 {
		t.Fatal("expected different ciphertexts for repeated encryption of same plaintext")
	}
}

func TestDecrypt_OldGenerationStillWorksAfterRotation(t *testing.T) {
	vOld, err := New("key-generation-one")
	if err != nil {
		t.Fatalf("New old: %v", err)
	}
	ct, err := vOld.Encrypt("refresh-token-xyz")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	vNew, err := New("key-generation-two", "key-generation-one")
	if err != nil {
		t.Fatalf("New new: %v", err)
	}

	pt, err := vNew.Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt with retired key: %v", err)
	}
	if pt != "refresh-token-xyz" {
		t.Fatalf("got %q, want %q", pt, "refresh-token-xyz")
	}
}

func TestRotate_ReencryptsUnderPrimaryKey(t *testing.T) {
	vOld, err := New("key-generation-one")
	if err != nil {
		t.Fatalf("New old: %v", err)
	}
	ct, err := vOld.Encrypt("secret-value")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	vNew, err := New("key-generation-two", "key-generation-one")
	if err != nil {
		t.Fatalf("New new: %v", err)
	}

	rotated, err := vNew.Rotate(ct)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if rotated == ct {
		t.Fatal("expected rotated ciphertext to differ from original")
	}

	// After rotation, a vault with ONLY the new key should still decrypt it.
	vNewOnly, err := New("key-generation-two")
	if err != nil {
		t.Fatalf("New new-only: %v", err)
	}
	pt, err := vNewOnly.Decrypt(rotated)
	if err != nil {
		t.Fatalf("Decrypt rotated with new-only vault: %v", err)
	}
	if pt != "secret-value" {
		t.Fatalf("got %q, want %q", pt, "secret-value")
	}
}

func TestDecrypt_UnknownKeyFails(t *testing.T) {
	v1, err := New("key-one")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ct, err := v1.Encrypt("some-token")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	v2, err := New("key-two")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := v2.Decrypt(ct); err == nil {
		t.Fatal("expected decryption to fail with an unrelated key")
	}
}

func TestNew_RequiresPrimaryKey(t *testing.T) {
	if _, err := New(""); err != ErrBadKey {
		t.Fatalf("got %v, want ErrBadKey", err)
	}
}

func TestKeyCount(t *testing.T) {
	v, err := New("primary", "retired-1", "retired-2")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := v.KeyCount(); got != 3 {
		t.Fatalf("got %d, want 3", got)
	}
}

func TestRedact(t *testing.T) {
	tests := []struct {
		name  string
		token string
		want  string
	}{
		{"long token", "sk-ant-REDACTED", "sk-ant-a...-key"},
		{"short token", "short", "***REDACTED***"},
		{"empty token", "", "***REDACTED***"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Redact(tt.token); got != tt.want {
				t.Fatalf("Redact(%q) = %q, want %q", tt.token, got, tt.want)
			}
		})
	}
}

func TestDecrypt_RejectsMalformedInput(t *testing.T) {
	v, err := New("primary-secret-key-material")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := v.Decrypt("not-valid-base64!!!"); err == nil {
		t.Fatal("expected error for malformed ciphertext")
	}
	if _, err := v.Decrypt(""); err == nil {
		t.Fatal("expected error for empty ciphertext")
	}
}
