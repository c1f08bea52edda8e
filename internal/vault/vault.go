// Package vault implements C1, the crypto vault: envelope encryption for
// OAuth tokens and other secrets at rest, with overlapping key generations
// so a key can be rotated without invalidating data encrypted under the
// previous one.
//
// Ciphertext format (AES-256-GCM, chosen because no example in the corpus
// imports a Fernet-equivalent library, and AES-GCM is the idiom
// internal/auth/oidcadmin.go:encryptAES256GCM already reaches for):
//
//	base64url( generationTag(1 byte) || nonce(12 bytes) || sealed )
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrBadKey is returned by New when no primary key is configured.
var ErrBadKey = errors.New("vault: a primary key is required")

// ErrDecrypt is returned by Decrypt when the ciphertext cannot be opened
// with any known key generation.
var ErrDecrypt = errors.New("vault: could not decrypt with any available key")

// maxGenerations bounds how many retired keys a vault will hold; well above
// any realistic rotation cadence.
const maxGenerations = 255

type generation struct {
	tag byte
	key [32]byte
}

// Vault encrypts and decrypts opaque secrets using AES-256-GCM under a set
// of key generations. Generation 0 is always the primary (newest) key, used
// for all new encryptions; older generations are tried on decrypt so
// previously-encrypted data keeps working across a key rotation.
type Vault struct {
	generations []generation
}

// New builds a Vault. primaryKey is the current secret used to encrypt new
// values; retiredKeys (oldest-last is fine, order doesn't matter for
// decryption) are older secrets kept around so data encrypted under them can
// still be decrypted and rotated forward.
//
// Keys are arbitrary-length secrets (e.g. a base64 string or passphrase from
// the environment); each is stretched to a 32-byte AES key via SHA-256,
// matching internal/auth/oidcadmin.go's encryptAES256GCM derivation.
func New(primaryKey string, retiredKeys ...string) (*Vault, error) {
	if primaryKey == "" {
		return nil, ErrBadKey
	}
	all := append([]string{primaryKey}, retiredKeys...)
	if len(all) > maxGenerations {
		return nil, fmt.Errorf("vault: too many key generations (%d > %d)", len(all), maxGenerations)
	}

	v := &Vault{generations: make([]generation, 0, len(all))}
	for i, k := range all {
		if k == "" {
			continue
		}
		v.generations = append(v.generations, generation{
			tag: byte(i),
			key: sha256.Sum256([]byte(k)),
		})
	}
	if len(v.generations) == 0 {
		return nil, ErrBadKey
	}
	return v, nil
}

// KeyCount reports the number of key generations currently loaded, for
// monitoring/diagnostics (mirrors the Python source's get_key_count).
func (v *Vault) KeyCount() int {
	return len(v.generations)
}

// Encrypt seals plaintext under the primary (generation 0) key.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", errors.New("vault: cannot encrypt empty value")
	}
	gen := v.generations[0]

	gcm, err := newGCM(gen.key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: generating nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	out := make([]byte, 0, 1+len(nonce)+len(sealed))
	out = append(out, gen.tag)
	out = append(out, nonce...)
	out = append(out, sealed...)

	return base64.URLEncoding.EncodeToString(out), nil
}

// Decrypt opens ciphertext produced by Encrypt. It first tries the key
// generation named by the leading tag byte; if that generation is unknown
// (e.g. the key file was edited out of band) it falls back to trying every
// loaded generation before giving up.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", errors.New("vault: cannot decrypt empty value")
	}

	raw, err := base64.URLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("vault: invalid ciphertext encoding: %w", err)
	}
	if len(raw) < 1+12 {
		return "", ErrDecrypt
	}

	tag := raw[0]
	body := raw[1:]

	if gen, ok := v.findGeneration(tag); ok {
		if pt, err := openWith(gen.key, body); err == nil {
			return pt, nil
		}
	}

	for _, gen := range v.generations {
		if gen.tag == tag {
			continue // already tried above
		}
		if pt, err := openWith(gen.key, body); err == nil {
			return pt, nil
		}
	}

	return "", ErrDecrypt
}

// Rotate decrypts ciphertext with whichever generation can open it and
// re-encrypts the plaintext under the current primary key.
func (v *Vault) Rotate(ciphertext string) (string, error) {
	plaintext, err := v.Decrypt(ciphertext)
	if err != nil {
		return "", err
	}
	return v.Encrypt(plaintext)
}

func (v *Vault) findGeneration(tag byte) (generation, bool) {
	for _, gen := range v.generations {
		if gen.tag == tag {
			return gen, true
		}
	}
	return generation{}, false
}

func openWith(key [32]byte, body []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	if len(body) < gcm.NonceSize() {
		return "", ErrDecrypt
	}
	nonce, sealed := body[:gcm.NonceSize()], body[gcm.NonceSize():]
	pt, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(pt), nil
}

func newGCM(key [32]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("vault: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: creating GCM: %w", err)
	}
	return gcm, nil
}

// Redact returns a safe-for-logging form of a secret token: the first 8 and
// last 4 characters, matching the Python source's redact_token_for_logging.
// Anything shorter than 12 characters is fully masked.
func Redact(token string) string {
	if len(token) < 12 {
		return "***REDACTED***"
	}
	return fmt.Sprintf("%s...%s", token[:8], token[len(token)-4:])
}
