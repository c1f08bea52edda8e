// Package session implements C9, the device session service: opaque
// bearer tokens for end-user devices, hashed at rest, with sliding and
// hard expiry enforced by a single atomic update statement.
//
// Token generation is grounded on pkg/apikey/service.go's generateAPIKey
// (random bytes, SHA-256 hash, short display prefix), generalized from a
// non-expiring admin API key to a sliding+hard-expiry device session.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned by Validate when no session matches.
var ErrNotFound = errors.New("session: not found, expired, or revoked")

// tokenPrefix marks a device session token so it's recognisable in logs
// (only ever through vault.Redact) and distinguishable from other token
// kinds in transit.
const tokenPrefix = "dsess_"

// Context is the resolved identity for a validated device session.
type Context struct {
	SessionID uuid.UUID
	UserID    uuid.UUID
	Workspace string
	ExpiresAt time.Time
}

// Service implements the device session contract.
type Service struct {
	pool    *pgxpool.Pool
	slide   time.Duration
	hardCap time.Duration
}

// New constructs a Service. slide is how far each validation extends
// expires_at; hardCap is the absolute lifetime from creation.
func New(pool *pgxpool.Pool, slide, hardCap time.Duration) *Service {
	return &Service{pool: pool, slide: slide, hardCap: hardCap}
}

// Create issues a new device session for user (optionally scoped to a
// workspace) and returns the raw bearer token. The raw token is never
// stored; only its SHA-256 hash persists.
func (s *Service) Create(ctx context.Context, userID uuid.UUID, workspace string) (rawToken string, sessionID uuid.UUID, err error) {
	raw, hash, err := generateToken()
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("session: generating token: %w", err)
	}

	now := time.Now()
	id := uuid.New()
	expiresAt := now.Add(s.slide)
	hardExpiresAt := now.Add(s.hardCap)

	_, err = s.pool.Exec(ctx, `
		INSERT INTO device_sessions
			(id, user_id, workspace, token_hash, created_at, last_accessed,
			 expires_at, hard_expires_at, input_tokens, output_tokens, request_count)
		VALUES ($1, $2, $3, $4, $5, $5, $6, $7, 0, 0, 0)
	`, id, userID, workspace, hash, now, expiresAt, hardExpiresAt)
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("session: inserting device session: %w", err)
	}

	return raw, id, nil
}

// Validate looks up rawToken by its hash and, if it is neither revoked nor
// past either expiry, atomically extends its sliding expiry and increments
// its request count in a single UPDATE — there is no read-then-write race,
// on every validated use.
func (s *Service) Validate(ctx context.Context, rawToken string) (Context, error) {
	hash := hashToken(rawToken)
	now := time.Now()

	var c Context
	err := s.pool.QueryRow(ctx, `
		UPDATE device_sessions SET
			last_accessed = $2,
			expires_at = LEAST($2 + $3, hard_expires_at),
			request_count = request_count + 1
		WHERE token_hash = $1
		  AND revoked_at IS NULL
		  AND expires_at > $2
		  AND hard_expires_at > $2
		RETURNING id, user_id, workspace, expires_at
	`, hash, now, s.slide).Scan(&c.SessionID, &c.UserID, &c.Workspace, &c.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Context{}, ErrNotFound
	}
	if err != nil {
		return Context{}, fmt.Errorf("session: validating: %w", err)
	}
	return c, nil
}

// Meter increments cumulative input/output token counters for sessionID in
// a separate unit of work from Validate.
func (s *Service) Meter(ctx context.Context, sessionID uuid.UUID, inputTokens, outputTokens int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE device_sessions SET
			input_tokens = input_tokens + $2,
			output_tokens = output_tokens + $3
		WHERE id = $1
	`, sessionID, inputTokens, outputTokens)
	if err != nil {
		return fmt.Errorf("session: metering: %w", err)
	}
	return nil
}

// Revoke sets revoked_at idempotently (a second call on an already-revoked
// session is a no-op, not an error).
func (s *Service) Revoke(ctx context.Context, sessionID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE device_sessions SET revoked_at = now()
		WHERE id = $1 AND revoked_at IS NULL
	`, sessionID)
	if err != nil {
		return fmt.Errorf("session: revoking: %w", err)
	}
	return nil
}

// CleanupExpired deletes up to batch rows past either expiry.
func (s *Service) CleanupExpired(ctx context.Context, batch int) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM device_sessions WHERE id IN (
			SELECT id FROM device_sessions
			WHERE expires_at < now() OR hard_expires_at < now()
			LIMIT $1
		)
	`, batch)
	if err != nil {
		return 0, fmt.Errorf("session: cleanup: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// generateToken creates a >=256-bit opaque token and its SHA-256 hash.
func generateToken() (raw, hash string, err error) {
	b := make([]byte, 32) // 256 bits
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	raw = tokenPrefix + hex.EncodeToString(b)
	hash = hashToken(raw)
	return raw, hash, nil
}

func hashToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
