// Package seed provisions a development user and a ready-to-use device
// session token, gated by FEATURE_DEV_SEED so it never runs against a
// production database. Grounded on internal/seed/demo.go (idempotent
// upsert, then log the credential the operator needs), cut down to this
// domain's much smaller bootstrap need: one user, one token.
package seed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kestrix/agentcore/internal/session"
)

// DevEmail is the email address of the seeded development user.
const DevEmail = "dev@agentcore.local"

// Run ensures the dev user exists and mints a fresh device session for it,
// logging the raw bearer token so a local client can use it immediately.
func Run(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	var userID uuid.UUID
	err := pool.QueryRow(ctx, `
		INSERT INTO users (email) VALUES ($1)
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING id
	`, DevEmail).Scan(&userID)
	if err != nil {
		return fmt.Errorf("seed: upserting dev user: %w", err)
	}

	// A long-lived window regardless of the configured production
	// slide/hard-cap, since this token is for local iteration.
	sessions := session.New(pool, 24*time.Hour, 30*24*time.Hour)

	rawToken, sessionID, err := sessions.Create(ctx, userID, "dev")
	if err != nil {
		return fmt.Errorf("seed: creating dev session: %w", err)
	}

	logger.Info("seed: dev user and session ready",
		"email", DevEmail,
		"session_id", sessionID,
		"session_token", rawToken,
	)
	return nil
}
