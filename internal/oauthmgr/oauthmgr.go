// Package oauthmgr implements C3, the OAuth manager: authorization-code
// flow against one or more providers, encrypted token storage via
// internal/vault, and proactive refresh with backoff and error
// classification.
//
// State generation and the code-exchange flow are grounded on
// internal/auth/oidc_flow.go (oauth2.Config, random state, Exchange);
// refresh-failure alerting is grounded on pkg/escalation/engine.go's
// Redis Publish pattern.
package oauthmgr

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"

	"github.com/kestrix/agentcore/internal/vault"
)

// ErrStateConsumed is returned by Complete when state is unknown, expired,
// or already used.
var ErrStateConsumed = errors.New("oauthmgr: state is invalid, expired, or already used")

// ErrNoConnection is returned when a user has no usable connection for a
// provider.
var ErrNoConnection = errors.New("oauthmgr: no usable connection")

// alertChannel is the Redis pub/sub channel refresh-failure alerts are
// published to, mirroring pkg/escalation/engine.go's channel-naming scheme.
const alertChannel = "agentcore:oauth:alert"

// Provider describes a single authorization-code OAuth provider.
type Provider struct {
	Name   string
	OAuth2 *oauth2.Config

	// Identify optionally calls the provider's self-identification
	// endpoint after token exchange, returning workspace/bot metadata.
	// nil disables the check.
	Identify func(ctx context.Context, accessToken string) (workspaceID, workspaceName, botID string, err error)
}

// Connection mirrors a decrypted-on-demand ProviderConnection row.
type Connection struct {
	ID                   uuid.UUID
	UserID               uuid.UUID
	Provider             string
	WorkspaceID          string
	WorkspaceName        string
	BotID                string
	Scopes               []string
	AccessTokenExpiresAt time.Time
	KeyGeneration        int
	SupportsRefresh      bool
	NeedsReauth          bool
}

// Manager implements the OAuth manager contract.
type Manager struct {
	pool      *pgxpool.Pool
	rdb       *redis.Client
	vault     *vault.Vault
	log       *slog.Logger
	providers map[string]*Provider

	refreshWindow   time.Duration
	maxRetries      int
	maxFailureCount int

	// inFlight is shared with the refresh scheduler (C4) so on-demand
	// EnsureFresh calls and scheduled sweeps never race on the same
	// connection.
	inFlight *sync.Map // connection id (uuid) -> *sync.Mutex

	connMu sync.Map // per-connection mutex, keyed by connection id
}

// Options configures a Manager.
type Options struct {
	RefreshWindow   time.Duration
	MaxRetries      int
	MaxFailureCount int
	InFlight        *sync.Map // shared with refresh scheduler; a fresh one is created if nil
}

// New constructs a Manager.
func New(pool *pgxpool.Pool, rdb *redis.Client, v *vault.Vault, logger *slog.Logger, providers []*Provider, opts Options) *Manager {
	m := &Manager{
		pool:            pool,
		rdb:             rdb,
		vault:           v,
		log:             logger,
		providers:       make(map[string]*Provider, len(providers)),
		refreshWindow:   opts.RefreshWindow,
		maxRetries:      opts.MaxRetries,
		maxFailureCount: opts.MaxFailureCount,
		inFlight:        opts.InFlight,
	}
	if m.refreshWindow <= 0 {
		m.refreshWindow = 5 * time.Minute
	}
	if m.maxRetries <= 0 {
		m.maxRetries = 5
	}
	if m.maxFailureCount <= 0 {
		m.maxFailureCount = 3
	}
	if m.inFlight == nil {
		m.inFlight = &sync.Map{}
	}
	for _, p := range providers {
		m.providers[p.Name] = p
	}
	return m
}

// InFlight exposes the shared in-flight set so the refresh scheduler (C4)
// can be constructed with it.
func (m *Manager) InFlight() *sync.Map { return m.inFlight }

// Begin starts an authorization-code flow: it mints a one-shot CSRF state,
// persists it with a ~10 minute TTL, and returns the provider's
// authorization URL.
func (m *Manager) Begin(ctx context.Context, providerName string, userID *uuid.UUID, flowSession, returnTo string) (state, authURL string, err error) {
	p, ok := m.providers[providerName]
	if !ok {
		return "", "", fmt.Errorf("oauthmgr: unknown provider %q", providerName)
	}

	state, err = randomState()
	if err != nil {
		return "", "", fmt.Errorf("oauthmgr: generating state: %w", err)
	}

	_, err = m.pool.Exec(ctx, `
		INSERT INTO oauth_states (state, provider, user_id, flow_session, return_to, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, now(), now() + interval '10 minutes')
	`, state, providerName, userID, flowSession, returnTo)
	if err != nil {
		return "", "", fmt.Errorf("oauthmgr: persisting state: %w", err)
	}

	return state, p.OAuth2.AuthCodeURL(state), nil
}

// Complete validates and atomically consumes state, exchanges code for
// tokens using HTTP Basic client authentication, and upserts the resulting
// ProviderConnection.
func (m *Manager) Complete(ctx context.Context, providerName, code, state, flowSession string) (Connection, error) {
	p, ok := m.providers[providerName]
	if !ok {
		return Connection{}, fmt.Errorf("oauthmgr: unknown provider %q", providerName)
	}

	var userID *uuid.UUID
	err := m.pool.QueryRow(ctx, `
		UPDATE oauth_states SET used_at = now()
		WHERE state = $1 AND provider = $2 AND flow_session = $3
		  AND used_at IS NULL AND expires_at > now()
		RETURNING user_id
	`, state, providerName, flowSession).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Connection{}, ErrStateConsumed
	}
	if err != nil {
		return Connection{}, fmt.Errorf("oauthmgr: consuming state: %w", err)
	}

	// HTTP Basic client authentication is configured once on p.OAuth2.Endpoint.AuthStyle
	// (oauth2.AuthStyleInHeader) at provider-construction time.
	tok, err := p.OAuth2.Exchange(ctx, code)
	if err != nil {
		return Connection{}, fmt.Errorf("oauthmgr: exchanging code: %w", err)
	}

	var workspaceID, workspaceName, botID string
	if p.Identify != nil {
		workspaceID, workspaceName, botID, err = p.Identify(ctx, tok.AccessToken)
		if err != nil {
			m.log.Warn("oauthmgr: self-identification check failed", "provider", providerName, "error", err)
		}
	}

	encAccess, err := m.vault.Encrypt(tok.AccessToken)
	if err != nil {
		return Connection{}, fmt.Errorf("oauthmgr: encrypting access token: %w", err)
	}
	var encRefresh *string
	if tok.RefreshToken != "" {
		e, err := m.vault.Encrypt(tok.RefreshToken)
		if err != nil {
			return Connection{}, fmt.Errorf("oauthmgr: encrypting refresh token: %w", err)
		}
		encRefresh = &e
	}

	scopesJSON, _ := json.Marshal(scopesFromToken(tok))

	id := uuid.New()
	err = m.pool.QueryRow(ctx, `
		INSERT INTO provider_connections
			(id, user_id, provider, workspace_id, workspace_name, bot_id, scopes,
			 access_token_enc, refresh_token_enc, access_token_expires_at,
			 supports_refresh, needs_reauth, consecutive_failure_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, false, 0, now())
		ON CONFLICT (user_id, bot_id) WHERE revoked_at IS NULL DO UPDATE SET
			workspace_id = EXCLUDED.workspace_id,
			workspace_name = EXCLUDED.workspace_name,
			scopes = EXCLUDED.scopes,
			access_token_enc = EXCLUDED.access_token_enc,
			refresh_token_enc = EXCLUDED.refresh_token_enc,
			access_token_expires_at = EXCLUDED.access_token_expires_at,
			supports_refresh = EXCLUDED.supports_refresh,
			needs_reauth = false,
			consecutive_failure_count = 0
		RETURNING id
	`, id, userID, providerName, workspaceID, workspaceName, botID, scopesJSON,
		encAccess, encRefresh, tok.Expiry, encRefresh != nil).Scan(&id)
	if err != nil {
		return Connection{}, fmt.Errorf("oauthmgr: upserting connection: %w", err)
	}

	return Connection{
		ID:                   id,
		Provider:             providerName,
		WorkspaceID:          workspaceID,
		WorkspaceName:        workspaceName,
		BotID:                botID,
		AccessTokenExpiresAt: tok.Expiry,
		SupportsRefresh:      encRefresh != nil,
	}, nil
}

// refreshOutcome classifies a refresh attempt's result.
type refreshOutcome int

const (
	outcomeSuccess refreshOutcome = iota
	outcomeTransient
	outcomeTerminal
)

// classifyRefreshError buckets a provider error as transient (network,
// 5xx, 429 — retry) or terminal (invalid_grant, 401 — stop, needs_reauth).
func classifyRefreshError(err error) refreshOutcome {
	if err == nil {
		return outcomeSuccess
	}
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		switch {
		case rErr.Response != nil && rErr.Response.StatusCode == 401:
			return outcomeTerminal
		case rErr.Response != nil && rErr.Response.StatusCode == 429:
			return outcomeTransient
		case rErr.Response != nil && rErr.Response.StatusCode >= 500:
			return outcomeTransient
		case rErr.ErrorCode == "invalid_grant":
			return outcomeTerminal
		}
	}
	return outcomeTransient
}

// connMutex returns (creating if necessary) the per-connection mutex used
// to serialize concurrent EnsureFresh callers for the same connection.
func (m *Manager) connMutex(id uuid.UUID) *sync.Mutex {
	v, _ := m.connMu.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// EnsureFresh refreshes every active, refresh-capable connection of userID
// whose access token expires within the refresh window, applying backoff
// with jitter on transient failures.
func (m *Manager) EnsureFresh(ctx context.Context, userID uuid.UUID) ([]Connection, error) {
	rows, err := m.pool.Query(ctx, `
		SELECT id, provider, access_token_expires_at, supports_refresh, needs_reauth
		FROM provider_connections
		WHERE user_id = $1 AND revoked_at IS NULL
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("oauthmgr: listing connections: %w", err)
	}
	type row struct {
		id          uuid.UUID
		provider    string
		expiresAt   time.Time
		supports    bool
		needsReauth bool
	}
	var conns []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.provider, &r.expiresAt, &r.supports, &r.needsReauth); err != nil {
			rows.Close()
			return nil, fmt.Errorf("oauthmgr: scanning connection: %w", err)
		}
		conns = append(conns, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []Connection
	for _, c := range conns {
		if c.needsReauth || !c.supports {
			continue
		}
		if time.Until(c.expiresAt) > m.refreshWindow {
			out = append(out, Connection{ID: c.id, Provider: c.provider, AccessTokenExpiresAt: c.expiresAt})
			continue
		}
		conn, err := m.refreshOne(ctx, c.id, c.provider)
		if err != nil {
			m.log.Warn("oauthmgr: refresh failed", "connection", c.id, "provider", c.provider, "error", err)
			continue
		}
		out = append(out, conn)
	}
	return out, nil
}

// NeedsReauthCounts returns, per provider, the number of non-revoked
// connections currently flagged needs_reauth. Used by the /healthz/oauth
// monitoring endpoint.
func (m *Manager) NeedsReauthCounts(ctx context.Context) (map[string]int, error) {
	rows, err := m.pool.Query(ctx, `
		SELECT provider, count(*)
		FROM provider_connections
		WHERE revoked_at IS NULL AND needs_reauth
		GROUP BY provider
	`)
	if err != nil {
		return nil, fmt.Errorf("oauthmgr: counting needs_reauth connections: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var provider string
		var count int
		if err := rows.Scan(&provider, &count); err != nil {
			return nil, fmt.Errorf("oauthmgr: scanning needs_reauth count: %w", err)
		}
		out[provider] = count
	}
	return out, rows.Err()
}

// ActiveConnection ensures userID's connection to providerName is fresh
// (refreshing it if within the window) and returns it along with its
// decrypted access token, for the tool-client pool (C5) to use. Returns
// ErrNoConnection if there is no usable (non-revoked, not needing reauth)
// connection.
func (m *Manager) ActiveConnection(ctx context.Context, userID uuid.UUID, providerName string) (Connection, string, error) {
	if _, err := m.EnsureFresh(ctx, userID); err != nil {
		return Connection{}, "", fmt.Errorf("oauthmgr: ensuring fresh connections: %w", err)
	}

	var conn Connection
	var encAccess string
	err := m.pool.QueryRow(ctx, `
		SELECT id, access_token_enc, access_token_expires_at, key_generation, needs_reauth
		FROM provider_connections
		WHERE user_id = $1 AND provider = $2 AND revoked_at IS NULL
	`, userID, providerName).Scan(&conn.ID, &encAccess, &conn.AccessTokenExpiresAt, &conn.KeyGeneration, &conn.NeedsReauth)
	if errors.Is(err, pgx.ErrNoRows) {
		return Connection{}, "", ErrNoConnection
	}
	if err != nil {
		return Connection{}, "", fmt.Errorf("oauthmgr: reading connection: %w", err)
	}
	if conn.NeedsReauth {
		return Connection{}, "", ErrNoConnection
	}

	accessToken, err := m.vault.Decrypt(encAccess)
	if err != nil {
		return Connection{}, "", fmt.Errorf("oauthmgr: decrypting access token: %w", err)
	}
	conn.UserID = userID
	conn.Provider = providerName
	return conn, accessToken, nil
}

// refreshOne refreshes a single connection under its per-connection mutex
// and the shared in-flight set, with exponential backoff and jitter.
func (m *Manager) refreshOne(ctx context.Context, connID uuid.UUID, providerName string) (Connection, error) {
	mu := m.connMutex(connID)
	mu.Lock()
	defer mu.Unlock()

	m.inFlight.Store(connID, struct{}{})
	defer m.inFlight.Delete(connID)

	p, ok := m.providers[providerName]
	if !ok {
		return Connection{}, fmt.Errorf("oauthmgr: unknown provider %q", providerName)
	}

	var encRefresh string
	var keyGen int
	var failureCount int
	err := m.pool.QueryRow(ctx, `
		SELECT refresh_token_enc, key_generation, consecutive_failure_count
		FROM provider_connections WHERE id = $1
	`, connID).Scan(&encRefresh, &keyGen, &failureCount)
	if err != nil {
		return Connection{}, fmt.Errorf("oauthmgr: reading connection: %w", err)
	}

	refreshToken, err := m.vault.Decrypt(encRefresh)
	if err != nil {
		return Connection{}, fmt.Errorf("oauthmgr: decrypting refresh token: %w", err)
	}

	op := func() (*oauth2.Token, error) {
		src := p.OAuth2.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
		return src.Token()
	}

	tok, err := backoff.Retry(ctx, op,
		backoff.WithMaxTries(uint(m.maxRetries)),
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
	)

	outcome := classifyRefreshError(err)
	switch outcome {
	case outcomeSuccess:
		encAccess, encErr := m.vault.Encrypt(tok.AccessToken)
		if encErr != nil {
			return Connection{}, fmt.Errorf("oauthmgr: encrypting refreshed token: %w", encErr)
		}
		newRefresh := encRefresh
		if tok.RefreshToken != "" {
			newRefresh, encErr = m.vault.Encrypt(tok.RefreshToken)
			if encErr != nil {
				return Connection{}, fmt.Errorf("oauthmgr: encrypting refreshed refresh token: %w", encErr)
			}
		}
		_, err = m.pool.Exec(ctx, `
			UPDATE provider_connections SET
				access_token_enc = $2,
				refresh_token_enc = $3,
				access_token_expires_at = $4,
				consecutive_failure_count = 0,
				needs_reauth = false,
				last_refresh_attempt = now()
			WHERE id = $1
		`, connID, encAccess, newRefresh, tok.Expiry)
		if err != nil {
			return Connection{}, fmt.Errorf("oauthmgr: persisting refresh: %w", err)
		}
		return Connection{ID: connID, Provider: providerName, AccessTokenExpiresAt: tok.Expiry}, nil

	default:
		failureCount++
		needsReauth := outcome == outcomeTerminal || failureCount >= m.maxFailureCount
		_, uerr := m.pool.Exec(ctx, `
			UPDATE provider_connections SET
				consecutive_failure_count = $2,
				needs_reauth = $3,
				last_refresh_attempt = now()
			WHERE id = $1
		`, connID, failureCount, needsReauth)
		if uerr != nil {
			m.log.Error("oauthmgr: persisting refresh failure", "error", uerr)
		}
		if needsReauth {
			m.publishAlert(ctx, connID, providerName, "needs_reauth")
		} else {
			m.publishAlert(ctx, connID, providerName, "transient_failure")
		}
		return Connection{}, fmt.Errorf("oauthmgr: refresh failed: %w", err)
	}
}

func (m *Manager) publishAlert(ctx context.Context, connID uuid.UUID, providerName, kind string) {
	if m.rdb == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"connection_id": connID,
		"provider":      providerName,
		"kind":          kind,
		"at":            time.Now().UTC(),
	})
	if err := m.rdb.Publish(ctx, alertChannel, payload).Err(); err != nil {
		m.log.Warn("oauthmgr: publishing alert failed", "error", err)
	}
}

func randomState() (string, error) {
	b := make([]byte, 48) // generous margin over the minimum safe CSRF state size
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func scopesFromToken(tok *oauth2.Token) []string {
	extra := tok.Extra("scope")
	if s, ok := extra.(string); ok && s != "" {
		return []string{s}
	}
	return nil
}
