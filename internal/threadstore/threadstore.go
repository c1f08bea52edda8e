// Package threadstore implements C8: persisted conversation threads,
// client-idempotent messages, and the tool-call journal keyed by a stable
// idempotency digest.
//
// Postgres access follows the same raw pgxpool-query style used across the
// other data-model components (internal/session, internal/cache); no
// generated query layer exists in this tree.
package threadstore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kestrix/agentcore/internal/common"
)

// Errors surfaced by find_or_create_thread and share-token resolution.
var (
	ErrNotFound          = errors.New("threadstore: thread not found")
	ErrShareTokenGone    = errors.New("threadstore: share token expired")
	ErrWorkspaceMismatch = errors.New("threadstore: workspace mismatch")
)

// Role is a thread message's author role.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// MessageStatus is a thread message's lifecycle state.
type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusStreaming MessageStatus = "streaming"
	MessageStatusComplete  MessageStatus = "complete"
	MessageStatusError     MessageStatus = "error"
)

// CallStatus is a tool-call journal entry's lifecycle state.
type CallStatus string

const (
	CallStatusPending CallStatus = "pending"
	CallStatusSuccess CallStatus = "success"
	CallStatusFailed  CallStatus = "failed"
)

// Thread is a conversation container.
type Thread struct {
	ID             uuid.UUID
	UserID         *uuid.UUID
	Workspace      string
	Title          string
	Metadata       json.RawMessage
	ShareTokenHash string
	ShareExpiresAt *time.Time
	CreatedAt      time.Time
	LastActivityAt time.Time
	DeletedAt      *time.Time
}

// Message is a single thread message.
type Message struct {
	ID              uuid.UUID
	ThreadID        uuid.UUID
	RequestID       string
	Role            Role
	Content         json.RawMessage
	ClientMessageID string
	InReplyTo       *uuid.UUID
	Status          MessageStatus
	ToolCalls       json.RawMessage
	InputTokens     int
	OutputTokens    int
	CreatedAt       time.Time
}

// ToolCallEntry is a tool-call journal row.
type ToolCallEntry struct {
	ID             uuid.UUID
	RequestID      string
	ThreadID       uuid.UUID
	MessageID      *uuid.UUID
	CallIndex      int
	IdempotencyKey string
	ToolName       string
	CanonicalArgs  json.RawMessage
	ResultDigest   string
	Status         CallStatus
	Error          string
	StartedAt      time.Time
	FinishedAt     *time.Time
}

// Store implements C8 over a Postgres pool.
type Store struct {
	pool *pgxpool.Pool
}

// New constructs a Store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// FindOrCreateThread resolves a thread by explicit id, else by share
// token, else creates a new one. Precedence: id > share token > create.
func (s *Store) FindOrCreateThread(ctx context.Context, threadID *uuid.UUID, shareToken string, userID *uuid.UUID, workspace string) (Thread, error) {
	if threadID != nil {
		t, err := s.getByID(ctx, *threadID)
		if err != nil {
			return Thread{}, err
		}
		if t.Workspace != "" && workspace != "" && t.Workspace != workspace {
			return Thread{}, ErrWorkspaceMismatch
		}
		return t, nil
	}

	if shareToken != "" {
		return s.getByShareToken(ctx, shareToken, workspace)
	}

	return s.create(ctx, userID, workspace)
}

func (s *Store) getByID(ctx context.Context, id uuid.UUID) (Thread, error) {
	t, err := s.scanThread(s.pool.QueryRow(ctx, threadSelectSQL+` WHERE id = $1 AND deleted_at IS NULL`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Thread{}, ErrNotFound
	}
	return t, err
}

func (s *Store) getByShareToken(ctx context.Context, token, workspace string) (Thread, error) {
	hash := hashToken(token)
	t, err := s.scanThread(s.pool.QueryRow(ctx, threadSelectSQL+` WHERE share_token_hash = $1 AND deleted_at IS NULL`, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return Thread{}, ErrNotFound
	}
	if err != nil {
		return Thread{}, err
	}
	if t.ShareExpiresAt == nil || time.Now().After(*t.ShareExpiresAt) {
		return Thread{}, ErrShareTokenGone
	}
	if t.Workspace != "" && workspace != "" && t.Workspace != workspace {
		return Thread{}, ErrWorkspaceMismatch
	}
	return t, nil
}

func (s *Store) create(ctx context.Context, userID *uuid.UUID, workspace string) (Thread, error) {
	var t Thread
	err := s.pool.QueryRow(ctx, `
		INSERT INTO threads (user_id, workspace, metadata, created_at, last_activity_at)
		VALUES ($1, $2, '{}'::jsonb, now(), now())
		RETURNING id, user_id, workspace, title, metadata, share_token_hash, share_expires_at,
		          created_at, last_activity_at, deleted_at
	`, userID, workspace).Scan(&t.ID, &t.UserID, &t.Workspace, &t.Title, &t.Metadata, &t.ShareTokenHash,
		&t.ShareExpiresAt, &t.CreatedAt, &t.LastActivityAt, &t.DeletedAt)
	if err != nil {
		return Thread{}, fmt.Errorf("threadstore: creating thread: %w", err)
	}
	return t, nil
}

const threadSelectSQL = `
	SELECT id, user_id, workspace, title, metadata, share_token_hash, share_expires_at,
	       created_at, last_activity_at, deleted_at
	FROM threads`

func (s *Store) scanThread(row pgx.Row) (Thread, error) {
	var t Thread
	err := row.Scan(&t.ID, &t.UserID, &t.Workspace, &t.Title, &t.Metadata, &t.ShareTokenHash,
		&t.ShareExpiresAt, &t.CreatedAt, &t.LastActivityAt, &t.DeletedAt)
	return t, err
}

// AddMessage inserts a message, or returns the existing one if
// clientMessageID is set and already recorded for this thread (and
// forceRetry is false).
func (s *Store) AddMessage(ctx context.Context, threadID uuid.UUID, role Role, content json.RawMessage, clientMessageID string, inReplyTo *uuid.UUID, status MessageStatus, toolCalls json.RawMessage, inputTokens, outputTokens int, forceRetry bool) (Message, error) {
	if clientMessageID != "" && !forceRetry {
		existing, err := s.findByClientMessageID(ctx, threadID, clientMessageID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return Message{}, err
		}
	}

	var m Message
	var cmid *string
	if clientMessageID != "" {
		cmid = &clientMessageID
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO thread_messages
			(thread_id, role, content, client_message_id, in_reply_to, status, tool_calls,
			 input_tokens, output_tokens, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		RETURNING id, thread_id, role, content, coalesce(client_message_id, ''), in_reply_to,
		          status, tool_calls, input_tokens, output_tokens, created_at
	`, threadID, role, content, cmid, inReplyTo, status, toolCalls, inputTokens, outputTokens).Scan(
		&m.ID, &m.ThreadID, &m.Role, &m.Content, &m.ClientMessageID, &m.InReplyTo,
		&m.Status, &m.ToolCalls, &m.InputTokens, &m.OutputTokens, &m.CreatedAt,
	)
	if err != nil {
		return Message{}, fmt.Errorf("threadstore: adding message: %w", err)
	}

	_, _ = s.pool.Exec(ctx, `UPDATE threads SET last_activity_at = now() WHERE id = $1`, threadID)
	return m, nil
}

// ListMessages returns a thread's messages in chronological order, keyset
// paginated on (created_at, id). Pass a nil afterCreatedAt to start from the
// beginning. Generalized from original_source's get_thread_messages (a
// single limit= cutoff) into cursor form so large threads don't require an
// ever-growing limit.
func (s *Store) ListMessages(ctx context.Context, threadID uuid.UUID, afterCreatedAt *time.Time, afterID *uuid.UUID, limit int) ([]Message, error) {
	var rows pgx.Rows
	var err error
	if afterCreatedAt != nil && afterID != nil {
		rows, err = s.pool.Query(ctx, `
			SELECT id, thread_id, role, content, coalesce(client_message_id, ''), in_reply_to,
			       status, tool_calls, input_tokens, output_tokens, created_at
			FROM thread_messages
			WHERE thread_id = $1 AND (created_at, id) > ($2, $3)
			ORDER BY created_at ASC, id ASC
			LIMIT $4
		`, threadID, *afterCreatedAt, *afterID, limit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT id, thread_id, role, content, coalesce(client_message_id, ''), in_reply_to,
			       status, tool_calls, input_tokens, output_tokens, created_at
			FROM thread_messages
			WHERE thread_id = $1
			ORDER BY created_at ASC, id ASC
			LIMIT $2
		`, threadID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("threadstore: listing messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Content, &m.ClientMessageID, &m.InReplyTo,
			&m.Status, &m.ToolCalls, &m.InputTokens, &m.OutputTokens, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("threadstore: scanning message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("threadstore: listing messages: %w", err)
	}
	return out, nil
}

// ListThreadsByUser returns a page of a user's non-deleted threads, most
// recently active first, along with the total matching count. This is the
// thread-history list a chat front-end needs but that isn't named
// explicitly anywhere upstream; offset pagination fits here (unlike
// ListMessages' open-ended history) since a user's thread list is small and
// UIs typically want a page/total-count widget, not infinite scroll.
func (s *Store) ListThreadsByUser(ctx context.Context, userID uuid.UUID, workspace string, offset, limit int) ([]Thread, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM threads WHERE user_id = $1 AND workspace = $2 AND deleted_at IS NULL
	`, userID, workspace).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("threadstore: counting threads: %w", err)
	}
	if total == 0 {
		return nil, 0, nil
	}

	rows, err := s.pool.Query(ctx, threadSelectSQL+`
		WHERE user_id = $1 AND workspace = $2 AND deleted_at IS NULL
		ORDER BY last_activity_at DESC
		LIMIT $3 OFFSET $4
	`, userID, workspace, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("threadstore: listing threads: %w", err)
	}
	defer rows.Close()

	var out []Thread
	for rows.Next() {
		t, err := s.scanThread(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("threadstore: scanning thread: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("threadstore: listing threads: %w", err)
	}
	return out, total, nil
}

func (s *Store) findByClientMessageID(ctx context.Context, threadID uuid.UUID, clientMessageID string) (Message, error) {
	var m Message
	err := s.pool.QueryRow(ctx, `
		SELECT id, thread_id, role, content, coalesce(client_message_id, ''), in_reply_to,
		       status, tool_calls, input_tokens, output_tokens, created_at
		FROM thread_messages WHERE thread_id = $1 AND client_message_id = $2
	`, threadID, clientMessageID).Scan(
		&m.ID, &m.ThreadID, &m.Role, &m.Content, &m.ClientMessageID, &m.InReplyTo,
		&m.Status, &m.ToolCalls, &m.InputTokens, &m.OutputTokens, &m.CreatedAt,
	)
	return m, err
}

// GenerateShareToken creates a "thr_<base64url>" token, stores its SHA-256
// and expiry on the thread, and returns the plaintext once.
func (s *Store) GenerateShareToken(ctx context.Context, threadID uuid.UUID, ttl time.Duration) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("threadstore: generating share token: %w", err)
	}
	token := "thr_" + base64.RawURLEncoding.EncodeToString(raw)
	hash := hashToken(token)
	expiresAt := time.Now().Add(ttl)

	_, err := s.pool.Exec(ctx, `
		UPDATE threads SET share_token_hash = $2, share_expires_at = $3 WHERE id = $1
	`, threadID, hash, expiresAt)
	if err != nil {
		return "", fmt.Errorf("threadstore: storing share token: %w", err)
	}
	return token, nil
}

// LogToolCall upserts a journal entry. If an existing success row is found
// for idempotencyKey and forceRetry is false, it is returned unchanged.
func (s *Store) LogToolCall(ctx context.Context, requestID string, threadID uuid.UUID, messageID *uuid.UUID, callIndex int, idempotencyKey, toolName string, canonicalArgs json.RawMessage, forceRetry bool) (ToolCallEntry, bool, error) {
	existing, err := s.findByIdempotencyKey(ctx, idempotencyKey)
	if err == nil {
		if existing.Status == CallStatusSuccess && !forceRetry {
			return existing, true, nil
		}
		return existing, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return ToolCallEntry{}, false, err
	}

	var e ToolCallEntry
	err = s.pool.QueryRow(ctx, `
		INSERT INTO tool_call_log
			(request_id, thread_id, message_id, call_index, idempotency_key, tool_name,
			 canonical_args, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		RETURNING id, request_id, thread_id, message_id, call_index, idempotency_key, tool_name,
		          canonical_args, coalesce(result_digest, ''), status, coalesce(error, ''),
		          started_at, finished_at
	`, requestID, threadID, messageID, callIndex, idempotencyKey, toolName, canonicalArgs, CallStatusPending).Scan(
		&e.ID, &e.RequestID, &e.ThreadID, &e.MessageID, &e.CallIndex, &e.IdempotencyKey, &e.ToolName,
		&e.CanonicalArgs, &e.ResultDigest, &e.Status, &e.Error, &e.StartedAt, &e.FinishedAt,
	)
	if err != nil {
		return ToolCallEntry{}, false, fmt.Errorf("threadstore: logging tool call: %w", err)
	}
	return e, false, nil
}

func (s *Store) findByIdempotencyKey(ctx context.Context, idempotencyKey string) (ToolCallEntry, error) {
	var e ToolCallEntry
	err := s.pool.QueryRow(ctx, `
		SELECT id, request_id, thread_id, message_id, call_index, idempotency_key, tool_name,
		       canonical_args, coalesce(result_digest, ''), status, coalesce(error, ''),
		       started_at, finished_at
		FROM tool_call_log WHERE idempotency_key = $1
	`, idempotencyKey).Scan(
		&e.ID, &e.RequestID, &e.ThreadID, &e.MessageID, &e.CallIndex, &e.IdempotencyKey, &e.ToolName,
		&e.CanonicalArgs, &e.ResultDigest, &e.Status, &e.Error, &e.StartedAt, &e.FinishedAt,
	)
	return e, err
}

// UpdateToolCallStatus finalizes a journal entry.
func (s *Store) UpdateToolCallStatus(ctx context.Context, id uuid.UUID, status CallStatus, resultDigest, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tool_call_log
		SET status = $2, result_digest = nullif($3, ''), error = nullif($4, ''), finished_at = now()
		WHERE id = $1
	`, id, status, resultDigest, errMsg)
	if err != nil {
		return fmt.Errorf("threadstore: updating tool call status: %w", err)
	}
	return nil
}

// CleanupExpiredTokens clears share-token fields for expired rows.
func (s *Store) CleanupExpiredTokens(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE threads SET share_token_hash = NULL, share_expires_at = NULL
		WHERE share_expires_at IS NOT NULL AND share_expires_at < now()
	`)
	if err != nil {
		return 0, fmt.Errorf("threadstore: cleaning up expired tokens: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// SoftDeleteThread sets deleted_at and clears share-token fields so a
// deleted thread is no longer reachable by token.
func (s *Store) SoftDeleteThread(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE threads SET deleted_at = now(), share_token_hash = NULL, share_expires_at = NULL
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("threadstore: soft-deleting thread: %w", err)
	}
	return nil
}

func hashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// IdempotencyKey computes the tool-call journal's stable digest, shared
// with the tool-call interceptor (C7) so both sides derive the same key.
func IdempotencyKey(requestID string, threadID uuid.UUID, userMessageID string, toolName string, rawArgs json.RawMessage, callIndex int) (string, error) {
	return common.IdempotencyKey(requestID, threadID.String(), userMessageID, toolName, rawArgs, callIndex)
}
