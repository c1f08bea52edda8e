// Package tokenmeter implements C10: per-request token accounting, daily
// rollups, and budget threshold classification.
//
// Idempotent-upsert-with-max, grounded on the same "retries never
// undercount" discipline used by internal/session's atomic validate
// update, keeps track() safe to call more than once for the same request.
package tokenmeter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// BudgetLevel classifies how close a user/workspace is to its budget.
type BudgetLevel string

const (
	BudgetNone     BudgetLevel = "none"
	BudgetWarning  BudgetLevel = "warning"
	BudgetCritical BudgetLevel = "critical"
	BudgetOver     BudgetLevel = "over"
)

// Status is a request's accounted outcome.
type Status string

const (
	StatusOK    Status = "ok"
	StatusCache Status = "cache"
	StatusError Status = "error"
)

// Usage is a rollup or aggregate usage figure.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// BudgetCheck is the result of check_budget.
type BudgetCheck struct {
	OverThreshold bool
	PercentUsed   float64
	Level         BudgetLevel
}

// Meter implements C10 over a Postgres pool.
type Meter struct {
	pool *pgxpool.Pool
}

// New constructs a Meter.
func New(pool *pgxpool.Pool) *Meter {
	return &Meter{pool: pool}
}

// TrackParams are the inputs to Track.
type TrackParams struct {
	RequestID      string
	UserID         *uuid.UUID
	Workspace      string
	DeviceID       *uuid.UUID
	ThreadID       *uuid.UUID
	InputTokens    int64
	OutputTokens   int64
	Model          string
	Provider       string
	CacheHit       bool
	ToolCallsCount int
	Status         Status
}

// Track records one request's usage, idempotent on RequestID: a duplicate
// call takes max(existing, new) for token counts so retries never
// undercount. Cache hits are forced to zero tokens and status "cache". The
// (user, workspace, day) rollup is incremented atomically in the same
// transaction.
func (m *Meter) Track(ctx context.Context, p TrackParams) error {
	if p.CacheHit {
		p.InputTokens = 0
		p.OutputTokens = 0
		p.Status = StatusCache
	}

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tokenmeter: beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Look up whatever is already recorded for this request under the
	// transaction so the rollup only ever sees the delta this call
	// actually adds — a retry carrying the same or smaller counts must
	// not double-increment it.
	var priorInput, priorOutput int64
	err = tx.QueryRow(ctx, `
		SELECT input_tokens, output_tokens FROM token_usage WHERE request_id = $1 FOR UPDATE
	`, p.RequestID).Scan(&priorInput, &priorOutput)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("tokenmeter: reading prior usage: %w", err)
	}

	newInput := max64(priorInput, p.InputTokens)
	newOutput := max64(priorOutput, p.OutputTokens)
	deltaInput := newInput - priorInput
	deltaOutput := newOutput - priorOutput

	_, err = tx.Exec(ctx, `
		INSERT INTO token_usage
			(request_id, user_id, workspace, device_id, thread_id, input_tokens, output_tokens,
			 model, provider, cache_hit, tool_calls_count, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now())
		ON CONFLICT (request_id) DO UPDATE SET
			input_tokens = EXCLUDED.input_tokens,
			output_tokens = EXCLUDED.output_tokens,
			cache_hit = EXCLUDED.cache_hit,
			status = EXCLUDED.status
	`, p.RequestID, p.UserID, p.Workspace, p.DeviceID, p.ThreadID, newInput, newOutput,
		p.Model, p.Provider, p.CacheHit, p.ToolCallsCount, p.Status)
	if err != nil {
		return fmt.Errorf("tokenmeter: upserting usage: %w", err)
	}

	if deltaInput > 0 || deltaOutput > 0 {
		_, err = tx.Exec(ctx, `
			INSERT INTO token_usage_rollup_daily (user_id, workspace, day, input_tokens, output_tokens)
			VALUES ($1, $2, CURRENT_DATE, $3, $4)
			ON CONFLICT (user_id, workspace, day) DO UPDATE SET
				input_tokens = token_usage_rollup_daily.input_tokens + EXCLUDED.input_tokens,
				output_tokens = token_usage_rollup_daily.output_tokens + EXCLUDED.output_tokens
		`, p.UserID, p.Workspace, deltaInput, deltaOutput)
		if err != nil {
			return fmt.Errorf("tokenmeter: incrementing rollup: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tokenmeter: committing: %w", err)
	}
	return nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// CheckBudget classifies how close userID (optionally scoped to workspace)
// is to its configured budget.
func (m *Meter) CheckBudget(ctx context.Context, userID uuid.UUID, workspace string) (BudgetCheck, error) {
	var dailyLimit, monthlyLimit *int64
	var warningPct float64
	var softBlock bool
	err := m.pool.QueryRow(ctx, `
		SELECT daily_limit, monthly_limit, warning_threshold_percent, soft_block
		FROM user_token_budget WHERE user_id = $1 AND (workspace = $2 OR workspace = '')
		ORDER BY workspace DESC LIMIT 1
	`, userID, workspace).Scan(&dailyLimit, &monthlyLimit, &warningPct, &softBlock)
	if errors.Is(err, pgx.ErrNoRows) {
		return BudgetCheck{Level: BudgetNone}, nil
	}
	if err != nil {
		return BudgetCheck{}, fmt.Errorf("tokenmeter: reading budget: %w", err)
	}
	if dailyLimit == nil {
		return BudgetCheck{Level: BudgetNone}, nil
	}

	var used int64
	err = m.pool.QueryRow(ctx, `
		SELECT coalesce(sum(input_tokens + output_tokens), 0)
		FROM token_usage_rollup_daily WHERE user_id = $1 AND workspace = $2 AND day = CURRENT_DATE
	`, userID, workspace).Scan(&used)
	if err != nil {
		return BudgetCheck{}, fmt.Errorf("tokenmeter: summing today's usage: %w", err)
	}

	pct := float64(used) / float64(*dailyLimit) * 100
	level := BudgetNone
	switch {
	case pct >= 100:
		level = BudgetOver
	case pct >= 90:
		level = BudgetCritical
	case pct >= warningPct*100: // warningPct is a 0-1 fraction (e.g. 0.8 = 80%)
		level = BudgetWarning
	}

	return BudgetCheck{
		OverThreshold: level != BudgetNone,
		PercentUsed:   pct,
		Level:         level,
	}, nil
}

// GetUserUsage reads today's usage from the rollup table (O(1)).
func (m *Meter) GetUserUsage(ctx context.Context, userID uuid.UUID, workspace string, day time.Time) (Usage, error) {
	var u Usage
	err := m.pool.QueryRow(ctx, `
		SELECT coalesce(input_tokens, 0), coalesce(output_tokens, 0)
		FROM token_usage_rollup_daily WHERE user_id = $1 AND workspace = $2 AND day = $3
	`, userID, workspace, day).Scan(&u.InputTokens, &u.OutputTokens)
	if errors.Is(err, pgx.ErrNoRows) {
		return Usage{}, nil
	}
	if err != nil {
		return Usage{}, fmt.Errorf("tokenmeter: reading user usage: %w", err)
	}
	return u, nil
}

// Budget is the admin-configurable budget row for a user/workspace pair.
type Budget struct {
	UserID                  uuid.UUID
	Workspace               string
	DailyLimit              *int64
	MonthlyLimit            *int64
	WarningThresholdPercent float64
	SoftBlock               bool
}

// GetBudget reads the configured budget for userID/workspace, returning the
// zero Budget (DailyLimit/MonthlyLimit nil) if none has been set.
func (m *Meter) GetBudget(ctx context.Context, userID uuid.UUID, workspace string) (Budget, error) {
	b := Budget{UserID: userID, Workspace: workspace, WarningThresholdPercent: 0.8}
	err := m.pool.QueryRow(ctx, `
		SELECT daily_limit, monthly_limit, warning_threshold_percent, soft_block
		FROM user_token_budget WHERE user_id = $1 AND workspace = $2
	`, userID, workspace).Scan(&b.DailyLimit, &b.MonthlyLimit, &b.WarningThresholdPercent, &b.SoftBlock)
	if errors.Is(err, pgx.ErrNoRows) {
		return b, nil
	}
	if err != nil {
		return Budget{}, fmt.Errorf("tokenmeter: reading budget: %w", err)
	}
	return b, nil
}

// SetBudget upserts the budget row for userID/workspace.
func (m *Meter) SetBudget(ctx context.Context, b Budget) error {
	_, err := m.pool.Exec(ctx, `
		INSERT INTO user_token_budget (user_id, workspace, daily_limit, monthly_limit, warning_threshold_percent, soft_block)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, workspace) DO UPDATE SET
			daily_limit = EXCLUDED.daily_limit,
			monthly_limit = EXCLUDED.monthly_limit,
			warning_threshold_percent = EXCLUDED.warning_threshold_percent,
			soft_block = EXCLUDED.soft_block
	`, b.UserID, b.Workspace, b.DailyLimit, b.MonthlyLimit, b.WarningThresholdPercent, b.SoftBlock)
	if err != nil {
		return fmt.Errorf("tokenmeter: setting budget: %w", err)
	}
	return nil
}

// GetThreadUsage aggregates the detail table for a single thread.
func (m *Meter) GetThreadUsage(ctx context.Context, threadID uuid.UUID) (Usage, error) {
	var u Usage
	err := m.pool.QueryRow(ctx, `
		SELECT coalesce(sum(input_tokens), 0), coalesce(sum(output_tokens), 0)
		FROM token_usage WHERE thread_id = $1
	`, threadID).Scan(&u.InputTokens, &u.OutputTokens)
	if err != nil {
		return Usage{}, fmt.Errorf("tokenmeter: aggregating thread usage: %w", err)
	}
	return u, nil
}
