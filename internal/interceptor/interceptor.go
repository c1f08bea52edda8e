// Package interceptor implements C7, the tool-call interceptor: installed
// in front of every tool invocation, it classifies cacheability, computes
// cache and idempotency keys, consults the cache store (C2) under a
// single-flight fill lock, journals to the thread store (C8), and retries
// a call exactly once after a per-user tool-client eviction (C5) on an
// authorization failure.
package interceptor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kestrix/agentcore/internal/cache"
	"github.com/kestrix/agentcore/internal/common"
	"github.com/kestrix/agentcore/internal/oauthmgr"
	"github.com/kestrix/agentcore/internal/threadstore"
	"github.com/kestrix/agentcore/internal/toolpool"
	"github.com/kestrix/agentcore/pkg/mcpclient"
)

// CacheMode selects how a call interacts with the cache.
type CacheMode string

const (
	CacheModePrefer  CacheMode = "prefer"
	CacheModeRefresh CacheMode = "refresh"
	CacheModeBypass  CacheMode = "bypass"
)

// CacheRule is a static cacheability-table entry: the TTL to cache a
// (server, tool) pair's results under, and the invalidation tags a
// mutating call on it must clear.
type CacheRule struct {
	TTLSeconds     int
	InvalidateTags []string
	IsMutating     bool
}

// Request carries everything the interceptor's algorithm needs for one
// tool invocation.
type Request struct {
	UserID        *uuid.UUID
	UserScope     string // "{user_id}:{workspace_id}" or "global"
	CacheMode     CacheMode
	ThreadID      uuid.UUID
	RequestID     string
	UserMessageID string
	CallIndex     int
	ForceRetry    bool
	Server        string
	Tool          string // original (unprefixed) tool name
	Version       string // cache-key version component
	SchemaFP      string // optional cache-key schema fingerprint component
	Args          json.RawMessage
	Provider      string // non-empty if Server belongs to a user-scoped provider pool
}

// Result is what the interceptor returns to the agent orchestrator (C11).
type Result struct {
	Value    json.RawMessage
	CacheHit bool
	Err      error
}

// Interceptor implements C7.
type Interceptor struct {
	cacheTable map[string]CacheRule // keyed by "server:tool"
	cacheStore *cache.Store
	threads    *threadstore.Store
	pool       *toolpool.Pool
	mgr        *oauthmgr.Manager
	globalCall func(ctx context.Context, server, tool string, args json.RawMessage) mcpclient.CallResult
	log        *slog.Logger
}

// New constructs an Interceptor. globalCall routes a call to a global
// (non-per-user) tool server, typically mcprouter.Router.Call.
func New(cacheTable map[string]CacheRule, cacheStore *cache.Store, threads *threadstore.Store, pool *toolpool.Pool, mgr *oauthmgr.Manager, globalCall func(ctx context.Context, server, tool string, args json.RawMessage) mcpclient.CallResult, logger *slog.Logger) *Interceptor {
	return &Interceptor{
		cacheTable: cacheTable,
		cacheStore: cacheStore,
		threads:    threads,
		pool:       pool,
		mgr:        mgr,
		globalCall: globalCall,
		log:        logger,
	}
}

func ruleKey(server, tool string) string { return server + ":" + tool }

// Invoke classifies, caches, journals, and retries-once a single tool call.
func (ic *Interceptor) Invoke(ctx context.Context, req Request) Result {
	rule, cacheable := ic.cacheTable[ruleKey(req.Server, req.Tool)]
	cachingEnabled := cacheable && req.CacheMode != CacheModeBypass

	var cacheKey string
	var tags []string
	if cachingEnabled {
		argsHash, err := common.ArgsHash(req.Args)
		if err != nil {
			return Result{Err: fmt.Errorf("interceptor: hashing args: %w", err)}
		}
		cacheKey = common.CacheKey("tool", req.Server+":"+req.Tool, req.Version, req.SchemaFP, req.UserScope, argsHash)
		tags = rule.InvalidateTags
	}

	if cachingEnabled && req.CacheMode != CacheModeRefresh {
		if entry, _, ok, err := ic.cacheStore.Get(ctx, cacheKey, true); err == nil && ok {
			if err := ic.journalCacheHit(ctx, req, entry.Value); err != nil {
				ic.log.Warn("interceptor: journaling cache hit failed", "error", err)
			}
			return Result{Value: entry.Value, CacheHit: true}
		}
	}

	if !cachingEnabled {
		return ic.invokeUncached(ctx, req)
	}

	ttl := time.Duration(rule.TTLSeconds) * time.Second
	raw, wasCached, err := ic.cacheStore.WithFillLock(ctx, cacheKey, true, func(ctx context.Context) (json.RawMessage, []string, time.Duration, error) {
		res := ic.invokeUncached(ctx, req)
		if res.Err != nil {
			return nil, nil, 0, res.Err
		}
		return res.Value, tags, ttl, nil
	})
	if err != nil {
		return Result{Err: err}
	}
	return Result{Value: raw, CacheHit: wasCached}
}

// invokeUncached runs the journal-begin / invoke / retry-once-on-auth /
// write-path-invalidation / journal-finalize sequence (steps 5-9),
// bypassing the cache entirely.
func (ic *Interceptor) invokeUncached(ctx context.Context, req Request) Result {
	idempotencyKey, err := threadstore.IdempotencyKey(req.RequestID, req.ThreadID, req.UserMessageID, req.Tool, req.Args, req.CallIndex)
	if err != nil {
		return Result{Err: fmt.Errorf("interceptor: computing idempotency key: %w", err)}
	}

	canonicalArgs, err := common.CanonicalJSONFromRaw(req.Args)
	if err != nil {
		return Result{Err: fmt.Errorf("interceptor: canonicalizing args: %w", err)}
	}

	entry, alreadySucceeded, err := ic.threads.LogToolCall(ctx, req.RequestID, req.ThreadID, nil, req.CallIndex, idempotencyKey, req.Tool, canonicalArgs, req.ForceRetry)
	if err != nil {
		return Result{Err: fmt.Errorf("interceptor: logging tool call: %w", err)}
	}
	if alreadySucceeded {
		return Result{Value: json.RawMessage(`"` + entry.ResultDigest + `"`), CacheHit: false}
	}

	callRes := ic.call(ctx, req)
	retried := false
	if callRes.Err != nil && callRes.AuthError && req.Provider != "" && req.UserID != nil && !retried {
		if _, err := ic.mgr.EnsureFresh(ctx, *req.UserID); err != nil {
			ic.log.Warn("interceptor: ensure_fresh before retry failed", "error", err)
		}
		if ic.pool != nil {
			ic.pool.Evict(*req.UserID, req.Provider)
		}
		retried = true
		callRes = ic.call(ctx, req)
	}

	if callRes.Err != nil {
		_ = ic.threads.UpdateToolCallStatus(ctx, entry.ID, threadstore.CallStatusFailed, "", callRes.Err.Error())
		return Result{Err: callRes.Err}
	}

	digest := contentDigest(callRes.Result)
	if err := ic.threads.UpdateToolCallStatus(ctx, entry.ID, threadstore.CallStatusSuccess, digest, ""); err != nil {
		ic.log.Warn("interceptor: finalizing journal entry failed", "error", err)
	}

	if rule, ok := ic.cacheTable[ruleKey(req.Server, req.Tool)]; ok && rule.IsMutating && len(rule.InvalidateTags) > 0 {
		if _, err := ic.cacheStore.InvalidateByTags(ctx, rule.InvalidateTags); err != nil {
			ic.log.Warn("interceptor: write-path invalidation failed", "error", err)
		}
	}

	return Result{Value: callRes.Result}
}

func (ic *Interceptor) call(ctx context.Context, req Request) mcpclient.CallResult {
	if req.Provider != "" && req.UserID != nil && ic.pool != nil {
		client, err := ic.pool.Get(ctx, *req.UserID, req.Provider)
		if err != nil {
			if errors.Is(err, toolpool.ErrNoConnection) {
				return mcpclient.CallResult{Err: err, AuthError: true}
			}
			return mcpclient.CallResult{Err: err}
		}
		return client.CallTool(ctx, req.Tool, req.Args)
	}
	return ic.globalCall(ctx, req.Server, req.Tool, req.Args)
}

func (ic *Interceptor) journalCacheHit(ctx context.Context, req Request, value json.RawMessage) error {
	idempotencyKey, err := threadstore.IdempotencyKey(req.RequestID, req.ThreadID, req.UserMessageID, req.Tool, req.Args, req.CallIndex)
	if err != nil {
		return err
	}
	canonicalArgs, err := common.CanonicalJSONFromRaw(req.Args)
	if err != nil {
		return err
	}
	entry, _, err := ic.threads.LogToolCall(ctx, req.RequestID, req.ThreadID, nil, req.CallIndex, idempotencyKey, req.Tool, canonicalArgs, req.ForceRetry)
	if err != nil {
		return err
	}
	return ic.threads.UpdateToolCallStatus(ctx, entry.ID, threadstore.CallStatusSuccess, contentDigest(value), "")
}

func contentDigest(value json.RawMessage) string {
	return common.ContentDigest(value)
}
