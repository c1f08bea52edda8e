// Package mcprouter implements C6, the MCP router: it owns connections to
// every configured global tool server, discovers and caches their tool
// catalogs, health-monitors them in the background, and assembles the
// per-request toolset handed to the agent orchestrator (C11).
//
// The health-monitoring loop is grounded on pkg/escalation/engine.go's Run
// loop (ticker + context-cancellation select); per-server state ownership
// (only the owning goroutine mutates it, readers take a snapshot) mirrors
// the same file's single-writer discipline.
package mcprouter

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrix/agentcore/internal/toolpool"
	"github.com/kestrix/agentcore/pkg/mcpclient"
)

// Status is a server's (or the router's overall) health classification.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// ServerHealth is a point-in-time snapshot of one server's health.
type ServerHealth struct {
	Server              string
	Status              Status
	LastPing            time.Time
	LastSuccess         time.Time
	LatencyMS           int64
	ConsecutiveFailures int
}

// Summary is the router's overall health report.
type Summary struct {
	HealthyCount int
	TotalCount   int
	AvgLatencyMS float64
	Overall      Status
	PerServer    []ServerHealth
}

type cachedTools struct {
	tools     []mcpclient.ToolDescriptor
	fetchedAt time.Time
}

// Router holds the global tool-server fleet.
type Router struct {
	log          *slog.Logger
	toolCacheTTL time.Duration
	pingInterval time.Duration

	servers map[string]mcpclient.Client // set once at startup, read-only afterward

	mu        sync.RWMutex
	toolCache map[string]cachedTools
	health    map[string]ServerHealth

	pool *toolpool.Pool // optional; nil disables per-user toolset augmentation
}

// Options configures a Router.
type Options struct {
	ToolCacheTTL time.Duration
	PingInterval time.Duration
	Pool         *toolpool.Pool
}

// New constructs a Router over servers (name -> already-constructed
// client). Clients are expected to already have their transport open; New
// performs no I/O itself.
func New(servers map[string]mcpclient.Client, logger *slog.Logger, opts Options) *Router {
	if opts.ToolCacheTTL <= 0 {
		opts.ToolCacheTTL = 10 * time.Minute
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}

	health := make(map[string]ServerHealth, len(servers))
	for name := range servers {
		health[name] = ServerHealth{Server: name, Status: StatusUnhealthy}
	}

	return &Router{
		log:          logger,
		toolCacheTTL: opts.ToolCacheTTL,
		pingInterval: opts.PingInterval,
		servers:      servers,
		toolCache:    make(map[string]cachedTools),
		health:       health,
		pool:         opts.Pool,
	}
}

// Startup performs the initial handshake against every configured server,
// setting its health to healthy if the handshake succeeds.
func (r *Router) Startup(ctx context.Context) {
	for name, client := range r.servers {
		latency, err := client.Ping(ctx)
		r.recordPingResult(name, latency, err)
	}
}

// Tools returns server's tool catalog, serving the cache if still fresh
// unless force is set.
func (r *Router) Tools(ctx context.Context, server string, force bool) ([]mcpclient.ToolDescriptor, error) {
	client, ok := r.servers[server]
	if !ok {
		return nil, fmt.Errorf("mcprouter: unknown server %q", server)
	}

	if !force {
		r.mu.RLock()
		cached, ok := r.toolCache[server]
		r.mu.RUnlock()
		if ok && time.Since(cached.fetchedAt) < r.toolCacheTTL {
			return cached.tools, nil
		}
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcprouter: listing tools for %q: %w", server, err)
	}

	r.mu.Lock()
	r.toolCache[server] = cachedTools{tools: tools, fetchedAt: time.Now()}
	r.mu.Unlock()

	return tools, nil
}

// ToolsetFor assembles the request's available tool clients: every healthy
// global server, plus the caller's per-provider clients from the tool
// pool (C5) when userID is set and a pool is configured.
func (r *Router) ToolsetFor(ctx context.Context, userID *uuid.UUID, userProviders []string) (map[string]mcpclient.Client, error) {
	out := make(map[string]mcpclient.Client)

	r.mu.RLock()
	healthSnapshot := make(map[string]Status, len(r.health))
	for name, h := range r.health {
		healthSnapshot[name] = h.Status
	}
	r.mu.RUnlock()

	for name, client := range r.servers {
		if healthSnapshot[name] == StatusHealthy {
			out[name] = client
		}
	}

	if userID == nil || r.pool == nil {
		return out, nil
	}

	for _, provider := range userProviders {
		client, err := r.pool.Get(ctx, *userID, provider)
		if err != nil {
			r.log.Warn("mcprouter: skipping unavailable per-user provider", "provider", provider, "error", err)
			continue
		}
		out[provider] = client
	}
	return out, nil
}

// IsGlobalServer reports whether name is one of the global servers this
// Router was constructed with, as opposed to a per-user provider name
// surfaced only through the tool pool (C5).
func (r *Router) IsGlobalServer(name string) bool {
	_, ok := r.servers[name]
	return ok
}

// Call routes a direct tool invocation to server. Callers that want
// caching, journaling, and auth-retry semantics should go through the
// tool-call interceptor (C7) instead of calling this directly.
func (r *Router) Call(ctx context.Context, server, tool string, args []byte) mcpclient.CallResult {
	client, ok := r.servers[server]
	if !ok {
		return mcpclient.CallResult{Err: fmt.Errorf("mcprouter: unknown server %q", server)}
	}
	return client.CallTool(ctx, tool, args)
}

// RunHealthMonitor runs one server's background health-check loop. Start
// one goroutine per server; it owns that server's health map entry
// exclusively.
func (r *Router) RunHealthMonitor(ctx context.Context, server string) {
	client, ok := r.servers[server]
	if !ok {
		return
	}

	for {
		wait := r.pingInterval + time.Duration(rand.Int63n(int64(r.pingInterval/4+1)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		latency, err := client.Ping(ctx)
		r.recordPingResult(server, latency, err)
	}
}

func (r *Router) recordPingResult(server string, latency time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := r.health[server]
	h.Server = server
	h.LastPing = time.Now()
	if err != nil {
		h.ConsecutiveFailures++
		h.Status = StatusUnhealthy
	} else {
		h.ConsecutiveFailures = 0
		h.Status = StatusHealthy
		h.LastSuccess = time.Now()
		h.LatencyMS = latency.Milliseconds()
	}
	r.health[server] = h
}

// Summary returns the router's overall health report.
func (r *Router) Summary() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var s Summary
	s.TotalCount = len(r.health)
	s.PerServer = make([]ServerHealth, 0, len(r.health))

	var latencySum int64
	var latencyCount int
	for _, h := range r.health {
		s.PerServer = append(s.PerServer, h)
		if h.Status == StatusHealthy {
			s.HealthyCount++
			latencySum += h.LatencyMS
			latencyCount++
		}
	}
	if latencyCount > 0 {
		s.AvgLatencyMS = float64(latencySum) / float64(latencyCount)
	}

	switch {
	case s.TotalCount == 0 || s.HealthyCount == s.TotalCount:
		s.Overall = StatusHealthy
	case s.HealthyCount == 0:
		s.Overall = StatusUnhealthy
	default:
		s.Overall = StatusDegraded
	}
	return s
}
