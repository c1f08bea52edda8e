// Package app wires the thirteen components (C1-C13) into a runnable
// process: infrastructure connections, component construction, background
// loops, and the HTTP server's graceful lifecycle.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"

	"github.com/kestrix/agentcore/internal/agent"
	"github.com/kestrix/agentcore/internal/alerting"
	"github.com/kestrix/agentcore/internal/anthropicmodel"
	"github.com/kestrix/agentcore/internal/budgetadmin"
	"github.com/kestrix/agentcore/internal/cache"
	"github.com/kestrix/agentcore/internal/config"
	"github.com/kestrix/agentcore/internal/httpserver"
	"github.com/kestrix/agentcore/internal/interceptor"
	"github.com/kestrix/agentcore/internal/mcprouter"
	"github.com/kestrix/agentcore/internal/oauthmgr"
	"github.com/kestrix/agentcore/internal/platform"
	"github.com/kestrix/agentcore/internal/ratelimit"
	"github.com/kestrix/agentcore/internal/refresh"
	"github.com/kestrix/agentcore/internal/session"
	"github.com/kestrix/agentcore/internal/telemetry"
	"github.com/kestrix/agentcore/internal/threadstore"
	"github.com/kestrix/agentcore/internal/tokenmeter"
	"github.com/kestrix/agentcore/internal/toolpool"
	"github.com/kestrix/agentcore/internal/vault"
	"github.com/kestrix/agentcore/pkg/mcpclient"
	"github.com/kestrix/agentcore/pkg/mcpclient/streaminghttp"
	"github.com/kestrix/agentcore/pkg/seed"
)

// notionEndpoint is Notion's fixed OAuth authorization-code endpoint.
var notionEndpoint = oauth2.Endpoint{
	AuthURL:   "https://api.notion.com/v1/oauth/authorize",
	TokenURL:  "https://api.notion.com/v1/oauth/token",
	AuthStyle: oauth2.AuthStyleInHeader,
}

// Run is the main application entry point: it connects to infrastructure,
// constructs every component, and serves HTTP until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting agentcore", "listen", cfg.ListenAddr())

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	v, err := vault.New(cfg.VaultKey, cfg.VaultKeys...)
	if err != nil {
		return fmt.Errorf("constructing vault: %w", err)
	}

	cacheStore := cache.New(db, rdb, logger, cache.Config{
		MaxEntryBytes:     cfg.CacheMaxEntryBytes,
		StaleGraceSeconds: cfg.CacheStaleGraceSeconds,
		InvalidateMaxKeys: cfg.CacheInvalidateMaxKeys,
	})

	sessions := session.New(db,
		time.Duration(cfg.DeviceSessionSlideSeconds)*time.Second,
		time.Duration(cfg.DeviceSessionHardHours)*time.Hour,
	)

	var providers []*oauthmgr.Provider
	if cfg.NotionClientID != "" {
		providers = append(providers, &oauthmgr.Provider{
			Name: "notion",
			OAuth2: &oauth2.Config{
				ClientID:     cfg.NotionClientID,
				ClientSecret: cfg.NotionClientSecret,
				RedirectURL:  cfg.NotionRedirectURI,
				Endpoint:     notionEndpoint,
			},
			Identify: identifyNotionWorkspace,
		})
	} else {
		logger.Info("notion oauth disabled (NOTION_CLIENT_ID not set)")
	}

	oauthMgr := oauthmgr.New(db, rdb, v, logger, providers, oauthmgr.Options{
		RefreshWindow:   time.Duration(cfg.OAuthRefreshWindowMinutes) * time.Minute,
		MaxRetries:      cfg.OAuthRefreshMaxRetries,
		MaxFailureCount: cfg.OAuthMaxFailureCount,
	})

	refreshSched := refresh.New(db, oauthMgr, logger, refresh.Options{
		Interval:      time.Duration(cfg.OAuthSweepIntervalSeconds) * time.Second,
		Jitter:        time.Duration(cfg.OAuthRefreshJitterSeconds) * time.Second,
		RefreshWindow: time.Duration(cfg.OAuthRefreshWindowMinutes) * time.Minute,
		BatchSize:     cfg.OAuthSweepBatchSize,
		Concurrency:   cfg.OAuthSweepConcurrency,
	})

	slackNotifier := alerting.NewSlackNotifier(cfg.SlackAlertBotToken, cfg.SlackAlertChannel)
	if slackNotifier.IsEnabled() {
		logger.Info("slack alert relay enabled", "channel", cfg.SlackAlertChannel)
	}
	alertSub := alerting.New(rdb, logger, slackNotifier)
	go func() {
		if err := alertSub.Run(ctx); err != nil {
			logger.Error("alert subscriber exited", "error", err)
		}
	}()

	providerURLs, err := parseStringMap(cfg.MCPProviderURLs)
	if err != nil {
		return fmt.Errorf("parsing MCP_PROVIDER_URLS: %w", err)
	}
	pool := toolpool.New(oauthMgr, func(provider string) (string, bool) {
		url, ok := providerURLs[provider]
		return url, ok
	}, logger)

	globalServers, err := buildGlobalServers(cfg.MCPGlobalServers)
	if err != nil {
		return fmt.Errorf("parsing MCP_GLOBAL_SERVERS: %w", err)
	}
	router := mcprouter.New(globalServers, logger, mcprouter.Options{Pool: pool})
	router.Startup(ctx)
	for name := range globalServers {
		go router.RunHealthMonitor(ctx, name)
	}

	threads := threadstore.New(db)
	ic := interceptor.New(cacheRules(), cacheStore, threads, pool, oauthMgr,
		func(ctx context.Context, server, tool string, args json.RawMessage) mcpclient.CallResult {
			return router.Call(ctx, server, tool, args)
		}, logger)

	meter := tokenmeter.New(db)

	model := anthropicmodel.New(cfg.AnthropicAPIKey, cfg.AnthropicModel)
	orchestrator := agent.New(model, cfg.AnthropicModel)

	routeOverrides, err := parsePolicyMap(cfg.RateLimitRouteOverrides)
	if err != nil {
		return fmt.Errorf("parsing RATE_LIMIT_ROUTE_OVERRIDES: %w", err)
	}
	if _, ok := routeOverrides["chat"]; !ok {
		routeOverrides["chat"] = ratelimit.Policy{
			Burst:     cfg.RateLimitBurst,
			PerMinute: float64(cfg.RateLimitDefaultPerMinute),
		}
	}
	limiter := ratelimit.New(cfg.RateLimitMaxBuckets, routeOverrides)
	go limiter.SweepLoop(ctx, 5*time.Minute)

	chat := httpserver.NewChatHandler(sessions, threads, router, oauthMgr, ic, orchestrator, meter,
		cfg.AnthropicModel, 10, 60, logger)

	budgetAdmin := budgetadmin.NewHandler(meter, logger)

	if cfg.FeatureDevSeed && !cfg.IsProduction() {
		if err := seed.Run(ctx, db, logger); err != nil {
			logger.Error("dev seed failed", "error", err)
		}
	}

	go refreshIfEnabled(ctx, cfg, refreshSched, logger)

	srv := httpserver.NewServer(httpserver.Deps{
		Config:      cfg,
		Logger:      logger,
		DB:          db,
		Redis:       rdb,
		Metrics:     metricsReg,
		Limiter:     limiter,
		Chat:        chat,
		OAuthMgr:    oauthMgr,
		Refresh:     refreshSched,
		BudgetAdmin: budgetAdmin.Routes(),
	})

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute, // streaming chat responses hold the connection open
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func refreshIfEnabled(ctx context.Context, cfg *config.Config, sched *refresh.Scheduler, logger *slog.Logger) {
	if !cfg.OAuthBackgroundRefreshEnabled {
		logger.Info("refresh scheduler disabled (OAUTH_BACKGROUND_REFRESH_ENABLED=false)")
		return
	}
	sched.Run(ctx)
}

// identifyNotionWorkspace calls Notion's bot self-identification endpoint
// after token exchange to resolve the workspace and bot id a connection
// belongs to.
func identifyNotionWorkspace(ctx context.Context, accessToken string) (workspaceID, workspaceName, botID string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.notion.com/v1/users/me", nil)
	if err != nil {
		return "", "", "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Notion-Version", "2022-06-28")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", "", fmt.Errorf("notion self-identify: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		ID   string `json:"id"`
		Bot  struct {
			WorkspaceName string `json:"workspace_name"`
		} `json:"bot"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", "", "", err
	}
	return body.ID, body.Bot.WorkspaceName, body.ID, nil
}

// globalServerConfig is one entry of MCP_GLOBAL_SERVERS.
type globalServerConfig struct {
	BaseURL string `json:"baseUrl"`
	Token   string `json:"token"`
}

func buildGlobalServers(raw string) (map[string]mcpclient.Client, error) {
	servers := make(map[string]mcpclient.Client)
	if raw == "" {
		return servers, nil
	}
	var cfgs map[string]globalServerConfig
	if err := json.Unmarshal([]byte(raw), &cfgs); err != nil {
		return nil, err
	}
	for name, c := range cfgs {
		servers[name] = streaminghttp.New(name, c.BaseURL, c.Token)
	}
	return servers, nil
}

func parseStringMap(raw string) (map[string]string, error) {
	out := make(map[string]string)
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// routePolicyConfig mirrors the JSON shape of RATE_LIMIT_ROUTE_OVERRIDES.
type routePolicyConfig struct {
	PerMinute float64 `json:"perMinute"`
	Burst     int     `json:"burst"`
}

func parsePolicyMap(raw string) (map[string]ratelimit.Policy, error) {
	out := make(map[string]ratelimit.Policy)
	if raw == "" {
		return out, nil
	}
	var cfgs map[string]routePolicyConfig
	if err := json.Unmarshal([]byte(raw), &cfgs); err != nil {
		return nil, err
	}
	for route, c := range cfgs {
		out[route] = ratelimit.Policy{PerMinute: c.PerMinute, Burst: c.Burst}
	}
	return out, nil
}

// cacheRules builds the interceptor's static cacheability table from the
// cache package's default TTL policies (grounded on
// original_source/agent-core/src/services/postgres_cache.py's
// DEFAULT_TTL_POLICIES), plus the handful of known mutating tools that
// invalidate those entries by provider-scoped tag.
func cacheRules() map[string]interceptor.CacheRule {
	readRules := map[string]string{
		"notion:get_page":     "notion",
		"notion:get_database": "notion",
		"notion:search":       "notion",
		"notion:list_pages":   "notion",
		"github:get_repo":     "github",
		"github:get_file":     "github",
		"github:search":       "github",
		"github:list_pulls":   "github",
	}
	rules := make(map[string]interceptor.CacheRule, len(readRules)+2)
	for key, tag := range readRules {
		rules[key] = interceptor.CacheRule{
			TTLSeconds:     int(cache.DefaultTTL(key).Seconds()),
			InvalidateTags: []string{tag},
		}
	}
	rules["notion:update_page"] = interceptor.CacheRule{IsMutating: true, InvalidateTags: []string{"notion"}}
	rules["github:create_pr"] = interceptor.CacheRule{IsMutating: true, InvalidateTags: []string{"github"}}
	return rules
}
