package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/kestrix/agentcore/internal/config"
	"github.com/kestrix/agentcore/internal/oauthmgr"
	"github.com/kestrix/agentcore/internal/ratelimit"
	"github.com/kestrix/agentcore/internal/refresh"
)

// chatBodyLimit is the POST /api/v1/chat body size ceiling, distinct from
// the general MAX_REQUEST_BODY_BYTES default.
const chatBodyLimit = 5 * 1024 * 1024

// Server holds the HTTP server dependencies and routes for C13.
type Server struct {
	Router    *chi.Mux
	Logger    *slog.Logger
	DB        *pgxpool.Pool
	Redis     *redis.Client
	Metrics   *prometheus.Registry
	startedAt time.Time

	oauthMgr *oauthmgr.Manager
	refresh  *refresh.Scheduler
}

// Deps bundles everything NewServer needs to mount C13's routes over the
// other twelve components.
type Deps struct {
	Config   *config.Config
	Logger   *slog.Logger
	DB       *pgxpool.Pool
	Redis    *redis.Client
	Metrics  *prometheus.Registry
	Limiter  *ratelimit.Limiter
	Chat     *ChatHandler
	OAuthMgr *oauthmgr.Manager
	Refresh  *refresh.Scheduler

	// BudgetAdmin mounts internal/budgetadmin's routes under /admin/budgets,
	// gated by RequireAPIKey. Left nil disables the admin surface entirely
	// (e.g. when API_KEY isn't configured).
	BudgetAdmin http.Handler
}

// NewServer builds the chi router, installs ambient middleware, and mounts
// every route this service exposes.
func NewServer(d Deps) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    d.Logger,
		DB:        d.DB,
		Redis:     d.Redis,
		Metrics:   d.Metrics,
		startedAt: time.Now(),
		oauthMgr:  d.OAuthMgr,
		refresh:   d.Refresh,
	}

	s.Router.Use(RequestID)
	s.Router.Use(ResponseTime)
	s.Router.Use(Logger(d.Logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.Config.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-API-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Unauthenticated health and metrics surface.
	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Get("/healthz/oauth", s.handleHealthzOAuth)
	s.Router.Handle(d.Config.MetricsPath, promhttp.HandlerFor(d.Metrics, promhttp.HandlerOpts{}))

	// OAuth begin/callback (C3), unauthenticated by design: Begin mints its
	// own CSRF state, Complete validates it.
	s.Router.Get("/oauth/connect/{provider}", s.handleOAuthConnect)
	s.Router.Get("/oauth/{provider}/callback", s.handleOAuthCallback)

	// Chat surface (C13 fronting C6-C11). Body size capped independently of
	// the general request limit at a 5 MiB chat body ceiling, and
	// rate-limited under the default per-route policy.
	s.Router.Group(func(r chi.Router) {
		r.Use(MaxBodyBytes(chatBodyLimit))
		if d.Limiter != nil {
			r.Use(RateLimit(d.Limiter, "chat"))
		}
		r.Post("/api/v1/chat", d.Chat.HandleChat)
		r.Get("/api/v1/chat/stream", d.Chat.HandleChatStream)
		r.Get("/api/v1/threads", d.Chat.HandleListThreads)
		r.Get("/api/v1/threads/{threadID}/messages", d.Chat.HandleListMessages)
	})

	// Budget admin surface (C10 supplement), gated by the static API key
	// since this domain has no staff-role system.
	if d.BudgetAdmin != nil && d.Config.APIKey != "" {
		s.Router.Group(func(r chi.Router) {
			r.Use(RequireAPIKey(d.Config.APIKey))
			r.Mount("/admin/budgets", d.BudgetAdmin)
		})
	}

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.DB.Ping(ctx); err != nil {
		s.Logger.Error("readiness check: database ping failed", "error", err)
		RespondAppError(w, r, CodeInternal, "database not ready", OriginApp, nil)
		return
	}
	if err := s.Redis.Ping(ctx).Err(); err != nil {
		s.Logger.Error("readiness check: redis ping failed", "error", err)
		RespondAppError(w, r, CodeInternal, "redis not ready", OriginApp, nil)
		return
	}
	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

// oauthHealthResponse is the /healthz/oauth body: per-provider
// needs_reauth counts plus the refresh scheduler's last-sweep stats,
// restoring the monitoring surface the distilled spec only names as an
// endpoint without a body shape.
type oauthHealthResponse struct {
	NeedsReauth map[string]int `json:"needsReauth"`
	LastSweep   refreshStats   `json:"lastSweep"`
}

type refreshStats struct {
	Examined  int       `json:"examined"`
	Refreshed int       `json:"refreshed"`
	Skipped   int       `json:"skipped"`
	SweptAt   time.Time `json:"sweptAt"`
}

func (s *Server) handleHealthzOAuth(w http.ResponseWriter, r *http.Request) {
	counts, err := s.oauthMgr.NeedsReauthCounts(r.Context())
	if err != nil {
		s.Logger.Error("healthz/oauth: counting needs_reauth connections", "error", err)
		RespondAppError(w, r, CodeInternal, "collecting oauth health failed", OriginApp, nil)
		return
	}

	var stats refreshStats
	if s.refresh != nil {
		last := s.refresh.LastStats()
		stats = refreshStats{
			Examined:  last.Examined,
			Refreshed: last.Refreshed,
			Skipped:   last.Skipped,
			SweptAt:   last.SweptAt,
		}
	}

	Respond(w, http.StatusOK, oauthHealthResponse{NeedsReauth: counts, LastSweep: stats})
}

// handleOAuthConnect implements GET /oauth/connect/<provider>: mints CSRF
// state and redirects the browser to the provider's consent screen.
func (s *Server) handleOAuthConnect(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	flowSession := r.URL.Query().Get("session")
	returnTo := r.URL.Query().Get("returnTo")

	_, authURL, err := s.oauthMgr.Begin(r.Context(), provider, nil, flowSession, returnTo)
	if err != nil {
		s.Logger.Error("oauth connect: begin failed", "provider", provider, "error", err)
		RespondAppError(w, r, CodeOAuthConfig, "starting oauth flow failed", OriginOAuth, nil)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleOAuthCallback implements GET /oauth/<provider>/callback: exchanges
// the authorization code and renders a minimal HTML confirmation, since the
// browser tab that started the flow has nothing else to show the user.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	flowSession := r.URL.Query().Get("session")

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		RespondAppError(w, r, CodeOAuthDenied, "the user denied the connection request", OriginOAuth, nil)
		return
	}
	if code == "" || state == "" {
		RespondAppError(w, r, CodeValidation, "missing code or state", OriginOAuth, nil)
		return
	}

	conn, err := s.oauthMgr.Complete(r.Context(), provider, code, state, flowSession)
	if err != nil {
		s.Logger.Error("oauth callback: completing flow failed", "provider", provider, "error", err)
		RespondAppError(w, r, CodeOAuthExchange, "completing oauth flow failed", OriginOAuth, nil)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("<!doctype html><html><body><p>Connected " + conn.Provider + ". You may close this tab.</p></body></html>"))
}
