package httpserver

import (
	"context"
	"crypto/subtle"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kestrix/agentcore/internal/ratelimit"
	"github.com/kestrix/agentcore/internal/telemetry"
)

type contextKey string

const requestIDContextKey contextKey = "requestID"

// RequestID injects a per-request id, honouring an inbound X-Request-ID
// header if present, and echoes it on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDContextKey, id)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFromContext reads the request id RequestID stored, or "" if
// none is present (e.g. in a unit test calling a handler directly).
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDContextKey).(string)
	return id
}

// ResponseTime sets X-Response-Time on every response.
func ResponseTime(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		defer func() {
			w.Header().Set("X-Response-Time", time.Since(start).String())
		}()
		next.ServeHTTP(w, r)
	})
}

// Logger logs one structured line per request, tagged with its request id
// so every log line for a request correlates by that id.
func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			logger.Info("http request",
				"request_id", RequestIDFromContext(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Metrics records HTTP request duration per (method, path, status).
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		telemetry.HTTPRequestDuration.With(prometheus.Labels{
			"method": r.Method,
			"path":   chiRoutePattern(r),
			"status": strconv.Itoa(sw.status),
		}).Observe(time.Since(start).Seconds())
	})
}

func chiRoutePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

// MaxBodyBytes enforces a request body size limit by counting actual bytes
// received (not trusting Content-Length), returning 413 APP-413-PAYLOAD
// when exceeded — catches a chunked-encoded body whose real size only
// becomes known while reading.
func MaxBodyBytes(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			counting := &countingReader{r: r.Body, limit: limit}
			r.Body = counting

			next.ServeHTTP(w, r)

			if counting.exceeded {
				RespondAppError(w, r, CodePayloadTooBig, "request body exceeds the configured size limit", OriginApp, nil)
			}
		})
	}
}

type countingReader struct {
	r        io.ReadCloser
	n        int64
	limit    int64
	exceeded bool
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if c.n > c.limit {
		c.exceeded = true
		return n, io.ErrUnexpectedEOF
	}
	return n, err
}

func (c *countingReader) Close() error { return c.r.Close() }

// streamingPaths is consulted by Timeout to exempt SSE endpoints from the
// blanket request timeout.
var streamingPaths = []string{"/api/v1/chat/stream"}

// Timeout bounds non-streaming request handling to d; streaming paths
// (and requests with ?stream=true) are exempted since they are expected
// to run for the lifetime of the connection.
func Timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isStreamingRequest(r) {
				next.ServeHTTP(w, r)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func isStreamingRequest(r *http.Request) bool {
	for _, p := range streamingPaths {
		if r.URL.Path == p {
			return true
		}
	}
	return r.URL.Query().Get("stream") == "true"
}

// RequireAPIKey rejects requests without a matching X-API-Key header.
// Constant-time compare avoids leaking key length/prefix via timing.
func RequireAPIKey(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-API-Key")
			if got == "" {
				if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
					got = strings.TrimPrefix(auth, "Bearer ")
				}
			}
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(apiKey)) != 1 {
				RespondAppError(w, r, CodeUnauthorized, "missing or invalid API key", OriginApp, nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit rejects requests once the caller's per-route bucket is
// exhausted, deriving the bucket key from the API key or client IP.
func RateLimit(limiter *ratelimit.Limiter, route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identifier := r.Header.Get("X-API-Key")
			if identifier == "" {
				identifier = clientIP(r)
			}
			key := ratelimit.KeyFor(identifier)
			decision := limiter.Allow(key, route)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))

			if !decision.Allowed {
				w.Header().Set("Retry-After", strconv.FormatFloat(decision.RetryAfterS, 'f', 0, 64))
				RespondAppError(w, r, CodeRateLimited, "rate limit exceeded", OriginApp, nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
