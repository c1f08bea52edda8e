package telemetry

import (
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
)

// NewLogger builds the process-wide structured logger. format is "json" or
// "text"; level is one of debug/info/warn/error (case-insensitive).
func NewLogger(format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: redactAttr,
	}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// redactKeys lists attribute keys that must never reach a log sink with their
// real value. Matched case-insensitively against the attribute key only —
// callers must not smuggle secrets into unrelated keys.
var redactKeys = map[string]bool{
	"authorization":  true,
	"x-api-key":      true,
	"api_key":        true,
	"access_token":   true,
	"refresh_token":  true,
	"device_token":   true,
	"raw_token":      true,
	"client_secret":  true,
	"session_secret": true,
}

// redactAttr is a slog.HandlerOptions.ReplaceAttr hook that blanks any
// attribute whose key names a secret field, so no raw token, key, or
// secret ever reaches a log sink.
func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if redactKeys[lower(a.Key)] {
		a.Value = slog.StringValue("[REDACTED]")
	}
	return a
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 32
		}
	}
	return string(b)
}

// NewMetricsRegistry builds a Prometheus registry containing the Go/process
// collectors plus every collector passed in.
func NewMetricsRegistry(collectors ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	for _, c := range collectors {
		reg.MustRegister(c)
	}
	return reg
}
