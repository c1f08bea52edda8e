// Package mcpclient defines the capability interface MCP router (C6) and
// per-user tool-client pool (C5) drive. A tool server is reached over one
// of two transports: streaming HTTP (request/response per call, see the
// streaminghttp subpackage) or a long-lived SSE connection (see the sse
// subpackage).
package mcpclient

import (
	"context"
	"encoding/json"
	"time"
)

// ToolDescriptor is a tool advertised by a server, normalized into a
// collision-safe form by the router (name is prefixed with the server
// name).
type ToolDescriptor struct {
	Server       string          `json:"server"`
	Name         string          `json:"name"`
	OriginalName string          `json:"original_name"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"input_schema"`
}

// CallResult is the outcome of invoking a tool.
type CallResult struct {
	Result json.RawMessage
	// AuthError reports whether the failure was an authorization error
	// (401/403-equivalent), which the interceptor (C7) uses to decide
	// whether a single retry after token refresh is warranted.
	AuthError bool
	Err       error
}

// Client is the capability every tool-server transport must implement.
type Client interface {
	// ListTools fetches the server's current tool catalog.
	ListTools(ctx context.Context) ([]ToolDescriptor, error)

	// CallTool invokes name with args and returns its result.
	CallTool(ctx context.Context, name string, args json.RawMessage) CallResult

	// Ping performs a lightweight liveness check, used by the router's
	// health monitor.
	Ping(ctx context.Context) (latency time.Duration, err error)

	// Close releases any held resources (e.g. an open SSE connection).
	Close() error
}
