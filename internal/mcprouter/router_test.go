package mcprouter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/kestrix/agentcore/pkg/mcpclient"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClient is a scriptable mcpclient.Client test double.
type fakeClient struct {
	tools    []mcpclient.ToolDescriptor
	pingErr  error
	pingLat  time.Duration
	callFunc func(name string, args json.RawMessage) mcpclient.CallResult
}

func (f *fakeClient) ListTools(ctx context.Context) ([]mcpclient.ToolDescriptor, error) {
	return f.tools, nil
}

func (f *fakeClient) CallTool(ctx context.Context, name string, args json.RawMessage) mcpclient.CallResult {
	if f.callFunc != nil {
		return f.callFunc(name, args)
	}
	return mcpclient.CallResult{Result: json.RawMessage(`{}`)}
}

func (f *fakeClient) Ping(ctx context.Context) (time.Duration, error) {
	return f.pingLat, f.pingErr
}

func (f *fakeClient) Close() error { return nil }

func TestStartup_MarksHealthyOnSuccessfulPing(t *testing.T) {
	servers := map[string]mcpclient.Client{
		"notion": &fakeClient{},
	}
	r := New(servers, testLogger(), Options{})
	r.Startup(t.Context())

	summary := r.Summary()
	if summary.Overall != StatusHealthy {
		t.Fatalf("got overall %v, want healthy", summary.Overall)
	}
	if summary.HealthyCount != 1 {
		t.Fatalf("got healthy count %d, want 1", summary.HealthyCount)
	}
}

func TestStartup_MarksUnhealthyOnFailedPing(t *testing.T) {
	servers := map[string]mcpclient.Client{
		"github": &fakeClient{pingErr: errors.New("connection refused")},
	}
	r := New(servers, testLogger(), Options{})
	r.Startup(t.Context())

	summary := r.Summary()
	if summary.Overall != StatusUnhealthy {
		t.Fatalf("got overall %v, want unhealthy", summary.Overall)
	}
}

func TestSummary_DegradedWhenMixed(t *testing.T) {
	servers := map[string]mcpclient.Client{
		"notion": &fakeClient{},
		"github": &fakeClient{pingErr: errors.New("timeout")},
	}
	r := New(servers, testLogger(), Options{})
	r.Startup(t.Context())

	summary := r.Summary()
	if summary.Overall != StatusDegraded {
		t.Fatalf("got overall %v, want degraded", summary.Overall)
	}
	if summary.HealthyCount != 1 || summary.TotalCount != 2 {
		t.Fatalf("got healthy=%d total=%d", summary.HealthyCount, summary.TotalCount)
	}
}

func TestTools_CachesUntilForced(t *testing.T) {
	calls := 0
	client := &fakeClient{tools: []mcpclient.ToolDescriptor{{Name: "notion:get_page"}}}
	servers := map[string]mcpclient.Client{"notion": client}
	r := New(servers, testLogger(), Options{ToolCacheTTL: time.Hour})

	wrap := &countingClient{fakeClient: client, calls: &calls}
	r.servers["notion"] = wrap

	if _, err := r.Tools(t.Context(), "notion", false); err != nil {
		t.Fatalf("Tools: %v", err)
	}
	if _, err := r.Tools(t.Context(), "notion", false); err != nil {
		t.Fatalf("Tools: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 underlying ListTools call, got %d", calls)
	}

	if _, err := r.Tools(t.Context(), "notion", true); err != nil {
		t.Fatalf("Tools forced: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 underlying ListTools calls after force, got %d", calls)
	}
}

type countingClient struct {
	*fakeClient
	calls *int
}

func (c *countingClient) ListTools(ctx context.Context) ([]mcpclient.ToolDescriptor, error) {
	*c.calls++
	return c.fakeClient.tools, nil
}

func TestToolsetFor_ExcludesUnhealthyServers(t *testing.T) {
	servers := map[string]mcpclient.Client{
		"notion": &fakeClient{},
		"github": &fakeClient{pingErr: errors.New("down")},
	}
	r := New(servers, testLogger(), Options{})
	r.Startup(t.Context())

	toolset, err := r.ToolsetFor(t.Context(), nil, nil)
	if err != nil {
		t.Fatalf("ToolsetFor: %v", err)
	}
	if _, ok := toolset["notion"]; !ok {
		t.Fatal("expected healthy server notion in toolset")
	}
	if _, ok := toolset["github"]; ok {
		t.Fatal("expected unhealthy server github excluded from toolset")
	}
}

func TestCall_UnknownServer(t *testing.T) {
	r := New(map[string]mcpclient.Client{}, testLogger(), Options{})
	res := r.Call(t.Context(), "nope", "tool", nil)
	if res.Err == nil {
		t.Fatal("expected an error for an unknown server")
	}
}
