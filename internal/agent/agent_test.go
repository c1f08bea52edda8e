package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/kestrix/agentcore/internal/interceptor"
)

// nullModel is a deterministic ChatModel double: it scripts a fixed
// sequence of turns and returns them in order, regardless of input.
type nullModel struct {
	turns []ModelTurn
	calls int
	err   error
}

func (m *nullModel) Next(ctx context.Context, messages []Message, tools []ToolSpec, toolResults []ToolResult) (ModelTurn, error) {
	if m.err != nil {
		return ModelTurn{}, m.err
	}
	if m.calls >= len(m.turns) {
		return ModelTurn{Text: "done", Done: true}, nil
	}
	t := m.turns[m.calls]
	m.calls++
	return t, nil
}

func noopToolCaller(ctx context.Context, call ToolCallRequest) interceptor.Result {
	return interceptor.Result{Value: json.RawMessage(`{"ok":true}`)}
}

func TestRun_NoToolCalls_ReturnsImmediately(t *testing.T) {
	model := &nullModel{turns: []ModelTurn{{Text: "hello there", Done: true}}}
	o := New(model, "test-model")

	res, err := o.Run(t.Context(), Request{Messages: []Message{{Role: "user", Content: "hi"}}}, noopToolCaller)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Reply != "hello there" {
		t.Fatalf("got reply %q", res.Reply)
	}
	if res.Meta.ToolCalls != 0 {
		t.Fatalf("expected 0 tool calls, got %d", res.Meta.ToolCalls)
	}
}

func TestRun_ExecutesToolCallsThenFinishes(t *testing.T) {
	model := &nullModel{turns: []ModelTurn{
		{ToolCalls: []ToolCallRequest{{Server: "notion", Tool: "get_page"}}},
		{Text: "final answer", Done: true},
	}}
	o := New(model, "test-model")

	res, err := o.Run(t.Context(), Request{}, noopToolCaller)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Reply != "final answer" {
		t.Fatalf("got reply %q", res.Reply)
	}
	if res.Meta.ToolCalls != 1 {
		t.Fatalf("expected 1 tool call, got %d", res.Meta.ToolCalls)
	}
}

func TestRun_ExceedsMaxToolCalls(t *testing.T) {
	model := &nullModel{turns: []ModelTurn{
		{ToolCalls: []ToolCallRequest{{Tool: "a"}, {Tool: "b"}, {Tool: "c"}}},
	}}
	o := New(model, "test-model")

	_, err := o.Run(t.Context(), Request{MaxToolCalls: 2}, noopToolCaller)
	var ae *AgentError
	if !errors.As(err, &ae) || ae.Code != ErrToolExec {
		t.Fatalf("expected a TOOL_EXEC_ERROR, got %v", err)
	}
}

func TestRun_ModelErrorClassifiedAsProviderError(t *testing.T) {
	model := &nullModel{err: errors.New("rate limited")}
	o := New(model, "test-model")

	_, err := o.Run(t.Context(), Request{}, noopToolCaller)
	var ae *AgentError
	if !errors.As(err, &ae) || ae.Code != ErrModelProvider {
		t.Fatalf("expected a MODEL_PROVIDER_ERROR, got %v", err)
	}
}

func TestRun_ToolErrorDoesNotAbortTheLoop(t *testing.T) {
	failingCaller := func(ctx context.Context, call ToolCallRequest) interceptor.Result {
		return interceptor.Result{Err: errors.New("tool unavailable")}
	}
	model := &nullModel{turns: []ModelTurn{
		{ToolCalls: []ToolCallRequest{{Tool: "flaky"}}},
		{Text: "recovered", Done: true},
	}}
	o := New(model, "test-model")

	res, err := o.Run(t.Context(), Request{}, failingCaller)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Reply != "recovered" {
		t.Fatalf("got reply %q, want the loop to continue past the tool error", res.Reply)
	}
}

func TestStream_EmitsTextToolCallAndFinalEvents(t *testing.T) {
	model := &nullModel{turns: []ModelTurn{
		{Text: "thinking...", ToolCalls: []ToolCallRequest{{Server: "notion", Tool: "get_page"}}},
		{Text: "final", Done: true},
	}}
	o := New(model, "test-model")

	out := make(chan StreamEvent, 16)
	o.Stream(t.Context(), Request{}, noopToolCaller, out)

	var types []StreamEventType
	for ev := range out {
		types = append(types, ev.Type)
	}

	want := []StreamEventType{StreamEventText, StreamEventToolCall, StreamEventText, StreamEventFinal}
	if len(types) != len(want) {
		t.Fatalf("got event types %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("got event types %v, want %v", types, want)
		}
	}
}

func TestClassifyModelError_PreservesAlreadyClassifiedErrors(t *testing.T) {
	original := &AgentError{Code: ErrMCPUnavailable, Err: errors.New("router down")}
	got := classifyModelError(original)
	var ae *AgentError
	if !errors.As(got, &ae) || ae.Code != ErrMCPUnavailable {
		t.Fatalf("expected code to be preserved, got %v", got)
	}
}
