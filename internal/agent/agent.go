// Package agent implements C11, the agent orchestrator: it drives the LLM
// loop against the toolset assembled by the MCP router (C6), every tool
// call the model makes is routed through the tool-call interceptor (C7),
// and errors are normalized into a fixed taxonomy.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kestrix/agentcore/internal/interceptor"
)

// ErrorCode is one of the four buckets every orchestrator failure is
// normalized into.
type ErrorCode string

const (
	ErrModelProvider  ErrorCode = "MODEL_PROVIDER_ERROR"
	ErrMCPUnavailable ErrorCode = "MCP_UNAVAILABLE"
	ErrToolExec       ErrorCode = "TOOL_EXEC_ERROR"
	ErrAppUnexpected  ErrorCode = "APP_UNEXPECTED"
)

// AgentError carries a normalized error code alongside the underlying
// cause.
type AgentError struct {
	Code ErrorCode
	Err  error
}

func (e *AgentError) Error() string { return fmt.Sprintf("%s: %v", e.Code, e.Err) }
func (e *AgentError) Unwrap() error { return e.Err }

// Message is one entry in the conversation passed to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolSpec is a tool made available to the model for this turn.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ToolCallRequest is one tool invocation the model asked for.
type ToolCallRequest struct {
	Server string
	Tool   string
	Args   json.RawMessage
}

// ModelTurn is one step of the model's output: either final text, or a
// batch of tool calls to execute before continuing the loop.
type ModelTurn struct {
	Text      string
	ToolCalls []ToolCallRequest
	Done      bool
}

// ChatModel is the minimal surface the orchestrator drives. A concrete
// implementation wraps a provider SDK (e.g. Anthropic's messages API); see
// nullModel in the test file for a deterministic double.
type ChatModel interface {
	// Next produces the model's next turn given the conversation so far
	// and the tool results (if any) from the previous turn's tool calls.
	Next(ctx context.Context, messages []Message, tools []ToolSpec, toolResults []ToolResult) (ModelTurn, error)
}

// ToolResult pairs a tool call with its outcome, fed back to the model on
// the next turn.
type ToolResult struct {
	Server string
	Tool   string
	Value  json.RawMessage
	Err    error
}

// Usage accumulates token counts across a request's model turns.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ChatResult is the non-streaming response shape.
type ChatResult struct {
	Reply string
	Meta  ChatMeta
}

// ChatMeta is metadata attached to a ChatResult.
type ChatMeta struct {
	ToolCalls  int
	Usage      Usage
	DurationMS int64
	Model      string
}

// StreamEventType discriminates StreamEvent.Type.
type StreamEventType string

const (
	StreamEventText     StreamEventType = "text"
	StreamEventToolCall StreamEventType = "tool_call"
	StreamEventWarning  StreamEventType = "warning"
	StreamEventError    StreamEventType = "error"
	StreamEventFinal    StreamEventType = "final"
)

// StreamEvent is one unit of a streaming chat response.
type StreamEvent struct {
	Type    StreamEventType
	Text    string
	Tool    *ToolCallRequest
	Warning string
	Err     error
	Final   *ChatResult
}

// ToolCaller invokes one tool call through the interceptor (C7) and
// returns its result.
type ToolCaller func(ctx context.Context, call ToolCallRequest) interceptor.Result

// Request bundles one chat request's inputs.
type Request struct {
	Messages       []Message
	ThreadID       uuid.UUID
	UserID         *uuid.UUID
	Workspace      string
	Tools          []ToolSpec
	MaxToolCalls   int
	TimeoutSeconds int
	ForceRefresh   bool
}

// Orchestrator drives the model loop. callTool is supplied per call (not
// fixed at construction) because it closes over request-scoped state — the
// thread id, request id, and a strictly-increasing call_index — that the
// orchestrator itself is shared across requests and does not own.
type Orchestrator struct {
	model               ChatModel
	modelName           string
	maxToolCallsDefault int
}

// New constructs an Orchestrator.
func New(model ChatModel, modelName string) *Orchestrator {
	return &Orchestrator{
		model:               model,
		modelName:           modelName,
		maxToolCallsDefault: 10,
	}
}

// Run executes req synchronously and returns the final reply.
func (o *Orchestrator) Run(ctx context.Context, req Request, callTool ToolCaller) (ChatResult, error) {
	start := time.Now()
	ctx, cancel := o.withTimeout(ctx, req.TimeoutSeconds)
	defer cancel()

	maxCalls := req.MaxToolCalls
	if maxCalls <= 0 {
		maxCalls = o.maxToolCallsDefault
	}

	messages := append([]Message(nil), req.Messages...)
	var toolResults []ToolResult
	var totalToolCalls int
	var usage Usage

	for {
		turn, err := o.model.Next(ctx, messages, req.Tools, toolResults)
		if err != nil {
			return ChatResult{}, classifyModelError(err)
		}

		if len(turn.ToolCalls) == 0 || turn.Done {
			return ChatResult{
				Reply: turn.Text,
				Meta: ChatMeta{
					ToolCalls:  totalToolCalls,
					Usage:      usage,
					DurationMS: time.Since(start).Milliseconds(),
					Model:      o.modelName,
				},
			}, nil
		}

		if totalToolCalls+len(turn.ToolCalls) > maxCalls {
			return ChatResult{}, &AgentError{Code: ErrToolExec, Err: fmt.Errorf("exceeded max_tool_calls (%d)", maxCalls)}
		}

		toolResults = nil
		for _, call := range turn.ToolCalls {
			select {
			case <-ctx.Done():
				return ChatResult{}, &AgentError{Code: ErrAppUnexpected, Err: ctx.Err()}
			default:
			}

			res := callTool(ctx, call)
			totalToolCalls++
			if res.Err != nil {
				toolResults = append(toolResults, ToolResult{Server: call.Server, Tool: call.Tool, Err: res.Err})
				continue
			}
			toolResults = append(toolResults, ToolResult{Server: call.Server, Tool: call.Tool, Value: res.Value})
		}
	}
}

// Stream executes req and emits StreamEvents to out, closing it when done.
// It runs the same loop as Run but surfaces intermediate text and tool
// calls as they happen.
func (o *Orchestrator) Stream(ctx context.Context, req Request, callTool ToolCaller, out chan<- StreamEvent) {
	defer close(out)

	start := time.Now()
	ctx, cancel := o.withTimeout(ctx, req.TimeoutSeconds)
	defer cancel()

	maxCalls := req.MaxToolCalls
	if maxCalls <= 0 {
		maxCalls = o.maxToolCallsDefault
	}

	messages := append([]Message(nil), req.Messages...)
	var toolResults []ToolResult
	var totalToolCalls int
	var usage Usage

	for {
		turn, err := o.model.Next(ctx, messages, req.Tools, toolResults)
		if err != nil {
			out <- StreamEvent{Type: StreamEventError, Err: classifyModelError(err)}
			return
		}

		if turn.Text != "" {
			out <- StreamEvent{Type: StreamEventText, Text: turn.Text}
		}

		if len(turn.ToolCalls) == 0 || turn.Done {
			final := ChatResult{
				Reply: turn.Text,
				Meta: ChatMeta{
					ToolCalls:  totalToolCalls,
					Usage:      usage,
					DurationMS: time.Since(start).Milliseconds(),
					Model:      o.modelName,
				},
			}
			out <- StreamEvent{Type: StreamEventFinal, Final: &final}
			return
		}

		if totalToolCalls+len(turn.ToolCalls) > maxCalls {
			out <- StreamEvent{Type: StreamEventError, Err: &AgentError{Code: ErrToolExec, Err: fmt.Errorf("exceeded max_tool_calls (%d)", maxCalls)}}
			return
		}

		toolResults = nil
		for _, call := range turn.ToolCalls {
			select {
			case <-ctx.Done():
				out <- StreamEvent{Type: StreamEventError, Err: &AgentError{Code: ErrAppUnexpected, Err: ctx.Err()}}
				return
			default:
			}

			callCopy := call
			out <- StreamEvent{Type: StreamEventToolCall, Tool: &callCopy}

			res := callTool(ctx, call)
			totalToolCalls++
			if res.Err != nil {
				toolResults = append(toolResults, ToolResult{Server: call.Server, Tool: call.Tool, Err: res.Err})
				out <- StreamEvent{Type: StreamEventWarning, Warning: fmt.Sprintf("tool %s failed: %v", call.Tool, res.Err)}
				continue
			}
			toolResults = append(toolResults, ToolResult{Server: call.Server, Tool: call.Tool, Value: res.Value})
		}
	}
}

func (o *Orchestrator) withTimeout(ctx context.Context, seconds int) (context.Context, context.CancelFunc) {
	if seconds <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(seconds)*time.Second)
}

// classifyModelError buckets a raw model-SDK error into the fixed
// taxonomy. A model-layer error is assumed to be a provider error unless
// it is already a classified AgentError or signals context cancellation.
func classifyModelError(err error) error {
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &AgentError{Code: ErrAppUnexpected, Err: err}
	}
	return &AgentError{Code: ErrModelProvider, Err: err}
}
