// Package anthropicmodel adapts the Anthropic Messages API to the
// agent.ChatModel interface. Implementing the LLM provider itself is out
// of scope; this client is deliberately thin — a single request/response
// round-trip over net/http, grounded on pkg/mattermost's and pkg/slack's
// REST clients (baseURL + bearer-style header + do()).
package anthropicmodel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kestrix/agentcore/internal/agent"
)

const defaultBaseURL = "https://api.anthropic.com"

// Client calls the Anthropic Messages API.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// New constructs a Client. model is the Anthropic model id (e.g.
// "claude-sonnet-4-5") threaded through unchanged to the request body.
func New(apiKey, model string) *Client {
	return &Client{
		apiKey:  apiKey,
		model:   model,
		baseURL: defaultBaseURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type messageRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	Messages  []apiMessage `json:"messages"`
	Tools     []apiTool    `json:"tools,omitempty"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type messageResponse struct {
	StopReason string           `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Next implements agent.ChatModel. Tool results from the previous turn are
// folded into the conversation as a synthetic user message, since this
// client speaks the plain text-content flavor of the Messages API rather
// than its structured tool_result blocks.
func (c *Client) Next(ctx context.Context, messages []agent.Message, tools []agent.ToolSpec, toolResults []agent.ToolResult) (agent.ModelTurn, error) {
	apiMessages := make([]apiMessage, 0, len(messages)+1)
	for _, m := range messages {
		apiMessages = append(apiMessages, apiMessage{Role: m.Role, Content: m.Content})
	}
	if len(toolResults) > 0 {
		apiMessages = append(apiMessages, apiMessage{Role: "user", Content: renderToolResults(toolResults)})
	}

	apiTools := make([]apiTool, 0, len(tools))
	for _, t := range tools {
		apiTools = append(apiTools, apiTool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}

	reqBody := messageRequest{
		Model:     c.model,
		MaxTokens: 4096,
		Messages:  apiMessages,
		Tools:     apiTools,
	}

	var resp messageResponse
	if err := c.do(ctx, reqBody, &resp); err != nil {
		return agent.ModelTurn{}, err
	}

	turn := agent.ModelTurn{Done: resp.StopReason != "tool_use"}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			turn.Text += block.Text
		case "tool_use":
			server, tool := splitToolName(block.Name)
			turn.ToolCalls = append(turn.ToolCalls, agent.ToolCallRequest{
				Server: server,
				Tool:   tool,
				Args:   block.Input,
			})
		}
	}
	return turn, nil
}

// splitToolName recovers the router's "server:tool" prefixing convention
// (mcpclient.ToolDescriptor.Name) back into its two parts.
func splitToolName(name string) (server, tool string) {
	if server, tool, ok := strings.Cut(name, ":"); ok {
		return server, tool
	}
	return "", name
}

func renderToolResults(results []agent.ToolResult) string {
	var buf bytes.Buffer
	for _, r := range results {
		if r.Err != nil {
			fmt.Fprintf(&buf, "tool %s failed: %v\n", r.Tool, r.Err)
			continue
		}
		fmt.Fprintf(&buf, "tool %s result: %s\n", r.Tool, string(r.Value))
	}
	return buf.String()
}

func (c *Client) do(ctx context.Context, body, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("anthropicmodel: encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("anthropicmodel: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("anthropicmodel: request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("anthropicmodel: reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("anthropicmodel: status %d: %s", resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("anthropicmodel: decoding response: %w", err)
	}
	return nil
}
