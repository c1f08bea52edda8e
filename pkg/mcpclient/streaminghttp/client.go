// Package streaminghttp implements an mcpclient.Client over plain
// request/response HTTP: each ListTools/CallTool is one round trip against
// a bearer-token-bearing REST peer.
//
// Grounded on pkg/mattermost/client.go's do() helper (marshal body, set
// bearer auth, decode JSON response, surface >=400 as an error) and
// pkg/slack's goslack.Client wrapper shape — an MCP tool server over
// streaming HTTP is, transport-wise, the same "bot-token-bearing REST
// peer" shape slack-go wraps.
package streaminghttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kestrix/agentcore/pkg/mcpclient"
)

// Client is a streaming-HTTP MCP tool client.
type Client struct {
	serverName string
	baseURL    string
	token      string
	httpClient *http.Client
}

// New constructs a Client. token is the bearer token (for user-scoped
// providers, the pool (C5) supplies the user's decrypted access token; for
// global tool servers, a static server token).
func New(serverName, baseURL, token string) *Client {
	return &Client{
		serverName: serverName,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// ListTools fetches the server's tool catalog.
func (c *Client) ListTools(ctx context.Context) ([]mcpclient.ToolDescriptor, error) {
	var raw struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"input_schema"`
		} `json:"tools"`
	}
	if err := c.do(ctx, http.MethodGet, "/tools", nil, &raw); err != nil {
		return nil, fmt.Errorf("streaminghttp: listing tools: %w", err)
	}

	out := make([]mcpclient.ToolDescriptor, 0, len(raw.Tools))
	for _, t := range raw.Tools {
		out = append(out, mcpclient.ToolDescriptor{
			Server:       c.serverName,
			Name:         c.serverName + ":" + t.Name,
			OriginalName: t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return out, nil
}

// CallTool invokes a tool by its original (unprefixed) name.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) mcpclient.CallResult {
	var result json.RawMessage
	body := struct {
		Name string          `json:"name"`
		Args json.RawMessage `json:"arguments"`
	}{Name: name, Args: args}

	err := c.do(ctx, http.MethodPost, "/tools/call", body, &result)
	if err != nil {
		return mcpclient.CallResult{Err: err, AuthError: isAuthError(err)}
	}
	return mcpclient.CallResult{Result: result}
}

// Ping performs a lightweight liveness check via the tool list.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	_, err := c.ListTools(ctx)
	return time.Since(start), err
}

// Close is a no-op: this transport holds no long-lived connection.
func (c *Client) Close() error { return nil }

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("mcp server returned status %d: %s", e.status, e.body)
}

func isAuthError(err error) bool {
	var se *statusError
	if e, ok := err.(*statusError); ok {
		se = e
	} else {
		return false
	}
	return se.status == http.StatusUnauthorized || se.status == http.StatusForbidden
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return &statusError{status: resp.StatusCode, body: string(respBody)}
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
