// Package sse implements an mcpclient.Client over a long-lived
// text/event-stream connection, parsed with bufio.Scanner.
//
// No example in the corpus imports an SSE client library, so this is the
// one ambient transport concern built directly on the standard library —
// see DESIGN.md for the justification.
package sse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrix/agentcore/pkg/mcpclient"
)

// Client is an SSE-transport MCP tool client. The connection is opened
// lazily on first use and reused across calls; CallTool multiplexes
// request/response pairs over the single stream via a correlation id.
type Client struct {
	serverName string
	baseURL    string
	token      string
	httpClient *http.Client

	mu   sync.Mutex
	conn *connection
}

type connection struct {
	resp   *http.Response
	cancel context.CancelFunc

	pending sync.Map // correlation id -> chan json.RawMessage
}

// New constructs a Client.
func New(serverName, baseURL, token string) *Client {
	return &Client{
		serverName: serverName,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
	}
}

// ListTools fetches the server's current tool catalog via a single
// request/response exchanged over the SSE stream.
func (c *Client) ListTools(ctx context.Context) ([]mcpclient.ToolDescriptor, error) {
	raw, err := c.exchange(ctx, "list_tools", nil)
	if err != nil {
		return nil, fmt.Errorf("sse: listing tools: %w", err)
	}
	var parsed struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"input_schema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("sse: decoding tool list: %w", err)
	}
	out := make([]mcpclient.ToolDescriptor, 0, len(parsed.Tools))
	for _, t := range parsed.Tools {
		out = append(out, mcpclient.ToolDescriptor{
			Server:       c.serverName,
			Name:         c.serverName + ":" + t.Name,
			OriginalName: t.Name,
			Description:  t.Description,
			InputSchema:  t.InputSchema,
		})
	}
	return out, nil
}

// CallTool invokes name with args over the stream.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) mcpclient.CallResult {
	raw, err := c.exchange(ctx, "call_tool", map[string]any{"name": name, "arguments": args})
	if err != nil {
		return mcpclient.CallResult{Err: err, AuthError: isAuthError(err)}
	}
	return mcpclient.CallResult{Result: raw}
}

// Ping checks the connection is alive by issuing a tool-list exchange.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	_, err := c.ListTools(ctx)
	return time.Since(start), err
}

// Close tears down the underlying SSE connection, if open.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	c.conn.cancel()
	err := c.conn.resp.Body.Close()
	c.conn = nil
	return err
}

// exchange sends op/payload as an event on the stream and waits for the
// matching correlated response.
func (c *Client) exchange(ctx context.Context, op string, payload any) (json.RawMessage, error) {
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	respCh := make(chan json.RawMessage, 1)
	conn.pending.Store(id, respCh)
	defer conn.pending.Delete(id)

	body, _ := json.Marshal(map[string]any{"id": id, "op": op, "payload": payload})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/events", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return nil, &statusError{status: resp.StatusCode, body: string(b)}
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-respCh:
		return r, nil
	}
}

func (c *Client) ensureConn(ctx context.Context) (*connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.baseURL+"/stream", nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode >= 400 {
		cancel()
		b, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, &statusError{status: resp.StatusCode, body: string(b)}
	}

	conn := &connection{resp: resp, cancel: cancel}
	c.conn = conn
	go conn.readLoop()
	return conn, nil
}

func (conn *connection) readLoop() {
	scanner := bufio.NewScanner(conn.resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var dataLines []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(dataLines) > 0 {
				conn.dispatch([]byte(strings.Join(dataLines, "\n")))
				dataLines = nil
			}
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, ":"):
			// keepalive comment, ignore
		}
	}
}

func (conn *connection) dispatch(data []byte) {
	var envelope struct {
		ID      string          `json:"id"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return
	}
	v, ok := conn.pending.Load(envelope.ID)
	if !ok {
		return
	}
	ch := v.(chan json.RawMessage)
	select {
	case ch <- envelope.Payload:
	default:
	}
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("mcp sse server returned status %d: %s", e.status, e.body)
}

func isAuthError(err error) bool {
	se, ok := err.(*statusError)
	if !ok {
		return false
	}
	return se.status == http.StatusUnauthorized || se.status == http.StatusForbidden
}
