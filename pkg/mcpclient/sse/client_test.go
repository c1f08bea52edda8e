package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// fakeSSEServer serves a /stream endpoint that echoes back whatever
// correlation id + op was posted to /events, simulating an MCP server that
// replies to requests out-of-band over the event stream.
func fakeSSEServer(t *testing.T) *httptest.Server {
	t.Helper()

	var mu sync.Mutex
	var flushers []chan string

	mux := http.NewServeMux()
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		f, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("response writer does not support flushing")
		}

		ch := make(chan string, 8)
		mu.Lock()
		flushers = append(flushers, ch)
		mu.Unlock()

		for {
			select {
			case data := <-ch:
				fmt.Fprintf(w, "data: %s\n\n", data)
				f.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		var envelope struct {
			ID      string          `json:"id"`
			Op      string          `json:"op"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		var payload json.RawMessage
		switch envelope.Op {
		case "list_tools":
			payload = json.RawMessage(`{"tools":[{"name":"get_page","description":"fetch","input_schema":{}}]}`)
		default:
			payload = json.RawMessage(`{"ok":true}`)
		}

		resp, _ := json.Marshal(map[string]any{"id": envelope.ID, "payload": payload})
		mu.Lock()
		for _, ch := range flushers {
			ch <- string(resp)
		}
		mu.Unlock()

		w.WriteHeader(http.StatusAccepted)
	})

	return httptest.NewServer(mux)
}

func TestListTools_ParsesAndPrefixesNames(t *testing.T) {
	srv := fakeSSEServer(t)
	defer srv.Close()

	c := New("notion", srv.URL, "test-token")
	defer c.Close()

	tools, err := c.ListTools(t.Context())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(tools))
	}
	if tools[0].Name != "notion:get_page" {
		t.Fatalf("got name %q, want notion:get_page", tools[0].Name)
	}
}

func TestCallTool_Success(t *testing.T) {
	srv := fakeSSEServer(t)
	defer srv.Close()

	c := New("notion", srv.URL, "test-token")
	defer c.Close()

	res := c.CallTool(t.Context(), "get_page", json.RawMessage(`{"id":"1"}`))
	if res.Err != nil {
		t.Fatalf("CallTool: %v", res.Err)
	}
	if string(res.Result) != `{"ok":true}` {
		t.Fatalf("got result %s", res.Result)
	}
}

func TestCallTool_TimesOutWithoutResponse(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		<-r.Context().Done()
	})
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New("notion", srv.URL, "test-token")
	defer c.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()

	res := c.CallTool(ctx, "get_page", json.RawMessage(`{}`))
	if res.Err == nil {
		t.Fatal("expected a context-deadline error")
	}
}

func TestIsAuthError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"401", &statusError{status: http.StatusUnauthorized}, true},
		{"403", &statusError{status: http.StatusForbidden}, true},
		{"500", &statusError{status: http.StatusInternalServerError}, false},
		{"non-status error", fmt.Errorf("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isAuthError(tc.err); got != tc.want {
				t.Errorf("isAuthError(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
