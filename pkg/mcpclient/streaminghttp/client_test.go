package streaminghttp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestListTools_ParsesAndPrefixesNames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("got auth header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tools":[{"name":"get_page","description":"fetch a page","input_schema":{"type":"object"}}]}`))
	}))
	defer srv.Close()

	c := New("notion", srv.URL, "test-token")
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
	if tools[0].OriginalName != "get_page" {
		t.Fatalf("got original name %q, want get_page", tools[0].OriginalName)
	}
}

func TestCallTool_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New("notion", srv.URL, "test-token")
	res := c.CallTool(t.Context(), "get_page", json.RawMessage(`{"id":"123"}`))
	if res.Err != nil {
		t.Fatalf("CallTool: %v", res.Err)
	}
	if string(res.Result) != `{"ok":true}` {
		t.Fatalf("got result %s", res.Result)
	}
}

func TestCallTool_AuthErrorFlagged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`unauthorized`))
	}))
	defer srv.Close()

	c := New("notion", srv.URL, "expired-token")
	res := c.CallTool(t.Context(), "get_page", json.RawMessage(`{}`))
	if res.Err == nil {
		t.Fatal("expected an error")
	}
	if !res.AuthError {
		t.Fatal("expected AuthError to be true for a 401 response")
	}
}

func TestCallTool_ServerErrorNotFlaggedAsAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`boom`))
	}))
	defer srv.Close()

	c := New("notion", srv.URL, "token")
	res := c.CallTool(t.Context(), "get_page", json.RawMessage(`{}`))
	if res.Err == nil {
		t.Fatal("expected an error")
	}
	if res.AuthError {
		t.Fatal("expected AuthError false for a 500 response")
	}
}
