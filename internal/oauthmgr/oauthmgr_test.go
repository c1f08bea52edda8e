package oauthmgr

import (
	"errors"
	"net/http"
	"testing"

	"golang.org/x/oauth2"
)

func TestClassifyRefreshError_Nil(t *testing.T) {
	if got := classifyRefreshError(nil); got != outcomeSuccess {
		t.Fatalf("got %v, want outcomeSuccess", got)
	}
}

func TestClassifyRefreshError_Terminal401(t *testing.T) {
	err := &oauth2.RetrieveError{Response: &http.Response{StatusCode: 401}}
	if got := classifyRefreshError(err); got != outcomeTerminal {
		t.Fatalf("got %v, want outcomeTerminal", got)
	}
}

func TestClassifyRefreshError_TerminalInvalidGrant(t *testing.T) {
	err := &oauth2.RetrieveError{Response: &http.Response{StatusCode: 400}, ErrorCode: "invalid_grant"}
	if got := classifyRefreshError(err); got != outcomeTerminal {
		t.Fatalf("got %v, want outcomeTerminal", got)
	}
}

func TestClassifyRefreshError_Transient5xx(t *testing.T) {
	err := &oauth2.RetrieveError{Response: &http.Response{StatusCode: 503}}
	if got := classifyRefreshError(err); got != outcomeTransient {
		t.Fatalf("got %v, want outcomeTransient", got)
	}
}

func TestClassifyRefreshError_Transient429(t *testing.T) {
	err := &oauth2.RetrieveError{Response: &http.Response{StatusCode: 429}}
	if got := classifyRefreshError(err); got != outcomeTransient {
		t.Fatalf("got %v, want outcomeTransient", got)
	}
}

func TestClassifyRefreshError_UnknownDefaultsTransient(t *testing.T) {
	if got := classifyRefreshError(errors.New("network timeout")); got != outcomeTransient {
		t.Fatalf("got %v, want outcomeTransient", got)
	}
}

func TestRandomState_LengthAndUniqueness(t *testing.T) {
	s1, err := randomState()
	if err != nil {
		t.Fatalf("randomState: %v", err)
	}
	s2, err := randomState()
	if err != nil {
		t.Fatalf("randomState: %v", err)
	}
	if s1 == s2 {
		t.Fatal("expected distinct states across calls")
	}
	// 48 raw bytes, base64url-no-padding: ceil(48*8/6) = 64 chars.
	if len(s1) < 60 {
		t.Fatalf("expected a long state token, got length %d", len(s1))
	}
}

func TestScopesFromToken_NoExtra(t *testing.T) {
	tok := &oauth2.Token{}
	if got := scopesFromToken(tok); got != nil {
		t.Fatalf("got %v, want nil", got)
	}
}
