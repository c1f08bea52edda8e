package interceptor

import "testing"

func TestRuleKey_CombinesServerAndTool(t *testing.T) {
	if got := ruleKey("notion", "get_page"); got != "notion:get_page" {
		t.Fatalf("got %q, want notion:get_page", got)
	}
}

func TestContentDigest_StableAndDistinguishing(t *testing.T) {
	a := contentDigest([]byte(`{"ok":true}`))
	b := contentDigest([]byte(`{"ok":true}`))
	if a != b {
		t.Fatalf("contentDigest not stable: %q vs %q", a, b)
	}
	if contentDigest([]byte(`{"ok":false}`)) == a {
		t.Fatal("different content hashed to the same digest")
	}
}
