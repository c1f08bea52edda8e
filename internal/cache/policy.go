package cache

import "time"

// defaultTTLPolicies maps a tool name to its default cache TTL, grounded on
// original_source/agent-core/src/services/postgres_cache.py's
// DEFAULT_TTL_POLICIES. "*" is the fallback for any tool not listed.
var defaultTTLPolicies = map[string]time.Duration{
	"notion:get_page":     4 * time.Hour,
	"notion:get_database": 24 * time.Hour,
	"notion:search":       4 * time.Hour,
	"notion:list_pages":   1 * time.Hour,
	"github:get_repo":     24 * time.Hour,
	"github:get_file":     4 * time.Hour,
	"github:search":       1 * time.Hour,
	"github:list_pulls":   15 * time.Minute,
	"*":                   1 * time.Hour,
}

// DefaultTTL returns the configured default TTL for tool, falling back to
// the wildcard policy.
func DefaultTTL(tool string) time.Duration {
	if ttl, ok := defaultTTLPolicies[tool]; ok {
		return ttl
	}
	return defaultTTLPolicies["*"]
}

// Scope builds the cache-key scope segment: "{user}:{workspace}" for
// user-scoped tools, or "global" otherwise. Session and device identifiers
// must never be passed here — they'd fragment the cache per login instead
// of per identity.
func Scope(userID, workspaceID string) string {
	if userID == "" {
		return "global"
	}
	return userID + ":" + workspaceID
}
