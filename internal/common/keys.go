package common

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// CacheKey builds the deterministic cache key used by the cache store (C2)
// and the tool-call interceptor (C7):
//
//	{namespace}:{tool}:{version}:{schema_fp?}:{scope}:{args_hash}
//
// schemaFP is optional; an empty string collapses its segment so the key
// shape stays stable whether or not a tool advertises a schema fingerprint.
func CacheKey(namespace, tool, version, schemaFP, scope, argsHash string) string {
	parts := []string{namespace, tool, version}
	if schemaFP != "" {
		parts = append(parts, schemaFP)
	}
	parts = append(parts, scope, argsHash)
	return strings.Join(parts, ":")
}

// IdempotencyKey derives the ToolCallLog idempotency key:
//
//	SHA-256(request_id | thread_id | user_message_id | tool_name | canonical(args) | call_index)
//
// rawArgs is the tool call's raw JSON argument payload; it is canonicalized
// internally so this agrees byte-for-byte with ArgsHash's normalization.
func IdempotencyKey(requestID, threadID, userMessageID, toolName string, rawArgs []byte, callIndex int) (string, error) {
	canon, err := CanonicalJSONFromRaw(rawArgs)
	if err != nil {
		return "", fmt.Errorf("idempotency key: canonicalize args: %w", err)
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s",
		requestID, threadID, userMessageID, toolName, canon, strconv.Itoa(callIndex))
	return hex.EncodeToString(h.Sum(nil)), nil
}
