// Package toolpool implements C5, the per-user tool-client pool: at most
// one authenticated streaming-HTTP MCP client per (user, provider), keyed
// by a version tag derived from the connection's token fingerprint so a
// refreshed or rotated token transparently invalidates the cached client.
//
// Locking discipline mirrors internal/auth's per-connection serialization:
// one mutex per user, held only across the user's own Get, never nested
// with any other lock.
package toolpool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/kestrix/agentcore/internal/oauthmgr"
	"github.com/kestrix/agentcore/pkg/mcpclient"
	"github.com/kestrix/agentcore/pkg/mcpclient/streaminghttp"
)

// ErrNoConnection is returned when the user has no usable connection to
// the requested provider.
var ErrNoConnection = oauthmgr.ErrNoConnection

// EndpointResolver maps a provider name to the base URL of its streaming
// HTTP tool server. Configured once at startup from settings.
type EndpointResolver func(provider string) (baseURL string, ok bool)

// entry is a cached client and the version tag it was built under.
type entry struct {
	tag    string
	client mcpclient.Client
}

// Pool maintains {(user, provider) -> (version_tag, client)} and a mutex
// per user, serializing concurrent Get calls for the same user so at most
// one client is ever built per (user, provider, token fingerprint).
type Pool struct {
	mgr       *oauthmgr.Manager
	endpoints EndpointResolver
	log       *slog.Logger

	mu      sync.Mutex // guards userMu and entries maps themselves
	userMu  map[uuid.UUID]*sync.Mutex
	entries map[poolKey]entry
}

type poolKey struct {
	user     uuid.UUID
	provider string
}

// New constructs a Pool.
func New(mgr *oauthmgr.Manager, endpoints EndpointResolver, logger *slog.Logger) *Pool {
	return &Pool{
		mgr:       mgr,
		endpoints: endpoints,
		log:       logger,
		userMu:    make(map[uuid.UUID]*sync.Mutex),
		entries:   make(map[poolKey]entry),
	}
}

// Get returns the tool client for (userID, provider), building one if the
// cached entry is stale or absent. Returns ErrNoConnection if the user has
// no usable connection to the provider.
func (p *Pool) Get(ctx context.Context, userID uuid.UUID, provider string) (mcpclient.Client, error) {
	mu := p.userMutex(userID)
	mu.Lock()
	defer mu.Unlock()

	conn, accessToken, err := p.mgr.ActiveConnection(ctx, userID, provider)
	if errors.Is(err, oauthmgr.ErrNoConnection) {
		return nil, ErrNoConnection
	}
	if err != nil {
		return nil, fmt.Errorf("toolpool: resolving connection: %w", err)
	}

	tag := versionTag(conn.KeyGeneration, accessToken, conn.AccessTokenExpiresAt.Unix())

	key := poolKey{user: userID, provider: provider}
	p.mu.Lock()
	cached, ok := p.entries[key]
	p.mu.Unlock()
	if ok && cached.tag == tag {
		return cached.client, nil
	}

	baseURL, ok := p.endpoints(provider)
	if !ok {
		return nil, fmt.Errorf("toolpool: no endpoint configured for provider %q", provider)
	}
	client := streaminghttp.New(provider, baseURL, accessToken)

	p.mu.Lock()
	p.entries[key] = entry{tag: tag, client: client}
	p.mu.Unlock()

	return client, nil
}

// Evict removes the cached client for (userID, provider), forcing the next
// Get to rebuild it. Called by the tool-call interceptor (C7) after an
// auth failure.
func (p *Pool) Evict(userID uuid.UUID, provider string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, poolKey{user: userID, provider: provider})
}

// userMutex returns (creating if necessary) the mutex serializing Get
// calls for userID.
func (p *Pool) userMutex(userID uuid.UUID) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	mu, ok := p.userMu[userID]
	if !ok {
		mu = &sync.Mutex{}
		p.userMu[userID] = mu
	}
	return mu
}

// versionTag derives a fingerprint of the token identity: key generation,
// the token's own last few characters (distinguishing rotations without
// storing the token itself), and the expiry epoch.
func versionTag(keyGeneration int, token string, expiryEpoch int64) string {
	suffix := token
	if len(suffix) > 8 {
		suffix = suffix[len(suffix)-8:]
	}
	h := sha256.Sum256([]byte(fmt.Sprintf("%d|%s|%d", keyGeneration, suffix, expiryEpoch)))
	return hex.EncodeToString(h[:8])
}
