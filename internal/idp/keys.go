package idp

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeySetKey = "idp:jwks"

type jsonWebKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jsonWebKeySet struct {
	Keys []jsonWebKey `json:"keys"`
}

// KeyCache fetches and caches the provider's published signing keys. Fresh
// material is kept in memory with a short TTL and mirrored into Redis so a
// restarted instance does not depend on the provider being up. Stale material
// is still usable when a refresh fails; only a fully cold cache surfaces
// ErrProviderUnavailable.
type KeyCache struct {
	logger     *slog.Logger
	httpClient *http.Client
	redis      *redis.Client
	jwksURL    string
	ttl        time.Duration

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

func NewKeyCache(logger *slog.Logger, redisClient *redis.Client, jwksURL string, requestTimeout, ttl time.Duration) *KeyCache {
	return &KeyCache{
		logger:     logger,
		httpClient: &http.Client{Timeout: requestTimeout},
		redis:      redisClient,
		jwksURL:    jwksURL,
		ttl:        ttl,
		keys:       make(map[string]*rsa.PublicKey),
	}
}

// Key returns the public key for the given key id, refreshing the set when
// it is stale or the id is unknown.
func (c *KeyCache) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	fresh := time.Since(c.fetchedAt) < c.ttl
	c.mu.RUnlock()

	if ok && fresh {
		return key, nil
	}

	if err := c.refresh(ctx); err != nil {
		c.mu.RLock()
		key, ok = c.keys[kid]
		c.mu.RUnlock()
		if ok {
			// Stale but present beats failing every session on a provider
			// blip.
			c.logger.Warn("Using stale JWKS material", "error", err)
			return key, nil
		}
		return nil, err
	}

	c.mu.RLock()
	key, ok = c.keys[kid]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown key id %s", ErrInvalidToken, kid)
	}
	return key, nil
}

// Warm fetches the key set ahead of demand so the first session after a
// restart or key rotation does not pay the fetch latency.
func (c *KeyCache) Warm(ctx context.Context) error {
	return c.refresh(ctx)
}

func (c *KeyCache) refresh(ctx context.Context) error {
	set, err := c.fetch(ctx)
	if err != nil {
		// A Redis snapshot from another instance may still be usable.
		if snapshot := c.loadSnapshot(ctx); snapshot != nil {
			set = snapshot
		} else {
			return fmt.Errorf("%w: jwks fetch failed: %v", ErrProviderUnavailable, err)
		}
	} else {
		c.storeSnapshot(ctx, set)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.Kty != "RSA" || (jwk.Use != "" && jwk.Use != "sig") {
			continue
		}
		pub, err := parseRSAPublicKey(jwk)
		if err != nil {
			c.logger.Warn("Skipping unparseable JWKS key", "kid", jwk.Kid, "error", err)
			continue
		}
		keys[jwk.Kid] = pub
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: key set contains no usable keys", ErrProviderUnavailable)
	}

	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return nil
}

func (c *KeyCache) fetch(ctx context.Context) (*jsonWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build jwks request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks endpoint returned status %d", resp.StatusCode)
	}

	var set jsonWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("failed to decode jwks response: %w", err)
	}
	return &set, nil
}

func (c *KeyCache) storeSnapshot(ctx context.Context, set *jsonWebKeySet) {
	if c.redis == nil {
		return
	}
	data, err := json.Marshal(set)
	if err != nil {
		return
	}
	// Snapshot outlives the freshness TTL on purpose: it is a fallback, not
	// a source of truth.
	if err := c.redis.Set(ctx, redisKeySetKey, data, 24*time.Hour).Err(); err != nil {
		c.logger.Warn("Failed to store JWKS snapshot", "error", err)
	}
}

func (c *KeyCache) loadSnapshot(ctx context.Context) *jsonWebKeySet {
	if c.redis == nil {
		return nil
	}
	data, err := c.redis.Get(ctx, redisKeySetKey).Bytes()
	if err != nil {
		return nil
	}
	var set jsonWebKeySet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil
	}
	return &set
}

func parseRSAPublicKey(jwk jsonWebKey) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent: %w", err)
	}
	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	if e == 0 {
		return nil, fmt.Errorf("zero exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
}
