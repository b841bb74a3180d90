package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"golang.org/x/sync/singleflight"
)

var errKeyUnavailable = errors.New("signing key unavailable")

// maxJWKSSize bounds the JWKS response body.
const maxJWKSSize = 1 << 20

type signingKey struct {
	key       *rsa.PublicKey
	fetchedAt time.Time
}

// keyCache maps key ids to RSA verification keys fetched from jwksURI.
type keyCache struct {
	jwksURI string
	ttl     time.Duration
	timeout time.Duration
	client  *http.Client
	now     func() time.Time

	mu   sync.RWMutex
	keys map[string]signingKey

	// refreshes collapses concurrent JWKS fetches into one request
	refreshes singleflight.Group
}

func newKeyCache(jwksURI string, ttl, timeout time.Duration, client *http.Client, now func() time.Time) *keyCache {
	return &keyCache{
		jwksURI: jwksURI,
		ttl:     ttl,
		timeout: timeout,
		client:  client,
		now:     now,
		keys:    make(map[string]signingKey),
	}
}

// get returns the key for kid, refetching the JWKS when kid is unknown or its
// entry is older than the TTL.
func (c *keyCache) get(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if key, ok := c.fresh(kid); ok {
		return key, nil
	}

	_, err, _ := c.refreshes.Do("jwks", func() (any, error) {
		return nil, c.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}

	if key, ok := c.fresh(kid); ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: key id %q not published by %s", errKeyUnavailable, kid, c.jwksURI)
}

func (c *keyCache) fresh(kid string) (*rsa.PublicKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.keys[kid]
	if !ok || c.now().Sub(entry.fetchedAt) >= c.ttl {
		return nil, false
	}
	return entry.key, true
}

func (c *keyCache) refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURI, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to create JWKS request: %v", errKeyUnavailable, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: JWKS request failed: %v", errKeyUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: JWKS endpoint returned status %d", errKeyUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSSize))
	if err != nil {
		return fmt.Errorf("%w: failed to read JWKS: %v", errKeyUnavailable, err)
	}

	var set jose.JSONWebKeySet
	if err := json.Unmarshal(body, &set); err != nil {
		return fmt.Errorf("%w: failed to parse JWKS: %v", errKeyUnavailable, err)
	}

	fetchedAt := c.now()
	keys := make(map[string]signingKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.KeyID == "" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, ok := k.Key.(*rsa.PublicKey)
		if !ok {
			continue
		}
		keys[k.KeyID] = signingKey{key: pub, fetchedAt: fetchedAt}
	}

	c.mu.Lock()
	c.keys = keys
	c.mu.Unlock()
	return nil
}
