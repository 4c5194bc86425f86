// Package keycache caches the ad provider's signature verification keys
// for a fixed TTL. The cache is constructed once at startup and passed
// by reference; nothing reads the key set through package globals.
package keycache

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

var ErrKeyNotFound = errors.New("verification key not found")

// FetchFunc retrieves the current key set, keyed by the provider's key id.
type FetchFunc func(ctx context.Context) (map[string]*ecdsa.PublicKey, error)

type Cache struct {
	fetch FetchFunc
	ttl   time.Duration
	now   func() time.Time

	mu        sync.Mutex
	keys      map[string]*ecdsa.PublicKey
	fetchedAt time.Time
}

// New builds a cache over fetch with the given TTL. A Get after the TTL
// elapses refetches; an unknown key id also forces one refetch, since
// providers rotate keys between our refresh intervals.
func New(fetch FetchFunc, ttl time.Duration) *Cache {
	return &Cache{fetch: fetch, ttl: ttl, now: time.Now}
}

// Get returns the key for keyID, refreshing the set when it is stale or
// when the id is unknown.
func (c *Cache) Get(ctx context.Context, keyID string) (*ecdsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.keys != nil && c.now().Sub(c.fetchedAt) < c.ttl {
		if key, ok := c.keys[keyID]; ok {
			return key, nil
		}
	}
	if err := c.refreshLocked(ctx); err != nil {
		return nil, err
	}
	if key, ok := c.keys[keyID]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
}

// Invalidate drops the cached set; the next Get refetches.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = nil
	c.fetchedAt = time.Time{}
}

func (c *Cache) refreshLocked(ctx context.Context) error {
	keys, err := c.fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetching verification keys: %w", err)
	}
	c.keys = keys
	c.fetchedAt = c.now()
	return nil
}

// keySetDocument is the provider's published key set format.
type keySetDocument struct {
	Keys []struct {
		KeyID string `json:"keyId"`
		PEM   string `json:"pem"`
	} `json:"keys"`
}

// FetchHTTP returns a FetchFunc that downloads a JSON key set document
// from url and parses the PEM-encoded ECDSA public keys in it.
func FetchHTTP(client *http.Client, url string) FetchFunc {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return func(ctx context.Context) (map[string]*ecdsa.PublicKey, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("key set endpoint returned %d", resp.StatusCode)
		}

		var doc keySetDocument
		if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
			return nil, fmt.Errorf("decoding key set: %w", err)
		}
		keys := make(map[string]*ecdsa.PublicKey, len(doc.Keys))
		for _, k := range doc.Keys {
			block, _ := pem.Decode([]byte(k.PEM))
			if block == nil {
				return nil, fmt.Errorf("key %s: not PEM encoded", k.KeyID)
			}
			pub, err := x509.ParsePKIXPublicKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("key %s: %w", k.KeyID, err)
			}
			ec, ok := pub.(*ecdsa.PublicKey)
			if !ok {
				return nil, fmt.Errorf("key %s: not an ECDSA key", k.KeyID)
			}
			keys[k.KeyID] = ec
		}
		return keys, nil
	}
}
