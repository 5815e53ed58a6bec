package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// jwksTTL is how long a fetched key set stays fresh. Cloudflare rotates
// Access signing keys rarely; 1 hour keeps a rotation window small without
// hammering the certs endpoint.
const jwksTTL = time.Hour

var ErrUnknownKey = errors.New("token signed by unknown key")

// jwksDocument is the shape of /cdn-cgi/access/certs.
type jwksDocument struct {
	Keys []struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
		Use string `json:"use"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

// JWKSCache fetches and caches the team's RSA signing keys. A stale cache is
// served while a refresh is failing so transient certs-endpoint outages do
// not lock every user out.
type JWKSCache struct {
	url    string
	client *http.Client

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// NewJWKSCache creates a cache for the given team domain, e.g.
// "example.cloudflareaccess.com".
func NewJWKSCache(teamDomain string) *JWKSCache {
	return &JWKSCache{
		url:    fmt.Sprintf("https://%s/cdn-cgi/access/certs", teamDomain),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Keyfunc returns the verification key for a parsed but unverified token.
// It enforces RSA signing and resolves the key by kid header.
func (c *JWKSCache) Keyfunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, ErrUnknownKey
	}
	key, err := c.key(kid)
	if err != nil {
		return nil, err
	}
	return key, nil
}

func (c *JWKSCache) key(kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fresh := time.Since(c.fetchedAt) < jwksTTL
	if key, ok := c.keys[kid]; ok && fresh {
		return key, nil
	}
	if !fresh || c.keys == nil {
		if err := c.refreshLocked(); err != nil {
			// Serve the stale set if it still has the key.
			if key, ok := c.keys[kid]; ok {
				slog.Warn("jwks refresh failed, serving cached key", "error", err)
				return key, nil
			}
			return nil, fmt.Errorf("refresh jwks: %w", err)
		}
	}
	if key, ok := c.keys[kid]; ok {
		return key, nil
	}
	return nil, ErrUnknownKey
}

// refreshLocked fetches the key set with a short retry ladder. Caller holds
// c.mu; the gate path tolerates this because refreshes happen at most once
// per TTL.
func (c *JWKSCache) refreshLocked() error {
	var lastErr error
	delay := 200 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		keys, err := c.fetch()
		if err != nil {
			lastErr = err
			continue
		}
		c.keys = keys
		c.fetchedAt = time.Now()
		slog.Debug("jwks refreshed", "keys", len(keys))
		return nil
	}
	return lastErr
}

func (c *JWKSCache) fetch() (map[string]*rsa.PublicKey, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("certs endpoint returned %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var doc jwksDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse jwks: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := rsaKeyFromJWK(k.N, k.E)
		if err != nil {
			slog.Warn("skipping unparseable jwk", "kid", k.Kid, "error", err)
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return nil, errors.New("jwks document holds no usable RSA keys")
	}
	return keys, nil
}

func rsaKeyFromJWK(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nb),
		E: int(new(big.Int).SetBytes(eb).Int64()),
	}, nil
}

// setKeysForTest installs a fixed key set and marks it fresh.
func (c *JWKSCache) setKeysForTest(keys map[string]*rsa.PublicKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = keys
	c.fetchedAt = time.Now()
}
