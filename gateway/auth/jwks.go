// Copyright 2025 Tamshai
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"
)

// JWK represents a single JSON Web Key as published by the identity
// provider. Only RSA signing keys are consumed by the gateway.
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
}

// JWKS represents the identity provider's published key set.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// KeyCache fetches and caches the identity provider's public signing
// keys. It refreshes on cache miss (unknown kid), rate-limited so a
// flood of bad tokens cannot hammer the IdP.
type KeyCache struct {
	jwksURL    string
	httpClient *http.Client

	mu          sync.RWMutex
	keys        map[string]*rsa.PublicKey
	lastRefresh time.Time

	// minRefreshInterval bounds how often an unknown kid may trigger a
	// fetch.
	minRefreshInterval time.Duration
}

// NewKeyCache creates a key cache for the given JWKS endpoint. The
// fetch timeout bounds each HTTP call to the identity provider.
func NewKeyCache(jwksURL string, fetchTimeout time.Duration) *KeyCache {
	if fetchTimeout <= 0 {
		fetchTimeout = 5 * time.Second
	}
	return &KeyCache{
		jwksURL:            jwksURL,
		httpClient:         &http.Client{Timeout: fetchTimeout},
		keys:               make(map[string]*rsa.PublicKey),
		minRefreshInterval: 30 * time.Second,
	}
}

// Key returns the public key for the given kid, refreshing the cache
// from the identity provider when the kid is unknown.
func (c *KeyCache) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	c.mu.RUnlock()
	if ok {
		return key, nil
	}

	if err := c.refresh(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	key, ok = c.keys[kid]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("signing key %q not found in provider key set", kid)
	}
	return key, nil
}

// refresh fetches the JWKS document and replaces the cached key map.
func (c *KeyCache) refresh(ctx context.Context) error {
	c.mu.Lock()
	if time.Since(c.lastRefresh) < c.minRefreshInterval && len(c.keys) > 0 {
		c.mu.Unlock()
		return nil
	}
	c.lastRefresh = time.Now()
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build JWKS request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var jwks JWKS
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return fmt.Errorf("failed to decode JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, jwk := range jwks.Keys {
		if jwk.Kty != "RSA" || (jwk.Use != "" && jwk.Use != "sig") {
			continue
		}
		pub, err := rsaPublicKeyFromJWK(jwk)
		if err != nil {
			// Skip malformed keys; a partial set is still usable
			continue
		}
		keys[jwk.Kid] = pub
	}

	if len(keys) == 0 {
		return fmt.Errorf("JWKS contained no usable RSA signing keys")
	}

	c.mu.Lock()
	c.keys = keys
	c.mu.Unlock()
	return nil
}

// HealthCheck verifies the JWKS endpoint is reachable.
func (c *KeyCache) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// rsaPublicKeyFromJWK decodes the base64url modulus and exponent of an
// RSA JWK into a usable public key.
func rsaPublicKeyFromJWK(jwk JWK) (*rsa.PublicKey, error) {
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

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: e,
	}, nil
}
