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

// Package auth verifies inbound bearer tokens against the identity
// provider's published signing keys and builds the request Principal.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Typed validation failures. Callers map these onto the gateway error
// taxonomy; no other failure mode escapes Validate.
var (
	ErrTokenInvalid = errors.New("token invalid")
	ErrTokenExpired = errors.New("token expired")
	ErrTokenRevoked = errors.New("token revoked")
)

// RevocationChecker is the slice of the revocation store the validator
// needs. The full store lives in gateway/revocation.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// Config holds identity-provider settings for token validation.
type Config struct {
	// IssuerURL is the full issuer, e.g.
	// https://idp.example.com/realms/tamshai
	IssuerURL string

	// Audience is the expected aud claim (the gateway's client id).
	Audience string

	// ClientID selects the client-scoped role list inside
	// resource_access.
	ClientID string

	// JWKSFetchTimeout bounds each key-set fetch.
	JWKSFetchTimeout time.Duration
}

// JWKSURL returns the provider's key-set endpoint (Keycloak layout).
func (c Config) JWKSURL() string {
	return c.IssuerURL + "/protocol/openid-connect/certs"
}

// Validator verifies bearer tokens and extracts Principals. Safe for
// concurrent use.
type Validator struct {
	config     Config
	keys       *KeyCache
	revocation RevocationChecker
}

// realmClaims mirrors the provider's token layout: a realm-wide role
// list plus per-client role lists keyed by client id.
type roleList struct {
	Roles []string `json:"roles"`
}

type providerClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string              `json:"preferred_username"`
	Name              string              `json:"name"`
	RealmAccess       roleList            `json:"realm_access"`
	ResourceAccess    map[string]roleList `json:"resource_access"`
}

// NewValidator creates a token validator backed by the given revocation
// checker.
func NewValidator(config Config, revocation RevocationChecker) *Validator {
	return &Validator{
		config:     config,
		keys:       NewKeyCache(config.JWKSURL(), config.JWKSFetchTimeout),
		revocation: revocation,
	}
}

// Keys exposes the underlying key cache (used by the health endpoint).
func (v *Validator) Keys() *KeyCache {
	return v.keys
}

// Validate verifies the raw bearer token and returns a populated
// Principal, or one of ErrTokenInvalid / ErrTokenExpired /
// ErrTokenRevoked. A failed validation never yields a Principal.
func (v *Validator) Validate(ctx context.Context, rawToken string) (*Principal, error) {
	if rawToken == "" {
		return nil, fmt.Errorf("%w: empty bearer token", ErrTokenInvalid)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(v.config.IssuerURL),
		jwt.WithAudience(v.config.Audience),
		jwt.WithExpirationRequired(),
	)

	claims := &providerClaims{}
	token, err := parser.ParseWithClaims(rawToken, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token header missing kid")
		}
		return v.keys.Key(ctx, kid)
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%w: signature verification failed", ErrTokenInvalid)
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token missing sub claim", ErrTokenInvalid)
	}

	// Revocation is checked last so a revoked-but-forged token still
	// reads as invalid, not revoked.
	if claims.ID != "" && v.revocation != nil {
		revoked, err := v.revocation.IsRevoked(ctx, claims.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: revocation check failed: %v", ErrTokenInvalid, err)
		}
		if revoked {
			return nil, fmt.Errorf("%w: token id %s", ErrTokenRevoked, claims.ID)
		}
	}

	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	username := claims.PreferredUsername
	if username == "" {
		username = claims.Subject
	}

	return &Principal{
		ID:          claims.Subject,
		Username:    username,
		DisplayName: claims.Name,
		Roles:       mergeRoles(claims.RealmAccess.Roles, claims.ResourceAccess[v.config.ClientID].Roles),
		TokenID:     claims.ID,
		ExpiresAt:   expiresAt,
	}, nil
}
