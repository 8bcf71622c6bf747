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
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// idpFixture runs a fake identity provider: an RSA signing key plus an
// httptest server publishing the matching JWKS at the Keycloak path.
type idpFixture struct {
	key    *rsa.PrivateKey
	kid    string
	server *httptest.Server
}

func newIDPFixture(t *testing.T) *idpFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	f := &idpFixture{key: key, kid: "test-key-1"}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/protocol/openid-connect/certs" {
			http.NotFound(w, r)
			return
		}
		jwks := JWKS{Keys: []JWK{{
			Kty: "RSA",
			Kid: f.kid,
			Use: "sig",
			Alg: "RS256",
			N:   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
		}}}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jwks)
	}))
	t.Cleanup(f.server.Close)
	return f
}

// tokenOpts tweaks the default valid claim set.
type tokenOpts struct {
	kid         string
	method      jwt.SigningMethod
	issuer      string
	audience    string
	expiresAt   time.Time
	jti         string
	realmRoles  []string
	clientRoles map[string][]string
	noSubject   bool
}

func (f *idpFixture) signToken(t *testing.T, cfg Config, opts tokenOpts) string {
	t.Helper()
	if opts.kid == "" {
		opts.kid = f.kid
	}
	if opts.method == nil {
		opts.method = jwt.SigningMethodRS256
	}
	if opts.issuer == "" {
		opts.issuer = cfg.IssuerURL
	}
	if opts.audience == "" {
		opts.audience = cfg.Audience
	}
	if opts.expiresAt.IsZero() {
		opts.expiresAt = time.Now().Add(time.Hour)
	}

	claims := jwt.MapClaims{
		"iss":                opts.issuer,
		"aud":                opts.audience,
		"exp":                opts.expiresAt.Unix(),
		"iat":                time.Now().Add(-time.Minute).Unix(),
		"preferred_username": "avery",
		"name":               "Avery Quinn",
	}
	if !opts.noSubject {
		claims["sub"] = "user-123"
	}
	if opts.jti != "" {
		claims["jti"] = opts.jti
	}
	if opts.realmRoles != nil {
		claims["realm_access"] = map[string]interface{}{"roles": opts.realmRoles}
	}
	if opts.clientRoles != nil {
		access := map[string]interface{}{}
		for client, roles := range opts.clientRoles {
			access[client] = map[string]interface{}{"roles": roles}
		}
		claims["resource_access"] = access
	}

	token := jwt.NewWithClaims(opts.method, claims)
	token.Header["kid"] = opts.kid

	var signed string
	var err error
	if opts.method == jwt.SigningMethodHS256 {
		signed, err = token.SignedString([]byte("not-an-rsa-key"))
	} else {
		signed, err = token.SignedString(f.key)
	}
	require.NoError(t, err)
	return signed
}

// stubRevocation is a canned revocation checker.
type stubRevocation struct {
	revoked map[string]bool
}

func (s *stubRevocation) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	return s.revoked[tokenID], nil
}

func testConfig(issuer string) Config {
	return Config{
		IssuerURL:        issuer,
		Audience:         "tamshai-gateway",
		ClientID:         "tamshai-gateway",
		JWKSFetchTimeout: 2 * time.Second,
	}
}

func TestValidateMergesRealmAndClientRoles(t *testing.T) {
	idp := newIDPFixture(t)
	cfg := testConfig(idp.server.URL)
	v := NewValidator(cfg, &stubRevocation{})

	token := idp.signToken(t, cfg, tokenOpts{
		realmRoles: []string{"finance-read", "support-read"},
		clientRoles: map[string][]string{
			"tamshai-gateway": {"finance-read", "hr-read"},
			"other-client":    {"sales-write"},
		},
	})

	principal, err := v.Validate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-123", principal.ID)
	assert.Equal(t, "avery", principal.Username)
	assert.Equal(t, "Avery Quinn", principal.DisplayName)
	// Union, deduplicated, sorted. Roles from other clients are ignored.
	assert.Equal(t, []string{"finance-read", "hr-read", "support-read"}, principal.Roles)
}

func TestValidateRejections(t *testing.T) {
	idp := newIDPFixture(t)
	cfg := testConfig(idp.server.URL)
	v := NewValidator(cfg, &stubRevocation{revoked: map[string]bool{"revoked-jti": true}})

	tests := []struct {
		name    string
		opts    tokenOpts
		wantErr error
	}{
		{
			name:    "expired token",
			opts:    tokenOpts{expiresAt: time.Now().Add(-time.Minute)},
			wantErr: ErrTokenExpired,
		},
		{
			name:    "wrong audience",
			opts:    tokenOpts{audience: "some-other-service"},
			wantErr: ErrTokenInvalid,
		},
		{
			name:    "wrong issuer",
			opts:    tokenOpts{issuer: "https://evil.example.com/realms/tamshai"},
			wantErr: ErrTokenInvalid,
		},
		{
			name:    "unknown signing key",
			opts:    tokenOpts{kid: "rotated-away"},
			wantErr: ErrTokenInvalid,
		},
		{
			name:    "symmetric algorithm rejected",
			opts:    tokenOpts{method: jwt.SigningMethodHS256},
			wantErr: ErrTokenInvalid,
		},
		{
			name:    "missing subject",
			opts:    tokenOpts{noSubject: true},
			wantErr: ErrTokenInvalid,
		},
		{
			name:    "revoked token id",
			opts:    tokenOpts{jti: "revoked-jti"},
			wantErr: ErrTokenRevoked,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := idp.signToken(t, cfg, tt.opts)
			principal, err := v.Validate(context.Background(), token)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, principal, "a failed validation must never yield a principal")
		})
	}
}

func TestValidateEmptyAndGarbageTokens(t *testing.T) {
	idp := newIDPFixture(t)
	cfg := testConfig(idp.server.URL)
	v := NewValidator(cfg, nil)

	for _, raw := range []string{"", "not-a-jwt", "a.b.c"} {
		principal, err := v.Validate(context.Background(), raw)
		assert.ErrorIs(t, err, ErrTokenInvalid)
		assert.Nil(t, principal)
	}
}

func TestValidateAcceptsTokenWithoutJTI(t *testing.T) {
	idp := newIDPFixture(t)
	cfg := testConfig(idp.server.URL)
	v := NewValidator(cfg, &stubRevocation{revoked: map[string]bool{"": true}})

	token := idp.signToken(t, cfg, tokenOpts{realmRoles: []string{"hr-read"}})
	principal, err := v.Validate(context.Background(), token)
	require.NoError(t, err)
	assert.Empty(t, principal.TokenID)
}

func TestKeyCacheRefreshOnUnknownKid(t *testing.T) {
	idp := newIDPFixture(t)
	cache := NewKeyCache(idp.server.URL+"/protocol/openid-connect/certs", 2*time.Second)

	key, err := cache.Key(context.Background(), idp.kid)
	require.NoError(t, err)
	assert.Equal(t, idp.key.PublicKey.N, key.N)

	// Unknown kid inside the rate-limit window must fail without a
	// second fetch succeeding.
	_, err = cache.Key(context.Background(), "never-published")
	assert.Error(t, err)
}
