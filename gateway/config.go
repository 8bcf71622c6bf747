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

// Package gateway assembles the HTTP surface of the enterprise AI
// gateway: token validation, role routing, the defense pipeline, the
// model/tool orchestration loop, and the streamed response protocol.
package gateway

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all gateway settings, loaded from the environment.
type Config struct {
	Port            string
	CORSOrigins     []string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration

	// Identity provider
	IssuerURL        string
	Audience         string
	OAuthClientID    string
	JWKSFetchTimeout time.Duration

	// State backends. Empty RedisURL or DatabaseURL selects memory
	// mode for the corresponding store.
	RedisURL    string
	DatabaseURL string

	// Model provider
	LLMAPIKey  string
	LLMModel   string
	LLMBaseURL string

	// Tool servers, name to base URL.
	Backends map[string]string

	// ToolRegistryPath points at a YAML registry. Empty selects the
	// built-in registry.
	ToolRegistryPath string

	MaxIterations  int
	ConfirmTTL     time.Duration
	BackendTimeout time.Duration
}

// LoadConfig reads configuration from the environment, applying
// development defaults so a bare `gateway` starts against local
// services.
func LoadConfig() (*Config, error) {
	config := &Config{
		Port:             getEnv("GATEWAY_PORT", "8080"),
		CORSOrigins:      splitCSV(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000")),
		RequestTimeout:   getEnvDuration("REQUEST_TIMEOUT", 120*time.Second),
		ShutdownTimeout:  getEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		IssuerURL:        getEnv("OIDC_ISSUER_URL", "http://localhost:8180/realms/tamshai"),
		Audience:         getEnv("OIDC_AUDIENCE", "tamshai-gateway"),
		OAuthClientID:    getEnv("OIDC_CLIENT_ID", "tamshai-gateway"),
		JWKSFetchTimeout: getEnvDuration("JWKS_FETCH_TIMEOUT", 5*time.Second),
		RedisURL:         os.Getenv("REDIS_URL"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		LLMAPIKey:        os.Getenv("LLM_API_KEY"),
		LLMModel:         getEnv("LLM_MODEL", "gpt-4o"),
		LLMBaseURL:       os.Getenv("LLM_BASE_URL"),
		Backends:         parseBackends(getEnv("TOOL_SERVERS", defaultToolServers)),
		ToolRegistryPath: os.Getenv("TOOL_REGISTRY_PATH"),
		MaxIterations:    getEnvInt("MAX_TOOL_ITERATIONS", 8),
		ConfirmTTL:       getEnvDuration("CONFIRMATION_TTL", 5*time.Minute),
		BackendTimeout:   getEnvDuration("BACKEND_TIMEOUT", 10*time.Second),
	}

	if config.IssuerURL == "" {
		return nil, fmt.Errorf("OIDC_ISSUER_URL must not be empty")
	}
	if len(config.Backends) == 0 {
		return nil, fmt.Errorf("TOOL_SERVERS must name at least one backend")
	}
	return config, nil
}

const defaultToolServers = "hr=http://localhost:9001,finance=http://localhost:9002," +
	"sales=http://localhost:9003,support=http://localhost:9004"

// parseBackends parses "name=url,name=url" pairs.
func parseBackends(raw string) map[string]string {
	backends := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, url, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			continue
		}
		backends[name] = strings.TrimRight(strings.TrimSpace(url), "/")
	}
	return backends
}

func splitCSV(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
