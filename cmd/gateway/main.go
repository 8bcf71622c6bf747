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

// Package main is the entry point for the Tamshai enterprise AI
// gateway.
//
// The gateway sits between conversational clients and the domain tool
// servers. It validates bearer tokens against the identity provider,
// routes tool calls by role, screens text through the defense
// pipeline, suspends destructive actions behind confirmation tickets,
// and streams responses as NDJSON frames.
//
// Usage:
//
//	./gateway
//
// Environment Variables:
//
//	GATEWAY_PORT     - HTTP server port (default: 8080)
//	OIDC_ISSUER_URL  - identity provider realm URL
//	REDIS_URL        - Redis for revocation and confirmation state
//	DATABASE_URL     - PostgreSQL for the audit log
//	LLM_API_KEY      - model provider API key
//	TOOL_SERVERS     - name=url pairs for the domain tool servers
package main

import (
	"github.com/jcornell3/tamshai-enterprise-ai-sub011/gateway"
)

func main() {
	gateway.Run()
}
