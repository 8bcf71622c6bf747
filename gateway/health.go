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

package gateway

import (
	"context"
	"net/http"
	"time"
)

// healthStatus is the body of GET /health.
type healthStatus struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp time.Time         `json:"timestamp"`
}

// handleHealth reports component health. The endpoint is unauthenticated
// and exposes no tenant data. Degraded components flip the status but
// still return 200 so load balancers only eject on hard failure.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := healthStatus{
		Status:    "healthy",
		Checks:    make(map[string]string),
		Timestamp: time.Now().UTC(),
	}

	if err := s.validator.Keys().HealthCheck(ctx); err != nil {
		status.Checks["jwks"] = "unreachable"
		status.Status = "degraded"
	} else {
		status.Checks["jwks"] = "ok"
	}

	if s.redisClient != nil {
		if err := s.redisClient.Ping(ctx).Err(); err != nil {
			status.Checks["redis"] = "unreachable"
			status.Status = "degraded"
		} else {
			status.Checks["redis"] = "ok"
		}
	} else {
		status.Checks["redis"] = "memory"
	}

	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			status.Checks["database"] = "unreachable"
			status.Status = "degraded"
		} else {
			status.Checks["database"] = "ok"
		}
	} else {
		status.Checks["database"] = "memory"
	}

	for _, server := range s.backends.ServerNames() {
		key := "backend:" + server
		if err := s.backends.HealthCheck(ctx, server); err != nil {
			status.Checks[key] = "unreachable"
			status.Status = "degraded"
		} else {
			status.Checks[key] = "ok"
		}
	}

	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
		// Degraded-but-serving still answers 200 when only optional
		// stores are down; JWKS loss is fatal for new requests.
		if status.Checks["jwks"] == "ok" {
			code = http.StatusOK
		}
	}
	writeJSON(w, code, status)
}
