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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tamshai_gateway_requests_total",
		Help: "HTTP requests by endpoint and status class.",
	}, []string{"endpoint", "status"})

	metricRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tamshai_gateway_request_duration_seconds",
		Help:    "Request latency by endpoint.",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	metricAuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tamshai_gateway_auth_failures_total",
		Help: "Rejected tokens by error code.",
	}, []string{"code"})

	metricDefenseVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tamshai_gateway_defense_verdicts_total",
		Help: "Defense pipeline verdicts by layer and action.",
	}, []string{"layer", "action"})

	metricToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tamshai_gateway_tool_calls_total",
		Help: "Tool invocations by tool and decision.",
	}, []string{"tool", "decision"})

	metricConfirmations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tamshai_gateway_confirmations_total",
		Help: "Confirmation ticket resolutions by outcome.",
	}, []string{"outcome"})

	metricAuditWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tamshai_gateway_audit_write_failures_total",
		Help: "Audit records that could not be persisted.",
	})
)
