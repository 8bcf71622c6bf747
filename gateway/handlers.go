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
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/jcornell3/tamshai-enterprise-ai-sub011/gateway/audit"
	"github.com/jcornell3/tamshai-enterprise-ai-sub011/gateway/auth"
	"github.com/jcornell3/tamshai-enterprise-ai-sub011/gateway/confirm"
	"github.com/jcornell3/tamshai-enterprise-ai-sub011/gateway/protocol"
)

// queryRequest is the body of POST /api/query.
type queryRequest struct {
	Query string `json:"query"`
}

// confirmRequest is the body of POST /api/confirm/{ticketId}.
type confirmRequest struct {
	Approved bool `json:"approved"`
}

// handleQuery authenticates the caller and streams the orchestrated
// response as NDJSON frames.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	principal, perr := s.authenticate(r)
	if perr != nil {
		writeProtocolError(w, perr)
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Query) == "" {
		http.Error(w, "request body must be a JSON object with a non-empty \"query\"", http.StatusBadRequest)
		return
	}

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	s.log.Info(principal.ID, requestID, "query accepted", map[string]interface{}{
		"roles": principal.Roles,
	})

	stream := protocol.NewStreamWriter(w)
	if err := s.engine.Run(r.Context(), principal, requestID, req.Query, stream); err != nil {
		// Stream already broken or context cancelled; nothing more can
		// reach the client.
		s.log.Warn(principal.ID, requestID, "stream aborted", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// handleConfirm resolves a pending confirmation ticket. Approval
// executes the suspended destructive call exactly once; rejection
// discards it. Either way the ticket is consumed.
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	principal, perr := s.authenticate(r)
	if perr != nil {
		writeProtocolError(w, perr)
		return
	}

	ticketID := mux.Vars(r)["ticketId"]
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "request body must be a JSON object with an \"approved\" field", http.StatusBadRequest)
		return
	}

	resolution, err := s.confirms.Resolve(r.Context(), ticketID, principal.ID, req.Approved)
	if err != nil {
		var ge *protocol.Error
		switch {
		case errors.Is(err, confirm.ErrExpired):
			metricConfirmations.WithLabelValues("expired").Inc()
			ge = protocol.NewError(protocol.CodeConfirmationExpired, "the confirmation window has closed")
		case errors.Is(err, confirm.ErrNotFound):
			metricConfirmations.WithLabelValues("not_found").Inc()
			ge = protocol.NewError(protocol.CodeConfirmationNotFound, "no such confirmation ticket")
		case errors.Is(err, confirm.ErrWrongPrincipal):
			metricConfirmations.WithLabelValues("denied").Inc()
			ge = protocol.NewError(protocol.CodeInsufficientPermissions, "this confirmation belongs to another user")
		default:
			ge = protocol.AsError(err)
		}
		writeProtocolError(w, ge)
		return
	}

	if !resolution.Approved {
		metricConfirmations.WithLabelValues("rejected").Inc()
		s.log.Info(principal.ID, "", "destructive call rejected", map[string]interface{}{
			"tool": resolution.Ticket.Tool,
		})
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status": "rejected",
			"tool":   resolution.Ticket.Tool,
		})
		return
	}

	metricConfirmations.WithLabelValues("approved").Inc()
	requestID := uuid.New().String()
	result, err := s.engine.ExecuteApproved(r.Context(), principal, requestID, resolution.Ticket)
	if err != nil {
		writeProtocolError(w, protocol.AsError(err))
		return
	}
	metricToolCalls.WithLabelValues(resolution.Ticket.Tool, "allowed").Inc()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "executed",
		"tool":   resolution.Ticket.Tool,
		"result": result.Data,
	})
}

// handleLogout revokes the presented token for its remaining lifetime.
// Validation runs across the cluster immediately when Redis backs the
// revocation store.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	principal, perr := s.authenticate(r)
	if perr != nil {
		writeProtocolError(w, perr)
		return
	}
	if principal.TokenID == "" {
		http.Error(w, "token carries no jti claim, cannot be revoked", http.StatusBadRequest)
		return
	}
	if err := s.revocations.Revoke(r.Context(), principal.TokenID, principal.ExpiresAt); err != nil {
		writeProtocolError(w, protocol.WrapError(protocol.CodeInternalError, "failed to revoke token", err))
		return
	}
	s.log.Info(principal.ID, "", "token revoked", nil)
	w.WriteHeader(http.StatusNoContent)
}

// handleAuditRecent returns the newest audit records. Executive only.
func (s *Server) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	principal, perr := s.authenticate(r)
	if perr != nil {
		writeProtocolError(w, perr)
		return
	}
	if !principal.HasRole("executive") {
		writeProtocolError(w, protocol.NewError(protocol.CodeInsufficientPermissions,
			"audit access requires the executive role"))
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	records, err := s.audit.Recent(r.Context(), limit)
	if err != nil {
		writeProtocolError(w, protocol.WrapError(protocol.CodeInternalError, "failed to read audit records", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

// authenticate extracts and validates the bearer token, returning the
// verified principal or a typed error.
func (s *Server) authenticate(r *http.Request) (*auth.Principal, *protocol.Error) {
	header := r.Header.Get("Authorization")
	rawToken, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || rawToken == "" {
		metricAuthFailures.WithLabelValues(string(protocol.CodeTokenInvalid)).Inc()
		return nil, protocol.NewError(protocol.CodeTokenInvalid, "missing bearer token")
	}

	principal, err := s.validator.Validate(r.Context(), rawToken)
	if err != nil {
		var ge *protocol.Error
		switch {
		case errors.Is(err, auth.ErrTokenExpired):
			ge = protocol.NewError(protocol.CodeTokenExpired, "token has expired")
		case errors.Is(err, auth.ErrTokenRevoked):
			ge = protocol.NewError(protocol.CodeTokenRevoked, "token has been revoked")
		default:
			ge = protocol.NewError(protocol.CodeTokenInvalid, "token validation failed")
		}
		metricAuthFailures.WithLabelValues(string(ge.Code)).Inc()
		s.audit.Write(r.Context(), audit.Record{
			Action:   "authenticate",
			Decision: audit.DecisionDenied,
			Layer:    "token-validator",
			Detail:   string(ge.Code),
		})
		return nil, ge
	}
	return principal, nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeProtocolError(w http.ResponseWriter, ge *protocol.Error) {
	writeJSON(w, ge.HTTPStatus(), map[string]interface{}{"error": ge})
}
