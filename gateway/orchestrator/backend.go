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

package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/jcornell3/tamshai-enterprise-ai-sub011/gateway/auth"
	"github.com/jcornell3/tamshai-enterprise-ai-sub011/gateway/protocol"
)

// MaxRecords caps how many records a single tool result may carry back
// to the model. Results beyond the cap are dropped and the truncation
// is reported to the caller.
const MaxRecords = 50

// defaultBackendTimeout bounds a single tool server round trip.
const defaultBackendTimeout = 10 * time.Second

// PendingConfirmationError signals the backend deferred the call and
// requires an explicit confirmation before executing it, regardless of
// the registry's destructive flag.
type PendingConfirmationError struct {
	Message string
}

func (e *PendingConfirmationError) Error() string {
	if e.Message == "" {
		return "backend requires confirmation"
	}
	return e.Message
}

// ToolResult is the normalized outcome of one tool execution.
type ToolResult struct {
	// Data is the JSON payload handed back to the model. For record
	// sets this is the (possibly truncated) array.
	Data json.RawMessage

	// Returned and Total describe record truncation. When Returned is
	// less than Total the result was capped at MaxRecords.
	Returned int
	Total    int
}

// Truncated reports whether records were dropped from the result.
func (r *ToolResult) Truncated() bool {
	return r.Total > r.Returned
}

// backendRequest is the wire format sent to tool servers. The
// principal travels with every call so the backend can apply row-level
// filtering of its own.
type backendRequest struct {
	Arguments json.RawMessage  `json:"arguments"`
	Principal backendPrincipal `json:"principal"`
}

type backendPrincipal struct {
	ID       string   `json:"id"`
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
}

// backendResponse is the discriminated union tool servers answer with.
// Returned and Total are optional; a backend that truncates server-side
// reports its own counts through them.
type backendResponse struct {
	Status   string          `json:"status"`
	Data     json.RawMessage `json:"data,omitempty"`
	Records  json.RawMessage `json:"records,omitempty"`
	Message  string          `json:"message,omitempty"`
	Returned int             `json:"returned,omitempty"`
	Total    int             `json:"total,omitempty"`
}

// BackendClient executes tool calls against domain tool servers over
// HTTP. One instance serves all configured servers.
type BackendClient struct {
	servers    map[string]string
	httpClient *http.Client
}

// NewBackendClient creates a client. servers maps server name (hr,
// finance, sales, support) to base URL.
func NewBackendClient(servers map[string]string, timeout time.Duration) *BackendClient {
	if timeout <= 0 {
		timeout = defaultBackendTimeout
	}
	return &BackendClient{
		servers:    servers,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ServerURL returns the configured base URL for a server name.
func (c *BackendClient) ServerURL(server string) (string, bool) {
	url, ok := c.servers[server]
	return url, ok
}

// ServerNames returns the configured server names, for health reporting.
func (c *BackendClient) ServerNames() []string {
	names := make([]string, 0, len(c.servers))
	for name := range c.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HealthCheck probes one server's health endpoint.
func (c *BackendClient) HealthCheck(ctx context.Context, server string) error {
	baseURL, ok := c.servers[server]
	if !ok {
		return fmt.Errorf("no backend configured for server %q", server)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend %s unreachable: %w", server, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("backend %s health returned status %d", server, resp.StatusCode)
	}
	return nil
}

// Execute runs one tool call. Non-destructive calls are retried once
// on transient failure; destructive calls never are, because the first
// attempt may have taken effect.
func (c *BackendClient) Execute(ctx context.Context, server, tool string, destructive bool, args json.RawMessage, principal *auth.Principal) (*ToolResult, error) {
	result, err := c.execute(ctx, server, tool, args, principal)
	if err != nil && !destructive && isTransient(err) && ctx.Err() == nil {
		result, err = c.execute(ctx, server, tool, args, principal)
	}
	return result, err
}

func (c *BackendClient) execute(ctx context.Context, server, tool string, args json.RawMessage, principal *auth.Principal) (*ToolResult, error) {
	baseURL, ok := c.servers[server]
	if !ok {
		return nil, protocol.NewError(protocol.CodeBackendUnavailable,
			fmt.Sprintf("no backend configured for server %q", server))
	}

	if args == nil {
		args = json.RawMessage("{}")
	}
	body, err := json.Marshal(backendRequest{
		Arguments: args,
		Principal: backendPrincipal{
			ID:       principal.ID,
			Username: principal.Username,
			Roles:    principal.Roles,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode backend request: %w", err)
	}

	url := fmt.Sprintf("%s/tools/%s", baseURL, tool)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build backend request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &transientError{protocol.WrapError(protocol.CodeBackendUnavailable,
			fmt.Sprintf("backend %s unreachable", server), err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &transientError{protocol.WrapError(protocol.CodeBackendUnavailable,
			fmt.Sprintf("failed to read backend %s response", server), err)}
	}

	if resp.StatusCode >= 500 {
		return nil, &transientError{protocol.NewError(protocol.CodeBackendUnavailable,
			fmt.Sprintf("backend %s returned status %d", server, resp.StatusCode))}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, protocol.NewError(protocol.CodeBackendUnavailable,
			fmt.Sprintf("backend %s returned status %d", server, resp.StatusCode))
	}

	var parsed backendResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, protocol.WrapError(protocol.CodeBackendUnavailable,
			fmt.Sprintf("backend %s returned malformed response", server), err)
	}

	switch parsed.Status {
	case "success":
		return capRecords(&parsed)
	case "pending_confirmation":
		return nil, &PendingConfirmationError{Message: parsed.Message}
	case "error":
		msg := parsed.Message
		if msg == "" {
			msg = "backend reported an error"
		}
		return nil, protocol.NewError(protocol.CodeBackendUnavailable, msg)
	default:
		return nil, protocol.NewError(protocol.CodeBackendUnavailable,
			fmt.Sprintf("backend %s returned unknown status %q", server, parsed.Status))
	}
}

// capRecords enforces MaxRecords on array-shaped results. Object
// results pass through untouched with Returned == Total == 1. A total
// reported by the backend survives, so server-side truncation is
// visible even when the array fits under the cap.
func capRecords(resp *backendResponse) (*ToolResult, error) {
	payload := resp.Records
	if payload == nil {
		payload = resp.Data
	}
	if payload == nil {
		payload = json.RawMessage("null")
	}

	var records []json.RawMessage
	if err := json.Unmarshal(payload, &records); err != nil {
		// Not an array, single result
		return &ToolResult{Data: payload, Returned: 1, Total: 1}, nil
	}

	total := len(records)
	if resp.Total > total {
		total = resp.Total
	}
	if len(records) <= MaxRecords {
		return &ToolResult{Data: payload, Returned: len(records), Total: total}, nil
	}

	capped, err := json.Marshal(records[:MaxRecords])
	if err != nil {
		return nil, fmt.Errorf("failed to encode truncated records: %w", err)
	}
	return &ToolResult{Data: capped, Returned: MaxRecords, Total: total}, nil
}

// transientError marks failures worth retrying for non-destructive
// calls.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func isTransient(err error) bool {
	for err != nil {
		if _, ok := err.(*transientError); ok {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
