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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jcornell3/tamshai-enterprise-ai-sub011/gateway/audit"
	"github.com/jcornell3/tamshai-enterprise-ai-sub011/gateway/auth"
	"github.com/jcornell3/tamshai-enterprise-ai-sub011/gateway/confirm"
	"github.com/jcornell3/tamshai-enterprise-ai-sub011/gateway/defense"
	"github.com/jcornell3/tamshai-enterprise-ai-sub011/gateway/protocol"
	"github.com/jcornell3/tamshai-enterprise-ai-sub011/gateway/router"
	"github.com/jcornell3/tamshai-enterprise-ai-sub011/shared/logger"
)

// DefaultMaxIterations bounds the model/tool round trips for one query.
const DefaultMaxIterations = 8

// textChunkSize is the rune length of one text-delta frame.
const textChunkSize = 120

// EngineConfig wires the engine's collaborators.
type EngineConfig struct {
	Provider      Provider
	Backends      *BackendClient
	Registry      *router.Registry
	Defense       *defense.Pipeline
	Confirms      *confirm.Manager
	Audit         *audit.Logger
	Logger        *logger.Logger
	MaxIterations int
}

// Engine runs one user query through the screened model/tool loop and
// streams frames as work happens. Stateless across requests; safe for
// concurrent use.
type Engine struct {
	provider Provider
	backends *BackendClient
	registry *router.Registry
	defense  *defense.Pipeline
	confirms *confirm.Manager
	audit    *audit.Logger
	log      *logger.Logger
	maxIters int
}

// NewEngine creates an engine from its config.
func NewEngine(config EngineConfig) *Engine {
	iters := config.MaxIterations
	if iters <= 0 {
		iters = DefaultMaxIterations
	}
	log := config.Logger
	if log == nil {
		log = logger.New("orchestrator")
	}
	return &Engine{
		provider: config.Provider,
		backends: config.Backends,
		registry: config.Registry,
		defense:  config.Defense,
		confirms: config.Confirms,
		audit:    config.Audit,
		log:      log,
		maxIters: iters,
	}
}

// Run processes one query for an authenticated principal, writing
// frames to stream. The returned error covers stream write failures
// only; domain failures are reported in-stream as error frames.
func (e *Engine) Run(ctx context.Context, principal *auth.Principal, requestID, query string, stream *protocol.StreamWriter) error {
	verdict := e.defense.ScreenInput(ctx, query)
	if verdict.Action == defense.Block {
		e.writeAudit(ctx, requestID, principal, "query", audit.DecisionDenied, verdict.Layer, verdict.Reason)
		stream.WriteError(protocol.NewError(protocol.CodePromptInjectionDetected, verdict.Reason))
		return nil
	}
	if verdict.Action == defense.Flag {
		e.writeAudit(ctx, requestID, principal, "query", audit.DecisionFlagged, verdict.Layer, verdict.Reason)
	}
	query = verdict.Sanitized

	tools := e.registry.ToolsFor(principal.Roles)
	defs, err := toToolDefs(tools)
	if err != nil {
		stream.WriteError(protocol.AsError(err))
		return nil
	}
	allowed := make(map[string]bool, len(tools))
	for _, t := range tools {
		allowed[t.Name] = true
	}

	messages := []Message{
		{Role: RoleSystem, Content: systemPrompt(principal, tools)},
		{Role: RoleUser, Content: query},
	}

	for iteration := 0; iteration < e.maxIters; iteration++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		completion, err := e.provider.Complete(ctx, messages, defs)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.log.ErrorWithCode(principal.ID, requestID, "model completion failed", 502, err, nil)
			stream.WriteError(protocol.WrapError(protocol.CodeBackendUnavailable, "model backend failed", err))
			return nil
		}

		if len(completion.ToolCalls) == 0 {
			return e.finishWithText(ctx, stream, requestID, principal, completion.Text)
		}

		messages = append(messages, Message{
			Role:      RoleAssistant,
			Content:   completion.Text,
			ToolCalls: completion.ToolCalls,
		})

		for _, call := range completion.ToolCalls {
			if err := ctx.Err(); err != nil {
				return err
			}

			outcome, stop, err := e.handleToolCall(ctx, stream, requestID, principal, allowed, call)
			if err != nil {
				return err
			}
			if stop {
				return stream.Write(protocol.Frame{Type: protocol.FrameDone})
			}
			messages = append(messages, outcome)
		}
	}

	stream.WriteError(protocol.NewError(protocol.CodeInternalError,
		fmt.Sprintf("query exceeded the tool call limit of %d iterations", e.maxIters)))
	return nil
}

// handleToolCall authorizes and runs one model-issued tool call. It
// returns the tool message to feed back to the model, or stop=true when
// a pending confirmation suspended the conversation.
func (e *Engine) handleToolCall(ctx context.Context, stream *protocol.StreamWriter, requestID string, principal *auth.Principal, allowed map[string]bool, call ToolCall) (Message, bool, error) {
	feedback := func(content string) Message {
		return Message{Role: RoleTool, ToolCallID: call.ID, Name: call.Name, Content: content}
	}

	// Authorization happens on every call, never only at session start.
	tool, err := e.registry.Authorize(principal.Roles, call.Name)
	if err != nil {
		decision := audit.DecisionDenied
		code := protocol.CodeInsufficientPermissions
		if errors.Is(err, router.ErrToolNotFound) {
			code = protocol.CodeToolNotFound
		}
		e.writeAudit(ctx, requestID, principal, call.Name, decision, "role-router", err.Error())
		e.log.Warn(principal.ID, requestID, "tool call denied", map[string]interface{}{
			"tool": call.Name, "code": string(code),
		})
		return feedback(deniedFeedback(code, err)), false, nil
	}

	if v := e.defense.CheckToolCall(ctx, call.Name, allowed); v.Action == defense.Block {
		e.writeAudit(ctx, requestID, principal, call.Name, audit.DecisionDenied, v.Layer, v.Reason)
		return feedback(deniedFeedback(protocol.CodeInsufficientPermissions,
			errors.New(v.Reason))), false, nil
	}

	if tool.Destructive {
		return e.suspendForConfirmation(ctx, stream, requestID, principal, tool, call)
	}

	if err := stream.Write(protocol.Frame{
		Type:   protocol.FrameToolInvocation,
		Tool:   tool.Name,
		Server: tool.Server,
	}); err != nil {
		return Message{}, false, err
	}

	result, err := e.backends.Execute(ctx, tool.Server, tool.Name, false, call.Arguments, principal)
	if err != nil {
		if ctx.Err() != nil {
			return Message{}, false, ctx.Err()
		}
		// The backend may defer a call it considers side-effecting even
		// when the registry does not flag it; honor the deferral.
		var pending *PendingConfirmationError
		if errors.As(err, &pending) {
			return e.suspendForConfirmation(ctx, stream, requestID, principal, tool, call)
		}
		e.writeAudit(ctx, requestID, principal, tool.Name, audit.DecisionDenied,
			"backend", err.Error())
		ge := protocol.AsError(err)
		if werr := stream.Write(protocol.Frame{
			Type:   protocol.FrameToolResult,
			Tool:   tool.Name,
			Server: tool.Server,
			Error:  ge,
		}); werr != nil {
			return Message{}, false, werr
		}
		return feedback(deniedFeedback(ge.Code, err)), false, nil
	}

	e.writeAudit(ctx, requestID, principal, tool.Name, audit.DecisionAllowed, "", "")
	if err := stream.Write(protocol.Frame{
		Type:   protocol.FrameToolResult,
		Tool:   tool.Name,
		Server: tool.Server,
		Result: result.Data,
	}); err != nil {
		return Message{}, false, err
	}
	if result.Truncated() {
		if err := stream.Write(protocol.Frame{
			Type:     protocol.FrameTruncationWarning,
			Tool:     tool.Name,
			Returned: result.Returned,
			Total:    result.Total,
		}); err != nil {
			return Message{}, false, err
		}
	}

	content := string(result.Data)
	if result.Truncated() {
		content = fmt.Sprintf(`{"records":%s,"note":"showing %d of %d records"}`,
			result.Data, result.Returned, result.Total)
	}
	return feedback(content), false, nil
}

// suspendForConfirmation issues a confirmation ticket for the call and
// emits the pending-confirmation frame. The conversation stops here;
// resolution arrives through a later confirm request.
func (e *Engine) suspendForConfirmation(ctx context.Context, stream *protocol.StreamWriter, requestID string, principal *auth.Principal, tool router.ToolDescriptor, call ToolCall) (Message, bool, error) {
	ticket, err := e.confirms.Create(ctx, confirm.CreateInput{
		Tool:        tool.Name,
		Server:      tool.Server,
		Destructive: true,
		Payload:     call.Arguments,
		PrincipalID: principal.ID,
		Roles:       principal.Roles,
	})
	if err != nil {
		stream.WriteError(protocol.WrapError(protocol.CodeInternalError,
			"failed to create confirmation ticket", err))
		return Message{}, true, nil
	}
	e.writeAudit(ctx, requestID, principal, tool.Name, audit.DecisionFlagged,
		"confirmation", "destructive call suspended pending confirmation")
	err = stream.Write(protocol.Frame{
		Type:      protocol.FramePendingConfirmation,
		Tool:      tool.Name,
		Server:    tool.Server,
		TicketID:  ticket.ID,
		ExpiresAt: ticket.ExpiresAt.Format(time.RFC3339),
	})
	return Message{}, true, err
}

// ExecuteApproved runs the tool call captured in an approved
// confirmation ticket. Authorization is re-checked against the
// caller's current roles, not the snapshot, so a revoked role blocks
// the action even after approval.
func (e *Engine) ExecuteApproved(ctx context.Context, principal *auth.Principal, requestID string, ticket *confirm.Ticket) (*ToolResult, error) {
	tool, err := e.registry.Authorize(principal.Roles, ticket.Tool)
	if err != nil {
		e.writeAudit(ctx, requestID, principal, ticket.Tool, audit.DecisionDenied,
			"role-router", err.Error())
		return nil, err
	}
	result, err := e.backends.Execute(ctx, tool.Server, tool.Name, true, ticket.Payload, principal)
	if err != nil {
		e.writeAudit(ctx, requestID, principal, tool.Name, audit.DecisionDenied,
			"backend", err.Error())
		return nil, err
	}
	e.writeAudit(ctx, requestID, principal, tool.Name, audit.DecisionAllowed,
		"confirmation", "confirmed destructive call executed")
	return result, nil
}

// finishWithText screens the final answer and streams it as text-delta
// chunks followed by done.
func (e *Engine) finishWithText(ctx context.Context, stream *protocol.StreamWriter, requestID string, principal *auth.Principal, text string) error {
	verdict := e.defense.ScreenOutput(ctx, text)
	if verdict.Action == defense.Block {
		e.writeAudit(ctx, requestID, principal, "response", audit.DecisionDenied, verdict.Layer, verdict.Reason)
		stream.WriteError(protocol.NewError(protocol.CodeOutputBlocked, verdict.Reason))
		return nil
	}
	if verdict.Action == defense.Flag {
		e.writeAudit(ctx, requestID, principal, "response", audit.DecisionFlagged, verdict.Layer, verdict.Reason)
	}

	for _, chunk := range chunkText(verdict.Sanitized, textChunkSize) {
		if err := stream.Write(protocol.Frame{Type: protocol.FrameTextDelta, Text: chunk}); err != nil {
			return err
		}
	}
	return stream.Write(protocol.Frame{Type: protocol.FrameDone})
}

func (e *Engine) writeAudit(ctx context.Context, requestID string, principal *auth.Principal, action string, decision audit.Decision, layer, detail string) {
	if e.audit == nil {
		return
	}
	e.audit.Write(ctx, audit.Record{
		RequestID:   requestID,
		PrincipalID: principal.ID,
		Roles:       principal.Roles,
		Action:      action,
		Decision:    decision,
		Layer:       layer,
		Detail:      detail,
	})
}

// deniedFeedback is the JSON tool message handed back to the model when
// a call fails, so the model can explain instead of stalling.
func deniedFeedback(code protocol.ErrorCode, err error) string {
	out, _ := json.Marshal(map[string]string{
		"error":   string(code),
		"message": err.Error(),
	})
	return string(out)
}

func toToolDefs(tools []router.ToolDescriptor) ([]ToolDef, error) {
	defs := make([]ToolDef, 0, len(tools))
	for _, t := range tools {
		schema := t.InputSchema
		if schema == nil {
			schema = map[string]interface{}{"type": "object"}
		}
		raw, err := json.Marshal(schema)
		if err != nil {
			return nil, fmt.Errorf("invalid input schema for tool %s: %w", t.Name, err)
		}
		defs = append(defs, ToolDef{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  raw,
		})
	}
	return defs, nil
}

func systemPrompt(principal *auth.Principal, tools []router.ToolDescriptor) string {
	var b strings.Builder
	b.WriteString("You are an enterprise assistant. Answer only from tool results; ")
	b.WriteString("never invent records. The user is ")
	if principal.DisplayName != "" {
		b.WriteString(principal.DisplayName)
	} else {
		b.WriteString(principal.Username)
	}
	b.WriteString(". You may use these tools: ")
	for i, t := range tools {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Name)
	}
	b.WriteString(". If a request needs data outside these tools, say you do not have access.")
	return b.String()
}

// chunkText splits text into rune chunks of at most size.
func chunkText(text string, size int) []string {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	var chunks []string
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
