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

// Package confirm implements the two-phase confirm/execute protocol for
// destructive tool calls. A ticket is created instead of executing the
// action, lives for a fixed TTL in the external store, and can be
// claimed exactly once by the principal that requested it.
package confirm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is the confirmation window for a pending ticket.
const DefaultTTL = 5 * time.Minute

// Manager errors beyond the store's ErrNotFound.
var (
	ErrExpired        = errors.New("confirmation ticket expired")
	ErrNotDestructive = errors.New("tool is not destructive")
	ErrWrongPrincipal = errors.New("ticket belongs to a different principal")
)

// CreateInput describes the destructive action to gate behind a ticket.
type CreateInput struct {
	Tool        string
	Server      string
	Destructive bool
	Payload     json.RawMessage
	PrincipalID string
	Roles       []string
}

// Resolution is the outcome of resolving a ticket.
type Resolution struct {
	Ticket   *Ticket
	Approved bool
}

// Manager issues, retrieves, and resolves confirmation tickets.
// Stateless apart from the store; safe for concurrent use.
type Manager struct {
	store Store
	ttl   time.Duration
}

// NewManager creates a manager over the given store. A zero ttl uses
// DefaultTTL.
func NewManager(store Store, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{store: store, ttl: ttl}
}

// TTL returns the configured confirmation window.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Create issues a pending ticket for a destructive action. Tools
// without the destructive flag never pass through this component.
func (m *Manager) Create(ctx context.Context, in CreateInput) (*Ticket, error) {
	if !in.Destructive {
		return nil, fmt.Errorf("%w: %q", ErrNotDestructive, in.Tool)
	}
	now := time.Now().UTC()
	ticket := &Ticket{
		ID:          uuid.New().String(),
		Tool:        in.Tool,
		Server:      in.Server,
		Payload:     in.Payload,
		PrincipalID: in.PrincipalID,
		Roles:       append([]string(nil), in.Roles...),
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.ttl),
		Status:      StatusPending,
	}
	if err := m.store.Put(ctx, ticket, m.ttl); err != nil {
		return nil, err
	}
	return ticket, nil
}

// Resolve approves or rejects a pending ticket, claiming it atomically.
// A second resolution, or resolution after the TTL, fails with
// ErrNotFound / ErrExpired and never re-executes anything. Only the
// requesting principal may resolve its own ticket.
func (m *Manager) Resolve(ctx context.Context, id, principalID string, approved bool) (*Resolution, error) {
	// Peek first so a foreign principal cannot consume someone else's
	// ticket by probing ids.
	ticket, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, m.missingError(ctx, id, err)
	}
	if ticket.PrincipalID != principalID {
		return nil, fmt.Errorf("%w: ticket %s", ErrWrongPrincipal, id)
	}

	// The claim is the single atomic transition out of pending. Losing
	// the race to a concurrent resolution reads as not-found.
	claimed, err := m.store.Claim(ctx, id)
	if err != nil {
		return nil, m.missingError(ctx, id, err)
	}

	if approved {
		claimed.Status = StatusApproved
	} else {
		claimed.Status = StatusRejected
	}
	return &Resolution{Ticket: claimed, Approved: approved}, nil
}

// missingError upgrades ErrNotFound to ErrExpired when the issuance
// marker shows the ticket once existed.
func (m *Manager) missingError(ctx context.Context, id string, err error) error {
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	issued, markerErr := m.store.WasIssued(ctx, id)
	if markerErr == nil && issued {
		return fmt.Errorf("%w: %s", ErrExpired, id)
	}
	return err
}
