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

package confirm

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func destructiveInput() CreateInput {
	return CreateInput{
		Tool:        "terminate_employee",
		Server:      "hr",
		Destructive: true,
		Payload:     json.RawMessage(`{"id":"emp-42"}`),
		PrincipalID: "user-123",
		Roles:       []string{"hr-write"},
	}
}

func TestCreateRejectsNonDestructiveTools(t *testing.T) {
	m := NewManager(NewMemoryStore(), DefaultTTL)

	in := destructiveInput()
	in.Destructive = false
	_, err := m.Create(context.Background(), in)
	assert.ErrorIs(t, err, ErrNotDestructive)
}

func TestCreateIssuesPendingTicket(t *testing.T) {
	m := NewManager(NewMemoryStore(), DefaultTTL)

	ticket, err := m.Create(context.Background(), destructiveInput())
	require.NoError(t, err)
	assert.NotEmpty(t, ticket.ID)
	assert.Equal(t, StatusPending, ticket.Status)
	assert.Equal(t, "terminate_employee", ticket.Tool)
	assert.WithinDuration(t, time.Now().Add(DefaultTTL), ticket.ExpiresAt, 2*time.Second)
}

func TestResolveApproveConsumesTicketExactlyOnce(t *testing.T) {
	m := NewManager(NewMemoryStore(), DefaultTTL)
	ctx := context.Background()

	ticket, err := m.Create(ctx, destructiveInput())
	require.NoError(t, err)

	res, err := m.Resolve(ctx, ticket.ID, "user-123", true)
	require.NoError(t, err)
	assert.True(t, res.Approved)
	assert.Equal(t, StatusApproved, res.Ticket.Status)
	assert.JSONEq(t, `{"id":"emp-42"}`, string(res.Ticket.Payload))

	// A second resolution must never hand the payload out again. The
	// issuance marker outlives the ticket, so the failure reads as
	// expired rather than never-existed.
	_, err = m.Resolve(ctx, ticket.ID, "user-123", true)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestResolveReject(t *testing.T) {
	m := NewManager(NewMemoryStore(), DefaultTTL)
	ctx := context.Background()

	ticket, err := m.Create(ctx, destructiveInput())
	require.NoError(t, err)

	res, err := m.Resolve(ctx, ticket.ID, "user-123", false)
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Equal(t, StatusRejected, res.Ticket.Status)

	// Rejection consumes the ticket too.
	_, err = m.Resolve(ctx, ticket.ID, "user-123", true)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestResolveWrongPrincipal(t *testing.T) {
	m := NewManager(NewMemoryStore(), DefaultTTL)
	ctx := context.Background()

	ticket, err := m.Create(ctx, destructiveInput())
	require.NoError(t, err)

	_, err = m.Resolve(ctx, ticket.ID, "someone-else", true)
	assert.ErrorIs(t, err, ErrWrongPrincipal)

	// The failed attempt must not consume the ticket.
	res, err := m.Resolve(ctx, ticket.ID, "user-123", true)
	require.NoError(t, err)
	assert.True(t, res.Approved)
}

func TestResolveUnknownTicket(t *testing.T) {
	m := NewManager(NewMemoryStore(), DefaultTTL)

	_, err := m.Resolve(context.Background(), "never-issued", "user-123", true)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrExpired)
}

func TestResolveExpiredTicketRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	m := NewManager(NewRedisStore(client), time.Minute)
	ctx := context.Background()

	ticket, err := m.Create(ctx, destructiveInput())
	require.NoError(t, err)

	// Past the TTL the ticket key is gone but the issuance marker (12x
	// TTL) remains, distinguishing expired from never-issued.
	mr.FastForward(2 * time.Minute)

	_, err = m.Resolve(ctx, ticket.ID, "user-123", true)
	assert.ErrorIs(t, err, ErrExpired)

	_, err = m.Resolve(ctx, "unknown-ticket", "user-123", true)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrExpired)
}

func TestRedisRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	m := NewManager(NewRedisStore(client), time.Minute)
	ctx := context.Background()

	ticket, err := m.Create(ctx, destructiveInput())
	require.NoError(t, err)

	res, err := m.Resolve(ctx, ticket.ID, "user-123", true)
	require.NoError(t, err)
	assert.Equal(t, ticket.ID, res.Ticket.ID)
	assert.Equal(t, []string{"hr-write"}, res.Ticket.Roles)

	_, err = m.Resolve(ctx, ticket.ID, "user-123", true)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestManagerDefaultTTL(t *testing.T) {
	m := NewManager(NewMemoryStore(), 0)
	assert.Equal(t, DefaultTTL, m.TTL())
}
