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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Store errors. ErrNotFound covers both never-issued and
// already-claimed ids; the issuance marker lets the manager distinguish
// expiry.
var (
	ErrNotFound = errors.New("confirmation ticket not found")
)

const (
	ticketKeyPrefix = "confirm:ticket:"
	issuedKeyPrefix = "confirm:issued:"

	// issuedMarkerFactor scales the issuance-marker TTL relative to the
	// ticket TTL, so an expired (rather than unknown) ticket can still
	// be reported as expired for a while.
	issuedMarkerFactor = 12
)

// Store persists tickets with a TTL and supports an atomic single
// claim. The store's get/set semantics are the only synchronization
// primitive; no in-process ticket cache exists anywhere.
type Store interface {
	// Put stores a ticket until its TTL elapses and records an
	// issuance marker with a longer TTL.
	Put(ctx context.Context, ticket *Ticket, ttl time.Duration) error

	// Get returns the ticket without claiming it, or ErrNotFound.
	Get(ctx context.Context, id string) (*Ticket, error)

	// Claim atomically removes and returns the ticket, or ErrNotFound.
	// At most one caller ever receives a given ticket.
	Claim(ctx context.Context, id string) (*Ticket, error)

	// WasIssued reports whether a ticket with this id existed recently,
	// distinguishing expiry from an unknown id.
	WasIssued(ctx context.Context, id string) (bool, error)
}

// RedisStore implements Store on Redis key TTLs, with GETDEL providing
// the atomic claim.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed ticket store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Put(ctx context.Context, ticket *Ticket, ttl time.Duration) error {
	data, err := json.Marshal(ticket)
	if err != nil {
		return fmt.Errorf("failed to marshal ticket: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, ticketKeyPrefix+ticket.ID, data, ttl)
	pipe.Set(ctx, issuedKeyPrefix+ticket.ID, "1", ttl*issuedMarkerFactor)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store ticket: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Ticket, error) {
	data, err := s.client.Get(ctx, ticketKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ticket: %w", err)
	}
	return unmarshalTicket(data)
}

func (s *RedisStore) Claim(ctx context.Context, id string) (*Ticket, error) {
	data, err := s.client.GetDel(ctx, ticketKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim ticket: %w", err)
	}
	return unmarshalTicket(data)
}

func (s *RedisStore) WasIssued(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, issuedKeyPrefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check issuance marker: %w", err)
	}
	return n > 0, nil
}

func unmarshalTicket(data []byte) (*Ticket, error) {
	var ticket Ticket
	if err := json.Unmarshal(data, &ticket); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ticket: %w", err)
	}
	return &ticket, nil
}

// MemoryStore is the in-process dual of RedisStore for tests and
// single-node development.
type MemoryStore struct {
	mu      sync.Mutex
	tickets map[string]memEntry
	issued  map[string]time.Time
}

type memEntry struct {
	ticket  *Ticket
	expires time.Time
}

// NewMemoryStore creates an empty in-memory ticket store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tickets: make(map[string]memEntry),
		issued:  make(map[string]time.Time),
	}
}

func (s *MemoryStore) Put(_ context.Context, ticket *Ticket, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.tickets[ticket.ID] = memEntry{ticket: ticket, expires: now.Add(ttl)}
	s.issued[ticket.ID] = now.Add(ttl * issuedMarkerFactor)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.tickets[id]
	if !ok || time.Now().After(entry.expires) {
		delete(s.tickets, id)
		return nil, ErrNotFound
	}
	return entry.ticket, nil
}

func (s *MemoryStore) Claim(_ context.Context, id string) (*Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.tickets[id]
	if !ok || time.Now().After(entry.expires) {
		delete(s.tickets, id)
		return nil, ErrNotFound
	}
	delete(s.tickets, id)
	return entry.ticket, nil
}

func (s *MemoryStore) WasIssued(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.issued[id]
	if !ok || time.Now().After(expiry) {
		delete(s.issued, id)
		return false, nil
	}
	return true, nil
}
