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

// Package audit records every authorization decision and tool
// invocation attempt. Records are append-only; the gateway never
// mutates or deletes them. A failed audit write must not fail the
// primary request, but is surfaced through metrics and logs.
package audit

import (
	"context"
	"database/sql"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Decision is the outcome being recorded.
type Decision string

const (
	DecisionAllowed Decision = "allowed"
	DecisionDenied  Decision = "denied"
	DecisionFlagged Decision = "flagged"
)

// Record is one append-only audit entry. Roles is a snapshot of the
// principal's role set at decision time.
type Record struct {
	ID          string    `json:"id"`
	RequestID   string    `json:"request_id"`
	PrincipalID string    `json:"principal_id"`
	Roles       []string  `json:"roles"`
	Action      string    `json:"action"`
	Decision    Decision  `json:"decision"`
	Layer       string    `json:"layer,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Logger writes audit records. It operates in two modes:
//   - Database mode: persists to PostgreSQL through an async worker
//     queue, falling back to a synchronous write when the queue is full
//   - Memory mode: keeps records in memory (testing, single node)
//
// All methods are safe for concurrent use.
type Logger struct {
	db        *sql.DB
	useMemory bool

	mu     sync.RWMutex
	memory []Record

	queue  chan Record
	wg     sync.WaitGroup
	closed atomic.Bool

	recorded    uint64
	writeErrors uint64

	// onWriteError is invoked on every failed persistence attempt, so
	// the gateway can bump its metrics without this package importing
	// them.
	onWriteError func(err error)
}

// Config holds logger configuration.
type Config struct {
	// DB is the PostgreSQL connection. Nil selects memory mode.
	DB *sql.DB

	// QueueSize is the async buffer size. Values below 1 default to
	// 1000.
	QueueSize int

	// Workers is the number of async writer goroutines. Defaults to 2.
	Workers int

	// OnWriteError receives every failed write. Optional.
	OnWriteError func(err error)
}

// NewLogger creates an audit logger.
func NewLogger(config Config) *Logger {
	l := &Logger{
		db:           config.DB,
		useMemory:    config.DB == nil,
		onWriteError: config.OnWriteError,
	}

	if l.useMemory {
		return l
	}

	if config.QueueSize < 1 {
		config.QueueSize = 1000
	}
	if config.Workers < 1 {
		config.Workers = 2
	}
	l.queue = make(chan Record, config.QueueSize)
	for i := 0; i < config.Workers; i++ {
		l.wg.Add(1)
		go l.worker()
	}
	return l
}

// Write records one entry. Best-effort: persistence failures are
// reported through OnWriteError and the process log, never to the
// caller.
func (l *Logger) Write(ctx context.Context, record Record) {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	atomic.AddUint64(&l.recorded, 1)

	if l.useMemory {
		l.mu.Lock()
		l.memory = append(l.memory, record)
		l.mu.Unlock()
		return
	}

	if !l.closed.Load() {
		select {
		case l.queue <- record:
			return
		default:
			// Queue full, fall through to a synchronous write
		}
	}
	if err := l.writeToDB(ctx, record); err != nil {
		l.reportError(err)
	}
}

// Recent returns up to limit records, newest first. Database mode reads
// from PostgreSQL; memory mode from the in-process slice.
func (l *Logger) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}

	if l.useMemory {
		l.mu.RLock()
		defer l.mu.RUnlock()
		n := len(l.memory)
		if limit > n {
			limit = n
		}
		out := make([]Record, 0, limit)
		for i := n - 1; i >= n-limit; i-- {
			out = append(out, l.memory[i])
		}
		return out, nil
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, request_id, principal_id, roles, action, decision,
		       COALESCE(layer, ''), COALESCE(detail, ''), created_at
		FROM audit_records
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var roles pq.StringArray
		var decision string
		if err := rows.Scan(&r.ID, &r.RequestID, &r.PrincipalID, &roles,
			&r.Action, &decision, &r.Layer, &r.Detail, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Roles = []string(roles)
		r.Decision = Decision(decision)
		records = append(records, r)
	}
	return records, rows.Err()
}

// Stats returns counters for observability endpoints.
func (l *Logger) Stats() map[string]interface{} {
	pending := 0
	if l.queue != nil {
		pending = len(l.queue)
	}
	return map[string]interface{}{
		"recorded":     atomic.LoadUint64(&l.recorded),
		"write_errors": atomic.LoadUint64(&l.writeErrors),
		"pending":      pending,
		"memory_mode":  l.useMemory,
	}
}

// Shutdown drains the async queue, bounded by ctx.
func (l *Logger) Shutdown(ctx context.Context) error {
	if l.queue == nil {
		return nil
	}
	l.closed.Store(true)
	close(l.queue)

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Logger) worker() {
	defer l.wg.Done()
	for record := range l.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := l.writeToDB(ctx, record); err != nil {
			l.reportError(err)
		}
		cancel()
	}
}

func (l *Logger) writeToDB(ctx context.Context, record Record) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_records (
			id, request_id, principal_id, roles, action, decision,
			layer, detail, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9)
	`,
		record.ID, record.RequestID, record.PrincipalID,
		pq.Array(record.Roles), record.Action, string(record.Decision),
		record.Layer, record.Detail, record.CreatedAt,
	)
	return err
}

func (l *Logger) reportError(err error) {
	atomic.AddUint64(&l.writeErrors, 1)
	log.Printf("[audit] failed to write record: %v", err)
	if l.onWriteError != nil {
		l.onWriteError(err)
	}
}
