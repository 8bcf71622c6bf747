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

package audit

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryModeWriteAndRecent(t *testing.T) {
	l := NewLogger(Config{})
	ctx := context.Background()

	for i, decision := range []Decision{DecisionAllowed, DecisionDenied, DecisionFlagged} {
		l.Write(ctx, Record{
			RequestID:   "req-1",
			PrincipalID: "user-123",
			Roles:       []string{"hr-read"},
			Action:      "list_employees",
			Decision:    decision,
			CreatedAt:   time.Now().Add(time.Duration(i) * time.Millisecond),
		})
	}

	records, err := l.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	// Newest first.
	assert.Equal(t, DecisionFlagged, records[0].Decision)
	assert.Equal(t, DecisionDenied, records[1].Decision)

	// Every record got an id and timestamp.
	for _, r := range records {
		assert.NotEmpty(t, r.ID)
		assert.False(t, r.CreatedAt.IsZero())
	}

	stats := l.Stats()
	assert.Equal(t, uint64(3), stats["recorded"])
	assert.Equal(t, true, stats["memory_mode"])
}

func TestDatabaseModeInsertsThroughQueue(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO audit_records").
		WithArgs(sqlmock.AnyArg(), "req-9", "user-123", sqlmock.AnyArg(),
			"void_invoice", "allowed", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	l := NewLogger(Config{DB: db, QueueSize: 4, Workers: 1})
	l.Write(context.Background(), Record{
		RequestID:   "req-9",
		PrincipalID: "user-123",
		Roles:       []string{"finance-write"},
		Action:      "void_invoice",
		Decision:    DecisionAllowed,
	})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, l.Shutdown(shutdownCtx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteFailureIsReportedNotReturned(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO audit_records").
		WillReturnError(errors.New("table is on fire"))

	var failures atomic.Int32
	l := NewLogger(Config{
		DB:           db,
		Workers:      1,
		OnWriteError: func(error) { failures.Add(1) },
	})

	// Write never surfaces the persistence failure to the caller.
	l.Write(context.Background(), Record{
		PrincipalID: "user-123",
		Action:      "list_employees",
		Decision:    DecisionAllowed,
	})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, l.Shutdown(shutdownCtx))
	assert.Equal(t, int32(1), failures.Load())
	assert.Equal(t, uint64(1), l.Stats()["write_errors"])
}

func TestDatabaseModeRecent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "request_id", "principal_id", "roles", "action", "decision", "layer", "detail", "created_at",
	}).AddRow("id-1", "req-1", "user-123", "{hr-read}", "list_employees", "allowed", "", "", now)

	mock.ExpectQuery("SELECT id, request_id, principal_id").
		WithArgs(25).
		WillReturnRows(rows)

	l := NewLogger(Config{DB: db})
	records, err := l.Recent(context.Background(), 25)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "list_employees", records[0].Action)
	assert.Equal(t, DecisionAllowed, records[0].Decision)
	assert.Equal(t, []string{"hr-read"}, records[0].Roles)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.Shutdown(shutdownCtx))
}

func TestShutdownWithoutQueueIsNoOp(t *testing.T) {
	l := NewLogger(Config{})
	assert.NoError(t, l.Shutdown(context.Background()))
}
