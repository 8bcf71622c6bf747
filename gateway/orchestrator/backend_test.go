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
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcornell3/tamshai-enterprise-ai-sub011/gateway/auth"
	"github.com/jcornell3/tamshai-enterprise-ai-sub011/gateway/protocol"
)

func flakyServer(t *testing.T, failures int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if int(hits.Add(1)) <= failures {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server, &hits
}

func backendPrincipalFixture() *auth.Principal {
	return &auth.Principal{ID: "user-123", Username: "avery", Roles: []string{"hr-read"}}
}

func TestExecuteRetriesTransientFailureForNonDestructive(t *testing.T) {
	server, hits := flakyServer(t, 1, `{"status":"success","data":{"ok":true}}`)
	c := NewBackendClient(map[string]string{"hr": server.URL}, 2*time.Second)

	result, err := c.Execute(context.Background(), "hr", "list_employees", false, nil, backendPrincipalFixture())
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result.Data))
	assert.Equal(t, int32(2), hits.Load())
}

func TestExecuteNeverRetriesDestructive(t *testing.T) {
	server, hits := flakyServer(t, 1, `{"status":"success","data":{"ok":true}}`)
	c := NewBackendClient(map[string]string{"hr": server.URL}, 2*time.Second)

	_, err := c.Execute(context.Background(), "hr", "terminate_employee", true, nil, backendPrincipalFixture())
	require.Error(t, err)
	assert.Equal(t, int32(1), hits.Load(), "a destructive call must not be retried")

	var ge *protocol.Error
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, protocol.CodeBackendUnavailable, ge.Code)
}

func TestExecuteBackendErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"error","message":"employee not found"}`))
	}))
	t.Cleanup(server.Close)
	c := NewBackendClient(map[string]string{"hr": server.URL}, 2*time.Second)

	_, err := c.Execute(context.Background(), "hr", "get_employee", false, json.RawMessage(`{"id":"x"}`), backendPrincipalFixture())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "employee not found")
}

func TestExecuteUnknownServer(t *testing.T) {
	c := NewBackendClient(map[string]string{}, time.Second)

	_, err := c.Execute(context.Background(), "payroll", "anything", false, nil, backendPrincipalFixture())
	require.Error(t, err)

	var ge *protocol.Error
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, protocol.CodeBackendUnavailable, ge.Code)
}

func TestCapRecords(t *testing.T) {
	t.Run("object result passes through", func(t *testing.T) {
		result, err := capRecords(&backendResponse{Status: "success", Data: json.RawMessage(`{"id":"emp-1"}`)})
		require.NoError(t, err)
		assert.Equal(t, 1, result.Returned)
		assert.Equal(t, 1, result.Total)
		assert.False(t, result.Truncated())
	})

	t.Run("small array untouched", func(t *testing.T) {
		result, err := capRecords(&backendResponse{Status: "success", Records: json.RawMessage(`[{"a":1},{"a":2}]`)})
		require.NoError(t, err)
		assert.Equal(t, 2, result.Returned)
		assert.Equal(t, 2, result.Total)
	})

	t.Run("oversized array capped", func(t *testing.T) {
		records := make([]map[string]int, MaxRecords+25)
		for i := range records {
			records[i] = map[string]int{"i": i}
		}
		raw, err := json.Marshal(records)
		require.NoError(t, err)

		result, err := capRecords(&backendResponse{Status: "success", Records: raw})
		require.NoError(t, err)
		assert.Equal(t, MaxRecords, result.Returned)
		assert.Equal(t, MaxRecords+25, result.Total)
		assert.True(t, result.Truncated())

		var capped []json.RawMessage
		require.NoError(t, json.Unmarshal(result.Data, &capped))
		assert.Len(t, capped, MaxRecords)
	})

	t.Run("backend-reported total survives", func(t *testing.T) {
		records := make([]map[string]int, MaxRecords)
		for i := range records {
			records[i] = map[string]int{"i": i}
		}
		raw, err := json.Marshal(records)
		require.NoError(t, err)

		result, err := capRecords(&backendResponse{
			Status:   "success",
			Records:  raw,
			Returned: MaxRecords,
			Total:    120,
		})
		require.NoError(t, err)
		assert.Equal(t, MaxRecords, result.Returned)
		assert.Equal(t, 120, result.Total)
		assert.True(t, result.Truncated())
	})

	t.Run("reported total below array length ignored", func(t *testing.T) {
		result, err := capRecords(&backendResponse{
			Status:  "success",
			Records: json.RawMessage(`[{"a":1},{"a":2},{"a":3}]`),
			Total:   1,
		})
		require.NoError(t, err)
		assert.Equal(t, 3, result.Returned)
		assert.Equal(t, 3, result.Total)
		assert.False(t, result.Truncated())
	})
}

func TestIsTransient(t *testing.T) {
	base := errors.New("boom")
	assert.False(t, isTransient(base))
	assert.True(t, isTransient(&transientError{err: base}))
	assert.True(t, isTransient(protocol.WrapError(protocol.CodeInternalError, "wrapped", &transientError{err: base})))
}
