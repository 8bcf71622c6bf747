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

package protocol

import (
	"encoding/json"
	"net/http"
	"sync"
)

// FrameType discriminates the units of the streamed response protocol.
type FrameType string

const (
	FrameTextDelta           FrameType = "text-delta"
	FrameToolInvocation      FrameType = "tool-invocation"
	FrameToolResult          FrameType = "tool-result"
	FrameTruncationWarning   FrameType = "truncation-warning"
	FramePendingConfirmation FrameType = "pending-confirmation"
	FrameError               FrameType = "error"
	FrameDone                FrameType = "done"
)

// Frame is one discriminated unit of the outbound protocol, written as a
// single JSON object per line (NDJSON).
type Frame struct {
	Type FrameType `json:"type"`

	// text-delta
	Text string `json:"text,omitempty"`

	// tool-invocation / tool-result / pending-confirmation
	Tool   string          `json:"tool,omitempty"`
	Server string          `json:"server,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`

	// pending-confirmation
	TicketID  string `json:"ticket_id,omitempty"`
	ExpiresAt string `json:"expires_at,omitempty"`

	// truncation-warning: counts as reported by the backend
	Returned int `json:"returned,omitempty"`
	Total    int `json:"total,omitempty"`

	// error
	Error *Error `json:"error,omitempty"`
}

// StreamWriter serializes frames onto an HTTP response as NDJSON. A
// single mutex keeps frames within one stream strictly ordered; each
// request owns its own writer, so streams never interleave.
type StreamWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	enc     *json.Encoder
	started bool
	done    bool
}

// NewStreamWriter prepares w for NDJSON streaming. Headers are written
// lazily on the first frame so auth failures can still use a plain
// status code.
func NewStreamWriter(w http.ResponseWriter) *StreamWriter {
	flusher, _ := w.(http.Flusher)
	return &StreamWriter{
		w:       w,
		flusher: flusher,
		enc:     json.NewEncoder(w),
	}
}

// Write emits one frame. Frames after a done frame are dropped.
func (s *StreamWriter) Write(frame Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return nil
	}
	if !s.started {
		s.w.Header().Set("Content-Type", "application/x-ndjson")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}

	if err := s.enc.Encode(frame); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	if frame.Type == FrameDone {
		s.done = true
	}
	return nil
}

// WriteError emits an error frame followed by done, terminating the
// stream. Safe to call after a partial stream.
func (s *StreamWriter) WriteError(ge *Error) {
	_ = s.Write(Frame{Type: FrameError, Error: ge})
	_ = s.Write(Frame{Type: FrameDone})
}

// Started reports whether any frame has been written. Handlers use this
// to decide between a plain HTTP error and an in-stream error frame.
func (s *StreamWriter) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}
