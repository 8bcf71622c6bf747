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
	"bufio"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decodeFrames parses an NDJSON body back into frames.
func decodeFrames(t *testing.T, body string) []Frame {
	t.Helper()
	var frames []Frame
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var f Frame
		require.NoError(t, json.Unmarshal([]byte(line), &f), "line: %s", line)
		frames = append(frames, f)
	}
	return frames
}

func TestStreamWriterEmitsNDJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := NewStreamWriter(rec)

	require.NoError(t, sw.Write(Frame{Type: FrameToolInvocation, Tool: "list_invoices", Server: "finance"}))
	require.NoError(t, sw.Write(Frame{Type: FrameTextDelta, Text: "There are "}))
	require.NoError(t, sw.Write(Frame{Type: FrameTextDelta, Text: "12 invoices."}))
	require.NoError(t, sw.Write(Frame{Type: FrameDone}))

	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	frames := decodeFrames(t, rec.Body.String())
	require.Len(t, frames, 4)
	assert.Equal(t, FrameToolInvocation, frames[0].Type)
	assert.Equal(t, "finance", frames[0].Server)
	assert.Equal(t, FrameTextDelta, frames[1].Type)
	assert.Equal(t, FrameDone, frames[3].Type)
}

func TestStreamWriterStopsAfterDone(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := NewStreamWriter(rec)

	require.NoError(t, sw.Write(Frame{Type: FrameDone}))
	require.NoError(t, sw.Write(Frame{Type: FrameTextDelta, Text: "late"}))

	frames := decodeFrames(t, rec.Body.String())
	require.Len(t, frames, 1)
	assert.Equal(t, FrameDone, frames[0].Type)
}

func TestStreamWriterWriteErrorTerminates(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := NewStreamWriter(rec)

	require.NoError(t, sw.Write(Frame{Type: FrameTextDelta, Text: "partial answer"}))
	sw.WriteError(NewError(CodeBackendUnavailable, "finance backend is down"))

	frames := decodeFrames(t, rec.Body.String())
	require.Len(t, frames, 3)
	assert.Equal(t, FrameError, frames[1].Type)
	require.NotNil(t, frames[1].Error)
	assert.Equal(t, CodeBackendUnavailable, frames[1].Error.Code)
	assert.NotEmpty(t, frames[1].Error.Suggestion)
	assert.Equal(t, FrameDone, frames[2].Type)
}

func TestStreamWriterStartedTracksFirstFrame(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := NewStreamWriter(rec)

	assert.False(t, sw.Started())
	require.NoError(t, sw.Write(Frame{Type: FrameTextDelta, Text: "x"}))
	assert.True(t, sw.Started())
}

func TestTruncationFrameRoundTrip(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := NewStreamWriter(rec)

	require.NoError(t, sw.Write(Frame{
		Type:     FrameTruncationWarning,
		Tool:     "list_employees",
		Returned: 50,
		Total:    412,
	}))

	frames := decodeFrames(t, rec.Body.String())
	require.Len(t, frames, 1)
	assert.Equal(t, 50, frames[0].Returned)
	assert.Equal(t, 412, frames[0].Total)
}
