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

// Package defense screens inbound user text and outbound model/tool
// output through an ordered, short-circuiting chain of inspectors. The
// pipeline never returns an error; every run yields a typed verdict.
package defense

import (
	"context"
)

// Direction distinguishes inbound user text from outbound model/tool
// output.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

// Action is the verdict category an inspector can produce.
type Action int

const (
	// Allow passes the text through unchanged.
	Allow Action = iota

	// Flag lets processing continue but records the finding for audit.
	Flag

	// Block stops the pipeline; the text must not be trusted.
	Block
)

func (a Action) String() string {
	switch a {
	case Flag:
		return "flag"
	case Block:
		return "block"
	default:
		return "allow"
	}
}

// Input is what inspectors examine. AllowedTools is populated for
// tool-call consistency checks; Tool names the call being screened.
type Input struct {
	Text         string
	Direction    Direction
	Tool         string
	AllowedTools map[string]bool
}

// Verdict is the typed result of one inspector or of the whole
// pipeline. Sanitized carries the (possibly redacted) text that may be
// passed on when the action is Allow or Flag.
type Verdict struct {
	Action    Action `json:"action"`
	Layer     string `json:"layer,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Sanitized string `json:"-"`
}

// Inspector is one stage of the pipeline.
type Inspector interface {
	// Name identifies the layer in verdicts and audit records.
	Name() string

	// Inspect examines the input and yields a verdict. Implementations
	// must not panic and must not mutate the input.
	Inspect(ctx context.Context, in Input) Verdict
}

// Observer receives every Flag or Block verdict as it is produced.
type Observer func(layer string, action Action)

// Pipeline is an ordered inspector chain.
type Pipeline struct {
	inspectors []Inspector
	observe    Observer
}

// SetObserver registers a callback invoked for each Flag or Block
// verdict, typically to feed metrics. Not safe to call once the
// pipeline is in use.
func (p *Pipeline) SetObserver(fn Observer) {
	p.observe = fn
}

// NewPipeline builds a pipeline from the given stages, run in order.
func NewPipeline(inspectors ...Inspector) *Pipeline {
	return &Pipeline{inspectors: inspectors}
}

// NewDefaultPipeline wires the five standard stages with their shipped
// rule sets: pattern scan, encoding normalization, delimiter integrity,
// role consistency, output leak scan.
func NewDefaultPipeline() *Pipeline {
	patterns := NewPatternInspector(DefaultInjectionRules())
	return NewPipeline(
		patterns,
		NewEncodingInspector(patterns),
		NewDelimiterInspector(DefaultDelimiters()),
		NewRoleConsistencyInspector(),
		NewLeakInspector(DefaultLeakRules()),
	)
}

// Run applies each inspector in order, short-circuiting on Block. Flag
// verdicts are remembered but do not stop the chain; the strongest
// verdict wins. Sanitized text from one stage feeds the next.
func (p *Pipeline) Run(ctx context.Context, in Input) Verdict {
	result := Verdict{Action: Allow, Sanitized: in.Text}
	current := in

	for _, inspector := range p.inspectors {
		v := inspector.Inspect(ctx, current)
		switch v.Action {
		case Block:
			if p.observe != nil {
				p.observe(v.Layer, Block)
			}
			return v
		case Flag:
			if p.observe != nil {
				p.observe(v.Layer, Flag)
			}
			if result.Action == Allow {
				result = v
			}
		}
		if v.Sanitized != "" {
			current.Text = v.Sanitized
			result.Sanitized = v.Sanitized
		}
	}
	if result.Sanitized == "" {
		result.Sanitized = current.Text
	}
	return result
}

// ScreenInput runs the pipeline over inbound user text.
func (p *Pipeline) ScreenInput(ctx context.Context, text string) Verdict {
	return p.Run(ctx, Input{Text: text, Direction: Inbound})
}

// ScreenOutput runs the pipeline over model/tool output before it is
// streamed to the caller.
func (p *Pipeline) ScreenOutput(ctx context.Context, text string) Verdict {
	return p.Run(ctx, Input{Text: text, Direction: Outbound})
}

// CheckToolCall screens one model-issued tool call against the
// principal's reachable tool set (defense-in-depth beyond the role
// router).
func (p *Pipeline) CheckToolCall(ctx context.Context, tool string, allowed map[string]bool) Verdict {
	return p.Run(ctx, Input{Direction: Inbound, Tool: tool, AllowedTools: allowed})
}
