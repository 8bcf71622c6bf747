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

package defense

import (
	"context"
	"fmt"
	"strings"
)

// DefaultDelimiters lists the system/instruction boundary markers the
// prompt assembly uses. User text echoing or forging any of them is
// attempting to break out of its quoted section.
func DefaultDelimiters() []string {
	return []string{
		"<|system|>",
		"<|assistant|>",
		"<|user|>",
		"[SYSTEM]",
		"[/SYSTEM]",
		"### System:",
		"### Instructions:",
		"<<SYS>>",
		"<</SYS>>",
	}
}

// DelimiterInspector is stage 3: verifies the trusted-instruction
// boundary markers have not been echoed or forged inside the user turn.
type DelimiterInspector struct {
	markers []string
}

// NewDelimiterInspector creates the delimiter-integrity stage.
func NewDelimiterInspector(markers []string) *DelimiterInspector {
	return &DelimiterInspector{markers: markers}
}

func (i *DelimiterInspector) Name() string { return "delimiter-integrity" }

func (i *DelimiterInspector) Inspect(_ context.Context, in Input) Verdict {
	if in.Direction != Inbound || in.Text == "" {
		return Verdict{Action: Allow}
	}
	lowered := strings.ToLower(in.Text)
	for _, marker := range i.markers {
		if strings.Contains(lowered, strings.ToLower(marker)) {
			return Verdict{
				Action: Block,
				Layer:  i.Name(),
				Reason: fmt.Sprintf("user text contains instruction boundary marker %q", marker),
			}
		}
	}
	return Verdict{Action: Allow}
}
