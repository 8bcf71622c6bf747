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
)

// PatternInspector is stage 1: scans text for known injection
// phrasings and role-reassignment attempts.
type PatternInspector struct {
	rules []Rule
}

// NewPatternInspector creates the pattern-scan stage with the given
// rule set.
func NewPatternInspector(rules []Rule) *PatternInspector {
	return &PatternInspector{rules: rules}
}

func (i *PatternInspector) Name() string { return "pattern-scan" }

// Inspect blocks on the first matching rule. Only inbound text is
// scanned here; outbound text is handled by the leak inspector.
func (i *PatternInspector) Inspect(_ context.Context, in Input) Verdict {
	if in.Direction != Inbound || in.Text == "" {
		return Verdict{Action: Allow}
	}
	return i.scan(in.Text)
}

// scan is shared with the encoding inspector, which re-applies the
// pattern rules over decoded text.
func (i *PatternInspector) scan(text string) Verdict {
	for _, rule := range i.rules {
		if rule.Pattern.MatchString(text) {
			return Verdict{
				Action: Block,
				Layer:  i.Name(),
				Reason: fmt.Sprintf("matched injection rule %q", rule.Name),
			}
		}
	}
	return Verdict{Action: Allow}
}
