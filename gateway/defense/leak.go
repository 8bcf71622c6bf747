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

// RedactedPlaceholder replaces secret-shaped matches in redacted
// output.
const RedactedPlaceholder = "[REDACTED]"

// LeakInspector is stage 5: scans outbound model/tool output for
// secret-shaped strings. Rules marked Redact replace the match and flag
// the stream; other matches block the content outright.
type LeakInspector struct {
	rules []Rule
}

// NewLeakInspector creates the output-leak stage with the given rule
// set.
func NewLeakInspector(rules []Rule) *LeakInspector {
	return &LeakInspector{rules: rules}
}

func (i *LeakInspector) Name() string { return "output-leak-scan" }

func (i *LeakInspector) Inspect(_ context.Context, in Input) Verdict {
	if in.Direction != Outbound || in.Text == "" {
		return Verdict{Action: Allow}
	}

	text := in.Text
	flagged := ""
	for _, rule := range i.rules {
		if !rule.Pattern.MatchString(text) {
			continue
		}
		if !rule.Redact {
			return Verdict{
				Action: Block,
				Layer:  i.Name(),
				Reason: fmt.Sprintf("output matched leak rule %q", rule.Name),
			}
		}
		text = rule.Pattern.ReplaceAllString(text, RedactedPlaceholder)
		if flagged == "" {
			flagged = rule.Name
		}
	}

	if flagged != "" {
		return Verdict{
			Action:    Flag,
			Layer:     i.Name(),
			Reason:    fmt.Sprintf("redacted output matching leak rule %q", flagged),
			Sanitized: text,
		}
	}
	return Verdict{Action: Allow}
}
