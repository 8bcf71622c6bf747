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
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Rule safety limits. Detection rule sets are pluggable and may come
// from configuration, so every pattern is validated before compilation.
const (
	// MaxPatternLength is the maximum allowed length for a rule pattern.
	MaxPatternLength = 1000

	// MaxCaptureGroups is the maximum number of capture groups allowed.
	MaxCaptureGroups = 10
)

// Pattern validation errors
var (
	ErrPatternEmpty         = errors.New("pattern cannot be empty")
	ErrPatternTooLong       = errors.New("pattern exceeds maximum length")
	ErrPatternTooManyGroups = errors.New("pattern has too many capture groups")
	ErrPatternInvalidSyntax = errors.New("pattern has invalid RE2 syntax")
)

// Rule is one compiled detection rule. Rules are immutable after
// compilation and safe for concurrent matching.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp

	// Redact, when set, replaces matches instead of blocking. Used by
	// the output leak scanner.
	Redact bool
}

// RuleSpec is the uncompiled form, as it appears in configuration.
type RuleSpec struct {
	Name    string `yaml:"name" json:"name"`
	Pattern string `yaml:"pattern" json:"pattern"`
	Redact  bool   `yaml:"redact,omitempty" json:"redact,omitempty"`
}

// validatePattern checks a rule pattern against the safety limits
// before compilation. Go's regexp is RE2 and linear-time, so the checks
// guard against oversized or malformed configuration, not backtracking.
func validatePattern(pattern string) error {
	if strings.TrimSpace(pattern) == "" {
		return ErrPatternEmpty
	}
	if len(pattern) > MaxPatternLength {
		return ErrPatternTooLong
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPatternInvalidSyntax, err)
	}
	if re.NumSubexp() > MaxCaptureGroups {
		return ErrPatternTooManyGroups
	}
	return nil
}

// CompileRules validates and compiles a rule-spec list. Any invalid
// spec fails the whole set; partial rule sets are worse than a startup
// error.
func CompileRules(specs []RuleSpec) ([]Rule, error) {
	rules := make([]Rule, 0, len(specs))
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("rule with pattern %q missing name", spec.Pattern)
		}
		if err := validatePattern(spec.Pattern); err != nil {
			return nil, fmt.Errorf("rule %q: %w", spec.Name, err)
		}
		rules = append(rules, Rule{
			Name:    spec.Name,
			Pattern: regexp.MustCompile(spec.Pattern),
			Redact:  spec.Redact,
		})
	}
	return rules, nil
}

// mustCompileRules compiles the built-in rule sets; panics only on a
// programming error in the defaults.
func mustCompileRules(specs []RuleSpec) []Rule {
	rules, err := CompileRules(specs)
	if err != nil {
		panic(err)
	}
	return rules
}

// DefaultInjectionRules is the shipped prompt-injection rule set. The
// list is heuristic and expected to evolve; deployments can extend it
// through configuration.
func DefaultInjectionRules() []Rule {
	return mustCompileRules([]RuleSpec{
		{Name: "ignore-previous-instructions", Pattern: `(?i)ignore\s+(all\s+)?(previous|prior|above|earlier)\s+(instructions|prompts|rules|directives)`},
		{Name: "disregard-instructions", Pattern: `(?i)disregard\s+(all\s+)?(previous|prior|your|the)\s+(instructions|prompts|rules|training)`},
		{Name: "forget-instructions", Pattern: `(?i)forget\s+(everything|all|your)\s+(you|previous|prior|instructions)`},
		{Name: "reveal-system-prompt", Pattern: `(?i)(reveal|show|print|repeat|output)\s+(me\s+)?(your|the)\s+(system\s+prompt|initial\s+instructions|hidden\s+instructions)`},
		{Name: "role-reassignment", Pattern: `(?i)you\s+are\s+(now|no\s+longer)\s+(a|an|the|bound)`},
		{Name: "act-as-unrestricted", Pattern: `(?i)(act|behave|respond)\s+as\s+(if\s+you\s+(have|had)\s+no\s+(restrictions|rules|guidelines)|an?\s+unrestricted)`},
		{Name: "dan-jailbreak", Pattern: `(?i)\b(DAN|do\s+anything\s+now)\b.*\b(mode|jailbreak)\b|\bjailbreak\b`},
		{Name: "new-instructions-override", Pattern: `(?i)(new|updated|real)\s+instructions\s*:\s*`},
		{Name: "developer-mode", Pattern: `(?i)(enable|enter|activate)\s+(developer|debug|god)\s+mode`},
		{Name: "pretend-no-rules", Pattern: `(?i)pretend\s+(that\s+)?(you|there)\s+(are|is)\s+no\s+(rules|restrictions|policies)`},
	})
}

// DefaultLeakRules is the shipped output leak rule set: secret-shaped
// strings that must never be streamed to a caller. Redacting rules
// replace the match; blocking rules stop the stream.
func DefaultLeakRules() []Rule {
	return mustCompileRules([]RuleSpec{
		{Name: "aws-access-key", Pattern: `\bAKIA[0-9A-Z]{16}\b`, Redact: true},
		{Name: "openai-api-key", Pattern: `\bsk-[A-Za-z0-9]{20,}\b`, Redact: true},
		{Name: "github-token", Pattern: `\bgh[pousr]_[A-Za-z0-9]{36,}\b`, Redact: true},
		{Name: "bearer-token", Pattern: `(?i)\bbearer\s+[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+`, Redact: true},
		{Name: "private-key-block", Pattern: `-----BEGIN\s+(RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----`},
		{Name: "password-assignment", Pattern: `(?i)\b(password|passwd|secret)\s*[:=]\s*['"][^'"]{6,}['"]`, Redact: true},
		{Name: "system-prompt-fragment", Pattern: `(?i)you\s+are\s+the\s+enterprise\s+assistant\s+for\s+tamshai`},
	})
}
