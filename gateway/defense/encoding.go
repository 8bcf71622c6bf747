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
	"encoding/base64"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

// base64Candidate matches runs long enough to plausibly carry an
// encoded instruction. Short tokens (ids, hashes) produce decode noise
// and are skipped.
var base64Candidate = regexp.MustCompile(`[A-Za-z0-9+/]{24,}={0,2}`)

// homoglyphs folds common Unicode lookalikes used to slip past ASCII
// pattern rules. The table is deliberately small; it targets observed
// bypasses, not full confusable normalization.
var homoglyphs = map[rune]rune{
	'а': 'a', // Cyrillic а
	'е': 'e', // Cyrillic е
	'о': 'o', // Cyrillic о
	'р': 'p', // Cyrillic р
	'с': 'c', // Cyrillic с
	'х': 'x', // Cyrillic х
	'і': 'i', // Cyrillic і
	'ο': 'o', // Greek ο
	'α': 'a', // Greek α
	'‐': '-',
	'‑': '-',
	' ': ' ',
	'​': ' ', // zero-width space
}

// EncodingInspector is stage 2: decodes common obfuscation (base64,
// URL-encoding, homoglyphs) and re-applies the stage-1 pattern rules
// over the decoded text, defeating naive encoding bypasses.
type EncodingInspector struct {
	patterns *PatternInspector
}

// NewEncodingInspector creates the normalization stage. It shares the
// pattern inspector so both stages see the same rule set.
func NewEncodingInspector(patterns *PatternInspector) *EncodingInspector {
	return &EncodingInspector{patterns: patterns}
}

func (i *EncodingInspector) Name() string { return "encoding-normalization" }

func (i *EncodingInspector) Inspect(_ context.Context, in Input) Verdict {
	if in.Direction != Inbound || in.Text == "" {
		return Verdict{Action: Allow}
	}

	for _, decoded := range decodedForms(in.Text) {
		if v := i.patterns.scan(decoded); v.Action == Block {
			v.Layer = i.Name()
			v.Reason = "decoded content " + v.Reason
			return v
		}
	}
	return Verdict{Action: Allow}
}

// decodedForms returns the alternative readings of the text worth
// re-scanning: homoglyph-folded, URL-decoded, and each plausible
// base64 payload.
func decodedForms(text string) []string {
	var forms []string

	if folded := foldHomoglyphs(text); folded != text {
		forms = append(forms, folded)
	}

	if unescaped, err := url.QueryUnescape(text); err == nil && unescaped != text {
		forms = append(forms, unescaped)
	}

	for _, candidate := range base64Candidate.FindAllString(text, 8) {
		decoded, err := base64.StdEncoding.DecodeString(candidate)
		if err != nil {
			decoded, err = base64.RawStdEncoding.DecodeString(candidate)
		}
		if err != nil || !utf8.Valid(decoded) {
			continue
		}
		if s := string(decoded); isMostlyPrintable(s) {
			forms = append(forms, s)
		}
	}

	return forms
}

func foldHomoglyphs(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if folded, ok := homoglyphs[r]; ok {
			b.WriteRune(folded)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// isMostlyPrintable filters out binary decodes that happen to be valid
// UTF-8.
func isMostlyPrintable(s string) bool {
	if s == "" {
		return false
	}
	printable := 0
	total := 0
	for _, r := range s {
		total++
		if r >= 0x20 && r < 0x7F || r == '\n' || r == '\t' {
			printable++
		}
	}
	return printable*10 >= total*9
}
