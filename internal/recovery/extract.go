// Package recovery salvages structured payloads from backend output.
// CLI and chat backends are asked for JSON but routinely wrap it in
// prose, markdown fences, or both; Extract applies a fixed precedence
// of salvage strategies and always produces something usable.
package recovery

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// Result is the outcome of a salvage pass. WasCleanJSON reports whether
// Data holds structured data recovered from the output; when false,
// Data is a wrapper object carrying the raw text verbatim.
type Result struct {
	Data         json.RawMessage
	WasCleanJSON bool
}

// rawWrapper is the shape returned when no salvage strategy yields
// valid JSON.
type rawWrapper struct {
	RawResponse string `json:"rawResponse"`
	Note        string `json:"note"`
}

const notJSONNote = "not in requested format"

// Extract runs the salvage chain over raw backend output. Strategies
// are tried in order: whole-string parse, json-tagged fence, any fence,
// first balanced brace span, raw wrapper. Fence extraction runs before
// the bare-brace scan so that prose containing a stray {} ahead of a
// correct fenced answer still yields the fenced answer. Only the final
// wrapper step is infallible.
func Extract(raw string) Result {
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" && gjson.Valid(trimmed) {
		return Result{Data: json.RawMessage(trimmed), WasCleanJSON: true}
	}

	if interior, ok := fencedBlock(raw, "```json"); ok && gjson.Valid(interior) {
		return Result{Data: json.RawMessage(interior), WasCleanJSON: true}
	}

	if interior, ok := fencedBlock(raw, "```"); ok && gjson.Valid(interior) {
		return Result{Data: json.RawMessage(interior), WasCleanJSON: true}
	}

	if span, ok := balancedSpan(raw); ok && gjson.Valid(span) {
		return Result{Data: json.RawMessage(span), WasCleanJSON: true}
	}

	wrapped, _ := json.Marshal(rawWrapper{RawResponse: raw, Note: notJSONNote})
	return Result{Data: wrapped, WasCleanJSON: false}
}

// fencedBlock returns the trimmed interior of the first code fence
// opened by marker. The interior starts after the newline that ends the
// opening fence line and stops at the next closing fence.
func fencedBlock(s, marker string) (string, bool) {
	start := strings.Index(s, marker)
	if start == -1 {
		return "", false
	}

	nl := strings.Index(s[start:], "\n")
	if nl == -1 {
		return "", false
	}
	interior := start + nl + 1

	end := strings.Index(s[interior:], "```")
	if end == -1 {
		return "", false
	}

	return strings.TrimSpace(s[interior : interior+end]), true
}

// balancedSpan returns the first top-level {...} span, tracking string
// and escape state so braces inside JSON strings do not skew the depth
// count.
func balancedSpan(s string) (string, bool) {
	start := strings.Index(s, "{")
	if start == -1 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]

		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		switch ch {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
