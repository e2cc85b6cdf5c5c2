// Package report contains the gold-layer orchestration: prompt building,
// fingerprint-gated generation, defensive response parsing, markdown
// reconstruction, and artifact rendering.
package report

import (
	"encoding/json"
	"strings"
)

// EventEnvelope is the serialization shape of one cleansed event as fed to
// the fingerprint function and the narrative engine: channel tag, start
// offset, and the opaque payload as a dynamically-typed document tree.
type EventEnvelope struct {
	Channel  string         `json:"channel"`
	TStartMS int64          `json:"t_start_ms"`
	Data     map[string]any `json:"data"`
}

// StructuredContent is the tagged result of parsing an engine response:
// either the parsed document (Ok) or the parse error together with the raw
// text (ParseFailed). A malformed model response still produces a persisted
// report and artifact; the raw text is kept as a debuggable trace.
type StructuredContent struct {
	Parsed     map[string]any `json:"parsed,omitempty"`
	ParseError string         `json:"parse_error,omitempty"`
	RawText    string         `json:"raw_text,omitempty"`
}

// Failed reports whether this is the ParseFailed branch.
func (s StructuredContent) Failed() bool {
	return s.ParseError != ""
}

// ParseEngineResponse parses the engine's text, which is intended to be a
// single JSON object possibly wrapped in formatting fences. Fences are
// stripped before parsing. A parse failure is not fatal: it yields the
// ParseFailed branch instead of an error.
func ParseEngineResponse(raw string) StructuredContent {
	clean := stripFences(raw)

	var parsed map[string]any
	if err := json.Unmarshal([]byte(clean), &parsed); err != nil {
		return StructuredContent{
			ParseError: err.Error(),
			RawText:    raw,
		}
	}
	return StructuredContent{Parsed: parsed}
}

// stripFences removes the known markdown fence markers models wrap JSON in.
func stripFences(s string) string {
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	return strings.TrimSpace(s)
}
