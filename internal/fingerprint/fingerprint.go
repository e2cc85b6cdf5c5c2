// Package fingerprint computes the content-addressed cache key for report
// generation: a digest over the generation instructions and the canonical
// serialization of the input event set.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Compute returns the sha256 hex digest of instructions concatenated with
// the canonical JSON serialization of events.
//
// Canonical means object keys are serialized in sorted order, so two
// structurally identical event sets produce the same digest regardless of
// attribute insertion order. Array order is preserved: callers fix event
// order to ascending t_start_ms, and a reordered sequence is a different
// input. Any change to the instructions or to any event field changes the
// digest with overwhelming probability.
//
// events must be JSON-marshalable; decoded JSON documents
// (map[string]any / []any trees) always are.
func Compute(instructions string, events any) (string, error) {
	canonical, err := json.Marshal(events)
	if err != nil {
		return "", fmt.Errorf("serializing events: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(instructions))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}
