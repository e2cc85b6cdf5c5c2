package fingerprint

import "testing"

func TestComputeDeterministic(t *testing.T) {
	events := []map[string]any{
		{"channel": "voice", "t_start_ms": 1000, "data": map[string]any{"pitch": 0.4}},
	}

	a, err := Compute("instructions", events)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	b, err := Compute("instructions", events)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if a != b {
		t.Errorf("same input produced different digests: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("digest length = %d, want 64 hex chars", len(a))
	}
}

func TestComputeIgnoresKeyInsertionOrder(t *testing.T) {
	// Two structurally identical documents built in different attribute
	// order must serialize canonically and match.
	a, err := Compute("i", []map[string]any{{"b": 2, "a": 1, "c": 3}})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	b, err := Compute("i", []map[string]any{{"c": 3, "a": 1, "b": 2}})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if a != b {
		t.Errorf("key order changed the digest: %s vs %s", a, b)
	}
}

func TestComputeSensitivity(t *testing.T) {
	base := []map[string]any{{"pitch": 0.4}}

	digest, err := Compute("instructions", base)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	changedEvents, err := Compute("instructions", []map[string]any{{"pitch": 0.5}})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if changedEvents == digest {
		t.Error("changed event field did not change the digest")
	}

	changedInstructions, err := Compute("other instructions", base)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if changedInstructions == digest {
		t.Error("changed instructions did not change the digest")
	}
}

func TestComputeArrayOrderMatters(t *testing.T) {
	a, err := Compute("i", []map[string]any{{"n": 1}, {"n": 2}})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	b, err := Compute("i", []map[string]any{{"n": 2}, {"n": 1}})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if a == b {
		t.Error("reordered event sequence produced the same digest")
	}
}

func TestComputeUnserializableInput(t *testing.T) {
	if _, err := Compute("i", make(chan int)); err == nil {
		t.Error("expected error for unserializable input")
	}
}
