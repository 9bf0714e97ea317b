package diff

import (
	"reflect"
	"testing"
)

func TestCompute_AddedAndModified(t *testing.T) {
	before := map[string]any{"a": 1, "b": 2}
	after := map[string]any{"a": 1, "b": 3, "c": 4}

	changes := Compute(before, after)
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %d: %+v", len(changes), changes)
	}

	byField := map[string]Change{}
	for _, c := range changes {
		byField[c.Field] = c
	}

	b, ok := byField["b"]
	if !ok {
		t.Fatal("expected a change for field b")
	}
	if b.OldValue != 2 || b.NewValue != 3 {
		t.Errorf("field b: expected 2 -> 3, got %v -> %v", b.OldValue, b.NewValue)
	}

	c, ok := byField["c"]
	if !ok {
		t.Fatal("expected a change for field c")
	}
	if c.OldValue != nil || c.NewValue != 4 {
		t.Errorf("field c: expected nil -> 4, got %v -> %v", c.OldValue, c.NewValue)
	}
}

func TestCompute_RemovedField(t *testing.T) {
	changes := Compute(map[string]any{"gone": "yes"}, map[string]any{})
	if len(changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(changes))
	}
	if changes[0].Field != "gone" || changes[0].OldValue != "yes" || changes[0].NewValue != nil {
		t.Errorf("unexpected change: %+v", changes[0])
	}
}

func TestCompute_MissingSide(t *testing.T) {
	if got := Compute(nil, map[string]any{"a": 1}); got != nil {
		t.Errorf("nil before: expected empty, got %+v", got)
	}
	if got := Compute(map[string]any{"a": 1}, nil); got != nil {
		t.Errorf("nil after: expected empty, got %+v", got)
	}
}

func TestCompute_DeepEquality(t *testing.T) {
	before := map[string]any{"nested": map[string]any{"x": []any{1, 2}}}
	after := map[string]any{"nested": map[string]any{"x": []any{1, 2}}}

	// Structurally equal but distinct references — no change.
	if got := Compute(before, after); len(got) != 0 {
		t.Errorf("structurally equal snapshots should yield no changes, got %+v", got)
	}

	after["nested"].(map[string]any)["x"] = []any{1, 3}
	changes := Compute(before, after)
	if len(changes) != 1 || changes[0].Field != "nested" {
		t.Errorf("expected one change for nested, got %+v", changes)
	}
}

func TestCompute_ScalarSnapshots(t *testing.T) {
	changes := Compute("draft", "posted")
	want := []Change{{Field: "value", OldValue: "draft", NewValue: "posted"}}
	if !reflect.DeepEqual(changes, want) {
		t.Errorf("scalar diff: got %+v, want %+v", changes, want)
	}

	if got := Compute("same", "same"); len(got) != 0 {
		t.Errorf("identical scalars should yield no changes, got %+v", got)
	}
}

func TestCompute_NoChanges(t *testing.T) {
	m := map[string]any{"a": 1}
	if got := Compute(m, map[string]any{"a": 1}); len(got) != 0 {
		t.Errorf("expected no changes, got %+v", got)
	}
}
