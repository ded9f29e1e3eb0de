package revision

import (
	"encoding/json"
	"testing"
)

func TestSnapshotDeltaReportsChangedAndAddedKeys(t *testing.T) {
	current := map[string]any{"name": "after", "email": "a@b.c", "score": float64(3)}
	previous := map[string]any{"name": "before", "email": "a@b.c"}

	delta := snapshotDelta(current, previous)

	if len(delta) != 2 {
		t.Fatalf("expected 2 delta keys, got %d: %#v", len(delta), delta)
	}
	if delta["name"] != "after" {
		t.Fatalf("expected changed name in delta, got %#v", delta["name"])
	}
	if delta["score"] != float64(3) {
		t.Fatalf("expected added score in delta, got %#v", delta["score"])
	}
}

func TestSnapshotDeltaEmptyForIdenticalMaps(t *testing.T) {
	current := map[string]any{"name": "same", "tags": []any{"x", "y"}}
	previous := map[string]any{"name": "same", "tags": []any{"x", "y"}}

	if delta := snapshotDelta(current, previous); len(delta) != 0 {
		t.Fatalf("expected empty delta, got %#v", delta)
	}
}

func TestSnapshotsEqualIgnoresKeyOrderAndWhitespace(t *testing.T) {
	current := json.RawMessage(`{"a":1,"b":"x"}`)
	previous := `{ "b": "x", "a": 1 }`

	equal, err := snapshotsEqual(current, previous)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !equal {
		t.Fatalf("expected snapshots to be equal")
	}
}

func TestSnapshotsEqualDetectsValueChange(t *testing.T) {
	current := json.RawMessage(`{"a":1,"b":"x"}`)
	previous := `{"a":1,"b":"y"}`

	equal, err := snapshotsEqual(current, previous)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if equal {
		t.Fatalf("expected snapshots to differ")
	}
}

func TestSnapshotsEqualRejectsMalformedJSON(t *testing.T) {
	if _, err := snapshotsEqual(json.RawMessage(`{"a":1}`), `{broken`); err == nil {
		t.Fatalf("expected error for malformed previous snapshot")
	}
}
