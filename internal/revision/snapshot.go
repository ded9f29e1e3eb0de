package revision

import (
	"encoding/json"
	"reflect"
)

// Encoder converts a record's current state into its externally visible
// snapshot. Implementations are supplied by the application layer and must be
// deterministic for a given record state; the emitted object must include the
// record's public identifier under "id" and a type tag under "object".
type Encoder interface {
	Encode(record Revisioned) (json.RawMessage, error)
}

// snapshotDelta returns the key-value pairs in current that are absent from
// previous or differ from it. An empty result means the update carries no
// externally visible change.
func snapshotDelta(current, previous map[string]any) map[string]any {
	delta := make(map[string]any)
	for key, value := range current {
		prior, ok := previous[key]
		if !ok || !reflect.DeepEqual(value, prior) {
			delta[key] = value
		}
	}
	return delta
}

// snapshotsEqual reports whether two serialized snapshots are structurally
// identical. Comparison happens over the decoded form so that key order and
// whitespace differences do not produce spurious revisions.
func snapshotsEqual(currentJSON json.RawMessage, previousJSON string) (bool, error) {
	var current, previous map[string]any
	if err := json.Unmarshal(currentJSON, &current); err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(previousJSON), &previous); err != nil {
		return false, err
	}
	return len(snapshotDelta(current, previous)) == 0, nil
}
