package snapshot

import (
	"encoding/json"
	"fmt"
	"time"
)

// Version is the current snapshot format version.
// Increment when making breaking changes to snapshot structure.
const Version = 1

// Snapshot is the persisted state of a Flow: one JSON document per stage
// that had stored state when the snapshot was taken.
type Snapshot struct {
	Version   int                        `json:"version"`
	FlowID    string                     `json:"flow_id"`
	Label     string                     `json:"label"`
	Sequence  int                        `json:"sequence"`
	Timestamp time.Time                  `json:"timestamp"`
	States    map[string]json.RawMessage `json:"states"`
}

// New creates a snapshot. States must already be JSON-serialized.
func New(flowID, label string, states map[string]json.RawMessage) *Snapshot {
	if states == nil {
		states = map[string]json.RawMessage{}
	}
	return &Snapshot{
		Version:   Version,
		FlowID:    flowID,
		Label:     label,
		Timestamp: time.Now().UTC(),
		States:    states,
	}
}

// Encode creates a snapshot by JSON-encoding each value in states.
func Encode(flowID, label string, states map[string]any) (*Snapshot, error) {
	raw := make(map[string]json.RawMessage, len(states))
	for name, v := range states {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode state of stage %s: %w", name, err)
		}
		raw[name] = data
	}
	return New(flowID, label, raw), nil
}

// Decode returns the stored states decoded into generic JSON values
// (map[string]any, []any, float64, string, bool, nil).
func (s *Snapshot) Decode() (map[string]any, error) {
	out := make(map[string]any, len(s.States))
	for name, data := range s.States {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode state of stage %s: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

// Marshal serializes a snapshot to JSON.
func (s *Snapshot) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// Unmarshal deserializes a snapshot from JSON.
func Unmarshal(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if s.Version > Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, s.Version)
	}
	if s.States == nil {
		s.States = map[string]json.RawMessage{}
	}
	return &s, nil
}
