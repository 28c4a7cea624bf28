package stageflow

import (
	"fmt"
	"maps"
	"slices"

	"github.com/randalmurphal/stageflow/pkg/stageflow/snapshot"
)

// SaveSnapshot stores the current state of every set stage under label.
// States must be JSON-serializable. Saving during a pass is allowed and
// captures the state as it is at that moment.
func (f *Flow) SaveSnapshot(store snapshot.Store, label string) error {
	f.mu.Lock()
	states := maps.Clone(f.state)
	f.mu.Unlock()

	snap, err := snapshot.Encode(f.cfg.flowID, label, states)
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", label, err)
	}
	if err := store.Save(snap); err != nil {
		return fmt.Errorf("snapshot %s: %w", label, err)
	}
	return nil
}

// RestoreSnapshot replaces all stored state with the snapshot saved under
// label for this flow's ID. No pass runs and no listener is invoked.
//
// Restored values are generic JSON values: objects become map[string]any
// (so UpdateState works on them), numbers float64. A snapshot naming a
// stage this graph does not declare fails with UnknownStageError and
// leaves the state unchanged. Restoring during a pass fails with
// ErrFlowing.
func (f *Flow) RestoreSnapshot(store snapshot.Store, label string) error {
	if f.IsFlowing() {
		return ErrFlowing
	}

	snap, err := store.Load(f.cfg.flowID, label)
	if err != nil {
		return fmt.Errorf("restore %s: %w", label, err)
	}
	states, err := snap.Decode()
	if err != nil {
		return fmt.Errorf("restore %s: %w", label, err)
	}
	for _, name := range slices.Sorted(maps.Keys(states)) {
		if !f.graph.Has(name) {
			return fmt.Errorf("restore %s: %w", label, &UnknownStageError{Stage: name})
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.flowing {
		return ErrFlowing
	}
	f.state = states
	return nil
}
