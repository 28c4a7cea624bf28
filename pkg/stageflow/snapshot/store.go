// Package snapshot persists the stored stage states of a Flow so they can
// be restored later, for example across process restarts.
//
// A snapshot is identified by a flow ID and a label. Saving under an
// existing label replaces the previous snapshot and bumps its sequence.
package snapshot

import (
	"errors"
	"time"
)

// Store persists snapshots.
// Implementations must be safe for concurrent use.
type Store interface {
	// Save stores snap under (snap.FlowID, snap.Label), overwriting any
	// previous snapshot with the same key. Save assigns snap.Sequence.
	Save(snap *Snapshot) error

	// Load retrieves a snapshot.
	// Returns ErrNotFound if the snapshot doesn't exist.
	Load(flowID, label string) (*Snapshot, error)

	// List returns all snapshots of a flow, ordered by sequence.
	// Returns empty slice (not error) if the flow has no snapshots.
	List(flowID string) ([]Info, error)

	// Delete removes a specific snapshot.
	// Returns nil if the snapshot doesn't exist.
	Delete(flowID, label string) error

	// DeleteFlow removes all snapshots of a flow.
	DeleteFlow(flowID string) error

	// Close releases any resources (connections, files).
	Close() error
}

// Info provides metadata without decoding states.
type Info struct {
	FlowID    string
	Label     string
	Sequence  int
	Timestamp time.Time
	Size      int64
}

// Sentinel errors for snapshot operations.
var (
	// ErrNotFound indicates a snapshot doesn't exist.
	ErrNotFound = errors.New("snapshot not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("snapshot store closed")

	// ErrInvalidKey indicates an empty flow ID or label.
	ErrInvalidKey = errors.New("snapshot flow id and label must be non-empty")

	// ErrUnsupportedVersion indicates a snapshot written by a newer format.
	ErrUnsupportedVersion = errors.New("unsupported snapshot version")
)

func validKey(flowID, label string) error {
	if flowID == "" || label == "" {
		return ErrInvalidKey
	}
	return nil
}
