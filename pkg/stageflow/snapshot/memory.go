package snapshot

import (
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory snapshot store for testing.
// Data is lost when the process exits.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string]map[string]storedSnapshot // flowID -> label -> snapshot
	closed bool
}

// storedSnapshot holds encoded snapshot data with metadata for List().
type storedSnapshot struct {
	data      []byte
	sequence  int
	timestamp time.Time
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory snapshot store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]map[string]storedSnapshot),
	}
}

// Save implements Store.
func (m *MemoryStore) Save(snap *Snapshot) error {
	if err := validKey(snap.FlowID, snap.Label); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	flow := m.data[snap.FlowID]
	if flow == nil {
		flow = make(map[string]storedSnapshot)
		m.data[snap.FlowID] = flow
	}

	seq := 1
	for _, s := range flow {
		if s.sequence >= seq {
			seq = s.sequence + 1
		}
	}
	snap.Sequence = seq

	// Encoding decouples the stored copy from the caller's maps.
	data, err := snap.Marshal()
	if err != nil {
		return err
	}

	flow[snap.Label] = storedSnapshot{
		data:      data,
		sequence:  seq,
		timestamp: snap.Timestamp,
	}
	return nil
}

// Load implements Store.
func (m *MemoryStore) Load(flowID, label string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	s, ok := m.data[flowID][label]
	if !ok {
		return nil, ErrNotFound
	}
	return Unmarshal(s.data)
}

// List implements Store.
func (m *MemoryStore) List(flowID string) ([]Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	flow := m.data[flowID]
	infos := make([]Info, 0, len(flow))
	for label, s := range flow {
		infos = append(infos, Info{
			FlowID:    flowID,
			Label:     label,
			Sequence:  s.sequence,
			Timestamp: s.timestamp,
			Size:      int64(len(s.data)),
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Sequence < infos[j].Sequence
	})
	return infos, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(flowID, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	if flow, ok := m.data[flowID]; ok {
		delete(flow, label)
	}
	return nil
}

// DeleteFlow implements Store.
func (m *MemoryStore) DeleteFlow(flowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	delete(m.data, flowID)
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.data = nil
	return nil
}

// Len returns the total number of snapshots across all flows.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, flow := range m.data {
		count += len(flow)
	}
	return count
}
