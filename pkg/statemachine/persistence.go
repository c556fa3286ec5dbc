package statemachine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// PersistenceProvider is the single storage seam for machine state
// (spec.md §9 unifies what the source split across two overlapping
// APIs into one interface). The Registry calls Save before evicting a
// machine and Load before rehydrating one; it never holds both a live
// instance and a stale persisted copy at once (spec.md §4.4 "persist
// then evict, atomically from the caller's point of view").
type PersistenceProvider interface {
	Save(ctx context.Context, pc *PersistentContext) error
	Load(ctx context.Context, machineID string) (*PersistentContext, error)
	Delete(ctx context.Context, machineID string) error
	Exists(ctx context.Context, machineID string) (bool, error)
}

// ErrNotFound is returned by Load and Exists-adjacent callers when no
// record exists for a machine id.
var ErrNotFound = fmt.Errorf("statemachine: no persisted record for machine")

// MemoryPersistenceProvider is an in-process map-backed provider, grounded
// on the teacher's MemoryPersistenceAdapter — same save/load/delete shape
// behind a sync.RWMutex. Useful for tests and for machine types that never
// need to survive a process restart.
type MemoryPersistenceProvider struct {
	mu    sync.RWMutex
	store map[string][]byte
}

// NewMemoryPersistenceProvider creates an empty in-memory provider.
func NewMemoryPersistenceProvider() *MemoryPersistenceProvider {
	return &MemoryPersistenceProvider{store: make(map[string][]byte)}
}

func (m *MemoryPersistenceProvider) Save(ctx context.Context, pc *PersistentContext) error {
	data, err := json.Marshal(pc)
	if err != nil {
		return newError(ErrFatalPersistence, pc.MachineID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store[pc.MachineID] = data
	return nil
}

func (m *MemoryPersistenceProvider) Load(ctx context.Context, machineID string) (*PersistentContext, error) {
	m.mu.RLock()
	data, ok := m.store[machineID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var pc PersistentContext
	if err := json.Unmarshal(data, &pc); err != nil {
		return nil, newError(ErrFatalPersistence, machineID, err)
	}
	return &pc, nil
}

func (m *MemoryPersistenceProvider) Delete(ctx context.Context, machineID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.store, machineID)
	return nil
}

func (m *MemoryPersistenceProvider) Exists(ctx context.Context, machineID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.store[machineID]
	return ok, nil
}
