package database

import (
    "errors"

    "github.com/openfleet/fleetd/state"
)

var EClosed = errors.New("The state store is closed")
var ECorrupted = errors.New("The state store is corrupted")

// StateStore is the coordination-store collaborator the controller persists
// its dissemination markers in: the latest state version it has handed out
// (so versions stay strictly increasing across controller restarts), the last
// version the fleet converged on, and the per-node start timestamps observed
// at convergence time.
type StateStore interface {
    LatestStateVersion() (int, error)
    SetLatestStateVersion(version int) error
    LastConvergedVersion() (int, error)
    SetLastConvergedVersion(version int) error
    StartTimestamp(node state.Node) (uint64, error)
    SetStartTimestamp(node state.Node, timestamp uint64) error
    Close() error
}

// MemoryStateStore keeps everything in process memory. Used in tests and for
// throwaway deployments where restart monotonicity does not matter.
type MemoryStateStore struct {
    latestStateVersion int
    lastConvergedVersion int
    startTimestamps map[state.Node]uint64
}

func NewMemoryStateStore() *MemoryStateStore {
    return &MemoryStateStore{
        startTimestamps: make(map[state.Node]uint64),
    }
}

func (store *MemoryStateStore) LatestStateVersion() (int, error) {
    return store.latestStateVersion, nil
}

func (store *MemoryStateStore) SetLatestStateVersion(version int) error {
    store.latestStateVersion = version

    return nil
}

func (store *MemoryStateStore) LastConvergedVersion() (int, error) {
    return store.lastConvergedVersion, nil
}

func (store *MemoryStateStore) SetLastConvergedVersion(version int) error {
    store.lastConvergedVersion = version

    return nil
}

func (store *MemoryStateStore) StartTimestamp(node state.Node) (uint64, error) {
    return store.startTimestamps[node], nil
}

func (store *MemoryStateStore) SetStartTimestamp(node state.Node, timestamp uint64) error {
    store.startTimestamps[node] = timestamp

    return nil
}

func (store *MemoryStateStore) Close() error {
    return nil
}
