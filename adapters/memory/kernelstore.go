// Package memory provides in-memory implementations of storage ports.
package memory

import (
	"context"
	"sync"

	"github.com/proteanlabs/protean/core/kernel"
	"github.com/proteanlabs/protean/core/keycode"
	"github.com/proteanlabs/protean/ports"
)

// KernelStore is an in-memory implementation of ports.KernelStore.
// Useful for tests and deployments that do not persist kernel state.
type KernelStore struct {
	mu       sync.RWMutex
	executor kernel.Address
	modules  map[keycode.Keycode]kernel.ModuleRecord
	policies map[kernel.Address]kernel.PolicyRecord
	grants   map[kernel.Address][]kernel.Permission
}

// NewKernelStore creates a new in-memory kernel store.
func NewKernelStore() *KernelStore {
	return &KernelStore{
		modules:  make(map[keycode.Keycode]kernel.ModuleRecord),
		policies: make(map[kernel.Address]kernel.PolicyRecord),
		grants:   make(map[kernel.Address][]kernel.Permission),
	}
}

// SaveModule upserts one registry entry.
func (s *KernelStore) SaveModule(ctx context.Context, rec kernel.ModuleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modules[rec.Keycode] = rec
	return nil
}

// DeleteModule removes one registry entry.
func (s *KernelStore) DeleteModule(ctx context.Context, kc keycode.Keycode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.modules, kc)
	return nil
}

// SavePolicy upserts one policy record and replaces its grants.
func (s *KernelStore) SavePolicy(ctx context.Context, rec kernel.PolicyRecord, grants []kernel.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[rec.Address] = rec
	if len(grants) == 0 {
		delete(s.grants, rec.Address)
	} else {
		s.grants[rec.Address] = append([]kernel.Permission(nil), grants...)
	}
	return nil
}

// SaveExecutor records the current executor identity.
func (s *KernelStore) SaveExecutor(ctx context.Context, addr kernel.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executor = addr
	return nil
}

// LoadSnapshot returns everything the store holds.
func (s *KernelStore) LoadSnapshot(ctx context.Context) (ports.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := ports.Snapshot{Executor: s.executor}
	for _, rec := range s.modules {
		snap.Modules = append(snap.Modules, rec)
	}
	for _, rec := range s.policies {
		snap.Policies = append(snap.Policies, rec)
	}
	for _, perms := range s.grants {
		snap.Grants = append(snap.Grants, perms...)
	}
	return snap, nil
}

// Ensure interface compliance.
var (
	_ ports.KernelStore    = (*KernelStore)(nil)
	_ ports.SnapshotLoader = (*KernelStore)(nil)
)
