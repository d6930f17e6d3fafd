// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"

	"github.com/proteanlabs/protean/core/kernel"
)

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock is the kernel's time source. Aliased from the kernel package,
// where the consumer of the interface lives.
type Clock = kernel.Clock

// IDGenerator issues unique addresses for kernels, modules, policies,
// and submodules.
type IDGenerator interface {
	New() string
}

// Hasher hashes and verifies admin bearer tokens.
type Hasher interface {
	Hash(plaintext string) ([]byte, error)
	Compare(hash []byte, plaintext string) bool
}

// -----------------------------------------------------------------------------
// Data Store Ports
// -----------------------------------------------------------------------------

// KernelStore persists kernel-owned state: module registry, policy set,
// permission matrix, and executor identity. Aliased from the kernel
// package, where the consumer of the interface lives.
type KernelStore = kernel.Store

// SnapshotLoader is implemented by stores that can rehydrate persisted
// kernel state at startup.
type SnapshotLoader interface {
	// LoadSnapshot returns everything the store holds.
	LoadSnapshot(ctx context.Context) (Snapshot, error)
}

// Snapshot is the persisted kernel state as last written.
type Snapshot struct {
	Executor kernel.Address
	Modules  []kernel.ModuleRecord
	Policies []kernel.PolicyRecord
	Grants   []kernel.Permission
}
