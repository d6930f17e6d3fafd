// Package submodule implements the plugin registry a module may host
// inside its own namespace. Submodules are invisible to the kernel;
// their bookkeeping is mutated exclusively by the parent module, and
// their privileged entry points guard on the parent instance itself, a
// second, narrower capability check than the kernel-wide matrix.
package submodule

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/proteanlabs/protean/core/kernel"
	"github.com/proteanlabs/protean/core/keycode"
)

var (
	ErrParentMismatch = errors.New("submodule: declared parent does not match registering module")
	ErrInstalled      = errors.New("submodule: sub-keycode already registered")
	ErrNotInstalled   = errors.New("submodule: sub-keycode not registered")
	ErrNotParent      = errors.New("submodule: caller is not the parent module")
	ErrRejected       = errors.New("submodule: structural check failed")
)

// Submodule is a pluggable extension scoped to one parent module.
type Submodule interface {
	// SubKeycode names the submodule; its parent half must equal the
	// hosting module's keycode.
	SubKeycode() keycode.SubKeycode

	// Version reports the submodule's (major, minor) version.
	Version() kernel.Version

	// Address is the submodule instance's identity.
	Address() kernel.Address

	// Init binds the submodule to the exact parent instance hosting it.
	Init(parent kernel.Module) error
}

// Check is a module-specific structural validation run at registration,
// e.g. that the external system a submodule wraps is well formed.
type Check func(sub Submodule) error

// Record is the bookkeeping entry for one registered submodule.
type Record struct {
	SubKeycode keycode.SubKeycode
	Address    kernel.Address
	Version    kernel.Version
}

// Registry is the per-module table of submodules. It is bound to one
// parent instance at construction and never re-bound.
type Registry struct {
	parent kernel.Module
	check  Check

	mu   sync.RWMutex
	subs map[keycode.SubKeycode]Submodule
}

// NewRegistry creates a registry owned by parent. check is optional.
func NewRegistry(parent kernel.Module, check Check) *Registry {
	return &Registry{
		parent: parent,
		check:  check,
		subs:   make(map[keycode.SubKeycode]Submodule),
	}
}

// Install registers a submodule. The declared parent must resolve to
// the registry's own parent, the sub-keycode must be free, and the
// structural check (when configured) must pass. All-or-nothing.
func (r *Registry) Install(sub Submodule) error {
	sk := sub.SubKeycode()
	if sk.IsZero() {
		return fmt.Errorf("%w: zero sub-keycode", keycode.ErrInvalid)
	}
	if sk.Parent() != r.parent.Keycode() {
		return fmt.Errorf("%w: %s declares parent %s, registry belongs to %s",
			ErrParentMismatch, sk, sk.Parent(), r.parent.Keycode())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.subs[sk]; exists {
		return fmt.Errorf("%w: %s", ErrInstalled, sk)
	}
	if r.check != nil {
		if err := r.check(sub); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrRejected, sk, err)
		}
	}
	if err := sub.Init(r.parent); err != nil {
		return fmt.Errorf("submodule %s init: %w", sk, err)
	}

	r.subs[sk] = sub
	return nil
}

// Deprecate removes a registered submodule.
func (r *Registry) Deprecate(sk keycode.SubKeycode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.subs[sk]; !exists {
		return fmt.Errorf("%w: %s", ErrNotInstalled, sk)
	}
	delete(r.subs, sk)
	return nil
}

// Get returns the submodule registered under sk.
func (r *Registry) Get(sk keycode.SubKeycode) (Submodule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[sk]
	return sub, ok
}

// List returns records for all registered submodules, sorted by
// sub-keycode.
func (r *Registry) List() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	recs := make([]Record, 0, len(r.subs))
	for sk, sub := range r.subs {
		recs = append(recs, Record{SubKeycode: sk, Address: sub.Address(), Version: sub.Version()})
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].SubKeycode.String() < recs[j].SubKeycode.String()
	})
	return recs
}

// Base carries the common submodule behavior: identity queries, the
// parent binding, and the parent guard. Embed it in a concrete
// submodule and call NewBase from the constructor.
type Base struct {
	sk      keycode.SubKeycode
	version kernel.Version
	addr    kernel.Address

	mu     sync.RWMutex
	parent kernel.Module
}

// NewBase constructs the embeddable submodule base.
func NewBase(sk keycode.SubKeycode, v kernel.Version, addr kernel.Address) Base {
	return Base{sk: sk, version: v, addr: addr}
}

// SubKeycode implements Submodule.
func (b *Base) SubKeycode() keycode.SubKeycode { return b.sk }

// Version implements Submodule.
func (b *Base) Version() kernel.Version { return b.version }

// Address implements Submodule.
func (b *Base) Address() kernel.Address { return b.addr }

// Init implements Submodule. The first parent binds; rebinding to a
// different instance is rejected.
func (b *Base) Init(parent kernel.Module) error {
	if parent == nil {
		return fmt.Errorf("%w: nil parent", ErrParentMismatch)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.parent != nil && b.parent != parent {
		return fmt.Errorf("%w: %s already bound", ErrParentMismatch, b.sk)
	}
	b.parent = parent
	return nil
}

// Parent returns the bound parent instance, nil before Init.
func (b *Base) Parent() kernel.Module {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.parent
}

// FromParent is the guard for privileged submodule entry points: only
// the exact parent instance the submodule was bound to may call them.
func (b *Base) FromParent(caller kernel.Module) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.parent == nil {
		return fmt.Errorf("%w: %s not registered", ErrNotParent, b.sk)
	}
	if caller != b.parent {
		return fmt.Errorf("%w: %s", ErrNotParent, b.sk)
	}
	return nil
}
