// Package kernel implements the coordinator of a modular protocol runtime.
//
// The kernel owns three pieces of mutually consistent state: the module
// registry (keycode to installed module), the policy set (address to
// activation record), and the permission matrix (policy, keycode, entry
// point triples). All three are mutated exclusively through the kernel's
// administrative dispatcher, which only the executor identity may drive.
// Modules and policies read kernel state through the query surface or
// through capability tokens issued at policy activation; they never
// write it.
package kernel

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/proteanlabs/protean/core/events"
	"github.com/proteanlabs/protean/core/keycode"
)

// Address is the opaque identity of a module, policy, kernel, or
// executor. Addresses are issued by an ID generator at construction and
// never reused within a deployment.
type Address string

// Version is a module's reported (major, minor) version.
type Version struct {
	Major int
	Minor int
}

// String returns "major.minor".
func (v Version) String() string {
	return strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor)
}

// Permission is one granted triple in the permission matrix.
type Permission struct {
	Policy     Address
	Keycode    keycode.Keycode
	EntryPoint string
}

// Request is a permission a policy asks for at activation.
type Request struct {
	Keycode    keycode.Keycode
	EntryPoint string
}

// ModuleRecord is the registry entry for one installed module.
type ModuleRecord struct {
	Keycode     keycode.Keycode
	Address     Address
	Version     Version
	InstalledAt time.Time
}

// PolicyRecord is the policy-set entry for one known policy. The
// dependency list is captured at the most recent (re)activation.
type PolicyRecord struct {
	Address      Address
	Active       bool
	Dependencies []keycode.Keycode
	ActivatedAt  time.Time
}

// Store persists kernel-owned state. Each method is expected to apply
// atomically; SavePolicy replaces the policy's permission rows in the
// same transaction as the record. Implementations live in adapters.
type Store interface {
	SaveModule(ctx context.Context, rec ModuleRecord) error
	DeleteModule(ctx context.Context, kc keycode.Keycode) error
	SavePolicy(ctx context.Context, rec PolicyRecord, grants []Permission) error
	SaveExecutor(ctx context.Context, addr Address) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Resolver resolves a target address to a live instance. The dispatcher
// consults it for targets the kernel does not already hold (a module to
// install, a policy to activate, a successor kernel).
type Resolver interface {
	Resolve(addr Address) (any, bool)
}

// Observer receives hot-path notifications the event bus is too slow
// for. Implemented by the metrics adapter.
type Observer interface {
	ActionExecuted(action string, err error)
	PermissionChecked(granted bool)
}

// Options configures a Kernel.
type Options struct {
	// Address is the kernel's own identity.
	Address Address

	// Executor is the initial administrative identity. Required.
	Executor Address

	// Resolver resolves action targets not yet known to the kernel.
	Resolver Resolver

	// Store persists kernel state. Optional; nil means in-memory only.
	Store Store

	// Bus receives observability events. Optional.
	Bus *events.Bus

	// Observer receives action and permission-check notifications. Optional.
	Observer Observer

	// Clock defaults to the system clock.
	Clock Clock

	// Logger defaults to a disabled logger.
	Logger zerolog.Logger
}

// Kernel coordinates modules and policies. Create one with New; there
// is no teardown except migration to a successor kernel.
type Kernel struct {
	addr     Address
	resolver Resolver
	store    Store
	bus      *events.Bus
	observer Observer
	clock    Clock
	logger   zerolog.Logger

	mu         sync.Mutex
	busy       bool
	retired    bool
	executor   Address
	modules    map[keycode.Keycode]Module
	records    map[keycode.Keycode]ModuleRecord
	policies   map[Address]Policy
	policyRecs map[Address]PolicyRecord
	perms      map[Permission]bool
}

// New creates a kernel with an empty registry and the given executor.
func New(opts Options) *Kernel {
	clock := opts.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Kernel{
		addr:       opts.Address,
		resolver:   opts.Resolver,
		store:      opts.Store,
		bus:        opts.Bus,
		observer:   opts.Observer,
		clock:      clock,
		logger:     opts.Logger,
		executor:   opts.Executor,
		modules:    make(map[keycode.Keycode]Module),
		records:    make(map[keycode.Keycode]ModuleRecord),
		policies:   make(map[Address]Policy),
		policyRecs: make(map[Address]PolicyRecord),
		perms:      make(map[Permission]bool),
	}
}

// Address returns the kernel's own identity.
func (k *Kernel) Address() Address {
	return k.addr
}

// Executor returns the current administrative identity.
func (k *Kernel) Executor() Address {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.executor
}

// Permitted reports whether the permission matrix grants the triple.
func (k *Kernel) Permitted(policy Address, kc keycode.Keycode, entry string) bool {
	k.mu.Lock()
	granted := k.perms[Permission{Policy: policy, Keycode: kc, EntryPoint: entry}]
	k.mu.Unlock()

	if k.observer != nil {
		k.observer.PermissionChecked(granted)
	}
	return granted
}

// Module returns the live module installed under kc.
func (k *Kernel) Module(kc keycode.Keycode) (Module, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, ok := k.modules[kc]
	return m, ok
}

// ModuleAddress returns the address currently registered for kc.
func (k *Kernel) ModuleAddress(kc keycode.Keycode) (Address, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	rec, ok := k.records[kc]
	return rec.Address, ok
}

// ModuleInstalled reports whether kc is in the registry.
func (k *Kernel) ModuleInstalled(kc keycode.Keycode) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.records[kc]
	return ok
}

// PolicyActive reports whether the policy at addr is currently active.
func (k *Kernel) PolicyActive(addr Address) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.policyRecs[addr].Active
}

// Modules returns registry entries sorted by keycode.
func (k *Kernel) Modules() []ModuleRecord {
	k.mu.Lock()
	defer k.mu.Unlock()

	recs := make([]ModuleRecord, 0, len(k.records))
	for _, rec := range k.records {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].Keycode.String() < recs[j].Keycode.String()
	})
	return recs
}

// Policies returns policy-set entries sorted by address.
func (k *Kernel) Policies() []PolicyRecord {
	k.mu.Lock()
	defer k.mu.Unlock()

	recs := make([]PolicyRecord, 0, len(k.policyRecs))
	for _, rec := range k.policyRecs {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].Address < recs[j].Address
	})
	return recs
}

// Permissions returns the granted triples for one policy, sorted by
// keycode then entry point.
func (k *Kernel) Permissions(policy Address) []Permission {
	k.mu.Lock()
	defer k.mu.Unlock()

	var out []Permission
	for perm, granted := range k.perms {
		if granted && perm.Policy == policy {
			out = append(out, perm)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Keycode != out[j].Keycode {
			return out[i].Keycode.String() < out[j].Keycode.String()
		}
		return out[i].EntryPoint < out[j].EntryPoint
	})
	return out
}

// dependents returns the active policies whose captured dependency list
// includes kc.
func (k *Kernel) dependents(kc keycode.Keycode) []Policy {
	k.mu.Lock()
	defer k.mu.Unlock()

	var out []Policy
	for addr, rec := range k.policyRecs {
		if !rec.Active {
			continue
		}
		for _, dep := range rec.Dependencies {
			if dep == kc {
				out = append(out, k.policies[addr])
				break
			}
		}
	}
	return out
}

// resolveTarget resolves an action target. The kernel's own live
// instances take precedence; unknown addresses fall through to the
// external resolver.
func (k *Kernel) resolveTarget(addr Address) (any, bool) {
	k.mu.Lock()
	if p, ok := k.policies[addr]; ok {
		k.mu.Unlock()
		return p, true
	}
	for _, rec := range k.records {
		if rec.Address == addr {
			m := k.modules[rec.Keycode]
			k.mu.Unlock()
			return m, true
		}
	}
	k.mu.Unlock()

	if k.resolver == nil {
		return nil, false
	}
	return k.resolver.Resolve(addr)
}

// emit publishes an observability event if a bus is wired.
func (k *Kernel) emit(ctx context.Context, name string, kc keycode.Keycode, addr Address, data map[string]any) {
	if k.bus == nil {
		return
	}
	ev := events.Event{Name: name, Address: string(addr), Data: data}
	if !kc.IsZero() {
		ev.Keycode = kc.String()
	}
	k.bus.Publish(ctx, ev)
}
