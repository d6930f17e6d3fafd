package kernel

import (
	"context"
	"fmt"

	"github.com/proteanlabs/protean/core/keycode"
)

// ActionTag names one administrative transition.
type ActionTag uint8

// The fixed set of administrative actions.
const (
	InstallModule ActionTag = iota + 1
	UpgradeModule
	DeprecateModule
	ActivatePolicy
	DeactivatePolicy
	ChangeExecutor
	MigrateKernel
)

// String returns the action name used in logs, events, and metrics.
func (t ActionTag) String() string {
	switch t {
	case InstallModule:
		return "install_module"
	case UpgradeModule:
		return "upgrade_module"
	case DeprecateModule:
		return "deprecate_module"
	case ActivatePolicy:
		return "activate_policy"
	case DeactivatePolicy:
		return "deactivate_policy"
	case ChangeExecutor:
		return "change_executor"
	case MigrateKernel:
		return "migrate_kernel"
	default:
		return "unknown"
	}
}

// Action is one administrative instruction: a tag and a target address.
type Action struct {
	Tag    ActionTag
	Target Address
}

// Execute runs one administrative action on behalf of from. It is the
// single mutation entry point for registry, policy set, permission
// matrix, and executor. Actions are non-reentrant with respect to each
// other: a second Execute while one is in progress fails with
// ErrActionInProgress. Every action applies fully or not at all.
func (k *Kernel) Execute(ctx context.Context, from Address, act Action) (err error) {
	defer func() {
		if k.observer != nil {
			k.observer.ActionExecuted(act.Tag.String(), err)
		}
		logEvt := k.logger.Info()
		if err != nil {
			logEvt = k.logger.Warn().Err(err)
		}
		logEvt.
			Str("action", act.Tag.String()).
			Str("from", string(from)).
			Str("target", string(act.Target)).
			Msg("administrative action")
	}()

	if err := k.begin(from); err != nil {
		return err
	}
	defer k.end()

	switch act.Tag {
	case InstallModule:
		return k.installModule(ctx, act.Target)
	case UpgradeModule:
		return k.upgradeModule(ctx, act.Target)
	case DeprecateModule:
		return k.deprecateModule(ctx, act.Target)
	case ActivatePolicy:
		return k.activatePolicy(ctx, act.Target)
	case DeactivatePolicy:
		return k.deactivatePolicy(ctx, act.Target)
	case ChangeExecutor:
		return k.changeExecutor(ctx, act.Target)
	case MigrateKernel:
		return k.migrateKernel(ctx, act.Target)
	default:
		return fmt.Errorf("%w: unknown action tag %d", ErrInvalidTarget, act.Tag)
	}
}

// begin checks the caller and takes the dispatcher busy flag. The flag,
// not the mutex, is held across hook callbacks so they can read kernel
// state without deadlocking.
func (k *Kernel) begin(from Address) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.retired {
		return ErrKernelRetired
	}
	if from != k.executor {
		return fmt.Errorf("%w: %s", ErrNotExecutor, from)
	}
	if k.busy {
		return ErrActionInProgress
	}
	k.busy = true
	return nil
}

func (k *Kernel) end() {
	k.mu.Lock()
	k.busy = false
	k.mu.Unlock()
}

func (k *Kernel) installModule(ctx context.Context, target Address) error {
	v, ok := k.resolveTarget(target)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}
	m, ok := v.(Module)
	if !ok {
		return fmt.Errorf("%w: %s is not a module", ErrInvalidTarget, target)
	}

	kc := m.Keycode()
	if err := kc.Validate(); err != nil {
		return err
	}
	if k.ModuleInstalled(kc) {
		return fmt.Errorf("%w: %s", ErrModuleInstalled, kc)
	}

	// Self-init runs before any registry mutation so a failing module
	// never appears installed.
	if err := m.Init(k); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInitFailed, kc, err)
	}

	rec := ModuleRecord{
		Keycode:     kc,
		Address:     m.Address(),
		Version:     m.Version(),
		InstalledAt: k.clock.Now(),
	}
	if k.store != nil {
		if err := k.store.SaveModule(ctx, rec); err != nil {
			return fmt.Errorf("persist module %s: %w", kc, err)
		}
	}

	k.mu.Lock()
	k.modules[kc] = m
	k.records[kc] = rec
	k.mu.Unlock()

	k.emit(ctx, "module.installed", kc, rec.Address, map[string]any{
		"version": rec.Version.String(),
	})
	return nil
}

func (k *Kernel) upgradeModule(ctx context.Context, target Address) error {
	v, ok := k.resolveTarget(target)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}
	next, ok := v.(Module)
	if !ok {
		return fmt.Errorf("%w: %s is not a module", ErrInvalidTarget, target)
	}

	kc := next.Keycode()
	k.mu.Lock()
	old, installed := k.records[kc]
	k.mu.Unlock()
	if !installed {
		return fmt.Errorf("%w: %s", ErrModuleNotInstalled, kc)
	}
	if old.Address == next.Address() {
		return fmt.Errorf("%w: %s already at address %s", ErrInvalidTarget, kc, old.Address)
	}

	// Phase one: every dependent prepares against the incoming module
	// before the registry swaps. Any failure aborts the whole upgrade
	// with nothing committed anywhere.
	deps := k.dependents(kc)
	for _, p := range deps {
		if err := p.PrepareUpgrade(kc, next); err != nil {
			return fmt.Errorf("%w: policy %s: %v", ErrRefreshFailed, p.Address(), err)
		}
	}

	if err := next.Init(k); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInitFailed, kc, err)
	}

	rec := ModuleRecord{
		Keycode:     kc,
		Address:     next.Address(),
		Version:     next.Version(),
		InstalledAt: old.InstalledAt,
	}
	if k.store != nil {
		if err := k.store.SaveModule(ctx, rec); err != nil {
			return fmt.Errorf("persist module %s: %w", kc, err)
		}
	}

	k.mu.Lock()
	k.modules[kc] = next
	k.records[kc] = rec
	k.mu.Unlock()

	// Phase two: commit cannot fail; dependents drop their references
	// to the previous address here.
	for _, p := range deps {
		p.CommitUpgrade(kc, next)
	}

	k.emit(ctx, "module.upgraded", kc, rec.Address, map[string]any{
		"previous": string(old.Address),
		"version":  rec.Version.String(),
	})
	return nil
}

func (k *Kernel) deprecateModule(ctx context.Context, target Address) error {
	k.mu.Lock()
	var rec ModuleRecord
	found := false
	for _, r := range k.records {
		if r.Address == target {
			rec, found = r, true
			break
		}
	}
	k.mu.Unlock()
	if !found {
		return fmt.Errorf("%w: %s", ErrModuleNotInstalled, target)
	}

	if deps := k.dependents(rec.Keycode); len(deps) > 0 {
		return fmt.Errorf("%w: %s has %d active dependents", ErrModuleInUse, rec.Keycode, len(deps))
	}

	if k.store != nil {
		if err := k.store.DeleteModule(ctx, rec.Keycode); err != nil {
			return fmt.Errorf("persist deprecation %s: %w", rec.Keycode, err)
		}
	}

	k.mu.Lock()
	delete(k.modules, rec.Keycode)
	delete(k.records, rec.Keycode)
	k.mu.Unlock()

	k.emit(ctx, "module.deprecated", rec.Keycode, rec.Address, nil)
	return nil
}

func (k *Kernel) activatePolicy(ctx context.Context, target Address) error {
	v, ok := k.resolveTarget(target)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}
	p, ok := v.(Policy)
	if !ok {
		return fmt.Errorf("%w: %s is not a policy", ErrInvalidTarget, target)
	}
	addr := p.Address()
	if k.PolicyActive(addr) {
		return fmt.Errorf("%w: %s", ErrPolicyActive, addr)
	}

	// Hooks run, and every declared keycode is checked, before anything
	// is recorded. A missing dependency grants nothing.
	deps := p.Dependencies()
	for _, dep := range deps {
		if !k.ModuleInstalled(dep) {
			return fmt.Errorf("%w: dependency %s of policy %s", ErrModuleNotInstalled, dep, addr)
		}
	}

	reqs := p.RequestPermissions()
	grants := make([]Permission, 0, len(reqs))
	caps := make([]Capability, 0, len(reqs))
	for _, req := range reqs {
		if req.EntryPoint == "" {
			return fmt.Errorf("%w: empty entry point requested by %s", ErrInvalidTarget, addr)
		}
		if !k.ModuleInstalled(req.Keycode) {
			return fmt.Errorf("%w: requested keycode %s by policy %s", ErrModuleNotInstalled, req.Keycode, addr)
		}
		grants = append(grants, Permission{Policy: addr, Keycode: req.Keycode, EntryPoint: req.EntryPoint})
		caps = append(caps, Capability{kernel: k, policy: addr, kc: req.Keycode, entry: req.EntryPoint})
	}

	rec := PolicyRecord{
		Address:      addr,
		Active:       true,
		Dependencies: append([]keycode.Keycode(nil), deps...),
		ActivatedAt:  k.clock.Now(),
	}
	if k.store != nil {
		if err := k.store.SavePolicy(ctx, rec, grants); err != nil {
			return fmt.Errorf("persist policy %s: %w", addr, err)
		}
	}

	k.mu.Lock()
	k.policies[addr] = p
	k.policyRecs[addr] = rec
	for _, g := range grants {
		k.perms[g] = true
	}
	k.mu.Unlock()

	p.Grant(caps)

	k.emit(ctx, "policy.activated", keycode.Keycode{}, addr, map[string]any{
		"dependencies": len(deps),
		"permissions":  len(grants),
	})
	for _, g := range grants {
		k.emit(ctx, "permission.granted", g.Keycode, addr, map[string]any{
			"entry_point": g.EntryPoint,
		})
	}
	return nil
}

func (k *Kernel) deactivatePolicy(ctx context.Context, target Address) error {
	k.mu.Lock()
	rec, known := k.policyRecs[target]
	p := k.policies[target]
	k.mu.Unlock()
	if !known || !rec.Active {
		return fmt.Errorf("%w: %s", ErrPolicyNotActive, target)
	}

	revoked := k.Permissions(target)

	rec.Active = false
	if k.store != nil {
		if err := k.store.SavePolicy(ctx, rec, nil); err != nil {
			return fmt.Errorf("persist policy %s: %w", target, err)
		}
	}

	k.mu.Lock()
	k.policyRecs[target] = rec
	for _, perm := range revoked {
		delete(k.perms, perm)
	}
	k.mu.Unlock()

	// Capability tokens held by the policy die with the matrix entries;
	// clearing the cache just drops the dead references.
	p.Grant(nil)

	for _, perm := range revoked {
		k.emit(ctx, "permission.revoked", perm.Keycode, target, map[string]any{
			"entry_point": perm.EntryPoint,
		})
	}
	k.emit(ctx, "policy.deactivated", keycode.Keycode{}, target, nil)
	return nil
}

func (k *Kernel) changeExecutor(ctx context.Context, target Address) error {
	if target == "" {
		return fmt.Errorf("%w: empty executor address", ErrInvalidTarget)
	}

	if k.store != nil {
		if err := k.store.SaveExecutor(ctx, target); err != nil {
			return fmt.Errorf("persist executor: %w", err)
		}
	}

	k.mu.Lock()
	prev := k.executor
	k.executor = target
	k.mu.Unlock()

	k.emit(ctx, "executor.changed", keycode.Keycode{}, target, map[string]any{
		"previous": string(prev),
	})
	return nil
}

// migrateKernel transfers every installed module's trusted-kernel
// reference to the successor. It is the emergency hatch and the only
// action that calls back into every module. On a mid-flight failure the
// already-migrated modules are pointed back at this kernel.
func (k *Kernel) migrateKernel(ctx context.Context, target Address) error {
	v, ok := k.resolveTarget(target)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}
	next, ok := v.(*Kernel)
	if !ok {
		return fmt.Errorf("%w: %s is not a kernel", ErrInvalidTarget, target)
	}
	if next == k {
		return fmt.Errorf("%w: cannot migrate kernel to itself", ErrInvalidTarget)
	}

	k.mu.Lock()
	mods := make([]Module, 0, len(k.modules))
	for _, m := range k.modules {
		mods = append(mods, m)
	}
	k.mu.Unlock()

	for i, m := range mods {
		if err := m.ChangeKernel(k, next); err != nil {
			for j := i - 1; j >= 0; j-- {
				if rbErr := mods[j].ChangeKernel(next, k); rbErr != nil {
					k.logger.Error().
						Err(rbErr).
						Str("keycode", mods[j].Keycode().String()).
						Msg("migration rollback failed")
				}
			}
			return fmt.Errorf("%w: module %s: %v", ErrRefreshFailed, m.Keycode(), err)
		}
	}

	k.mu.Lock()
	k.retired = true
	k.mu.Unlock()

	k.emit(ctx, "kernel.migrated", keycode.Keycode{}, next.Address(), map[string]any{
		"modules": len(mods),
	})
	return nil
}
