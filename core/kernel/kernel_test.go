package kernel_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/proteanlabs/protean/adapters/clock"
	"github.com/proteanlabs/protean/core/events"
	"github.com/proteanlabs/protean/core/kernel"
	"github.com/proteanlabs/protean/core/keycode"
)

const executor = kernel.Address("executor-1")

var (
	trsyKC  = keycode.MustParse("TRSY")
	priceKC = keycode.MustParse("PRICE")
)

// pool is a test resolver holding deployed-but-not-installed instances.
type pool struct {
	mu    sync.Mutex
	items map[kernel.Address]any
}

func newPool() *pool {
	return &pool{items: make(map[kernel.Address]any)}
}

func (p *pool) add(addr kernel.Address, v any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items[addr] = v
}

func (p *pool) Resolve(addr kernel.Address) (any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.items[addr]
	return v, ok
}

// treasury is a minimal state-owning module with one guarded entry point.
type treasury struct {
	kernel.Base

	mu        sync.Mutex
	balances  map[kernel.Address]int
	initErr   error
	changeErr error
}

func newTreasury(addr kernel.Address, v kernel.Version) *treasury {
	return &treasury{
		Base:     kernel.NewBase(trsyKC, v, addr),
		balances: make(map[kernel.Address]int),
	}
}

func (m *treasury) Init(k *kernel.Kernel) error {
	if m.initErr != nil {
		return m.initErr
	}
	return m.Base.Init(k)
}

func (m *treasury) ChangeKernel(from, to *kernel.Kernel) error {
	if m.changeErr != nil {
		return m.changeErr
	}
	return m.Base.ChangeKernel(from, to)
}

// Withdraw is a privileged entry point: bookkeeping is updated before
// any outbound call could happen, and only capability holders get in.
func (m *treasury) Withdraw(token kernel.Capability, to kernel.Address, amount int) error {
	if err := m.Permissioned(token, "withdraw"); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[to] += amount
	return nil
}

// Balance is a read-only query and stays unguarded.
func (m *treasury) Balance(of kernel.Address) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[of]
}

// custodian is a policy that withdraws from the treasury. It resolves
// the module through the kernel on every call and counts the two-phase
// upgrade hooks it receives.
type custodian struct {
	kernel.PolicyBase

	k    *kernel.Kernel
	deps []keycode.Keycode
	reqs []kernel.Request

	mu         sync.Mutex
	prepared   int
	committed  int
	prepareErr error

	// onRequest and onPrepare, when set, run inside the corresponding
	// kernel hook.
	onRequest func()
	onPrepare func()
}

func newCustodian(addr kernel.Address, k *kernel.Kernel) *custodian {
	return &custodian{
		PolicyBase: kernel.NewPolicyBase(addr),
		k:          k,
		deps:       []keycode.Keycode{trsyKC},
		reqs:       []kernel.Request{{Keycode: trsyKC, EntryPoint: "withdraw"}},
	}
}

func (p *custodian) Dependencies() []keycode.Keycode { return p.deps }

func (p *custodian) RequestPermissions() []kernel.Request {
	if p.onRequest != nil {
		p.onRequest()
	}
	return p.reqs
}

func (p *custodian) PrepareUpgrade(kc keycode.Keycode, next kernel.Module) error {
	if p.onPrepare != nil {
		p.onPrepare()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prepared++
	return p.prepareErr
}

func (p *custodian) CommitUpgrade(kc keycode.Keycode, next kernel.Module) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.committed++
}

// Withdraw does the privileged work through whatever address the
// registry currently resolves for the treasury keycode.
func (p *custodian) Withdraw(amount int) error {
	token, ok := p.Capability(trsyKC, "withdraw")
	if !ok {
		return errors.New("custodian holds no withdraw capability")
	}
	m, ok := p.k.Module(trsyKC)
	if !ok {
		return errors.New("treasury not installed")
	}
	return m.(*treasury).Withdraw(token, p.Address(), amount)
}

func newTestKernel(t *testing.T, p *pool) *kernel.Kernel {
	t.Helper()
	return kernel.New(kernel.Options{
		Address:  "kernel-1",
		Executor: executor,
		Resolver: p,
		Logger:   zerolog.Nop(),
	})
}

func install(t *testing.T, k *kernel.Kernel, p *pool, m kernel.Module) {
	t.Helper()
	p.add(m.Address(), m)
	if err := k.Execute(context.Background(), executor, kernel.Action{Tag: kernel.InstallModule, Target: m.Address()}); err != nil {
		t.Fatalf("install %s: %v", m.Keycode(), err)
	}
}

func activate(t *testing.T, k *kernel.Kernel, p *pool, pol kernel.Policy) {
	t.Helper()
	p.add(pol.Address(), pol)
	if err := k.Execute(context.Background(), executor, kernel.Action{Tag: kernel.ActivatePolicy, Target: pol.Address()}); err != nil {
		t.Fatalf("activate %s: %v", pol.Address(), err)
	}
}

func TestKernel_InstallModule(t *testing.T) {
	p := newPool()
	k := newTestKernel(t, p)
	m := newTreasury("mod-1", kernel.Version{Major: 1})

	install(t, k, p, m)

	if !k.ModuleInstalled(trsyKC) {
		t.Error("ModuleInstalled() = false after install")
	}
	addr, ok := k.ModuleAddress(trsyKC)
	if !ok || addr != "mod-1" {
		t.Errorf("ModuleAddress() = %s, %v, want mod-1, true", addr, ok)
	}
	if m.Kernel() != k {
		t.Error("module does not trust the installing kernel")
	}

	recs := k.Modules()
	if len(recs) != 1 || recs[0].Version != (kernel.Version{Major: 1}) {
		t.Errorf("Modules() = %+v", recs)
	}
}

func TestKernel_InstallModule_DuplicateKeycode(t *testing.T) {
	p := newPool()
	k := newTestKernel(t, p)
	install(t, k, p, newTreasury("mod-1", kernel.Version{Major: 1}))

	dup := newTreasury("mod-2", kernel.Version{Major: 2})
	p.add(dup.Address(), dup)
	err := k.Execute(context.Background(), executor, kernel.Action{Tag: kernel.InstallModule, Target: dup.Address()})
	if !errors.Is(err, kernel.ErrModuleInstalled) {
		t.Fatalf("duplicate install error = %v, want ErrModuleInstalled", err)
	}

	// Registry unchanged.
	if addr, _ := k.ModuleAddress(trsyKC); addr != "mod-1" {
		t.Errorf("ModuleAddress() after failed install = %s, want mod-1", addr)
	}
}

func TestKernel_InstallModule_NonExecutor(t *testing.T) {
	p := newPool()
	k := newTestKernel(t, p)
	m := newTreasury("mod-1", kernel.Version{Major: 1})
	p.add(m.Address(), m)

	err := k.Execute(context.Background(), "intruder", kernel.Action{Tag: kernel.InstallModule, Target: m.Address()})
	if !errors.Is(err, kernel.ErrNotExecutor) {
		t.Fatalf("non-executor install error = %v, want ErrNotExecutor", err)
	}
	if k.ModuleInstalled(trsyKC) {
		t.Error("registry mutated by non-executor action")
	}
}

func TestKernel_InstallModule_InitFailure(t *testing.T) {
	p := newPool()
	k := newTestKernel(t, p)
	m := newTreasury("mod-1", kernel.Version{Major: 1})
	m.initErr = errors.New("backing store unavailable")
	p.add(m.Address(), m)

	err := k.Execute(context.Background(), executor, kernel.Action{Tag: kernel.InstallModule, Target: m.Address()})
	if !errors.Is(err, kernel.ErrInitFailed) {
		t.Fatalf("install error = %v, want ErrInitFailed", err)
	}
	if k.ModuleInstalled(trsyKC) {
		t.Error("module installed despite failing init")
	}
}

func TestKernel_InstallModule_UnknownTarget(t *testing.T) {
	p := newPool()
	k := newTestKernel(t, p)

	err := k.Execute(context.Background(), executor, kernel.Action{Tag: kernel.InstallModule, Target: "nowhere"})
	if !errors.Is(err, kernel.ErrUnknownTarget) {
		t.Fatalf("install error = %v, want ErrUnknownTarget", err)
	}
}

// Scenario: install TRSY, activate CUST requesting ("TRSY","withdraw").
// CUST can withdraw, nobody else can; deactivation revokes; reactivation
// re-derives from the request hook.
func TestKernel_PermissionLifecycle(t *testing.T) {
	p := newPool()
	k := newTestKernel(t, p)
	m := newTreasury("mod-1", kernel.Version{Major: 1})
	install(t, k, p, m)

	cust := newCustodian("pol-cust", k)
	activate(t, k, p, cust)

	if !k.PolicyActive("pol-cust") {
		t.Fatal("PolicyActive() = false after activation")
	}
	if !k.Permitted("pol-cust", trsyKC, "withdraw") {
		t.Fatal("requested triple not granted")
	}
	if k.Permitted("pol-cust", trsyKC, "deposit") {
		t.Error("unrequested entry point granted")
	}
	if k.Permitted("pol-other", trsyKC, "withdraw") {
		t.Error("triple granted to a policy that never requested it")
	}

	if err := cust.Withdraw(100); err != nil {
		t.Fatalf("Withdraw() with granted capability: %v", err)
	}
	if got := m.Balance("pol-cust"); got != 100 {
		t.Errorf("balance = %d, want 100", got)
	}

	// Another active policy without the grant is rejected by the guard.
	bystander := newCustodian("pol-bystander", k)
	bystander.reqs = nil
	activate(t, k, p, bystander)
	if err := bystander.Withdraw(1); err == nil {
		t.Error("Withdraw() without capability should fail")
	}

	// Deactivate: every triple for CUST is gone and withdraw rejects it.
	if err := k.Execute(context.Background(), executor, kernel.Action{Tag: kernel.DeactivatePolicy, Target: "pol-cust"}); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if k.PolicyActive("pol-cust") {
		t.Error("PolicyActive() = true after deactivation")
	}
	if k.Permitted("pol-cust", trsyKC, "withdraw") {
		t.Error("triple survived deactivation")
	}
	if len(k.Permissions("pol-cust")) != 0 {
		t.Errorf("Permissions() = %v after deactivation, want none", k.Permissions("pol-cust"))
	}
	if err := cust.Withdraw(1); err == nil {
		t.Error("Withdraw() after deactivation should fail")
	}

	// Reactivate: permissions re-derived purely from the request hook.
	if err := k.Execute(context.Background(), executor, kernel.Action{Tag: kernel.ActivatePolicy, Target: "pol-cust"}); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if !k.Permitted("pol-cust", trsyKC, "withdraw") {
		t.Error("triple not re-granted on reactivation")
	}
	if err := cust.Withdraw(50); err != nil {
		t.Errorf("Withdraw() after reactivation: %v", err)
	}
}

func TestKernel_ActivatePolicy_AlreadyActive(t *testing.T) {
	p := newPool()
	k := newTestKernel(t, p)
	install(t, k, p, newTreasury("mod-1", kernel.Version{Major: 1}))
	cust := newCustodian("pol-cust", k)
	activate(t, k, p, cust)

	err := k.Execute(context.Background(), executor, kernel.Action{Tag: kernel.ActivatePolicy, Target: "pol-cust"})
	if !errors.Is(err, kernel.ErrPolicyActive) {
		t.Fatalf("double activation error = %v, want ErrPolicyActive", err)
	}
}

func TestKernel_ActivatePolicy_MissingDependency(t *testing.T) {
	p := newPool()
	k := newTestKernel(t, p)
	cust := newCustodian("pol-cust", k)
	p.add(cust.Address(), cust)

	err := k.Execute(context.Background(), executor, kernel.Action{Tag: kernel.ActivatePolicy, Target: "pol-cust"})
	if !errors.Is(err, kernel.ErrModuleNotInstalled) {
		t.Fatalf("activation error = %v, want ErrModuleNotInstalled", err)
	}

	// Atomicity: nothing recorded, nothing granted.
	if k.PolicyActive("pol-cust") {
		t.Error("policy recorded active after failed activation")
	}
	if len(k.Permissions("pol-cust")) != 0 {
		t.Error("partial permissions left after failed activation")
	}
}

func TestKernel_ActivatePolicy_RequestAgainstUninstalledKeycode(t *testing.T) {
	p := newPool()
	k := newTestKernel(t, p)
	install(t, k, p, newTreasury("mod-1", kernel.Version{Major: 1}))

	cust := newCustodian("pol-cust", k)
	// Dependency list is satisfiable, but one request names an
	// uninstalled keycode.
	cust.reqs = append(cust.reqs, kernel.Request{Keycode: priceKC, EntryPoint: "observe"})
	p.add(cust.Address(), cust)

	err := k.Execute(context.Background(), executor, kernel.Action{Tag: kernel.ActivatePolicy, Target: "pol-cust"})
	if !errors.Is(err, kernel.ErrModuleNotInstalled) {
		t.Fatalf("activation error = %v, want ErrModuleNotInstalled", err)
	}
	if k.PolicyActive("pol-cust") || len(k.Permissions("pol-cust")) != 0 {
		t.Error("partial activation state left behind")
	}
}

func TestKernel_DeactivatePolicy_NotActive(t *testing.T) {
	p := newPool()
	k := newTestKernel(t, p)

	err := k.Execute(context.Background(), executor, kernel.Action{Tag: kernel.DeactivatePolicy, Target: "pol-unknown"})
	if !errors.Is(err, kernel.ErrPolicyNotActive) {
		t.Fatalf("deactivation error = %v, want ErrPolicyNotActive", err)
	}
}

// Scenario: upgrade TRSY while CUST is active and depends on it. The
// dependent is notified before the swap and calls route to the new
// address afterwards without redeploying CUST.
func TestKernel_UpgradeModule(t *testing.T) {
	p := newPool()
	k := newTestKernel(t, p)
	v1 := newTreasury("mod-1", kernel.Version{Major: 1})
	install(t, k, p, v1)

	cust := newCustodian("pol-cust", k)
	activate(t, k, p, cust)
	if err := cust.Withdraw(10); err != nil {
		t.Fatalf("Withdraw() before upgrade: %v", err)
	}

	v2 := newTreasury("mod-2", kernel.Version{Major: 2})
	p.add(v2.Address(), v2)
	if err := k.Execute(context.Background(), executor, kernel.Action{Tag: kernel.UpgradeModule, Target: v2.Address()}); err != nil {
		t.Fatalf("upgrade: %v", err)
	}

	if addr, _ := k.ModuleAddress(trsyKC); addr != "mod-2" {
		t.Errorf("ModuleAddress() after upgrade = %s, want mod-2", addr)
	}
	if cust.prepared != 1 || cust.committed != 1 {
		t.Errorf("dependent hooks: prepared=%d committed=%d, want 1/1", cust.prepared, cust.committed)
	}

	// Calls now land on the new instance; the capability survives the
	// upgrade because the matrix is keyed by keycode, not address.
	if err := cust.Withdraw(25); err != nil {
		t.Fatalf("Withdraw() after upgrade: %v", err)
	}
	if got := v2.Balance("pol-cust"); got != 25 {
		t.Errorf("new instance balance = %d, want 25", got)
	}
	if got := v1.Balance("pol-cust"); got != 10 {
		t.Errorf("old instance balance = %d, want 10", got)
	}
}

func TestKernel_UpgradeModule_NotifiedBeforeSwap(t *testing.T) {
	p := newPool()
	k := newTestKernel(t, p)
	install(t, k, p, newTreasury("mod-1", kernel.Version{Major: 1}))

	cust := newCustodian("pol-cust", k)
	activate(t, k, p, cust)

	seen := make(chan kernel.Address, 1)
	watcher := newCustodian("pol-watch", k)
	watcher.reqs = nil
	watcher.onPrepare = func() {
		addr, _ := k.ModuleAddress(trsyKC)
		select {
		case seen <- addr:
		default:
		}
	}
	activate(t, k, p, watcher)

	v2 := newTreasury("mod-2", kernel.Version{Major: 2})
	p.add(v2.Address(), v2)
	if err := k.Execute(context.Background(), executor, kernel.Action{Tag: kernel.UpgradeModule, Target: v2.Address()}); err != nil {
		t.Fatalf("upgrade: %v", err)
	}

	if addr := <-seen; addr != "mod-1" {
		t.Errorf("registry address during prepare = %s, want mod-1 (swap must come after notification)", addr)
	}
}

func TestKernel_UpgradeModule_PrepareFailureAborts(t *testing.T) {
	p := newPool()
	k := newTestKernel(t, p)
	install(t, k, p, newTreasury("mod-1", kernel.Version{Major: 1}))

	cust := newCustodian("pol-cust", k)
	cust.prepareErr = errors.New("incompatible interface")
	activate(t, k, p, cust)

	v2 := newTreasury("mod-2", kernel.Version{Major: 2})
	p.add(v2.Address(), v2)
	err := k.Execute(context.Background(), executor, kernel.Action{Tag: kernel.UpgradeModule, Target: v2.Address()})
	if !errors.Is(err, kernel.ErrRefreshFailed) {
		t.Fatalf("upgrade error = %v, want ErrRefreshFailed", err)
	}

	// Whole upgrade aborted: registry unchanged, nothing committed.
	if addr, _ := k.ModuleAddress(trsyKC); addr != "mod-1" {
		t.Errorf("ModuleAddress() after failed upgrade = %s, want mod-1", addr)
	}
	if cust.committed != 0 {
		t.Errorf("committed = %d after failed upgrade, want 0", cust.committed)
	}
}

func TestKernel_UpgradeModule_NotInstalled(t *testing.T) {
	p := newPool()
	k := newTestKernel(t, p)

	v2 := newTreasury("mod-2", kernel.Version{Major: 2})
	p.add(v2.Address(), v2)
	err := k.Execute(context.Background(), executor, kernel.Action{Tag: kernel.UpgradeModule, Target: v2.Address()})
	if !errors.Is(err, kernel.ErrModuleNotInstalled) {
		t.Fatalf("upgrade error = %v, want ErrModuleNotInstalled", err)
	}
}

func TestKernel_DeprecateModule(t *testing.T) {
	p := newPool()
	k := newTestKernel(t, p)
	m := newTreasury("mod-1", kernel.Version{Major: 1})
	install(t, k, p, m)

	cust := newCustodian("pol-cust", k)
	activate(t, k, p, cust)

	// Refused while an active policy depends on the keycode.
	err := k.Execute(context.Background(), executor, kernel.Action{Tag: kernel.DeprecateModule, Target: "mod-1"})
	if !errors.Is(err, kernel.ErrModuleInUse) {
		t.Fatalf("deprecate error = %v, want ErrModuleInUse", err)
	}
	if !k.ModuleInstalled(trsyKC) {
		t.Error("module removed despite active dependent")
	}

	if err := k.Execute(context.Background(), executor, kernel.Action{Tag: kernel.DeactivatePolicy, Target: "pol-cust"}); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := k.Execute(context.Background(), executor, kernel.Action{Tag: kernel.DeprecateModule, Target: "mod-1"}); err != nil {
		t.Fatalf("deprecate after deactivation: %v", err)
	}
	if k.ModuleInstalled(trsyKC) {
		t.Error("module still installed after deprecation")
	}
}

func TestKernel_ChangeExecutor(t *testing.T) {
	p := newPool()
	k := newTestKernel(t, p)

	if err := k.Execute(context.Background(), executor, kernel.Action{Tag: kernel.ChangeExecutor, Target: "executor-2"}); err != nil {
		t.Fatalf("change executor: %v", err)
	}
	if k.Executor() != "executor-2" {
		t.Errorf("Executor() = %s, want executor-2", k.Executor())
	}

	// Effective immediately: the old executor is locked out.
	m := newTreasury("mod-1", kernel.Version{Major: 1})
	p.add(m.Address(), m)
	err := k.Execute(context.Background(), executor, kernel.Action{Tag: kernel.InstallModule, Target: m.Address()})
	if !errors.Is(err, kernel.ErrNotExecutor) {
		t.Fatalf("old executor error = %v, want ErrNotExecutor", err)
	}
	if err := k.Execute(context.Background(), "executor-2", kernel.Action{Tag: kernel.InstallModule, Target: m.Address()}); err != nil {
		t.Fatalf("new executor install: %v", err)
	}
}

func TestKernel_MigrateKernel(t *testing.T) {
	p := newPool()
	k := newTestKernel(t, p)
	m := newTreasury("mod-1", kernel.Version{Major: 1})
	install(t, k, p, m)

	next := kernel.New(kernel.Options{
		Address:  "kernel-2",
		Executor: executor,
		Resolver: p,
		Logger:   zerolog.Nop(),
	})
	p.add(next.Address(), next)

	if err := k.Execute(context.Background(), executor, kernel.Action{Tag: kernel.MigrateKernel, Target: next.Address()}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	if m.Kernel() != next {
		t.Error("module does not trust the successor kernel")
	}

	// The retired kernel accepts no further administrative actions.
	err := k.Execute(context.Background(), executor, kernel.Action{Tag: kernel.ChangeExecutor, Target: "executor-2"})
	if !errors.Is(err, kernel.ErrKernelRetired) {
		t.Fatalf("post-migration action error = %v, want ErrKernelRetired", err)
	}

	// The successor can re-install the module: it already trusts it.
	if err := next.Execute(context.Background(), executor, kernel.Action{Tag: kernel.InstallModule, Target: m.Address()}); err != nil {
		t.Fatalf("reinstall on successor: %v", err)
	}
	if !next.ModuleInstalled(trsyKC) {
		t.Error("successor registry missing migrated module")
	}
}

func TestKernel_MigrateKernel_RollbackOnFailure(t *testing.T) {
	p := newPool()
	k := newTestKernel(t, p)

	good := newTreasury("mod-1", kernel.Version{Major: 1})
	install(t, k, p, good)

	bad := &treasury{
		Base:      kernel.NewBase(priceKC, kernel.Version{Major: 1}, "mod-2"),
		balances:  make(map[kernel.Address]int),
		changeErr: errors.New("refusing to move"),
	}
	install(t, k, p, bad)

	next := kernel.New(kernel.Options{Address: "kernel-2", Executor: executor, Logger: zerolog.Nop()})
	p.add(next.Address(), next)

	err := k.Execute(context.Background(), executor, kernel.Action{Tag: kernel.MigrateKernel, Target: next.Address()})
	if !errors.Is(err, kernel.ErrRefreshFailed) {
		t.Fatalf("migrate error = %v, want ErrRefreshFailed", err)
	}

	// Every module still trusts the original kernel, and it is not retired.
	if good.Kernel() != k {
		t.Error("module left pointing at the successor after failed migration")
	}
	if bad.Kernel() != k {
		t.Error("failing module lost its kernel binding")
	}
	if err := k.Execute(context.Background(), executor, kernel.Action{Tag: kernel.ChangeExecutor, Target: executor}); err != nil {
		t.Errorf("kernel unusable after failed migration: %v", err)
	}
}

func TestKernel_Execute_NonReentrant(t *testing.T) {
	p := newPool()
	k := newTestKernel(t, p)
	install(t, k, p, newTreasury("mod-1", kernel.Version{Major: 1}))

	var nestedErr error
	sneaky := newCustodian("pol-sneaky", k)
	sneaky.onRequest = func() {
		nestedErr = k.Execute(context.Background(), executor, kernel.Action{Tag: kernel.ChangeExecutor, Target: "executor-2"})
	}
	activate(t, k, p, sneaky)

	if !errors.Is(nestedErr, kernel.ErrActionInProgress) {
		t.Fatalf("nested action error = %v, want ErrActionInProgress", nestedErr)
	}
	if k.Executor() != executor {
		t.Error("nested action mutated executor")
	}
}

func TestKernel_Events(t *testing.T) {
	p := newPool()
	bus := events.NewBus(zerolog.Nop())

	var mu sync.Mutex
	var names []string
	bus.Subscribe("*", func(ctx context.Context, ev events.Event) error {
		mu.Lock()
		names = append(names, ev.Name)
		mu.Unlock()
		return nil
	})

	k := kernel.New(kernel.Options{
		Address:  "kernel-1",
		Executor: executor,
		Resolver: p,
		Bus:      bus,
		Logger:   zerolog.Nop(),
	})

	m := newTreasury("mod-1", kernel.Version{Major: 1})
	p.add(m.Address(), m)
	if err := k.Execute(context.Background(), executor, kernel.Action{Tag: kernel.InstallModule, Target: m.Address()}); err != nil {
		t.Fatalf("install: %v", err)
	}

	cust := newCustodian("pol-cust", k)
	p.add(cust.Address(), cust)
	if err := k.Execute(context.Background(), executor, kernel.Action{Tag: kernel.ActivatePolicy, Target: cust.Address()}); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := k.Execute(context.Background(), executor, kernel.Action{Tag: kernel.DeactivatePolicy, Target: cust.Address()}); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	want := []string{
		"module.installed",
		"policy.activated",
		"permission.granted",
		"permission.revoked",
		"policy.deactivated",
	}
	mu.Lock()
	defer mu.Unlock()
	if len(names) != len(want) {
		t.Fatalf("events = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, names[i], want[i])
		}
	}
}

// failingStore fails every write.
type failingStore struct{}

func (failingStore) SaveModule(context.Context, kernel.ModuleRecord) error { return errStore }
func (failingStore) DeleteModule(context.Context, keycode.Keycode) error   { return errStore }
func (failingStore) SavePolicy(context.Context, kernel.PolicyRecord, []kernel.Permission) error {
	return errStore
}
func (failingStore) SaveExecutor(context.Context, kernel.Address) error { return errStore }

var errStore = errors.New("disk full")

func TestKernel_StoreFailureAbortsAction(t *testing.T) {
	p := newPool()
	k := kernel.New(kernel.Options{
		Address:  "kernel-1",
		Executor: executor,
		Resolver: p,
		Store:    failingStore{},
		Logger:   zerolog.Nop(),
	})

	m := newTreasury("mod-1", kernel.Version{Major: 1})
	p.add(m.Address(), m)
	err := k.Execute(context.Background(), executor, kernel.Action{Tag: kernel.InstallModule, Target: m.Address()})
	if !errors.Is(err, errStore) {
		t.Fatalf("install error = %v, want store failure", err)
	}
	if k.ModuleInstalled(trsyKC) {
		t.Error("registry mutated despite store failure")
	}
}

func TestKernel_RecordTimestamps(t *testing.T) {
	p := newPool()
	fake := clock.NewFake(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	k := kernel.New(kernel.Options{
		Address:  "kernel-1",
		Executor: executor,
		Resolver: p,
		Clock:    fake,
		Logger:   zerolog.Nop(),
	})

	m := newTreasury("mod-1", kernel.Version{Major: 1})
	install(t, k, p, m)

	mods := k.Modules()
	if len(mods) != 1 {
		t.Fatalf("modules = %d, want 1", len(mods))
	}
	if !mods[0].InstalledAt.Equal(fake.Now()) {
		t.Errorf("InstalledAt = %v, want %v", mods[0].InstalledAt, fake.Now())
	}

	fake.Advance(time.Hour)
	pol := newCustodian("pol-cust", k)
	activate(t, k, p, pol)

	pols := k.Policies()
	if len(pols) != 1 {
		t.Fatalf("policies = %d, want 1", len(pols))
	}
	if !pols[0].ActivatedAt.Equal(fake.Now()) {
		t.Errorf("ActivatedAt = %v, want %v", pols[0].ActivatedAt, fake.Now())
	}
	if pols[0].ActivatedAt.Sub(mods[0].InstalledAt) != time.Hour {
		t.Errorf("activation stamped %v after install, want 1h", pols[0].ActivatedAt.Sub(mods[0].InstalledAt))
	}
}
