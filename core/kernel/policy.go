package kernel

import (
	"sync"

	"github.com/proteanlabs/protean/core/keycode"
)

// Policy is stateless-by-convention logic that does privileged work
// through module entry points. A policy declares, at activation, which
// keycodes it depends on and which entry points it needs; the kernel
// grants exactly the requested triples and hands back capability
// tokens. Nothing survives a deactivate/reactivate cycle implicitly.
type Policy interface {
	// Address is the policy instance's identity.
	Address() Address

	// Dependencies declares the module keycodes the policy needs
	// installed. Called by the kernel only during (re)activation.
	Dependencies() []keycode.Keycode

	// RequestPermissions declares the (keycode, entry point) pairs the
	// policy wants granted. Called by the kernel only during
	// (re)activation.
	RequestPermissions() []Request

	// Grant delivers the capability tokens for the granted triples.
	// Called with nil on deactivation; the previous tokens are dead
	// either way.
	Grant(caps []Capability)

	// PrepareUpgrade is phase one of a dependency upgrade: validate
	// the incoming module before the registry swaps. Must be free of
	// irreversible effects; returning an error aborts the upgrade.
	PrepareUpgrade(kc keycode.Keycode, next Module) error

	// CommitUpgrade is phase two, after the registry swap. It cannot
	// fail; the policy drops references to the previous address here.
	CommitUpgrade(kc keycode.Keycode, next Module)
}

// Capability is an unforgeable token binding one granted triple to the
// kernel that issued it. Policies obtain capabilities only through
// Grant during activation, and module guards accept nothing else, so an
// unauthorized call cannot be expressed. A token goes dead the moment
// the matrix entry behind it is revoked.
type Capability struct {
	kernel *Kernel
	policy Address
	kc     keycode.Keycode
	entry  string
}

// Keycode returns the module keycode the capability is bound to.
func (c Capability) Keycode() keycode.Keycode { return c.kc }

// EntryPoint returns the entry point the capability is bound to.
func (c Capability) EntryPoint() string { return c.entry }

// Holder returns the policy address the capability was issued to.
func (c Capability) Holder() Address { return c.policy }

// IsZero reports whether the capability was never issued.
func (c Capability) IsZero() bool { return c.kernel == nil }

// PolicyBase carries the common policy behavior: identity, the granted
// capability cache, and no-op upgrade hooks for policies that hold no
// direct module references. Embed it in a concrete policy; the
// embedding type still implements Dependencies and RequestPermissions
// itself.
type PolicyBase struct {
	addr Address

	mu   sync.RWMutex
	caps map[Request]Capability
}

// NewPolicyBase constructs the embeddable policy base.
func NewPolicyBase(addr Address) PolicyBase {
	return PolicyBase{addr: addr}
}

// Address implements Policy.
func (p *PolicyBase) Address() Address { return p.addr }

// Grant implements Policy. Each delivery replaces the cache wholesale;
// reactivation re-derives every token from scratch.
func (p *PolicyBase) Grant(caps []Capability) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(caps) == 0 {
		p.caps = nil
		return
	}
	p.caps = make(map[Request]Capability, len(caps))
	for _, c := range caps {
		p.caps[Request{Keycode: c.kc, EntryPoint: c.entry}] = c
	}
}

// Capability returns the granted token for (kc, entry), if any.
func (p *PolicyBase) Capability(kc keycode.Keycode, entry string) (Capability, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.caps[Request{Keycode: kc, EntryPoint: entry}]
	return c, ok
}

// PrepareUpgrade implements Policy as a no-op.
func (p *PolicyBase) PrepareUpgrade(keycode.Keycode, Module) error { return nil }

// CommitUpgrade implements Policy as a no-op.
func (p *PolicyBase) CommitUpgrade(keycode.Keycode, Module) {}
