package kernel

import (
	"fmt"
	"sync"

	"github.com/proteanlabs/protean/core/keycode"
)

// Module is a long-lived unit owning protocol state. A module reports
// its keycode and version through pure queries and accepts
// administrative callbacks only from the kernel it trusts.
type Module interface {
	// Keycode names the module in the registry. Fixed for the life of
	// the keycode; only the implementing address changes on upgrade.
	Keycode() keycode.Keycode

	// Version reports the implementation's (major, minor) version.
	Version() Version

	// Address is the module instance's identity.
	Address() Address

	// Init is the self-init hook the kernel invokes on install and on
	// upgrade, passing its own identity so the module can cache
	// kernel-issued state. A module must reject Init from any kernel
	// other than the one it already trusts.
	Init(k *Kernel) error

	// ChangeKernel moves trust from the current kernel to a successor
	// during migration. Rejected unless from is the trusted kernel.
	ChangeKernel(from, to *Kernel) error
}

// Base carries the common module behavior: identity queries, the
// trusted-kernel reference, and the permission guard. Embed it in a
// concrete module and call NewBase from the constructor.
type Base struct {
	kc      keycode.Keycode
	version Version
	addr    Address

	mu      sync.RWMutex
	trusted *Kernel
}

// NewBase constructs the embeddable module base.
func NewBase(kc keycode.Keycode, v Version, addr Address) Base {
	return Base{kc: kc, version: v, addr: addr}
}

// Keycode implements Module.
func (b *Base) Keycode() keycode.Keycode { return b.kc }

// Version implements Module.
func (b *Base) Version() Version { return b.version }

// Address implements Module.
func (b *Base) Address() Address { return b.addr }

// Kernel returns the kernel the module currently trusts, nil before the
// first Init.
func (b *Base) Kernel() *Kernel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.trusted
}

// Init implements Module. The first caller becomes the trusted kernel;
// re-init from the same kernel (an upgrade of this keycode, or a
// reinstall) is accepted, any other source is rejected.
func (b *Base) Init(k *Kernel) error {
	if k == nil {
		return fmt.Errorf("%w: nil kernel", ErrUntrustedKernel)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.trusted != nil && b.trusted != k {
		return fmt.Errorf("%w: module %s trusts another kernel", ErrUntrustedKernel, b.kc)
	}
	b.trusted = k
	return nil
}

// ChangeKernel implements Module.
func (b *Base) ChangeKernel(from, to *Kernel) error {
	if to == nil {
		return fmt.Errorf("%w: nil successor kernel", ErrUntrustedKernel)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.trusted == nil || b.trusted != from {
		return fmt.Errorf("%w: module %s: kernel change from untrusted source", ErrUntrustedKernel, b.kc)
	}
	b.trusted = to
	return nil
}

// Permissioned is the guard for state-mutating entry points. The caller
// presents the capability token it was granted at activation; the guard
// verifies the token was issued by the trusted kernel, is bound to this
// module and entry point, and that the matrix still grants the triple.
// Read-only queries need no guard.
func (b *Base) Permissioned(token Capability, entry string) error {
	b.mu.RLock()
	trusted := b.trusted
	b.mu.RUnlock()

	if trusted == nil {
		return fmt.Errorf("%w: module %s not installed", ErrUntrustedKernel, b.kc)
	}
	if token.kernel != trusted {
		return fmt.Errorf("%w: capability for %s.%s issued by foreign kernel", ErrNotPermitted, b.kc, entry)
	}
	if token.kc != b.kc || token.entry != entry {
		return fmt.Errorf("%w: capability bound to %s.%s, not %s.%s",
			ErrNotPermitted, token.kc, token.entry, b.kc, entry)
	}
	if !trusted.Permitted(token.policy, b.kc, entry) {
		return fmt.Errorf("%w: policy %s on %s.%s", ErrNotPermitted, token.policy, b.kc, entry)
	}
	return nil
}
