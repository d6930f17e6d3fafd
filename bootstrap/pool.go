package bootstrap

import (
	"sort"
	"sync"

	"github.com/proteanlabs/protean/core/kernel"
)

// Pool is the deployment pool: constructed-but-not-yet-installed
// modules, policies, and successor kernels, keyed by address. The
// kernel's dispatcher resolves action targets against it.
type Pool struct {
	mu    sync.RWMutex
	items map[kernel.Address]any
}

// NewPool creates an empty deployment pool.
func NewPool() *Pool {
	return &Pool{items: make(map[kernel.Address]any)}
}

// Add registers a deployed instance under its address. Re-adding an
// address replaces the previous instance.
func (p *Pool) Add(addr kernel.Address, v any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items[addr] = v
}

// Remove drops a deployed instance.
func (p *Pool) Remove(addr kernel.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.items, addr)
}

// Resolve implements kernel.Resolver.
func (p *Pool) Resolve(addr kernel.Address) (any, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.items[addr]
	return v, ok
}

// Addresses returns the deployed addresses, sorted.
func (p *Pool) Addresses() []kernel.Address {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]kernel.Address, 0, len(p.items))
	for addr := range p.items {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
