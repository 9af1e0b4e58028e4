package task

import (
	"fmt"
	"sync"
)

// Registry resolves task handles' owning pools across pool boundaries, the
// cross-pool addressing permits-graph firing needs (spec §4.5: "each task
// ID is pushed to the pool that owns that task's ready queue"). It also
// carries the single hook workers use to learn about newly ready work
// (spec §4.7's parking protocol), set by the worker package without
// task importing worker and creating a cycle.
type Registry struct {
	mu    sync.RWMutex
	pools [256]*Pool

	notifyMu sync.RWMutex
	notify   func(poolIndex uint8)
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// SetNotifier installs the callback invoked whenever a task becomes ready
// on some pool, so parked workers on that pool can be woken (spec §4.7
// step 2). A nil fn clears the hook.
func (r *Registry) SetNotifier(fn func(poolIndex uint8)) {
	r.notifyMu.Lock()
	r.notify = fn
	r.notifyMu.Unlock()
}

func (r *Registry) notifyReady(poolIndex uint8) {
	r.notifyMu.RLock()
	fn := r.notify
	r.notifyMu.RUnlock()
	if fn != nil {
		fn(poolIndex)
	}
}

// Register associates p with its index so other pools' permits firing can
// find it. Returns an error if another pool already occupies that index.
func (r *Registry) Register(p *Pool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pools[p.index] != nil {
		return fmt.Errorf("%w: pool index %d already registered", ErrInvalidArgument, p.index)
	}
	r.pools[p.index] = p
	p.reg = r
	return nil
}

// Unregister removes p from the registry (spec's ReleasePool).
func (r *Registry) Unregister(p *Pool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pools[p.index] == p {
		r.pools[p.index] = nil
	}
}

// PoolFor returns the pool registered at the given namespace/pool index, or
// nil if none is registered there.
func (r *Registry) PoolFor(poolIndex uint8) *Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pools[poolIndex]
}

// Peers returns a snapshot of every pool registered on r other than
// exclude, for Wait's cooperative-stealing fallback (spec §4.8/§4.9).
func (r *Registry) Peers(exclude *Pool) []*Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peers := make([]*Pool, 0, len(r.pools))
	for _, p := range r.pools {
		if p != nil && p != exclude {
			peers = append(peers, p)
		}
	}
	return peers
}
