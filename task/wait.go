package task

import (
	"runtime"

	"github.com/sbl8/pal/handle"
	"github.com/sbl8/pal/queue"
)

// runBody executes id's body with a fresh Context, without touching its
// ready-queue membership. Used both by normal ready-queue draining and by
// ExecuteExternalAndWait's inline invocation (spec §4.8).
func (p *Pool) runBody(id handle.Handle) {
	slot := p.slotFor(id)
	if slot == nil {
		return
	}
	slot.state.Store(uint32(StateRunning))
	if slot.body != nil {
		slot.body(&Context{pool: p, id: id})
	}
}

// RunOne pops and runs one ready task from the pool's own deque (the
// owner-only take end). Returns false if the deque was empty.
func (p *Pool) RunOne() bool {
	id, ok := p.ready.Take()
	if !ok {
		return false
	}
	p.runBody(handle.Handle(id))
	return true
}

// Steal removes one ready task ID from the public (steal) end of the
// deque, for another pool's worker to run via RunStolen. The bool return
// mirrors queue.StealResult: false covers both "empty" and "abort" (the
// caller retries against a different victim either way).
func (p *Pool) Steal() (handle.Handle, bool) {
	id, res := p.ready.Steal()
	return handle.Handle(id), res == queue.StealOK
}

// RunStolen runs a task ID obtained via Steal. The worker package calls
// this after winning a steal from a peer pool.
func (p *Pool) RunStolen(id handle.Handle) {
	p.runBody(id)
}

// Wait spins on wsPool's own ready queue, then cooperatively steals from
// every other AllowSteal pool sharing wsPool's registry, running whatever
// work turns up, until id (owned by owner) reaches Done (spec §4.8:
// "spinning plus cooperative stealing so the caller's thread stays
// productive"). This is the same RunOne/Steal/RunStolen sequence
// worker.Pool's run loop uses, laid directly into Wait so a caller gets a
// productive spin even on a pool with no dedicated worker goroutine
// draining it.
func Wait(wsPool, owner *Pool, id handle.Handle) {
	for {
		slot := owner.slotFor(id)
		if slot == nil || slot.State() == StateDone {
			return
		}
		if wsPool.RunOne() {
			continue
		}
		if wsPool.stealOnceFromPeers() {
			continue
		}
		runtime.Gosched()
	}
}

// stealOnceFromPeers probes every other pool on p's registry once, in
// pool-index order, for a stealable ready task (spec §4.8's cooperative
// stealing). Unlike worker.worker.stealOnce, this has no per-caller PRNG to
// randomize the probe order with (Wait is an occasional caller-thread
// fallback, not a per-worker hot loop), so a fixed order is acceptable here.
func (p *Pool) stealOnceFromPeers() bool {
	if p.reg == nil {
		return false
	}
	for _, victim := range p.reg.Peers(p) {
		if !victim.Flags().AllowSteal {
			continue
		}
		id, ok := victim.Steal()
		if !ok {
			continue
		}
		victim.RecordSteal()
		victim.RunStolen(id)
		return true
	}
	return false
}

// ExecuteExternalAndWait runs an External-mode task's body inline on the
// calling thread (rather than dequeuing it, since it was never pushed to a
// ready queue for this purpose), then waits for its external Complete.
func ExecuteExternalAndWait(wsPool, owner *Pool, id handle.Handle) {
	owner.runBody(id)
	Wait(wsPool, owner, id)
}
