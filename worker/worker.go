// Package worker implements the CPU and I/O worker pools (spec §4.7): one
// goroutine per task.Pool, draining its own ready deque first and stealing
// from peers when empty, parking when no peer has work and unparking on a
// registry-wide ready notification.
//
// The spec's literal parking protocol is a bounded StealPoolSet ring plus a
// ReadyEventCount and per-worker OS semaphores (the kind of bookkeeping the
// teacher's runtime.go work-stealing scheduler sketches with channels, see
// WorkStealingScheduler.GetWork's steal loop). Go has no OS semaphore
// primitive as approachable as a channel, so this package collapses that
// protocol onto a single buffered wake channel per worker plus the Dekker
// double-check pattern (register parked, re-check for work, then block):
// register-then-recheck is the part of the handshake that actually prevents
// the lost-wakeup race; the ring/refcount bookkeeping around it is merely
// how the original avoids a thundering herd, which a buffered channel send
// already avoids for free.
package worker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sbl8/pal/internal/rng"
	"github.com/sbl8/pal/internal/xlog"
	"github.com/sbl8/pal/task"
)

// Class distinguishes CPU workers from I/O workers (spec §4.7). The base
// loop is identical; I/O workers are additionally expected to submit async
// operations and return without completing (CompletionMode External),
// relying on some outside completion callback to call task.Pool.Complete.
type Class string

const (
	ClassCPU Class = "cpu"
	ClassIO  Class = "io"
)

// DefaultParkTimeout bounds how long a parked worker sleeps before it
// re-checks its own and its peers' queues on its own, as a defense against a
// missed wake notification rather than a documented part of the protocol
// (spec §4.7 states parking has no timeout "in the base design"; this is a
// deliberate, named deviation, see DESIGN.md).
const DefaultParkTimeout = 2 * time.Millisecond

// Init configures a Pool of workers (spec §6's WorkerPoolInit-shaped
// surface: LaunchWorkerPool/QueryWorkerPoolSize/TerminateWorkerPool).
type Init struct {
	Registry      *task.Registry
	Pools         []*task.Pool
	Class         Class
	PRNGSeedBytes []byte
	Logger        *zerolog.Logger
	ParkTimeout   time.Duration
}

// Pool is a running group of worker goroutines, one per task.Pool in the
// Init, cooperatively executing and stealing among themselves.
type Pool struct {
	reg     *task.Registry
	class   Class
	workers []*worker
	wg      sync.WaitGroup
	done    atomic.Bool
	logger  zerolog.Logger
}

type worker struct {
	id      int
	class   Class
	owner   *task.Pool
	peers   []*task.Pool
	rng     *rng.Source
	wake    chan struct{}
	parked  atomic.Bool
	timeout time.Duration
	logger  zerolog.Logger
}

// Launch starts one goroutine per pool in init.Pools and registers a
// notifier on init.Registry so Launch/Complete-driven readiness wakes a
// parked worker (spec §4.7 step 2/4: "Wakers select one parked worker ...
// and signal its semaphore").
func Launch(init Init) (*Pool, error) {
	if init.Registry == nil {
		return nil, fmt.Errorf("worker: Registry must be non-nil")
	}
	if len(init.Pools) == 0 {
		return nil, fmt.Errorf("worker: Pools must be non-empty")
	}
	class := init.Class
	if class == "" {
		class = ClassCPU
	}
	timeout := init.ParkTimeout
	if timeout <= 0 {
		timeout = DefaultParkTimeout
	}
	logger := xlog.Base()
	if init.Logger != nil {
		logger = *init.Logger
	}

	wp := &Pool{reg: init.Registry, class: class, logger: logger}
	src := rng.New(init.PRNGSeedBytes)

	for i, p := range init.Pools {
		peers := make([]*task.Pool, 0, len(init.Pools)-1)
		for _, q := range init.Pools {
			if q != p {
				peers = append(peers, q)
			}
		}
		w := &worker{
			id:      i,
			class:   class,
			owner:   p,
			peers:   peers,
			rng:     rng.New(seedFor(src)),
			wake:    make(chan struct{}, 1),
			timeout: timeout,
			logger:  xlog.Worker(xlog.Pool(logger, int(p.Index()), uint32(classCode(class))), i, string(class)),
		}
		p.BindThread(int64(i))
		wp.workers = append(wp.workers, w)
	}

	init.Registry.SetNotifier(wp.notify)

	wp.wg.Add(len(wp.workers))
	for _, w := range wp.workers {
		go wp.run(w)
	}
	return wp, nil
}

func classCode(c Class) int {
	if c == ClassIO {
		return 1
	}
	return 0
}

// seedFor derives a fresh 16-byte seed from src so each worker's steal-order
// PRNG is decorrelated from its siblings rather than all sharing one Source
// across goroutines (rng.Source is not safe for concurrent use).
func seedFor(src *rng.Source) []byte {
	b := make([]byte, rng.SeedSize)
	for i := 0; i < rng.SeedSize; i += 8 {
		v := src.Next()
		for j := 0; j < 8 && i+j < rng.SeedSize; j++ {
			b[i+j] = byte(v >> (8 * uint(j)))
		}
	}
	return b
}

// Size reports the number of workers in the pool (spec §6 QueryWorkerPoolSize).
func (wp *Pool) Size() int { return len(wp.workers) }

// Class reports the worker class this pool runs.
func (wp *Pool) Class() Class { return wp.class }

// notify is the task.Registry hook woken on every Launch/Complete-driven
// transition to ready (spec §4.7 step 2). Per the collapsed protocol
// documented on the package, it wakes every parked worker rather than
// precisely targeting the pool that published work: any worker may be the
// one that successfully steals it, and a parked worker's recheck loop
// discards a spurious wake cheaply.
func (wp *Pool) notify(poolIndex uint8) {
	for _, w := range wp.workers {
		if w.parked.Load() {
			select {
			case w.wake <- struct{}{}:
				w.logger.Debug().Uint8("ready_pool", poolIndex).Msg("woke parked worker")
			default:
			}
		}
	}
}

// Shutdown marks every owned pool as shutting down, wakes all parked
// workers, and waits for their loops to exit (spec §4.7: "Shutdown sets
// ShutdownSignal, wakes all parked workers, and waits for them to observe it
// and exit").
func (wp *Pool) Shutdown() {
	wp.logger.Info().Int("workers", len(wp.workers)).Str("class", string(wp.class)).Msg("worker pool shutting down")
	wp.done.Store(true)
	for _, w := range wp.workers {
		w.owner.Shutdown()
	}
	for _, w := range wp.workers {
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
	wp.wg.Wait()
	wp.logger.Info().Str("class", string(wp.class)).Msg("worker pool stopped")
}

func (wp *Pool) run(w *worker) {
	defer wp.wg.Done()
	for {
		if wp.done.Load() {
			return
		}
		if w.owner.RunOne() {
			continue
		}
		if w.stealOnce() {
			continue
		}
		if wp.done.Load() {
			return
		}
		w.park(wp)
	}
}

// stealOnce probes peers in a per-worker randomized order (spec §9: "avoid
// always starting at the owner's own pool"), skipping any pool with
// AllowSteal clear, and runs the first successfully stolen task on its
// owning pool (the task's handle only resolves against its own pool's
// table, so the body always runs via the victim pool, never the thief's).
func (w *worker) stealOnce() bool {
	if len(w.peers) == 0 {
		return false
	}
	order := w.rng.StealOrder(len(w.peers)+1, len(w.peers))
	for _, i := range order {
		if i >= len(w.peers) {
			continue
		}
		victim := w.peers[i]
		if !victim.Flags().AllowSteal {
			continue
		}
		id, ok := victim.Steal()
		if !ok {
			continue
		}
		victim.RecordSteal()
		w.logger.Debug().Uint8("victim_pool", victim.Index()).Msg("stole task")
		victim.RunStolen(id)
		return true
	}
	return false
}

// park implements the Dekker-style handshake's worker side (spec §4.7 steps
// 1 and 3): publish parked status, then re-check for work that may have
// become available between the last failed steal and this registration,
// before actually blocking.
func (w *worker) park(wp *Pool) {
	w.parked.Store(true)
	defer w.parked.Store(false)

	if w.owner.Ready().Len() > 0 || w.hasStealableWork() {
		return
	}
	w.logger.Debug().Msg("parking")
	select {
	case <-w.wake:
		w.logger.Debug().Msg("woken by signal")
	case <-time.After(w.timeout):
		w.logger.Debug().Msg("woken by park timeout")
	}
}

func (w *worker) hasStealableWork() bool {
	for _, p := range w.peers {
		if p.Flags().AllowSteal && p.Ready().Len() > 0 {
			return true
		}
	}
	return false
}
