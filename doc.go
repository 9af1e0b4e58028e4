// Package pal implements a platform abstraction layer for arena-backed,
// work-stealing task scheduling: a reserve/commit virtual memory arena, a
// generational handle table, Chase-Lev work-stealing deques, a permits
// dependency graph, and CPU/I/O worker pools built on top of them.
//
// # Architecture Overview
//
// The layer consists of several key components:
//
//   - arena: reserve/commit virtual memory, bump allocation, no-move guarantee
//   - handle: generational 32-bit handles over dense/free-list packed chunks
//   - queue: Chase-Lev SPMC work-stealing deque, Vyukov MPSC/MPMC ring
//   - permits: the dependency-completion graph tasks fire through
//   - task: Define/Launch/Complete/Wait task lifecycle over the above
//   - worker: CPU/I/O worker goroutines, steal victim selection, parking
//
// # Performance Characteristics
//
// The design targets low per-task overhead through:
//
//   - Pre-sized storage: task slots and permits lists live in Go slices
//     sized once per pool and reused, indexed by packed handle; the arena
//     only accounts for their byte budget
//   - Lock-free queues: Chase-Lev deques for ready tasks and Vyukov rings
//     for free slots; handle validation on Define/Launch/Complete still
//     takes each pool's handle-table RWMutex
//   - A no-move arena: handles and slice indices stay valid for the life
//     of a pool, never invalidated by growth
//
// # Basic Usage
//
//	storage, err := pal.CreateStorage(pal.StorageInit{ReserveSize: 1 << 26})
//	pool, err := storage.AcquirePool(0, pal.PoolConfig{MaxActiveTasks: 1024,
//	    Flags: pal.PoolFlags{AllowPublish: true, AllowSteal: true}}, nil)
//	id, err := pool.Define(pal.InitInternallyCompleted(func(ctx *pal.Context) {
//	    _, _ = ctx.Complete()
//	}, nil))
//	_, err = pool.Launch(id)
//	// No worker pool drains this pool, so Wait runs its ready tasks on the
//	// calling goroutine.
//	pal.Wait(pool, pool, id)
//
// # Package Structure
//
//   - arena, handle, queue, permits, task, worker: the scheduling core
//   - internal/rng: seeded PRNG for steal victim selection
//   - internal/xlog: structured logging field binding
//   - cmd: command-line demo harnesses (palbench, palrun)
package pal
