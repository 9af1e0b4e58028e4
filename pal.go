// This file is the top-level Platform Abstraction Layer surface (spec §6):
// storage lifecycle, pool acquisition, and worker pool launch, wired over
// the arena, handle, queue, permits, task and worker packages beneath it.
package pal

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sbl8/pal/arena"
	"github.com/sbl8/pal/handle"
	"github.com/sbl8/pal/internal/xlog"
	"github.com/sbl8/pal/task"
	"github.com/sbl8/pal/worker"
)

// Re-exported so callers never need to import the task package directly for
// the common path (spec §6's Init*Completed family and Define/Launch/
// Complete/Wait surface).
type (
	Handle         = handle.Handle
	Body           = task.Body
	Context        = task.Context
	CompletionMode = task.CompletionMode
	DefineInit     = task.DefineInit
)

const (
	Internal = task.Internal
	External = task.External
)

// PoolFlags mirrors the four independently-settable pool behavior bits
// (spec §6 configuration enumeration: allowPublish, allowSteal,
// ownerMayBlock, poolIsWorker).
type PoolFlags = task.Flags

// PoolConfig is one entry of the configs[] array ValidateConfigs/
// QueryStorageSize accept, and the per-pool argument of AcquirePool (spec
// §6's "Configuration
// enumeration (recognised options for pool init)").
type PoolConfig struct {
	PoolTypeID      uint32
	MaxActiveTasks  uint32
	Flags           PoolFlags
	PermitsCapacity int
	WorkerInit      func(userContext any)
	PRNGSeedBytes   []byte
}

// ConfigResult is one element of the results[] array ValidateConfigs fills
// in, reporting per-config validation outcome without committing any
// storage.
type ConfigResult struct {
	Valid bool
	Err   error
}

const (
	maxActiveTasksCeiling = 65536
	defaultStackSizeBytes = 64 * 1024 // spec §6: "stackSizeBytes (default 64 KiB)"
	approxTaskPoolOverhead = 1 << 16  // fixed per-pool bookkeeping reserved ahead of its task/permits arenas
)

func validateOne(c PoolConfig) error {
	if c.MaxActiveTasks == 0 || c.MaxActiveTasks > maxActiveTasksCeiling {
		return fmt.Errorf("%w: maxActiveTasks must be in (0, %d]", task.ErrInvalidArgument, maxActiveTasksCeiling)
	}
	return nil
}

// ValidateConfigs checks every config independently, writing a per-config
// result into results (which must be the same length as configs) and
// returning the conjunction as globalResult (spec §6).
func ValidateConfigs(configs []PoolConfig, results []ConfigResult) (globalResult bool, err error) {
	if len(results) != len(configs) {
		return false, fmt.Errorf("%w: results must be the same length as configs", task.ErrInvalidArgument)
	}
	globalResult = true
	for i, c := range configs {
		if verr := validateOne(c); verr != nil {
			results[i] = ConfigResult{Valid: false, Err: verr}
			globalResult = false
			continue
		}
		results[i] = ConfigResult{Valid: true}
	}
	return globalResult, nil
}

// QueryStorageSize estimates the arena bytes that acquiring one pool per
// config draws from a Storage (task slots, permits lists at the default
// PermitsCapacity, plus fixed overhead), so callers can choose
// StorageInit.ReserveSize for CreateStorage rather than discover
// OutOfMemory mid-run (spec §6).
func QueryStorageSize(configs []PoolConfig) (uintptr, error) {
	var total uintptr
	for _, c := range configs {
		if err := validateOne(c); err != nil {
			return 0, err
		}
		chunkCap := c.MaxActiveTasks
		if chunkCap > handle.MaxSlotsPerChunk {
			chunkCap = handle.MaxSlotsPerChunk
		}
		maxChunks := uintptr((c.MaxActiveTasks + chunkCap - 1) / chunkCap)
		total += maxChunks*uintptr(chunkCap)*256 + uintptr(c.MaxActiveTasks)*160 + approxTaskPoolOverhead
	}
	return total, nil
}

// Storage owns one reserve/commit arena and the set of pools acquired
// against it (spec §6's CreateStorage/DeleteStorage/AcquirePool/
// ReleasePool). Acquiring and releasing pools takes a lock since rebinding
// a pool between threads is explicitly off the scheduler's fast path
// (spec §5: "A small reader-writer lock guards only pool free-list
// metadata during rebind ... which is not on the fast path").
type Storage struct {
	mu       sync.RWMutex
	arena    *arena.Arena
	reg      *task.Registry
	pools    map[uint8]*Pool
	nextIdx  uint8
	logger   zerolog.Logger
}

// StorageInit configures CreateStorage (spec §6's `init` argument).
type StorageInit struct {
	ReserveSize   uintptr
	InitialCommit uintptr
	Logger        *zerolog.Logger
}

// CreateStorage reserves init.ReserveSize bytes of virtual address space
// (spec §3.1's arena discipline) and returns a Storage ready for
// AcquirePool calls.
func CreateStorage(init StorageInit) (*Storage, error) {
	a, err := arena.Create(init.ReserveSize, init.InitialCommit)
	if err != nil {
		return nil, fmt.Errorf("pal: CreateStorage: %w", err)
	}
	logger := xlog.Base()
	if init.Logger != nil {
		logger = *init.Logger
	}
	return &Storage{
		arena:  a,
		reg:    task.NewRegistry(),
		pools:  make(map[uint8]*Pool),
		logger: logger,
	}, nil
}

// DeleteStorage releases every pool's arena-backed state and unmaps the
// underlying reservation. Callers must TerminateWorkerPool any worker pools
// bound to this storage first.
func (s *Storage) DeleteStorage() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx, p := range s.pools {
		s.reg.Unregister(p.inner)
		delete(s.pools, idx)
	}
	return s.arena.Delete()
}

// Pool wraps a task.Pool with the identity/type metadata AcquirePool stamps
// on it (spec §6's QueryPoolType/Index/Count).
type Pool struct {
	inner   *task.Pool
	typeID  uint32
	seed    []byte
	storage *Storage
}

// AcquirePool creates a new pool of the given application-defined type
// (spec §6: "AcquirePool(storage, typeId, seed, seedLen) → pool"). A copy
// of seed is kept with the pool but does not seed anything: worker
// steal-order PRNGs are seeded from WorkerPoolInit.PRNGSeedBytes, and
// cfg.PRNGSeedBytes is not read either.
func (s *Storage) AcquirePool(typeID uint32, cfg PoolConfig, seed []byte) (*Pool, error) {
	if err := validateOne(cfg); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pools) >= 256 {
		return nil, fmt.Errorf("%w: storage already holds the maximum 256 pools", task.ErrPoolFull)
	}
	idx := s.nextIdx
	for {
		if _, taken := s.pools[idx]; !taken {
			break
		}
		idx++
	}

	inner, err := task.NewPool(task.Config{
		Index:           idx,
		MaxActiveTasks:  cfg.MaxActiveTasks,
		Flags:           cfg.Flags,
		PermitsCapacity: cfg.PermitsCapacity,
		Arena:           s.arena,
		Logger:          &s.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := s.reg.Register(inner); err != nil {
		return nil, err
	}
	if cfg.WorkerInit != nil {
		cfg.WorkerInit(nil)
	}

	p := &Pool{inner: inner, typeID: typeID, seed: append([]byte(nil), seed...), storage: s}
	s.pools[idx] = p
	s.nextIdx = idx + 1
	return p, nil
}

// ReleasePool unregisters pool from its storage. Any tasks still live on it
// become unreachable via cross-pool dependency/parent resolution; callers
// must drain it (Wait on every outstanding handle) first.
func (s *Storage) ReleasePool(p *Pool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pools, p.inner.Index())
	s.reg.Unregister(p.inner)
}

// PoolCount reports how many pools are currently acquired against s (spec
// §6's QueryPoolType/Index/Count family, the Count variant).
func (s *Storage) PoolCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pools)
}

// Registry exposes the underlying task.Registry, for wiring a worker.Pool
// (LaunchWorkerPool) or any other cross-pool consumer.
func (s *Storage) Registry() *task.Registry { return s.reg }

// QueryPoolType returns the application-defined type ID AcquirePool was
// called with.
func (p *Pool) QueryPoolType() uint32 { return p.typeID }

// QueryPoolIndex returns the pool's storage-assigned index (also its
// handle namespace).
func (p *Pool) QueryPoolIndex() uint8 { return p.inner.Index() }

// QueryMaxActiveTasks returns the pool's task slot capacity: the configured
// MaxActiveTasks rounded up to a whole number of handle-table chunks.
func (p *Pool) QueryMaxActiveTasks() uint32 { return p.inner.MaxActiveTasks() }

// QueryBoundThreadId returns the identity a worker loop bound to the pool:
// the worker's construction-order index within its worker class, not an OS
// thread ID. It is 0 both before any worker binds and for the first worker.
func (p *Pool) QueryBoundThreadId() int64 { return p.inner.BoundThreadID() }

// QueryUserContext returns the opaque per-pool user context. Neither
// AcquirePool nor LaunchWorkerPool sets one, so for pools created through
// this package it is always nil.
func (p *Pool) QueryUserContext() any { return p.inner.UserContext() }

// Stats returns a point-in-time snapshot of the pool's Define/Launch/
// Complete/steal counters (SPEC_FULL.md SUPPLEMENTED FEATURES).
func (p *Pool) Stats() task.PoolStats { return p.inner.Stats() }

// Define allocates a new task slot on p (spec §6's Define(pool, init)).
func (p *Pool) Define(init DefineInit) (Handle, error) { return p.inner.Define(init) }

// Launch transitions id from Defined to Ready (spec §6's Launch(pool, id)).
func (p *Pool) Launch(id Handle) (int, error) { return p.inner.Launch(id) }

// Complete decrements id's WorkCount by one (spec §6's Complete(pool, id)).
func (p *Pool) Complete(id Handle) (int, error) { return p.inner.Complete(id) }

// InitInternallyCompleted builds a DefineInit for a root, internally
// completed task (spec §6).
func InitInternallyCompleted(body Body, args []byte, deps ...Handle) DefineInit {
	return task.NewInternalInit(body, args, deps...)
}

// InitInternallyCompletedChild builds a DefineInit for an internally
// completed child task (spec §6).
func InitInternallyCompletedChild(parent Handle, body Body, args []byte, deps ...Handle) DefineInit {
	return task.NewInternalChildInit(parent, body, args, deps...)
}

// InitExternallyCompleted builds a DefineInit for a root, externally
// completed task (spec §6).
func InitExternallyCompleted(body Body, args []byte, deps ...Handle) DefineInit {
	return task.NewExternalInit(body, args, deps...)
}

// InitExternallyCompletedChild builds a DefineInit for an externally
// completed child task (spec §6).
func InitExternallyCompletedChild(parent Handle, body Body, args []byte, deps ...Handle) DefineInit {
	return task.NewExternalChildInit(parent, body, args, deps...)
}

// Wait spins wsPool's worker loop (without parking) until id, owned by
// pool, reaches Done (spec §6's Wait(workerPool, pool, id, ctx)).
func Wait(wsPool, pool *Pool, id Handle) {
	task.Wait(wsPool.inner, pool.inner, id)
}

// ExecuteExternalAndWait runs id's body inline on the caller, then waits
// for its external Complete (spec §6).
func ExecuteExternalAndWait(wsPool, pool *Pool, id Handle) {
	task.ExecuteExternalAndWait(wsPool.inner, pool.inner, id)
}

// WorkerPoolInit configures LaunchWorkerPool (spec §6): one worker.Pool per
// class, each binding one goroutine per listed application pool.
type WorkerPoolInit struct {
	CPUPools      []*Pool
	IOPools       []*Pool
	PRNGSeedBytes []byte
	Logger        *zerolog.Logger
}

// WorkerPool bundles the CPU and I/O worker.Pool instances LaunchWorkerPool
// started, for TerminateWorkerPool to stop together.
type WorkerPool struct {
	cpu *worker.Pool
	io  *worker.Pool
}

// QueryWorkerPoolSize reports the byte budget LaunchWorkerPool's bookkeeping
// needs for the given worker counts (spec §6: "QueryWorkerPoolSize(cpuWorkers,
// ioWorkers, maxAsync) → bytes"). Worker state itself lives in Go-managed
// goroutine stacks and heap objects rather than the arena, so this reports
// only the fixed per-worker channel/registration overhead.
func QueryWorkerPoolSize(cpuWorkers, ioWorkers, maxAsync int) uintptr {
	const perWorker = 256
	const perAsyncSlot = 64
	return uintptr(cpuWorkers+ioWorkers)*perWorker + uintptr(maxAsync)*perAsyncSlot
}

// LaunchWorkerPool starts the worker goroutines bound to the pools in init
// (spec §6: "LaunchWorkerPool(pool, init) → status"). Every pool must share
// a common Storage (and therefore Registry); mixing pools from different
// Storages is rejected.
func LaunchWorkerPool(s *Storage, init WorkerPoolInit) (*WorkerPool, error) {
	for _, group := range [][]*Pool{init.CPUPools, init.IOPools} {
		for _, p := range group {
			if p.storage != s {
				return nil, fmt.Errorf("%w: pool %d belongs to a different Storage", task.ErrInvalidArgument, p.QueryPoolIndex())
			}
		}
	}
	wp := &WorkerPool{}
	if len(init.CPUPools) > 0 {
		cpu, err := worker.Launch(worker.Init{
			Registry:      s.reg,
			Pools:         toInnerPools(init.CPUPools),
			Class:         worker.ClassCPU,
			PRNGSeedBytes: init.PRNGSeedBytes,
			Logger:        init.Logger,
		})
		if err != nil {
			return nil, err
		}
		wp.cpu = cpu
	}
	if len(init.IOPools) > 0 {
		io, err := worker.Launch(worker.Init{
			Registry:      s.reg,
			Pools:         toInnerPools(init.IOPools),
			Class:         worker.ClassIO,
			PRNGSeedBytes: init.PRNGSeedBytes,
			Logger:        init.Logger,
		})
		if err != nil {
			if wp.cpu != nil {
				wp.cpu.Shutdown()
			}
			return nil, err
		}
		wp.io = io
	}
	return wp, nil
}

func toInnerPools(pools []*Pool) []*task.Pool {
	inner := make([]*task.Pool, len(pools))
	for i, p := range pools {
		inner[i] = p.inner
	}
	return inner
}

// TerminateWorkerPool shuts down both the CPU and I/O worker groups and
// waits for every worker goroutine to exit (spec §6).
func (wp *WorkerPool) TerminateWorkerPool() {
	if wp.cpu != nil {
		wp.cpu.Shutdown()
	}
	if wp.io != nil {
		wp.io.Shutdown()
	}
}

// Size reports the total worker count across both classes.
func (wp *WorkerPool) Size() int {
	n := 0
	if wp.cpu != nil {
		n += wp.cpu.Size()
	}
	if wp.io != nil {
		n += wp.io.Size()
	}
	return n
}
