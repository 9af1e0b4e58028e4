package pal

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := CreateStorage(StorageInit{ReserveSize: 1 << 24})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.DeleteStorage() })
	return s
}

func TestValidateConfigsRejectsOversizedPool(t *testing.T) {
	configs := []PoolConfig{
		{MaxActiveTasks: 16},
		{MaxActiveTasks: 1 << 20},
	}
	results := make([]ConfigResult, len(configs))
	ok, err := ValidateConfigs(configs, results)
	require.NoError(t, err)
	require.False(t, ok)
	require.True(t, results[0].Valid)
	require.False(t, results[1].Valid)
}

func TestQueryStorageSizeScalesWithConfigs(t *testing.T) {
	small, err := QueryStorageSize([]PoolConfig{{MaxActiveTasks: 16}})
	require.NoError(t, err)
	large, err := QueryStorageSize([]PoolConfig{{MaxActiveTasks: 16}, {MaxActiveTasks: 1024}})
	require.NoError(t, err)
	require.Greater(t, large, small)
}

func TestAcquireReleasePoolRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	p, err := s.AcquirePool(7, PoolConfig{MaxActiveTasks: 32, Flags: PoolFlags{AllowPublish: true, AllowSteal: true}}, nil)
	require.NoError(t, err)
	require.EqualValues(t, 7, p.QueryPoolType())
	require.Equal(t, 1, s.PoolCount())

	s.ReleasePool(p)
	require.Zero(t, s.PoolCount())
}

// Scenario 1 (spec §8): linear chain of three tasks, launched out of order.
func TestLinearChainScenario(t *testing.T) {
	s := newTestStorage(t)
	p, err := s.AcquirePool(0, PoolConfig{MaxActiveTasks: 16, Flags: PoolFlags{AllowPublish: true, AllowSteal: true}}, nil)
	require.NoError(t, err)

	wp, err := LaunchWorkerPool(s, WorkerPoolInit{CPUPools: []*Pool{p}})
	require.NoError(t, err)
	t.Cleanup(wp.TerminateWorkerPool)

	var mu sync.Mutex
	var order []string
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	mk := func(name string, deps ...Handle) Handle {
		id, err := p.Define(InitInternallyCompleted(func(ctx *Context) {
			record(name)
			_, _ = ctx.Complete()
		}, nil, deps...))
		require.NoError(t, err)
		return id
	}

	a := mk("A")
	b := mk("B", a)
	c := mk("C", b)

	for _, id := range []Handle{c, b, a} {
		_, err := p.Launch(id)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, 2*time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"A", "B", "C"}, order)
}

// Scenario 2 (spec §8): fan-out of 100 siblings under one external-completed
// root; root's Complete must fire exactly once, after every child.
func TestFanOutScenario(t *testing.T) {
	s := newTestStorage(t)
	p, err := s.AcquirePool(0, PoolConfig{MaxActiveTasks: 256, Flags: PoolFlags{AllowPublish: true, AllowSteal: true}}, nil)
	require.NoError(t, err)

	wp, err := LaunchWorkerPool(s, WorkerPoolInit{CPUPools: []*Pool{p}})
	require.NoError(t, err)
	t.Cleanup(wp.TerminateWorkerPool)

	var childCount int32
	var mu sync.Mutex
	rootDone := make(chan struct{})
	var rootDoneOnce sync.Once

	root, err := p.Define(InitExternallyCompleted(func(ctx *Context) {
		ctx.SetAsync("root pending")
	}, nil))
	require.NoError(t, err)
	_, err = p.Launch(root)
	require.NoError(t, err)

	const n = 100
	for i := 0; i < n; i++ {
		child, err := p.Define(InitInternallyCompletedChild(root, func(ctx *Context) {
			mu.Lock()
			childCount++
			mu.Unlock()
			_, _ = ctx.Complete()
		}, nil))
		require.NoError(t, err)
		_, err = p.Launch(child)
		require.NoError(t, err)
	}

	go func() {
		for {
			mu.Lock()
			done := childCount == n
			mu.Unlock()
			if done {
				break
			}
			time.Sleep(time.Millisecond)
		}
		_, _ = p.Complete(root)
		rootDoneOnce.Do(func() { close(rootDone) })
	}()

	select {
	case <-rootDone:
	case <-time.After(5 * time.Second):
		t.Fatal("root never completed")
	}

	mu.Lock()
	defer mu.Unlock()
	require.EqualValues(t, n, childCount)
}

// Scenario 3 (spec §8): diamond dependency A -> {B, C} -> D.
func TestDiamondScenario(t *testing.T) {
	s := newTestStorage(t)
	p, err := s.AcquirePool(0, PoolConfig{MaxActiveTasks: 16, Flags: PoolFlags{AllowPublish: true, AllowSteal: true}}, nil)
	require.NoError(t, err)

	wp, err := LaunchWorkerPool(s, WorkerPoolInit{CPUPools: []*Pool{p}})
	require.NoError(t, err)
	t.Cleanup(wp.TerminateWorkerPool)

	var mu sync.Mutex
	ts := map[string]int{}
	var clock int
	stamp := func(name string) {
		mu.Lock()
		clock++
		ts[name] = clock
		mu.Unlock()
	}

	mk := func(name string, deps ...Handle) Handle {
		id, err := p.Define(InitInternallyCompleted(func(ctx *Context) {
			stamp(name)
			_, _ = ctx.Complete()
		}, nil, deps...))
		require.NoError(t, err)
		_, err = p.Launch(id)
		require.NoError(t, err)
		return id
	}

	a := mk("A")
	b := mk("B", a)
	c := mk("C", a)
	mk("D", b, c)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ts) == 4
	}, 2*time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Greater(t, ts["B"], ts["A"])
	require.Greater(t, ts["C"], ts["A"])
	require.Greater(t, ts["D"], ts["B"])
	require.Greater(t, ts["D"], ts["C"])
}
