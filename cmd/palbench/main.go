// Command palbench drives N independent tasks across a worker pool and
// reports throughput, replacing the teacher's flag-based performance
// harness (teacher_cmd/sublperf) with a cobra.Command CLI in the style of
// jontk-slurm-client/cmd/slurm-cli.
package main

import (
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/sbl8/pal"
)

var (
	numTasks    int
	cpuWorkers  int
	ioWorkers   int
	poolCap     uint32
	reserveSize int64

	rootCmd = &cobra.Command{
		Use:   "palbench",
		Short: "Benchmark the PAL work-stealing task scheduler",
		Long:  `palbench defines a flat batch of independent tasks spread round-robin across its pools, runs them to completion across a worker pool, and reports throughput.`,
		RunE:  runBench,
	}
)

func init() {
	rootCmd.Flags().IntVar(&numTasks, "tasks", 100000, "number of independent tasks to run")
	rootCmd.Flags().IntVar(&cpuWorkers, "cpu-workers", runtime.NumCPU(), "number of CPU worker pools/goroutines")
	rootCmd.Flags().IntVar(&ioWorkers, "io-workers", 0, "number of I/O worker pools/goroutines")
	rootCmd.Flags().Uint32Var(&poolCap, "pool-capacity", 65536, "maxActiveTasks per pool")
	rootCmd.Flags().Int64Var(&reserveSize, "reserve-bytes", 1<<28, "arena virtual reservation size")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runBench(cmd *cobra.Command, args []string) error {
	if cpuWorkers <= 0 && ioWorkers <= 0 {
		return fmt.Errorf("at least one of --cpu-workers or --io-workers must be positive")
	}
	storage, err := pal.CreateStorage(pal.StorageInit{ReserveSize: uintptr(reserveSize)})
	if err != nil {
		return fmt.Errorf("create storage: %w", err)
	}
	defer storage.DeleteStorage()

	totalPools := cpuWorkers + ioWorkers
	if totalPools == 0 {
		totalPools = 1
	}
	pools := make([]*pal.Pool, totalPools)
	for i := range pools {
		p, err := storage.AcquirePool(0, pal.PoolConfig{
			MaxActiveTasks: poolCap,
			Flags:          pal.PoolFlags{AllowPublish: true, AllowSteal: true},
		}, nil)
		if err != nil {
			return fmt.Errorf("acquire pool %d: %w", i, err)
		}
		pools[i] = p
	}

	wp, err := pal.LaunchWorkerPool(storage, pal.WorkerPoolInit{
		CPUPools: pools[:cpuWorkers],
		IOPools:  pools[cpuWorkers:],
	})
	if err != nil {
		return fmt.Errorf("launch worker pool: %w", err)
	}
	defer wp.TerminateWorkerPool()

	var completed atomic.Int64
	start := time.Now()

	for i := 0; i < numTasks; i++ {
		p := pools[i%len(pools)]
		id, err := p.Define(pal.InitInternallyCompleted(func(ctx *pal.Context) {
			completed.Add(1)
			_, _ = ctx.Complete()
		}, nil))
		if err != nil {
			return fmt.Errorf("define task %d: %w", i, err)
		}
		if _, err := p.Launch(id); err != nil {
			return fmt.Errorf("launch task %d: %w", i, err)
		}
	}

	// Every worker goroutine already owns exactly one pool's Take side
	// (the single-consumer end of its Chase-Lev deque); polling completed
	// here, rather than calling pal.Wait against a pool a worker already
	// drains, avoids a second concurrent Take caller on the same deque.
	for completed.Load() < int64(numTasks) {
		time.Sleep(time.Millisecond)
	}
	elapsed := time.Since(start)

	fmt.Printf("PAL scheduler benchmark\n")
	fmt.Printf("=======================\n")
	fmt.Printf("Tasks:        %d\n", numTasks)
	fmt.Printf("Pools:        %d (%d cpu, %d io)\n", totalPools, cpuWorkers, ioWorkers)
	fmt.Printf("Completed:    %d\n", completed.Load())
	fmt.Printf("Elapsed:      %v\n", elapsed)
	fmt.Printf("Throughput:   %.2f tasks/sec\n", float64(numTasks)/elapsed.Seconds())
	for _, p := range pools {
		fmt.Printf("  pool %d: stolen=%d\n", p.QueryPoolIndex(), p.Stats().Stolen)
	}
	return nil
}
