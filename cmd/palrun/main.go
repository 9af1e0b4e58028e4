// Command palrun loads a small, fixed dependency graph (a diamond: two
// middle tasks depending on one root, one final task depending on both
// middles) and runs it to completion, printing the order tasks actually
// ran in. It replaces the teacher's model-loading CLI (teacher_cmd/sublrun)
// with a cobra.Command surface over pal's Define/Launch/Wait API.
package main

import (
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/sbl8/pal"
)

var rootCmd = &cobra.Command{
	Use:   "palrun",
	Short: "Run a toy dependency graph through the PAL task scheduler",
	RunE:  runGraph,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runGraph(cmd *cobra.Command, args []string) error {
	storage, err := pal.CreateStorage(pal.StorageInit{ReserveSize: 1 << 24})
	if err != nil {
		return fmt.Errorf("create storage: %w", err)
	}
	defer storage.DeleteStorage()

	pool, err := storage.AcquirePool(0, pal.PoolConfig{
		MaxActiveTasks: 16,
		Flags:          pal.PoolFlags{AllowPublish: true, AllowSteal: true},
	}, nil)
	if err != nil {
		return fmt.Errorf("acquire pool: %w", err)
	}

	wp, err := pal.LaunchWorkerPool(storage, pal.WorkerPoolInit{CPUPools: []*pal.Pool{pool}})
	if err != nil {
		return fmt.Errorf("launch worker pool: %w", err)
	}
	defer wp.TerminateWorkerPool()

	var mu sync.Mutex
	var order []string
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	done := make(chan struct{})
	mk := func(name string, deps ...pal.Handle) pal.Handle {
		id, err := pool.Define(pal.InitInternallyCompleted(func(ctx *pal.Context) {
			record(name)
			_, _ = ctx.Complete()
		}, nil, deps...))
		if err != nil {
			panic(fmt.Errorf("define %s: %w", name, err))
		}
		if _, err := pool.Launch(id); err != nil {
			panic(fmt.Errorf("launch %s: %w", name, err))
		}
		return id
	}

	a := mk("root")
	b := mk("left", a)
	c := mk("right", a)
	finalID, err := pool.Define(pal.InitInternallyCompleted(func(ctx *pal.Context) {
		record("final")
		_, _ = ctx.Complete()
		close(done)
	}, nil, b, c))
	if err != nil {
		return fmt.Errorf("define final: %w", err)
	}
	if _, err := pool.Launch(finalID); err != nil {
		return fmt.Errorf("launch final: %w", err)
	}

	<-done

	fmt.Println("Execution order:")
	for _, name := range order {
		fmt.Printf("  %s\n", name)
	}
	return nil
}
