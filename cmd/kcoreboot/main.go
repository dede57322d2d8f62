// Command kcoreboot brings up a scheduler instance and spawns a handful
// of demo threads against it, the way a bring-up harness exercises a
// freestanding kernel's scheduler before real drivers exist.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cobaltkernel/kcore/sched"
)

var (
	cpus     int
	perfCPUs int
	tick     time.Duration
	runFor   time.Duration
	verbose  bool

	rootCmd = &cobra.Command{
		Use:   "kcoreboot",
		Short: "Bring up a kcore scheduler and run demo threads",
		Long: `kcoreboot constructs a scheduler with the requested CPU topology,
spawns a small set of demo threads across the priority bands, and prints
periodic statistics until the run duration elapses.`,
		Version: "0.1.0",
		RunE:    runBoot,
	}
)

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	flags := rootCmd.Flags()
	flags.IntVar(&cpus, "cpus", 2, "number of local schedulers (CPUs)")
	flags.IntVar(&perfCPUs, "performance-cpus", 1, "low-indexed CPUs that dispatch in the Running state (only CPU 0 dispatches while saving power)")
	flags.DurationVar(&tick, "tick", 10*time.Millisecond, "quantum tick interval")
	flags.DurationVar(&runFor, "run-for", 5*time.Second, "how long to run before shutting down")
	flags.BoolVar(&verbose, "verbose", false, "enable info-level logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runBoot(cmd *cobra.Command, args []string) error {
	logger := zap.NewNop()
	if verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		logger = l
	}

	cfg := sched.DefaultConfig()
	cfg.CPUs = cpus
	cfg.PerformanceCPUs = perfCPUs
	cfg.TickInterval = tick
	cfg.Logger = logger

	sch, err := sched.New(cfg)
	if err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sch.Close()

	spawnDemoThreads(sch)

	deadline := time.After(runFor)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			sch.PrintStatistics(os.Stdout, false)
			return nil
		case <-ticker.C:
			fmt.Printf("state=%s usage=%d/1000\n", sch.CurrentState(), sch.UsageTotal())
		}
	}
}

// spawnDemoThreads exercises the High, Normal and Low priority bands,
// the counting semaphore (a small producer and a pool of consumers) and
// the async executor, standing in for the driver threads a real boot
// would hand off to.
func spawnDemoThreads(sch *sched.Scheduler) {
	work := sched.NewSemaphore(0)

	producer := func(ctx *sched.ThreadContext, _ any) {
		for i := 0; i < 100; i++ {
			ctx.Sleep(5 * time.Millisecond)
			work.Signal(sch)
		}
		ctx.Exit()
	}
	_, _ = sch.Spawn(producer, nil, sched.SpawnOptions{
		Priority: sched.PriorityHigh,
		Name:     "demo-producer",
	})

	consumer := func(ctx *sched.ThreadContext, arg any) {
		id := arg.(int)
		for {
			ctx.SemaphoreWait(work)
			ctx.Checkpoint()
			_ = id
		}
	}
	for i := 0; i < 3; i++ {
		_, _ = sch.Spawn(consumer, i, sched.SpawnOptions{
			Priority: sched.PriorityNormal,
			Name:     fmt.Sprintf("demo-consumer/%d", i),
		})
	}

	background := func(ctx *sched.ThreadContext, _ any) {
		ctx.SpawnAsync(func(context.Context) {
			time.Sleep(time.Millisecond)
		})
		ctx.PerformTasks()
	}
	_, _ = sch.Spawn(background, nil, sched.SpawnOptions{
		Priority: sched.PriorityLow,
		Name:     "demo-background",
	})
}
