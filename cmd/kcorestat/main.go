// Command kcorestat runs a scheduler alongside a Prometheus metrics
// endpoint and a plain-text statistics table, the external-observer
// counterpart to kcoreboot's internal demo threads.
package main

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/cobaltkernel/kcore/sched"
)

var (
	addr     string
	cpus     int
	perfCPUs int

	rootCmd = &cobra.Command{
		Use:     "kcorestat",
		Short:   "Expose scheduler load statistics over HTTP and stdout",
		Version: "0.1.0",
		RunE:    runStat,
	}
)

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	flags := rootCmd.Flags()
	flags.StringVar(&addr, "addr", ":9090", "address to serve /metrics on")
	flags.IntVar(&cpus, "cpus", 2, "number of local schedulers (CPUs)")
	flags.IntVar(&perfCPUs, "performance-cpus", 1, "low-indexed CPUs that dispatch in the Running state (only CPU 0 dispatches while saving power)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runStat(cmd *cobra.Command, args []string) error {
	cfg := sched.DefaultConfig()
	cfg.CPUs = cpus
	cfg.PerformanceCPUs = perfCPUs

	sch, err := sched.New(cfg)
	if err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sch.Close()

	registerGaugeFuncs(sch)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/statistics", func(w http.ResponseWriter, r *http.Request) {
		sch.PrintStatistics(w, r.URL.Query().Get("idle") == "")
	})

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		sch.PrintStatistics(os.Stdout, false)
		for range time.Tick(time.Second) {
			fmt.Fprintf(os.Stdout, "\nusage=%d/1000 state=%s threads=%d\n",
				sch.UsageTotal(), sch.CurrentState(), sch.ThreadCount())
			updatePerCPUGauges(sch)
		}
	}()

	return server.ListenAndServe()
}

// usagePerCPU and idlePerCPU carry the scheduler's per-CPU load
// measurements into Prometheus, labelled by CPU index — the same
// per-CPU breakdown print_statistics/get_idle_statistics report on
// stdout (§9), made scrapeable alongside it.
var (
	usagePerCPU = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kcore_usage_per_cpu_per_mille",
		Help: "Measured load contributed by whatever thread each CPU is running, in per-mille of one CPU.",
	}, []string{"cpu"})
	idlePerCPU = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kcore_idle_per_cpu_per_mille",
		Help: "Measured load of each CPU's own idle thread, in per-mille of one CPU.",
	}, []string{"cpu"})
)

// registerGaugeFuncs bridges the scheduler's own load measurements
// into Prometheus as polling gauges, rather than pushing values
// through a second metrics pipeline — the same pull-on-scrape shape
// client_golang's own GaugeFunc is built for.
func registerGaugeFuncs(sch *sched.Scheduler) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "kcore_usage_total_per_mille",
			Help: "Total measured scheduler usage, in per-mille of one CPU.",
		},
		func() float64 { return float64(sch.UsageTotal()) },
	))
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "kcore_threads_live",
			Help: "Number of threads currently held in the scheduler's pool.",
		},
		func() float64 { return float64(sch.ThreadCount()) },
	))
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "kcore_state",
			Help: "Current scheduler state (0=Disabled,1=Saving,2=Running,3=FullThrottle).",
		},
		func() float64 { return float64(sch.CurrentState()) },
	))
	prometheus.MustRegister(usagePerCPU, idlePerCPU)
	updatePerCPUGauges(sch)
}

// updatePerCPUGauges refreshes the per-CPU vectors from a live
// snapshot. Prometheus gauges hold whatever value was last Set, so
// this must run periodically rather than only at startup.
func updatePerCPUGauges(sch *sched.Scheduler) {
	for cpu, load := range sch.UsagePerCPU() {
		usagePerCPU.WithLabelValues(strconv.Itoa(cpu)).Set(float64(load))
	}
	for cpu, load := range sch.GetIdleStatistics(nil) {
		idlePerCPU.WithLabelValues(strconv.Itoa(cpu)).Set(float64(load))
	}
}
