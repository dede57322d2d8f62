package sched

import (
	"context"

	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Metric and span keys, following the teacher pack's convention of
// dotted, package-prefixed constants registered once at construction.
const (
	MetricUsageTotal   = metricz.Key("sched.usage.total")
	MetricThreadsLive  = metricz.Key("sched.threads.live")
	MetricSpawnsTotal  = metricz.Key("sched.spawns.total")
	MetricExitsTotal   = metricz.Key("sched.exits.total")
	MetricQueueRejects = metricz.Key("sched.queue.rejects.total")

	SpanStateTransition = tracez.Key("sched.state_transition")
	SpanThreadExit      = tracez.Key("sched.thread_exit")

	TagFromState = tracez.Tag("sched.from_state")
	TagToState   = tracez.Tag("sched.to_state")
	TagUsage     = tracez.Tag("sched.usage_total")
	TagHandle    = tracez.Tag("sched.handle")
	TagName      = tracez.Tag("sched.name")
)

// ExitEvent is published via hooks whenever a thread is fully retired
// from the pool, carrying just enough to let an external observer
// (kcorestat, a test) correlate exits with spawns without reaching
// into scheduler internals.
type ExitEvent struct {
	Handle ThreadHandle
	Name   string
}

// EventExit is the sole hookz event key kcore publishes today; kept
// as its own constant so future events can be added without touching
// call sites.
const EventExit = hookz.Key("sched.thread.exit")

// OnExit registers handler to run whenever any thread exits. It
// mirrors the per-thread Personality.OnExit hook but at scheduler
// scope, for diagnostics that want every exit rather than one
// thread's own.
func (sch *Scheduler) OnExit(handler func(context.Context, ExitEvent) error) error {
	_, err := sch.hooks.Hook(EventExit, handler)
	return err
}

func newMetrics() *metricz.Registry {
	r := metricz.New()
	r.Counter(MetricSpawnsTotal)
	r.Counter(MetricExitsTotal)
	r.Counter(MetricQueueRejects)
	r.Gauge(MetricUsageTotal)
	r.Gauge(MetricThreadsLive)
	return r
}
