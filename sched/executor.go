package sched

import (
	"context"

	"github.com/cobaltkernel/kcore/internal/ring"
)

// Executor is the thin async-task runner of §4.6: a bounded queue of
// tasks owned by exactly one kernel thread. It never migrates tasks
// across threads and interacts with the scheduler only indirectly,
// through whatever the tasks themselves call on their ThreadContext.
type Executor struct {
	tasks *ring.Queue[func(context.Context)]
}

func newExecutor(capacity int) *Executor {
	return &Executor{tasks: ring.New[func(context.Context)](capacity)}
}

// spawn enqueues task, reporting false if the executor's queue is
// full.
func (e *Executor) spawn(task func(context.Context)) bool {
	return e.tasks.Push(task)
}

// drain runs every currently- and newly-enqueued task until the queue
// is empty, per perform_tasks's "runs the executor until its queue
// drains" contract.
func (e *Executor) drain(ctx context.Context) {
	for {
		task, ok := e.tasks.Pop()
		if !ok {
			return
		}
		task(ctx)
	}
}
