package sched

import "github.com/cobaltkernel/kcore/internal/spinlock"

// threadPool owns every live thread record, keyed by handle. All four
// operations (add/drop/with/get) acquire a single process-wide
// spinlock (§4.1); it is never held across a context switch, a
// semaphore wait, or any call that may block.
type threadPool struct {
	lock spinlock.SpinLock
	data map[ThreadHandle]*rawThread
}

func newThreadPool() *threadPool {
	return &threadPool{data: make(map[ThreadHandle]*rawThread)}
}

func (p *threadPool) add(t *rawThread) {
	p.lock.Synchronized(func() {
		p.data[t.handle] = t
	})
}

func (p *threadPool) drop(h ThreadHandle) {
	p.lock.Synchronized(func() {
		delete(p.data, h)
	})
}

// get returns the thread record for h, or nil if unknown.
func (p *threadPool) get(h ThreadHandle) *rawThread {
	var t *rawThread
	p.lock.Synchronized(func() {
		t = p.data[h]
	})
	return t
}

// with invokes f on the thread record for h while holding the pool
// lock only long enough to look it up — f itself runs outside the
// lock, since rawThread's mutable fields are independently atomic and
// f may call back into the scheduler (which must never happen while
// the spinlock is held).
func (p *threadPool) with(h ThreadHandle, f func(*rawThread)) bool {
	t := p.get(h)
	if t == nil {
		return false
	}
	f(t)
	return true
}

// snapshot returns every live thread record in an unspecified order,
// for statistics and diagnostics passes.
func (p *threadPool) snapshot() []*rawThread {
	var out []*rawThread
	p.lock.Synchronized(func() {
		out = make([]*rawThread, 0, len(p.data))
		for _, t := range p.data {
			out = append(out, t)
		}
	})
	return out
}

func (p *threadPool) len() int {
	n := 0
	p.lock.Synchronized(func() { n = len(p.data) })
	return n
}
