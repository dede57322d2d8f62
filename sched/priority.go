package sched

// Priority is a thread's scheduling band. Each band has its own
// run-queue and default quantum.
type Priority uint8

const (
	PriorityIdle Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityRealtime
)

// String renders the priority for diagnostics.
func (p Priority) String() string {
	switch p {
	case PriorityIdle:
		return "Idle"
	case PriorityLow:
		return "Low"
	case PriorityNormal:
		return "Normal"
	case PriorityHigh:
		return "High"
	case PriorityRealtime:
		return "Realtime"
	default:
		return "Unknown"
	}
}

// defaultQuantum returns the number of ticks a thread of this priority
// may run before preemption. Realtime and Idle both default to 1, but
// Realtime is never actually consulted because Realtime threads are
// exempt from quantum preemption (§4.2).
func (p Priority) defaultQuantum() uint8 {
	switch p {
	case PriorityHigh:
		return 25
	case PriorityNormal:
		return 10
	case PriorityLow:
		return 5
	default:
		return 1
	}
}

// quantum tracks a thread's remaining and default run-ticks.
type quantum struct {
	current uint8
	def     uint8
}

func newQuantum(p Priority) quantum {
	d := p.defaultQuantum()
	return quantum{current: d, def: d}
}

func (q *quantum) reset() {
	q.current = q.def
}

// consume decrements the quantum by one tick and reports whether it
// has been exhausted (and resets it for the next run if so).
func (q *quantum) consume() bool {
	if q.current > 1 {
		q.current--
		return false
	}
	q.current = q.def
	return true
}
