// Package timerq implements a small tick-indexed event queue used by the
// commit stage to schedule one-shot timed events (runahead exit
// deadlines, trap latency, forged writeback) without introducing
// goroutines or a context.Context-driven scheduler into an otherwise
// strictly synchronous, tick-driven core.
package timerq

import "github.com/sarchlab/m2sim/timing/dyninst"

// Kind enumerates the event kinds the commit stage schedules.
type Kind int

const (
	// KindTrap fires when a pending trap's latency has elapsed.
	KindTrap Kind = iota
	// KindDeadline fires when a runahead period's exit deadline elapses.
	KindDeadline
	// KindForgedWriteback fires one cycle after an LLL's response is
	// forged, delivering the fabricated writeback.
	KindForgedWriteback
)

// Event is a typed, dispatchable payload. SeqNum identifies the
// instruction or runahead period the event was scheduled for, so a
// handler can recheck liveness before acting.
type Event struct {
	Kind   Kind
	Thread dyninst.ThreadID
	SeqNum uint64
	Tick   uint64
}

// entry pairs an event with its absolute due tick.
type entry struct {
	due   uint64
	event Event
}

// Queue is an unordered bag of scheduled events, drained by absolute
// tick. It is not a priority heap: the core only ever holds a handful of
// outstanding events at once (at most one deadline and one trap per
// thread, plus forged-writeback events), so a linear scan on Drain is
// cheaper in practice than heap bookkeeping and easier to reason about.
type Queue struct {
	entries []entry
}

// New creates an empty event queue.
func New() *Queue {
	return &Queue{}
}

// Schedule inserts an event due at the given absolute tick.
func (q *Queue) Schedule(due uint64, event Event) {
	event.Tick = due
	q.entries = append(q.entries, entry{due: due, event: event})
}

// Drain removes and returns every event due at or before now, in the
// order they were scheduled.
func (q *Queue) Drain(now uint64) []Event {
	var due []Event
	remaining := q.entries[:0]
	for _, e := range q.entries {
		if e.due <= now {
			due = append(due, e.event)
		} else {
			remaining = append(remaining, e)
		}
	}
	q.entries = remaining
	return due
}

// Cancel removes every still-pending event of a given kind belonging to
// a thread, matching a specific sequence number. Used when a runahead
// period resolves before its deadline fires, so the stale deadline event
// never gets a chance to misfire against a later period.
func (q *Queue) Cancel(kind Kind, thread dyninst.ThreadID, seqNum uint64) {
	remaining := q.entries[:0]
	for _, e := range q.entries {
		if e.event.Kind == kind && e.event.Thread == thread && e.event.SeqNum == seqNum {
			continue
		}
		remaining = append(remaining, e)
	}
	q.entries = remaining
}
