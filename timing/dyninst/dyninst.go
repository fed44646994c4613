// Package dyninst defines the dynamic instruction record that flows
// through the reorder buffer, LSQ, and commit stage of the out-of-order
// core.
package dyninst

import "github.com/sarchlab/m2sim/timing/physregs"

// ThreadID identifies a hardware thread context. The core only exercises
// thread 0 but every per-thread structure is indexed by ThreadID so a
// second thread context can be added without reshaping state.
type ThreadID int

// FaultKind enumerates faults a dynamic instruction can carry at commit.
type FaultKind int

const (
	// NoFault indicates the instruction completed without a fault.
	NoFault FaultKind = iota
	// MemOrderViolationFault indicates the LSQ detected this load read
	// stale data relative to a younger, already-executed store.
	MemOrderViolationFault
	// GenericFault stands in for ISA-level faults (undefined instruction,
	// alignment, page fault) whose precise handling is out of scope.
	GenericFault
)

// RegRef names a single source or destination operand: an architectural
// register plus the physical register rename assigned to it.
type RegRef struct {
	Arch physregs.ArchRegID
	Phys physregs.PhysRegID
}

// Inst is one dynamic instance of a static instruction, carrying the
// bookkeeping the runahead core needs beyond decode: sequence number,
// rename results, and the lifecycle flags that drive ROB/commit/LSQ
// behavior.
type Inst struct {
	SeqNum uint64
	Thread ThreadID
	PC     uint64

	IsLoad  bool
	IsStore bool
	IsAtomic bool
	IsLLSC  bool
	IsHtmStart bool
	IsHtmStop  bool
	StrictlyOrdered bool

	Srcs  []RegRef
	Dests []RegRef

	// lifecycle flags
	inROB     bool
	executed  bool
	squashed  bool
	committed bool
	runahead  bool
	poisoned  bool
	forged    bool
	canCommit bool

	Fault FaultKind

	// EffAddr/EffSize are valid once a memory instruction has computed
	// its address.
	EffAddr uint64
	EffSize int

	// savedAccessDepth records the deepest memory-hierarchy depth any
	// outstanding sub-request of this instruction has reached; commit
	// compares this against the LLL threshold.
	savedAccessDepth int
	hasOutstandingReq bool

	// DispatchTick is the tick this instruction was inserted into the
	// ROB, used to measure how long a blocking load has been in flight
	// against runaheadInFlightThreshold.
	DispatchTick uint64
}

// New creates a dynamic instruction with the given sequence number,
// thread, and PC. All lifecycle flags start false.
func New(seqNum uint64, thread ThreadID, pc uint64) *Inst {
	return &Inst{SeqNum: seqNum, Thread: thread, PC: pc}
}

// SetInROB marks whether the instruction currently occupies a ROB slot.
func (i *Inst) SetInROB(v bool) { i.inROB = v }

// InROB reports whether the instruction currently occupies a ROB slot.
func (i *Inst) InROB() bool { return i.inROB }

// SetExecuted marks the instruction as having computed its result.
func (i *Inst) SetExecuted(v bool) { i.executed = v }

// Executed reports whether the instruction has computed its result.
func (i *Inst) Executed() bool { return i.executed }

// SetSquashed marks the instruction as squashed. Squashed and Committed
// are mutually exclusive by construction: callers must not set both.
func (i *Inst) SetSquashed(v bool) { i.squashed = v }

// Squashed reports whether the instruction was squashed.
func (i *Inst) Squashed() bool { return i.squashed }

// SetCommitted marks the instruction as committed (including
// pseudoretirement while in runahead).
func (i *Inst) SetCommitted(v bool) { i.committed = v }

// Committed reports whether the instruction has committed.
func (i *Inst) Committed() bool { return i.committed }

// SetRunahead marks the instruction as having been dispatched while the
// core was in runahead, or as the triggering LLL itself.
func (i *Inst) SetRunahead(v bool) { i.runahead = v }

// Runahead reports whether this instruction is a runahead instruction.
func (i *Inst) Runahead() bool { return i.runahead }

// SetPoisoned marks the instruction's result as derived from
// unresolved speculative data. Only legal when Runahead() is true.
func (i *Inst) SetPoisoned(v bool) { i.poisoned = v }

// Poisoned reports whether the instruction's result is poisoned.
func (i *Inst) Poisoned() bool { return i.poisoned }

// SetHasForgedResponse marks that a fabricated memory response has
// already been delivered to this instruction, so a later real response
// must be dropped.
func (i *Inst) SetHasForgedResponse(v bool) { i.forged = v }

// HasForgedResponse reports whether a forged response was delivered.
func (i *Inst) HasForgedResponse() bool { return i.forged }

// SetCanCommit marks the instruction as eligible to retire this cycle
// (used by squash draining as well as ordinary readiness).
func (i *Inst) SetCanCommit(v bool) { i.canCommit = v }

// CanCommit reports whether the instruction is eligible to retire.
func (i *Inst) CanCommit() bool { return i.canCommit }

// SetAccessDepth records the deepest memory-hierarchy depth reached by
// any outstanding sub-request belonging to this instruction.
func (i *Inst) SetAccessDepth(depth int) {
	i.hasOutstandingReq = true
	if depth > i.savedAccessDepth {
		i.savedAccessDepth = depth
	}
}

// AccessDepth returns the deepest recorded memory-hierarchy depth, and
// whether the instruction has an outstanding request at all.
func (i *Inst) AccessDepth() (depth int, hasRequest bool) {
	return i.savedAccessDepth, i.hasOutstandingReq
}

// ClearRequest drops outstanding-request bookkeeping once a response has
// been delivered (real or forged).
func (i *Inst) ClearRequest() {
	i.hasOutstandingReq = false
	i.savedAccessDepth = 0
}
