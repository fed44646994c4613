// Package rob implements the reorder buffer: in-order retirement and
// age-bounded squash of a per-thread instruction window.
package rob

import (
	"errors"

	"github.com/sarchlab/m2sim/timing/dyninst"
)

// ErrFull is returned by Insert when the ROB has no free entries.
var ErrFull = errors.New("rob: reorder buffer is full")

// Status describes a thread's squash progress.
type Status int

const (
	// Idle means no squash is in progress.
	Idle Status = iota
	// Squashing means DoSquash must be called each cycle until
	// IsDoneSquashing reports true.
	Squashing
)

// ROB is a per-thread set of FIFOs of in-flight dynamic instructions,
// bounded by a single shared capacity.
type ROB struct {
	capacity   int
	squashWidth int
	threads    map[dyninst.ThreadID][]*dyninst.Inst
	status     map[dyninst.ThreadID]Status
	squashTarget map[dyninst.ThreadID]uint64
	numInsts   int
}

// New creates an empty ROB with the given total capacity (shared across
// threads) and a maximum number of instructions squashed per cycle.
func New(capacity, squashWidth int) *ROB {
	return &ROB{
		capacity:     capacity,
		squashWidth:  squashWidth,
		threads:      make(map[dyninst.ThreadID][]*dyninst.Inst),
		status:       make(map[dyninst.ThreadID]Status),
		squashTarget: make(map[dyninst.ThreadID]uint64),
	}
}

// NumFreeEntries reports how many more instructions can be inserted
// across all threads.
func (r *ROB) NumFreeEntries() int {
	return r.capacity - r.numInsts
}

// CountInsts reports how many instructions a thread currently holds.
func (r *ROB) CountInsts(tid dyninst.ThreadID) int {
	return len(r.threads[tid])
}

// IsEmpty reports whether a thread's ROB window is empty.
func (r *ROB) IsEmpty(tid dyninst.ThreadID) bool {
	return len(r.threads[tid]) == 0
}

// Insert appends an instruction at the tail of its thread's window.
func (r *ROB) Insert(inst *dyninst.Inst) error {
	if r.numInsts >= r.capacity {
		return ErrFull
	}
	inst.SetInROB(true)
	r.threads[inst.Thread] = append(r.threads[inst.Thread], inst)
	r.numInsts++
	return nil
}

// ReadHead returns the oldest instruction for a thread, or nil if empty.
func (r *ROB) ReadHead(tid dyninst.ThreadID) *dyninst.Inst {
	q := r.threads[tid]
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

// ReadTail returns the youngest instruction for a thread, or nil if
// empty.
func (r *ROB) ReadTail(tid dyninst.ThreadID) *dyninst.Inst {
	q := r.threads[tid]
	if len(q) == 0 {
		return nil
	}
	return q[len(q)-1]
}

// IsHeadReady reports whether the head instruction can commit this
// cycle.
func (r *ROB) IsHeadReady(tid dyninst.ThreadID) bool {
	head := r.ReadHead(tid)
	return head != nil && head.CanCommit()
}

// RetireHead removes and returns the head instruction, marking it
// committed. Callers must check IsHeadReady first.
func (r *ROB) RetireHead(tid dyninst.ThreadID) *dyninst.Inst {
	q := r.threads[tid]
	if len(q) == 0 {
		return nil
	}
	head := q[0]
	r.threads[tid] = q[1:]
	r.numInsts--
	head.SetInROB(false)
	head.SetCommitted(true)
	return head
}

// ForEach calls fn for every instruction currently in a thread's window,
// oldest first. Used on runahead entry to mark every in-flight
// instruction as a runahead instruction in one pass.
func (r *ROB) ForEach(tid dyninst.ThreadID, fn func(*dyninst.Inst)) {
	for _, inst := range r.threads[tid] {
		fn(inst)
	}
}

// FindInst linearly scans a thread's window for the instruction with the
// given sequence number, returning nil if absent.
func (r *ROB) FindInst(tid dyninst.ThreadID, seqNum uint64) *dyninst.Inst {
	for _, inst := range r.threads[tid] {
		if inst.SeqNum == seqNum {
			return inst
		}
	}
	return nil
}

// Squash begins squashing every instruction younger than seqNum for a
// thread (i.e. instructions with SeqNum > seqNum are discarded).
// Instructions with SeqNum <= seqNum are left untouched.
func (r *ROB) Squash(seqNum uint64, tid dyninst.ThreadID) {
	r.status[tid] = Squashing
	r.squashTarget[tid] = seqNum
}

// IsDoneSquashing reports whether a thread has finished squashing.
func (r *ROB) IsDoneSquashing(tid dyninst.ThreadID) bool {
	return r.status[tid] != Squashing
}

// DoSquash processes up to squashWidth instructions from the tail,
// marking each younger than the squash target as squashed and eligible
// to commit (drain). When the target is reached or the window empties,
// the thread transitions back to Idle.
func (r *ROB) DoSquash(tid dyninst.ThreadID) {
	target := r.squashTarget[tid]
	q := r.threads[tid]

	processed := 0
	for processed < r.squashWidth && len(q) > 0 {
		tail := q[len(q)-1]
		if tail.SeqNum <= target {
			break
		}
		tail.SetSquashed(true)
		tail.SetCanCommit(true)
		processed++

		// Drain it immediately: squashed instructions leave the ROB as
		// soon as they are marked, rather than waiting for the commit
		// stage's ordinary retirement path, since they carry no
		// architectural effect to sequence.
		q = q[:len(q)-1]
		r.numInsts--
	}
	r.threads[tid] = q

	if len(q) == 0 {
		r.status[tid] = Idle
		return
	}
	if q[len(q)-1].SeqNum <= target {
		r.status[tid] = Idle
	}
}
