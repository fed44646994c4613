// Package commit implements the commit stage and the runahead control
// FSM that drives entry into and exit from runahead execution.
package commit

import (
	"fmt"

	"github.com/rs/xid"

	"github.com/sarchlab/m2sim/timing/checkpoint"
	"github.com/sarchlab/m2sim/timing/dyninst"
	"github.com/sarchlab/m2sim/timing/lsq"
	"github.com/sarchlab/m2sim/timing/physregs"
	"github.com/sarchlab/m2sim/timing/rename"
	"github.com/sarchlab/m2sim/timing/rob"
	"github.com/sarchlab/m2sim/timing/runcfg"
	"github.com/sarchlab/m2sim/timing/timebuf"
	"github.com/sarchlab/m2sim/timing/timerq"
)

// Status describes a thread's current commit-stage state.
type Status int

const (
	Running Status = iota
	Idle
	ROBSquashing
	TrapPending
	SquashAfterPending
)

// CommitInfo is the per-cycle message commit writes into the
// communication time buffer for earlier stages to consume one cycle
// later.
type CommitInfo struct {
	Squash        bool
	ROBSquashing  bool
	DoneSeqNum    uint64
	SquashTail    uint64
	MispredictPC  uint64
	RedirectPC    uint64
	BranchTaken   bool
	FreeROBEntries int
	ArchRestore   bool
	InterruptPending bool
}

// Stats tracks runahead/commit-level statistics.
type Stats struct {
	EagerExits       uint64
	MinWorkExits     uint64
	DeadlineExits    uint64
	RunaheadEntries  uint64
	InstsPseudoretired uint64
	InstsCommitted   uint64
	StaleResponses   uint64
	PoisonAssertionFailures uint64
}

// Commit is the commit stage plus runahead FSM for a single-core,
// potentially-multi-thread CPU. Most of its collaborators (ROB,
// physical register file, rename maps, checkpoint, LSQ) are owned by the
// enclosing core and passed in at construction.
type Commit struct {
	cfg *runcfg.Config

	rob      *rob.ROB
	physRegs *physregs.File
	frontendRename *rename.Unified
	commitRename   *rename.Unified
	lsqs     map[dyninst.ThreadID]*lsq.Queue
	checkpoints map[dyninst.ThreadID]*checkpoint.Checkpoint
	archReader checkpoint.ArchReader
	archWriter checkpoint.ArchWriter

	timeBuf *timebuf.Buffer[CommitInfo]
	timers  *timerq.Queue

	status             map[dyninst.ThreadID]Status
	inRunahead         map[dyninst.ThreadID]bool
	runaheadCause      map[dyninst.ThreadID]*dyninst.Inst
	runaheadExitable   map[dyninst.ThreadID]bool
	exitRunahead       map[dyninst.ThreadID]bool
	instsPseudoretired map[dyninst.ThreadID]uint64
	retiredSincePeriod map[dyninst.ThreadID]uint64
	pseudoretiredLastPeriod map[dyninst.ThreadID]uint64
	youngestSeqNum     map[dyninst.ThreadID]uint64
	lastCommittedSeqNum map[dyninst.ThreadID]uint64
	storedPC           map[dyninst.ThreadID]uint64
	squashAfterTarget  map[dyninst.ThreadID]uint64
	// runaheadEpisodeID tags each runahead period with a unique,
	// time-sortable identifier so log lines from entry through exit can be
	// correlated without threading a counter through every call site.
	runaheadEpisodeID map[dyninst.ThreadID]xid.ID

	currentTick uint64

	stats Stats

	onLog func(string, ...any)
}

// Deps bundles the collaborators Commit needs; kept as a struct so
// construction reads as a single call even as the set of collaborators
// grows.
type Deps struct {
	ROB            *rob.ROB
	PhysRegs       *physregs.File
	FrontendRename *rename.Unified
	CommitRename   *rename.Unified
	ArchReader     checkpoint.ArchReader
	ArchWriter     checkpoint.ArchWriter
	TimeBuf        *timebuf.Buffer[CommitInfo]
	Timers         *timerq.Queue
	Logf           func(string, ...any)
}

// New creates a Commit stage. Threads must be registered with
// RegisterThread before Tick is called for them.
func New(cfg *runcfg.Config, deps Deps) *Commit {
	logf := deps.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Commit{
		cfg:            cfg,
		rob:            deps.ROB,
		physRegs:       deps.PhysRegs,
		frontendRename: deps.FrontendRename,
		commitRename:   deps.CommitRename,
		archReader:     deps.ArchReader,
		archWriter:     deps.ArchWriter,
		timeBuf:        deps.TimeBuf,
		timers:         deps.Timers,

		lsqs:        map[dyninst.ThreadID]*lsq.Queue{},
		checkpoints: map[dyninst.ThreadID]*checkpoint.Checkpoint{},

		status:                  map[dyninst.ThreadID]Status{},
		inRunahead:              map[dyninst.ThreadID]bool{},
		runaheadCause:           map[dyninst.ThreadID]*dyninst.Inst{},
		runaheadExitable:        map[dyninst.ThreadID]bool{},
		exitRunahead:            map[dyninst.ThreadID]bool{},
		instsPseudoretired:      map[dyninst.ThreadID]uint64{},
		retiredSincePeriod:      map[dyninst.ThreadID]uint64{},
		pseudoretiredLastPeriod: map[dyninst.ThreadID]uint64{},
		youngestSeqNum:          map[dyninst.ThreadID]uint64{},
		lastCommittedSeqNum:     map[dyninst.ThreadID]uint64{},
		storedPC:                map[dyninst.ThreadID]uint64{},
		squashAfterTarget:       map[dyninst.ThreadID]uint64{},
		runaheadEpisodeID:       map[dyninst.ThreadID]xid.ID{},

		onLog: logf,
	}
}

// RegisterThread attaches a thread's LSQ and architectural checkpoint
// and initializes its FSM state to Running.
func (c *Commit) RegisterThread(tid dyninst.ThreadID, q *lsq.Queue, ckpt *checkpoint.Checkpoint) {
	c.lsqs[tid] = q
	c.checkpoints[tid] = ckpt
	c.status[tid] = Running
}

// Stats returns a copy of the commit stage's running statistics.
func (c *Commit) Stats() Stats { return c.stats }

// InRunahead reports whether a thread is currently executing in
// runahead mode.
func (c *Commit) InRunahead(tid dyninst.ThreadID) bool { return c.inRunahead[tid] }

// StoredPC returns the PC to restore a thread's fetch to after a
// runahead-exit squash.
func (c *Commit) StoredPC(tid dyninst.ThreadID) uint64 { return c.storedPC[tid] }

// SetStoredPC lets IEW/fetch record the address a squash should redirect
// to, mirroring the stored-PC register the original commit stage reads
// from on runahead exit rather than consulting the checkpoint directly.
func (c *Commit) SetStoredPC(tid dyninst.ThreadID, pc uint64) { c.storedPC[tid] = pc }

// canEnterRunahead reports whether every entry guard in §4.7 holds.
func (c *Commit) canEnterRunahead(tid dyninst.ThreadID, inst *dyninst.Inst) bool {
	if !c.cfg.EnableRunahead {
		return false
	}
	if c.inRunahead[tid] {
		return false
	}
	inFlight := c.currentTick - inst.DispatchTick
	if inFlight > c.cfg.RunaheadInFlightThreshold {
		return false
	}
	if !c.cfg.AllowOverlappingRunahead &&
		c.retiredSincePeriod[tid] < c.pseudoretiredLastPeriod[tid] {
		return false
	}
	return true
}

// EnterRunahead snapshots architectural state, marks every in-flight
// instruction as a runahead instruction, invalidates the R-cache, and
// forges the triggering LLL's response so it can drain through
// writeback.
func (c *Commit) EnterRunahead(tid dyninst.ThreadID, lll *dyninst.Inst) {
	ckpt := c.checkpoints[tid]
	ckpt.FullSave(c.archReader, c.StoredPC(tid))

	c.inRunahead[tid] = true
	c.runaheadCause[tid] = lll
	c.runaheadExitable[tid] = false
	c.exitRunahead[tid] = false
	c.instsPseudoretired[tid] = 0

	c.rob.ForEach(tid, func(inst *dyninst.Inst) {
		if !inst.Committed() {
			inst.SetRunahead(true)
		}
	})

	if q, ok := c.lsqs[tid]; ok {
		q.InvalidateRCache()
	}

	lll.SetPoisoned(true)
	lll.SetHasForgedResponse(true)
	lll.ClearRequest()

	episode := xid.New()
	c.runaheadEpisodeID[tid] = episode

	c.stats.RunaheadEntries++
	c.onLog("runahead entry thread=%d cause_seq=%d episode=%s", tid, lll.SeqNum, episode)
}

// SignalExitRunahead is called when the real memory response for the
// triggering LLL arrives. It applies the configured exit policy and
// always arms a deadline timer as a backstop.
func (c *Commit) SignalExitRunahead(tid dyninst.ThreadID, lll *dyninst.Inst) {
	c.runaheadExitable[tid] = true
	c.runaheadCause[tid] = lll

	switch c.cfg.RunaheadExitPolicy {
	case runcfg.Eager:
		c.exitRunahead[tid] = true
		c.stats.EagerExits++
	case runcfg.MinimumWork:
		if c.instsPseudoretired[tid] >= c.cfg.MinRunaheadWork {
			c.exitRunahead[tid] = true
			c.stats.MinWorkExits++
		}
	case runcfg.DynamicDelayed:
		panic("commit: dynamic delayed runahead exit is unimplemented")
	}

	c.timers.Schedule(c.currentTick+c.cfg.RunaheadExitDeadline, timerq.Event{
		Kind:   timerq.KindDeadline,
		Thread: tid,
		SeqNum: lll.SeqNum,
	})
}

// processDeadline handles a fired deadline event, re-checking liveness
// before acting: the thread may already have exited runahead, or may be
// in a later runahead period entirely.
func (c *Commit) processDeadline(ev timerq.Event) {
	tid := ev.Thread
	if !c.inRunahead[tid] || c.exitRunahead[tid] {
		return
	}
	cause := c.runaheadCause[tid]
	if cause == nil || cause.SeqNum != ev.SeqNum {
		return
	}
	c.exitRunahead[tid] = true
	c.stats.DeadlineExits++
	c.onLog("runahead deadline exit thread=%d cause_seq=%d", tid, ev.SeqNum)
}

// squashFromRunaheadExit performs the exit squash: every instruction
// younger than (LLL.SeqNum - 1) is discarded, a one-cycle-delayed
// archRestore pulse is posted, fetch is redirected to the stored PC, and
// the thread leaves runahead immediately even though the register-state
// restore itself only takes effect next cycle.
func (c *Commit) squashFromRunaheadExit(tid dyninst.ThreadID) {
	lll := c.runaheadCause[tid]
	squashedSeqNum := lll.SeqNum - 1

	c.youngestSeqNum[tid] = squashedSeqNum
	c.status[tid] = ROBSquashing
	c.rob.Squash(squashedSeqNum, tid)
	if q, ok := c.lsqs[tid]; ok {
		q.SquashYoungerThan(squashedSeqNum)
	}

	info := c.timeBuf.GetWire(0)
	info.Squash = true
	info.ROBSquashing = true
	info.DoneSeqNum = squashedSeqNum
	info.RedirectPC = c.storedPC[tid]

	// Self-addressed pulse: archRestore becomes visible one cycle from
	// now, after every earlier stage has observed this squash.
	future := c.timeBuf.GetWire(1)
	future.ArchRestore = true

	c.exitRunahead[tid] = false
	c.runaheadExitable[tid] = false
	c.inRunahead[tid] = false
	c.timers.Cancel(timerq.KindDeadline, tid, lll.SeqNum)

	c.onLog("runahead exit squash thread=%d squashed_seq=%d episode=%s", tid, squashedSeqNum, c.runaheadEpisodeID[tid])
}

// ArchRestore performs the architectural restore one cycle after a
// runahead-exit squash was posted. Callers (the owning core) invoke this
// when they observe ArchRestore set on the current time buffer wire.
func (c *Commit) ArchRestore(tid dyninst.ThreadID) {
	ckpt := c.checkpoints[tid]
	pc := ckpt.Restore(c.archReader, c.archWriter)
	c.storedPC[tid] = pc
	c.physRegs.ClearAllPoison()
	c.frontendRename.Reset()
	c.commitRename.Reset()

	if c.status[tid] == ROBSquashing && c.rob.IsDoneSquashing(tid) {
		c.status[tid] = Running
	}
	c.onLog("arch restore thread=%d pc=%#x", tid, pc)
}

// checkLLLAtHead inspects the ROB head when it is not yet ready to
// commit. If it is a load whose deepest in-flight sub-request has
// reached the long-latency threshold, it either triggers entry into
// runahead or, if already in runahead, forges the response that lets the
// instruction drain.
func (c *Commit) checkLLLAtHead(tid dyninst.ThreadID, head *dyninst.Inst) {
	if !head.IsLoad {
		return
	}
	depth, hasRequest := head.AccessDepth()
	if !hasRequest {
		return
	}
	if depth < c.cfg.LLLDepthThreshold {
		return
	}

	if !c.inRunahead[tid] {
		if c.canEnterRunahead(tid, head) {
			c.EnterRunahead(tid, head)
		}
		return
	}

	if !head.Poisoned() {
		c.handleRunaheadLLL(head)
	}
}

// handleRunaheadLLL forges a response for an LLL encountered a second
// time while already in runahead (a nested long-latency load within the
// same runahead period).
func (c *Commit) handleRunaheadLLL(inst *dyninst.Inst) {
	inst.SetPoisoned(true)
	inst.SetHasForgedResponse(true)
	inst.ClearRequest()
}

// Tick advances the commit stage by one cycle for every registered
// thread: it services due timer events, resolves any pending squash, and
// then attempts to commit up to commitWidth instructions.
func (c *Commit) Tick(tick uint64) {
	c.currentTick = tick

	for _, ev := range c.timers.Drain(tick) {
		if ev.Kind == timerq.KindDeadline {
			c.processDeadline(ev)
		}
	}

	for tid := range c.status {
		c.tickThread(tid)
	}
}

func (c *Commit) tickThread(tid dyninst.ThreadID) {
	if c.status[tid] == ROBSquashing {
		if c.rob.IsDoneSquashing(tid) {
			c.status[tid] = Running
		} else {
			c.rob.DoSquash(tid)
		}
	}

	c.checkMinimumWorkExit(tid)

	if c.exitRunahead[tid] && c.inRunahead[tid] {
		c.squashFromRunaheadExit(tid)
		return
	}

	if c.status[tid] == Running {
		c.commitThread(tid)
	}
}

// checkMinimumWorkExit re-evaluates the MinimumWork exit target every
// cycle: the LLL response may have already signaled exitability before
// instsPseudoretired reached the configured threshold, in which case
// nothing else re-checks the target once retirement crosses it.
func (c *Commit) checkMinimumWorkExit(tid dyninst.ThreadID) {
	if !c.runaheadExitable[tid] || c.exitRunahead[tid] {
		return
	}
	if c.cfg.RunaheadExitPolicy != runcfg.MinimumWork {
		return
	}
	if c.instsPseudoretired[tid] < c.cfg.MinRunaheadWork {
		return
	}

	c.exitRunahead[tid] = true
	c.stats.MinWorkExits++
	if cause := c.runaheadCause[tid]; cause != nil {
		c.timers.Cancel(timerq.KindDeadline, tid, cause.SeqNum)
	}
}

// commitThread retires up to commitWidth ready instructions from the
// ROB head, and, failing that, checks whether the head is blocked behind
// a long-latency load worth entering or continuing runahead for.
func (c *Commit) commitThread(tid dyninst.ThreadID) {
	for n := 0; n < c.cfg.CommitWidth; n++ {
		head := c.rob.ReadHead(tid)
		if head == nil {
			return
		}
		if !c.rob.IsHeadReady(tid) {
			c.checkLLLAtHead(tid, head)
			return
		}

		c.retireOne(tid, head)
	}
}

func (c *Commit) retireOne(tid dyninst.ThreadID, head *dyninst.Inst) {
	c.rob.RetireHead(tid)
	c.lastCommittedSeqNum[tid] = head.SeqNum

	if head.Squashed() {
		return
	}

	if head.Runahead() {
		c.instsPseudoretired[tid]++
		c.stats.InstsPseudoretired++
		if head.Poisoned() {
			c.assertDestsPoisoned(head)
		}
		return
	}

	c.retiredSincePeriod[tid]++
	c.stats.InstsCommitted++
	ckpt := c.checkpoints[tid]
	for _, dest := range head.Dests {
		ckpt.UpdateReg(c.archReader, dest.Arch)
	}
}

// assertDestsPoisoned enforces the invariant that a poisoned
// instruction's destinations must themselves be poisoned (poison must
// propagate, never silently vanish).
func (c *Commit) assertDestsPoisoned(inst *dyninst.Inst) {
	for _, dest := range inst.Dests {
		if !c.physRegs.IsPoisoned(dest.Phys) {
			c.stats.PoisonAssertionFailures++
			c.onLog("poison assertion failed: seq=%d dest=%v not poisoned", inst.SeqNum, dest.Phys)
			panic(fmt.Sprintf("commit: poisoned instruction seq=%d has unpoisoned destination", inst.SeqNum))
		}
	}
}

// EndPeriod is called once per runahead period close (i.e. right after
// ArchRestore) so the overlap guard in canEnterRunahead has the right
// baseline for the next period.
func (c *Commit) EndPeriod(tid dyninst.ThreadID) {
	c.pseudoretiredLastPeriod[tid] = c.instsPseudoretired[tid]
	c.retiredSincePeriod[tid] = 0
}
