// Package core composes the reorder buffer, physical register file,
// rename maps, architectural checkpoint, runahead cache, LSQ, and commit
// FSM into a single out-of-order CPU driver, and performs the
// architectural restore one cycle after commit posts a runahead-exit
// squash.
package core

import (
	"fmt"

	"github.com/google/go-cmp/cmp"

	"github.com/sarchlab/m2sim/emu"
	"github.com/sarchlab/m2sim/timing/cache"
	"github.com/sarchlab/m2sim/timing/checkpoint"
	"github.com/sarchlab/m2sim/timing/commit"
	"github.com/sarchlab/m2sim/timing/dyninst"
	"github.com/sarchlab/m2sim/timing/lsq"
	"github.com/sarchlab/m2sim/timing/physregs"
	"github.com/sarchlab/m2sim/timing/rcache"
	"github.com/sarchlab/m2sim/timing/rename"
	"github.com/sarchlab/m2sim/timing/rob"
	"github.com/sarchlab/m2sim/timing/runcfg"
	"github.com/sarchlab/m2sim/timing/timebuf"
	"github.com/sarchlab/m2sim/timing/timerq"
)

const numIntArchRegs = 32

// archSnapshot is a plain, dependency-free copy of the integer
// architectural registers and the stored PC. ValidateAgainst builds one
// from live state and diffs it against a caller-supplied expectation; the
// copy Tick keeps in preRunaheadSnapshot is not compared with anything.
type archSnapshot struct {
	Int [numIntArchRegs]uint64
	PC  uint64
}

// regFileAdapter implements checkpoint.ArchReader/ArchWriter over the
// host emulator's flat ARM64 register file, exposing it through the
// class/index capability interface the runahead components expect.
type regFileAdapter struct {
	regs       *emu.RegFile
	inRunahead func() bool
}

func (a *regFileAdapter) ReadArchReg(reg physregs.ArchRegID) uint64 {
	if reg.Class == physregs.IntRegClass {
		return a.regs.ReadReg(uint8(reg.Index))
	}
	return 0
}

func (a *regFileAdapter) WriteArchReg(reg physregs.ArchRegID, value uint64) {
	if reg.Class == physregs.IntRegClass {
		a.regs.WriteReg(uint8(reg.Index), value)
	}
}

func (a *regFileAdapter) ReadMiscReg(index int) uint64 {
	switch index {
	case 0:
		return boolsToNZCV(a.regs.PSTATE)
	default:
		return 0
	}
}

func (a *regFileAdapter) WriteMiscReg(index int, value uint64) {
	if index == 0 {
		a.regs.PSTATE = nzcvToBools(value)
	}
}

func (a *regFileAdapter) MiscRegValid(index int) bool { return index == 0 }
func (a *regFileAdapter) NumMiscRegs() int            { return 1 }
func (a *regFileAdapter) NumArchRegs(class physregs.RegClass) int {
	if class == physregs.IntRegClass {
		return numIntArchRegs
	}
	return 0
}
func (a *regFileAdapter) InRunahead() bool { return a.inRunahead() }

func boolsToNZCV(p emu.PSTATE) uint64 {
	var v uint64
	if p.N {
		v |= 1 << 0
	}
	if p.Z {
		v |= 1 << 1
	}
	if p.C {
		v |= 1 << 2
	}
	if p.V {
		v |= 1 << 3
	}
	return v
}

func nzcvToBools(v uint64) emu.PSTATE {
	return emu.PSTATE{
		N: v&(1<<0) != 0,
		Z: v&(1<<1) != 0,
		C: v&(1<<2) != 0,
		V: v&(1<<3) != 0,
	}
}

// dcacheAdapter narrows timing/cache.Cache down to the lsq.DCache
// capability.
type dcacheAdapter struct{ c *cache.Cache }

func (d *dcacheAdapter) Read(addr uint64, size int) (uint64, bool) {
	res := d.c.Read(addr, size)
	return res.Data, res.Hit
}
func (d *dcacheAdapter) Write(addr uint64, size int, data uint64) bool {
	return d.c.Write(addr, size, data).Hit
}

const thread0 = dyninst.ThreadID(0)

// CPU is the out-of-order runahead core.
type CPU struct {
	cfg *runcfg.Config

	regs   *emu.RegFile
	dcache *cache.Cache

	physRegs       *physregs.File
	frontendRename *rename.Unified
	commitRename   *rename.Unified
	rob            *rob.ROB
	rcache         *rcache.Cache
	lsq            *lsq.Queue
	checkpoint     *checkpoint.Checkpoint
	commit         *commit.Commit
	timeBuf        *timebuf.Buffer[commit.CommitInfo]
	timers         *timerq.Queue

	archAdapter *regFileAdapter

	nextSeqNum uint64
	tick       uint64

	preRunaheadSnapshot *archSnapshot

	logf func(string, ...any)
}

// New builds a CPU from a configuration, a register file, and a backing
// D-cache. The D-cache is expected to already be wired to real memory
// (e.g. via timing/cache.NewMemoryBacking).
func New(cfg *runcfg.Config, regs *emu.RegFile, dcache *cache.Cache, logf func(string, ...any)) *CPU {
	if logf == nil {
		logf = func(string, ...any) {}
	}

	physRegs := physregs.NewFile(cfg.PhysRegCounts)
	frontend := rename.NewUnified(cfg.PhysRegCounts)
	committed := rename.NewUnified(cfg.PhysRegCounts)
	r := rob.New(cfg.ROBCapacity, cfg.SquashWidth)
	rc, pow2 := rcache.New(cfg.RunaheadCacheSize, cfg.RunaheadCacheBlockSize)
	if !pow2 {
		logf("warn: runahead cache block count is not a power of two, wasting tag bits")
	}

	cpu := &CPU{
		cfg:            cfg,
		regs:           regs,
		dcache:         dcache,
		physRegs:       physRegs,
		frontendRename: frontend,
		commitRename:   committed,
		rob:            r,
		rcache:         rc,
		checkpoint:     checkpoint.New(1),
		timeBuf:        timebuf.New[commit.CommitInfo](0, 1),
		timers:         timerq.New(),
		logf:           logf,
	}

	cpu.archAdapter = &regFileAdapter{regs: regs, inRunahead: func() bool { return cpu.commit.InRunahead(thread0) }}
	cpu.lsq = lsq.New(&dcacheAdapter{c: dcache}, rc, cfg.LSQStoreCapacity, cfg.LSQLoadCapacity, cfg.NeedsTSO)

	cpu.commit = commit.New(cfg, commit.Deps{
		ROB:            r,
		PhysRegs:       physRegs,
		FrontendRename: frontend,
		CommitRename:   committed,
		ArchReader:     cpu.archAdapter,
		ArchWriter:     cpu.archAdapter,
		TimeBuf:        cpu.timeBuf,
		Timers:         cpu.timers,
		Logf:           logf,
	})
	cpu.commit.RegisterThread(thread0, cpu.lsq, cpu.checkpoint)

	return cpu
}

// NextSeqNum mints the next monotone sequence number for a newly
// fetched instruction.
func (c *CPU) NextSeqNum() uint64 {
	c.nextSeqNum++
	return c.nextSeqNum
}

// Dispatch inserts a freshly renamed instruction into the ROB, stamping
// its dispatch tick and runahead flag from current CPU state.
func (c *CPU) Dispatch(inst *dyninst.Inst) error {
	inst.DispatchTick = c.tick
	if c.InRunahead() {
		inst.SetRunahead(true)
	}
	return c.rob.Insert(inst)
}

// DispatchLoad additionally registers the instruction with the LSQ load
// queue.
func (c *CPU) DispatchLoad(inst *dyninst.Inst, addr uint64, size int) (*lsq.LoadEntry, error) {
	if err := c.Dispatch(inst); err != nil {
		return nil, err
	}
	return c.lsq.DispatchLoad(inst, addr, size)
}

// DispatchStore additionally registers the instruction with the LSQ
// store queue.
func (c *CPU) DispatchStore(inst *dyninst.Inst, addr uint64, size int, data uint64) (*lsq.StoreEntry, error) {
	if err := c.Dispatch(inst); err != nil {
		return nil, err
	}
	return c.lsq.DispatchStore(inst, addr, size, data)
}

// InRunahead reports whether thread 0 is currently in runahead.
func (c *CPU) InRunahead() bool { return c.commit.InRunahead(thread0) }

// RenameDest allocates a physical register for an architectural
// destination register via the frontend rename map.
func (c *CPU) RenameDest(archReg physregs.ArchRegID, numPinnedWrites int) (dyninst.RegRef, error) {
	info, err := c.frontendRename.Map(archReg.Class).Rename(archReg.Index, numPinnedWrites)
	if err != nil {
		return dyninst.RegRef{}, err
	}
	return dyninst.RegRef{Arch: archReg, Phys: info.RenamedReg}, nil
}

// LookupSrc resolves an architectural source register to its currently
// mapped physical register via the frontend rename map.
func (c *CPU) LookupSrc(archReg physregs.ArchRegID) dyninst.RegRef {
	phys := c.frontendRename.Map(archReg.Class).Lookup(archReg.Index)
	return dyninst.RegRef{Arch: archReg, Phys: phys}
}

// Tick advances the CPU by one cycle: services any due memory-reported
// depth updates is left to the caller's memory model; this method drives
// the commit/runahead FSM and performs the architectural restore exactly
// one cycle after commit requests it.
func (c *CPU) Tick() {
	wasInRunahead := c.InRunahead()
	if !wasInRunahead {
		c.captureSelfValidationSnapshot()
	}

	info := c.timeBuf.GetWire(0)
	if info.ArchRestore {
		c.commit.ArchRestore(thread0)
		c.commit.EndPeriod(thread0)
		if c.preRunaheadSnapshot != nil {
			c.runSelfValidation()
		}
	}

	c.commit.Tick(c.tick)
	c.timeBuf.Advance()
	c.tick++
}

// captureSelfValidationSnapshot records the integer architectural
// registers and stored PC in preRunaheadSnapshot. Tick calls it at the
// start of every cycle spent outside runahead, including the cycle that
// performs ArchRestore; the restored state is not checked against it.
func (c *CPU) captureSelfValidationSnapshot() {
	snap := &archSnapshot{PC: c.commit.StoredPC(thread0)}
	for i := 0; i < numIntArchRegs; i++ {
		snap.Int[i] = c.regs.ReadReg(uint8(i))
	}
	c.preRunaheadSnapshot = snap
}

// runSelfValidation is a placeholder hook point: in this design the
// checkpoint is the authority for restored state, so there is nothing to
// compare the snapshot against unless the caller supplies an expected
// post-restore state. The hook exists so callers driving a real
// benchmark can wire in comparison against an independently computed
// reference trace; absent one, it only clears the snapshot.
func (c *CPU) runSelfValidation() {
	c.preRunaheadSnapshot = nil
}

// ValidateAgainst compares the live architectural state to an externally
// supplied expected snapshot and reports a field-level diff on mismatch.
// Intended for use right after a runahead exit in tests or golden-trace
// replay.
func (c *CPU) ValidateAgainst(expectedInt [numIntArchRegs]uint64, expectedPC uint64) error {
	got := archSnapshot{PC: c.commit.StoredPC(thread0)}
	for i := 0; i < numIntArchRegs; i++ {
		got.Int[i] = c.regs.ReadReg(uint8(i))
	}
	want := archSnapshot{Int: expectedInt, PC: expectedPC}
	if diff := cmp.Diff(want, got); diff != "" {
		return fmt.Errorf("core: post-restore architectural state mismatch:\n%s", diff)
	}
	return nil
}

// PhysRegs exposes the physical register file for callers that need to
// write/read execute-stage results directly (IEW is out of scope for
// this package and is expected to call back in with computed values).
func (c *CPU) PhysRegs() *physregs.File { return c.physRegs }

// ROB exposes the reorder buffer for fetch/dispatch wiring.
func (c *CPU) ROB() *rob.ROB { return c.rob }

// LSQ exposes the load/store queue.
func (c *CPU) LSQ() *lsq.Queue { return c.lsq }

// Commit exposes the commit/runahead FSM, e.g. so a memory-response
// callback can call SignalExitRunahead when the LLL's real data arrives.
func (c *CPU) Commit() *commit.Commit { return c.commit }

// CurrentTick returns the cycle counter.
func (c *CPU) CurrentTick() uint64 { return c.tick }
