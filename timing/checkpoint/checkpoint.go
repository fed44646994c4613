// Package checkpoint implements the architectural checkpoint: a shadow
// snapshot of committed register state used to restore the CPU to its
// last non-runahead retirement when runahead execution ends.
package checkpoint

import "github.com/sarchlab/m2sim/timing/physregs"

// supportedClasses lists the register classes the checkpoint saves and
// restores. Vector and vector-predicate classes are deliberately
// excluded: the original CPU this core is modeled on never implemented
// checkpointing for them either, and this spec preserves that omission
// rather than silently fixing it (see the design notes on open
// questions).
var supportedClasses = []physregs.RegClass{
	physregs.IntRegClass,
	physregs.FloatRegClass,
	physregs.CCRegClass,
}

// ArchReader is the capability the checkpoint needs from the owning CPU
// to read committed architectural state: the current value mapped to an
// architectural register, and the current value of a misc register.
type ArchReader interface {
	ReadArchReg(reg physregs.ArchRegID) uint64
	ReadMiscReg(index int) uint64
	MiscRegValid(index int) bool
	NumMiscRegs() int
	NumArchRegs(class physregs.RegClass) int
	InRunahead() bool
}

// ArchWriter is the capability the checkpoint needs to restore committed
// architectural state back onto the CPU.
type ArchWriter interface {
	WriteArchReg(reg physregs.ArchRegID, value uint64)
	WriteMiscReg(index int, value uint64)
}

// Checkpoint holds one thread's shadow register state.
type Checkpoint struct {
	values   map[physregs.ArchRegID]uint64
	miscRegs []uint64
	pc       uint64
}

// New creates an empty checkpoint sized for numMiscRegs miscellaneous
// registers.
func New(numMiscRegs int) *Checkpoint {
	return &Checkpoint{
		values:   make(map[physregs.ArchRegID]uint64),
		miscRegs: make([]uint64, numMiscRegs),
	}
}

// FullSave captures every supported architectural register, every valid
// misc register, and the current PC. Precondition: the CPU must not be
// in runahead (checkpointing runahead state would capture speculative,
// soon-to-be-discarded values).
func (c *Checkpoint) FullSave(reader ArchReader, pc uint64) {
	if reader.InRunahead() {
		panic("checkpoint: FullSave called while CPU is in runahead")
	}
	for _, class := range supportedClasses {
		n := archRegCount(reader, class)
		for i := 0; i < n; i++ {
			regID := physregs.ArchRegID{Class: class, Index: i}
			c.values[regID] = reader.ReadArchReg(regID)
		}
	}
	for idx := 0; idx < reader.NumMiscRegs(); idx++ {
		if reader.MiscRegValid(idx) {
			c.miscRegs[idx] = reader.ReadMiscReg(idx)
		}
	}
	c.pc = pc
}

// UpdateReg refreshes a single architectural register's shadow value.
// Used at every non-runahead retirement in place of a full save, so the
// checkpoint tracks committed state incrementally between entries into
// runahead. Precondition: the CPU must not be in runahead.
func (c *Checkpoint) UpdateReg(reader ArchReader, regID physregs.ArchRegID) {
	if reader.InRunahead() {
		panic("checkpoint: UpdateReg called while CPU is in runahead")
	}
	if regID.Class == physregs.VecRegClass || regID.Class == physregs.VecPredRegClass {
		return
	}
	if regID.Class == physregs.MiscRegClass {
		if reader.MiscRegValid(regID.Index) {
			c.miscRegs[regID.Index] = reader.ReadMiscReg(regID.Index)
		}
		return
	}
	c.values[regID] = reader.ReadArchReg(regID)
}

// Restore writes every supported architectural register and every
// tracked misc register back onto the CPU, and returns the PC to resume
// fetch from. Only registers whose live value differs from the shadow
// are rewritten, which keeps restore cheap and matches the diff-checked
// restore path the original implementation uses to avoid redundant
// writes.
func (c *Checkpoint) Restore(reader ArchReader, writer ArchWriter) (pc uint64) {
	for _, class := range supportedClasses {
		n := archRegCount(reader, class)
		for i := 0; i < n; i++ {
			regID := physregs.ArchRegID{Class: class, Index: i}
			shadow := c.values[regID]
			if reader.ReadArchReg(regID) != shadow {
				writer.WriteArchReg(regID, shadow)
			}
		}
	}
	for idx, shadow := range c.miscRegs {
		if !reader.MiscRegValid(idx) {
			continue
		}
		if reader.ReadMiscReg(idx) != shadow {
			writer.WriteMiscReg(idx, shadow)
		}
	}
	return c.pc
}

// archRegCount reports how many architectural registers exist in a
// class, as reported by the owning CPU.
func archRegCount(reader ArchReader, class physregs.RegClass) int {
	return reader.NumArchRegs(class)
}
