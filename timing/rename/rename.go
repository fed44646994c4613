// Package rename implements the per-class rename maps and free lists that
// translate architectural register identifiers to physical registers.
package rename

import (
	"errors"

	"github.com/sarchlab/m2sim/timing/physregs"
)

// ErrNoFreePhysReg is returned when a class's free list is exhausted.
var ErrNoFreePhysReg = errors.New("rename: no free physical register")

// FreeList tracks physical registers not currently mapped by any rename
// map entry, for a single register class.
type FreeList struct {
	class RegClass
	free  []physregs.PhysRegID
}

// RegClass is a local alias kept for readability at call sites; it is the
// same type as physregs.RegClass.
type RegClass = physregs.RegClass

// NewFreeList builds a free list pre-populated with every physical
// register of the given class, indices [0, numRegs).
func NewFreeList(class RegClass, numRegs int) *FreeList {
	fl := &FreeList{class: class}
	fl.free = make([]physregs.PhysRegID, numRegs)
	for i := 0; i < numRegs; i++ {
		fl.free[i] = physregs.NewPhysRegID(class, i)
	}
	return fl
}

// NumFreeEntries reports how many physical registers remain unmapped.
func (fl *FreeList) NumFreeEntries() int {
	return len(fl.free)
}

// GetReg removes and returns a physical register from the free list.
func (fl *FreeList) GetReg() (physregs.PhysRegID, error) {
	if len(fl.free) == 0 {
		return physregs.PhysRegID{}, ErrNoFreePhysReg
	}
	reg := fl.free[len(fl.free)-1]
	fl.free = fl.free[:len(fl.free)-1]
	return reg, nil
}

// AddReg returns a physical register to the free list, e.g. after a
// rename map entry is overwritten and its previous mapping is no longer
// reachable from any in-flight instruction.
func (fl *FreeList) AddReg(reg physregs.PhysRegID) {
	fl.free = append(fl.free, reg)
}

// Reset discards the current free set and repopulates it with every
// physical register of the class, indices [0, numRegs).
func (fl *FreeList) Reset(numRegs int) {
	fl.free = fl.free[:0]
	for i := 0; i < numRegs; i++ {
		fl.free = append(fl.free, physregs.NewPhysRegID(fl.class, i))
	}
}

// RenameInfo is the result of a rename operation: the physical register
// now mapped to the architectural register, and the one it replaced.
type RenameInfo struct {
	RenamedReg physregs.PhysRegID
	PrevReg    physregs.PhysRegID
}

// pinState tracks the pinned-write bookkeeping used for instructions that
// perform partial writes (e.g. predicated vector ops) without remapping.
type pinState struct {
	numPinnedWrites int
}

// Map is a single register class's arch-to-physical rename map, backed by
// a FreeList for allocation.
type Map struct {
	class    RegClass
	entries  []physregs.PhysRegID
	pins     []pinState
	freeList *FreeList
}

// NewMap builds a rename map for numRegs architectural registers of the
// given class, backed by the given free list. Every arch register starts
// mapped to physical register index == arch index, matching the free
// list's initial population, so callers must ensure the free list and
// numRegs agree on sizing before any rename call.
func NewMap(class RegClass, numRegs int, freeList *FreeList) *Map {
	m := &Map{class: class, freeList: freeList}
	m.entries = make([]physregs.PhysRegID, numRegs)
	m.pins = make([]pinState, numRegs)
	for i := 0; i < numRegs; i++ {
		m.entries[i] = physregs.NewPhysRegID(class, i)
	}
	return m
}

// NumFreeEntries reports free physical registers available to this map's
// class.
func (m *Map) NumFreeEntries() int {
	return m.freeList.NumFreeEntries()
}

// Lookup returns the physical register currently mapped to an
// architectural register, without allocating.
func (m *Map) Lookup(archIndex int) physregs.PhysRegID {
	return m.entries[archIndex]
}

// Rename allocates a new physical register for an architectural register
// and returns both the new and previous mapping. If the previous physical
// register has outstanding pinned writes, the mapping is left unchanged
// and the pin counter is decremented instead of allocating — this mirrors
// partial-write instructions that must not remap their destination.
func (m *Map) Rename(archIndex int, numPinnedWrites int) (RenameInfo, error) {
	prev := m.entries[archIndex]
	prevPins := &m.pins[archIndex]

	if prevPins.numPinnedWrites > 0 {
		prevPins.numPinnedWrites--
		return RenameInfo{RenamedReg: prev, PrevReg: prev}, nil
	}

	renamed, err := m.freeList.GetReg()
	if err != nil {
		return RenameInfo{}, err
	}
	m.entries[archIndex] = renamed
	m.pins[archIndex] = pinState{numPinnedWrites: numPinnedWrites}
	return RenameInfo{RenamedReg: renamed, PrevReg: prev}, nil
}

// Reset clears the map back to an identity mapping over numRegs entries
// and drops all pin state. Callers are expected to reset the backing free
// list to match in the same operation.
func (m *Map) Reset(numRegs int) {
	m.entries = make([]physregs.PhysRegID, numRegs)
	m.pins = make([]pinState, numRegs)
	for i := 0; i < numRegs; i++ {
		m.entries[i] = physregs.NewPhysRegID(m.class, i)
	}
}

// Unified composes one Map and one FreeList per renameable register
// class, mirroring the set of classes a dynamic instruction can name
// destinations in.
type Unified struct {
	maps      [physregs.NumRegClasses]*Map
	freeLists [physregs.NumRegClasses]*FreeList
	counts    [physregs.NumRegClasses]int
}

// NewUnified builds rename maps and free lists for every renameable class
// using the per-class register counts.
func NewUnified(counts [physregs.NumRegClasses]int) *Unified {
	u := &Unified{counts: counts}
	for c := 0; c < physregs.NumRegClasses; c++ {
		class := RegClass(c)
		fl := NewFreeList(class, counts[c])
		u.freeLists[c] = fl
		u.maps[c] = NewMap(class, counts[c], fl)
	}
	return u
}

// Map returns the per-class rename map.
func (u *Unified) Map(class RegClass) *Map {
	return u.maps[class]
}

// FreeList returns the per-class free list.
func (u *Unified) FreeList(class RegClass) *FreeList {
	return u.freeLists[class]
}

// CanRename reports whether every requested destination class/count
// combination has enough free physical registers, without allocating.
func (u *Unified) CanRename(destCounts [physregs.NumRegClasses]int) bool {
	for c := 0; c < physregs.NumRegClasses; c++ {
		if destCounts[c] > u.maps[c].NumFreeEntries() {
			return false
		}
	}
	return true
}

// Reset clears every class's map and free list back to an identity
// mapping, used to rebuild renaming state from scratch after a runahead
// exit's architectural restore.
func (u *Unified) Reset() {
	for c := 0; c < physregs.NumRegClasses; c++ {
		u.maps[c].Reset(u.counts[c])
		u.freeLists[c].Reset(u.counts[c])
	}
}
