// Package lsq implements the load/store queue: store-to-load forwarding,
// the dual D-cache/R-cache dispatch path taken during runahead, and
// memory-ordering violation detection.
package lsq

import (
	"errors"

	"github.com/sarchlab/m2sim/timing/dyninst"
	"github.com/sarchlab/m2sim/timing/rcache"
)

// ErrQueueFull is returned when a store or load queue has no free slot.
var ErrQueueFull = errors.New("lsq: queue is full")

// DCache is the capability the LSQ needs from the real memory hierarchy.
// It is satisfied by timing/cache.Cache; kept as a narrow interface here
// so this package stays independently testable.
type DCache interface {
	Read(addr uint64, size int) (data uint64, hit bool)
	Write(addr uint64, size int, data uint64) (hit bool)
}

// Overlap classifies how a store's byte range relates to a load's.
type Overlap int

const (
	// NoOverlap means the ranges do not intersect at all.
	NoOverlap Overlap = iota
	// PartialOverlap means the ranges intersect but the store does not
	// cover every byte the load needs.
	PartialOverlap
	// FullOverlap means the store's range fully covers the load's range.
	FullOverlap
)

func classifyOverlap(storeAddr uint64, storeSize int, loadAddr uint64, loadSize int) Overlap {
	sLo, sHi := storeAddr, storeAddr+uint64(storeSize)
	lLo, lHi := loadAddr, loadAddr+uint64(loadSize)
	if sHi <= lLo || lHi <= sLo {
		return NoOverlap
	}
	if sLo <= lLo && sHi >= lHi {
		return FullOverlap
	}
	return PartialOverlap
}

// StoreEntry is one in-flight store in the store queue.
type StoreEntry struct {
	Inst      *dyninst.Inst
	Addr      uint64
	Size      int
	Data      uint64
	Completed bool
	Committed bool
}

// LoadEntry is one in-flight load in the load queue.
type LoadEntry struct {
	Inst              *dyninst.Inst
	Addr              uint64
	Size              int
	Completed bool
	Data      uint64
	Poisoned  bool
	// StallingOnStoreSeq is nonzero while this load is blocked behind a
	// partial-overlap store that has not yet completed.
	StallingOnStoreSeq uint64
}

// ViolationFault records the detail of a detected memory-ordering
// violation: the load that read stale data and the store that
// invalidated it.
type ViolationFault struct {
	LoadSeqNum  uint64
	StoreSeqNum uint64
}

// Stats tracks LSQ-level statistics.
type Stats struct {
	Forwards          uint64
	StallsOnPartial   uint64
	MemOrderViolations uint64
	StaleResponses    uint64
	RCacheLoadHits    uint64
	DCacheLoadHits    uint64
}

// Queue is the load/store queue for a single thread.
type Queue struct {
	stores []*StoreEntry
	loads  []*LoadEntry

	storeCap int
	loadCap  int

	dcache DCache
	rcache *rcache.Cache

	needsTSO bool

	htmNestDepth int
	htmUID       uint64

	stats Stats
}

// New builds an LSQ backed by the given D-cache and R-cache, with the
// given store/load queue capacities.
func New(dcache DCache, rc *rcache.Cache, storeCap, loadCap int, needsTSO bool) *Queue {
	return &Queue{
		dcache:   dcache,
		rcache:   rc,
		storeCap: storeCap,
		loadCap:  loadCap,
		needsTSO: needsTSO,
	}
}

// Stats returns a copy of the queue's running statistics.
func (q *Queue) Stats() Stats { return q.stats }

// NumStores/NumLoads report current occupancy, used by dispatch to
// enforce structural capacity before an instruction is issued to the LSQ.
func (q *Queue) NumStores() int { return len(q.stores) }
func (q *Queue) NumLoads() int  { return len(q.loads) }

// DispatchStore inserts a store at the tail of the store queue.
func (q *Queue) DispatchStore(inst *dyninst.Inst, addr uint64, size int, data uint64) (*StoreEntry, error) {
	if len(q.stores) >= q.storeCap {
		return nil, ErrQueueFull
	}
	entry := &StoreEntry{Inst: inst, Addr: addr, Size: size, Data: data}
	q.stores = append(q.stores, entry)
	return entry, nil
}

// DispatchLoad inserts a load at the tail of the load queue.
func (q *Queue) DispatchLoad(inst *dyninst.Inst, addr uint64, size int) (*LoadEntry, error) {
	if len(q.loads) >= q.loadCap {
		return nil, ErrQueueFull
	}
	entry := &LoadEntry{Inst: inst, Addr: addr, Size: size}
	q.loads = append(q.loads, entry)
	return entry, nil
}

// storeIndex returns the index of a store entry within q.stores by
// instruction sequence number.
func (q *Queue) storeIndex(seqNum uint64) int {
	for i, s := range q.stores {
		if s.Inst.SeqNum == seqNum {
			return i
		}
	}
	return -1
}

// TryForward scans the store queue, oldest to newest, for stores older
// than the load that overlap its address range; the newest such store
// decides the outcome. On FullOverlap it returns (forwarded=true) with the
// load fully satisfied. On PartialOverlap it stalls the load on that store
// until the store completes; once it has, the load is released with no
// stall so it reads the caches the store wrote to. Stores
// younger than the load are never considered: only stores already
// dispatched before the load can forward to it.
//
// A non-runahead load is never allowed to take data from a runahead (or
// already-poisoned) store — such a store is skipped entirely rather than
// forwarding tainted data into architectural state.
func (q *Queue) TryForward(load *LoadEntry) (forwarded bool) {
	var best *StoreEntry
	bestOverlap := NoOverlap

	for _, s := range q.stores {
		if s.Inst.SeqNum >= load.Inst.SeqNum {
			continue
		}
		if s.Inst.IsAtomic || s.Inst.IsLLSC {
			continue
		}
		if !load.Inst.Runahead() && s.Inst.Runahead() {
			continue
		}

		overlap := classifyOverlap(s.Addr, s.Size, load.Addr, load.Size)
		if overlap == NoOverlap {
			continue
		}
		// Newest qualifying store wins; keep scanning for a nearer one.
		best = s
		bestOverlap = overlap
	}

	if best == nil {
		return false
	}

	switch bestOverlap {
	case FullOverlap:
		load.Data = best.Data
		load.Completed = true
		if best.Inst.Poisoned() || best.Inst.Runahead() {
			load.Poisoned = true
		}
		load.StallingOnStoreSeq = 0
		q.stats.Forwards++
		return true
	case PartialOverlap:
		if best.Inst.Poisoned() {
			load.Poisoned = true
		}
		if best.Completed {
			load.StallingOnStoreSeq = 0
			return false
		}
		load.StallingOnStoreSeq = best.Inst.SeqNum
		q.stats.StallsOnPartial++
		return false
	default:
		return false
	}
}

// IssueLoad attempts to complete a load that was not satisfied by
// forwarding. In runahead, the load is tried against the R-cache first
// (matching the real dual-dispatch: a runahead load races D-cache and
// R-cache, with R-cache preferred when it has the data) and falls back
// to the D-cache on an R-cache miss. Outside runahead, only the D-cache
// is consulted.
func (q *Queue) IssueLoad(load *LoadEntry) {
	if load.Completed {
		return
	}
	if load.StallingOnStoreSeq != 0 {
		return
	}

	if load.Inst.Runahead() && q.rcache != nil {
		pkt := &rcache.Packet{Addr: load.Addr, Size: load.Size}
		if q.rcache.Read(pkt) {
			load.Data = bytesToUint64(pkt.Data)
			load.Completed = true
			if pkt.Poisoned {
				load.Poisoned = true
			}
			q.stats.RCacheLoadHits++
			return
		}
	}

	if q.dcache != nil {
		data, _ := q.dcache.Read(load.Addr, load.Size)
		load.Data = data
		load.Completed = true
		q.stats.DCacheLoadHits++
	}
}

// unblockPartialLoads re-attempts forwarding for any load stalled behind
// the given store sequence number, called once that store completes.
func (q *Queue) unblockPartialLoads(storeSeqNum uint64) {
	for _, l := range q.loads {
		if l.StallingOnStoreSeq == storeSeqNum {
			l.StallingOnStoreSeq = 0
			if !q.TryForward(l) {
				q.IssueLoad(l)
			}
		}
	}
}

// CompleteStore marks a store as having executed: in runahead it writes
// only to the R-cache (never to D-cache or real memory); outside
// runahead it writes to the D-cache. Either way it then checks for
// memory-ordering violations against younger loads that already
// completed with stale data, and unblocks any load that was stalled
// waiting on this store's data.
func (q *Queue) CompleteStore(store *StoreEntry) []ViolationFault {
	store.Completed = true

	if store.Inst.Runahead() {
		if q.rcache != nil {
			q.rcache.Write(rcache.Packet{
				Addr:     store.Addr,
				Size:     store.Size,
				Data:     uint64ToBytes(store.Data, store.Size),
				IsWrite:  true,
				Poisoned: store.Inst.Poisoned(),
			})
		}
	} else if q.dcache != nil {
		q.dcache.Write(store.Addr, store.Size, store.Data)
	}

	faults := q.detectViolations(store)
	q.unblockPartialLoads(store.Inst.SeqNum)
	return faults
}

// detectViolations finds younger loads that already completed and whose
// address range overlaps this store, which is only possible if they read
// stale data before the store executed.
func (q *Queue) detectViolations(store *StoreEntry) []ViolationFault {
	var faults []ViolationFault
	for _, l := range q.loads {
		if l.Inst.SeqNum <= store.Inst.SeqNum {
			continue
		}
		if !l.Completed {
			continue
		}
		if !q.needsTSO && classifyOverlap(store.Addr, store.Size, l.Addr, l.Size) == NoOverlap {
			continue
		}
		q.stats.MemOrderViolations++
		l.Inst.Fault = dyninst.MemOrderViolationFault
		faults = append(faults, ViolationFault{LoadSeqNum: l.Inst.SeqNum, StoreSeqNum: store.Inst.SeqNum})
	}
	return faults
}

// RetireStore removes a committed store from the queue. Callers must
// have already confirmed it completed.
func (q *Queue) RetireStore(seqNum uint64) {
	idx := q.storeIndex(seqNum)
	if idx < 0 {
		return
	}
	q.stores = append(q.stores[:idx], q.stores[idx+1:]...)
}

// RetireLoad removes a committed or squashed load from the queue.
func (q *Queue) RetireLoad(seqNum uint64) {
	for i, l := range q.loads {
		if l.Inst.SeqNum == seqNum {
			q.loads = append(q.loads[:i], q.loads[i+1:]...)
			return
		}
	}
}

// SquashYoungerThan removes every load/store younger than seqNum,
// mirroring a ROB squash. Instructions removed this way never reach
// CompleteStore/RetireStore, so no memory side effect occurs for them.
func (q *Queue) SquashYoungerThan(seqNum uint64) {
	keptStores := q.stores[:0]
	for _, s := range q.stores {
		if s.Inst.SeqNum <= seqNum {
			keptStores = append(keptStores, s)
		}
	}
	q.stores = keptStores

	keptLoads := q.loads[:0]
	for _, l := range q.loads {
		if l.Inst.SeqNum <= seqNum {
			keptLoads = append(keptLoads, l)
		}
	}
	q.loads = keptLoads
}

// InvalidateRCache clears the runahead cache. Called once on every entry
// into runahead so a new period never observes speculative data left
// over from an earlier one.
func (q *Queue) InvalidateRCache() {
	if q.rcache != nil {
		q.rcache.InvalidateCache()
	}
}

// HtmStart increments the per-thread HTM nesting depth and mints a fresh
// transaction uid if this is the outermost start.
func (q *Queue) HtmStart(uidIfOutermost uint64) {
	if q.htmNestDepth == 0 {
		q.htmUID = uidIfOutermost
	}
	q.htmNestDepth++
}

// HtmStop decrements the nesting depth, clamped at zero so a stray stop
// (e.g. one whose matching start was squashed) cannot go negative.
func (q *Queue) HtmStop() {
	if q.htmNestDepth > 0 {
		q.htmNestDepth--
	}
}

// HtmNestDepth reports the current transactional nesting depth.
func (q *Queue) HtmNestDepth() int { return q.htmNestDepth }

// HtmUID reports the uid of the currently open (or most recently closed)
// transaction.
func (q *Queue) HtmUID() uint64 { return q.htmUID }

func bytesToUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < len(b) && i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func uint64ToBytes(v uint64, size int) []byte {
	b := make([]byte, size)
	for i := 0; i < size && i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}
