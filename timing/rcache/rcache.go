// Package rcache implements the runahead cache: a small direct-mapped,
// write-absorbing buffer that holds speculative store data while the CPU
// is in runahead. It never writes back to memory and exists purely to
// let a later runahead load observe an earlier runahead store's data.
package rcache

import "math/bits"

// Packet is a single memory access the R-cache is asked to service.
type Packet struct {
	Addr      uint64
	Size      int
	Data      []byte
	IsWrite   bool
	Poisoned  bool // set by the requester on writes; set by the cache on poisoned-hit reads
}

// Stats mirrors the counters the original runahead cache tracks, kept in
// the same shape as timing/cache.Statistics so both can be reported
// through one tabular stats dump.
type Stats struct {
	Lookups        uint64
	Writes         uint64
	WriteConflicts uint64
	PoisonedWrites uint64
	WriteCleanses  uint64
	ReadMisses     uint64
	ReadHits       uint64
	Poisons        uint64
	Invalidations  uint64
	PacketsHandled uint64
}

type block struct {
	data     []byte
	tag      uint64
	valid    bool
	poisoned bool
}

// Cache is a direct-mapped runahead cache of fixed byte size and block
// size.
type Cache struct {
	blockSize  int
	numBlocks  int
	indexShift uint
	indexMask  uint64
	tagShift   uint

	blocks []block
	stats  Stats
}

func ceilLog2(n int) uint {
	if n <= 1 {
		return 0
	}
	return uint(bits.Len(uint(n - 1)))
}

// New builds a runahead cache of the given total size and block size, both
// in bytes. Non-power-of-two block counts are allowed (they simply waste
// index bits) and are reported via powerOfTwo=false.
func New(size, blockSize int) (c *Cache, powerOfTwo bool) {
	numBlocks := size / blockSize
	indexBits := ceilLog2(numBlocks)

	cache := &Cache{
		blockSize:  blockSize,
		numBlocks:  numBlocks,
		indexShift: ceilLog2(blockSize),
		indexMask:  (uint64(1) << indexBits) - 1,
		tagShift:   ceilLog2(blockSize) + indexBits,
		blocks:     make([]block, numBlocks),
	}
	for i := range cache.blocks {
		cache.blocks[i].data = make([]byte, blockSize)
	}
	powerOfTwo = numBlocks > 0 && numBlocks&(numBlocks-1) == 0
	return cache, powerOfTwo
}

// Stats returns a copy of the cache's running statistics.
func (c *Cache) Stats() Stats { return c.stats }

func (c *Cache) indexOf(addr uint64) uint64 {
	return (addr >> c.indexShift) & c.indexMask
}

func (c *Cache) tagOf(addr uint64) uint64 {
	return addr >> c.tagShift
}

func (c *Cache) getBlock(addr uint64) *block {
	idx := c.indexOf(addr)
	if int(idx) >= len(c.blocks) {
		return nil
	}
	return &c.blocks[idx]
}

// blockOffset returns the byte offset of addr within its block.
func (c *Cache) blockOffset(addr uint64) int {
	return int(addr & ((uint64(1) << c.indexShift) - 1))
}

// Lookup reports whether addr currently hits a valid block with a
// matching tag.
func (c *Cache) Lookup(addr uint64) bool {
	c.stats.Lookups++
	b := c.getBlock(addr)
	return b != nil && b.valid && b.tag == c.tagOf(addr)
}

// Write absorbs store data into the cache. A tag mismatch against a
// currently valid block silently evicts it (no writeback, ever) and is
// counted as a write conflict. A poisoned write that lands on a
// previously poisoned block counts as a write, not a cleanse; a clean
// write that lands on a previously poisoned block cures it and is
// counted as a cleanse.
func (c *Cache) Write(pkt Packet) {
	c.stats.Writes++
	b := c.getBlock(pkt.Addr)
	if b == nil {
		return
	}

	tag := c.tagOf(pkt.Addr)
	if b.valid && b.tag != tag {
		c.stats.WriteConflicts++
		if b.poisoned {
			c.stats.WriteCleanses++
		}
	} else if b.valid && b.tag == tag && b.poisoned && !pkt.Poisoned {
		c.stats.WriteCleanses++
	}

	off := c.blockOffset(pkt.Addr)
	copy(b.data[off:off+pkt.Size], pkt.Data[:pkt.Size])
	b.tag = tag
	b.valid = true
	b.poisoned = false

	if pkt.Poisoned {
		b.poisoned = true
		c.stats.PoisonedWrites++
	}
}

// Read services a load. On a tag miss it returns ok=false and the
// caller is expected to fall back to the real memory hierarchy. On a
// hit, data is copied out and the packet's Poisoned flag is set if the
// backing block is poisoned.
func (c *Cache) Read(pkt *Packet) (ok bool) {
	b := c.getBlock(pkt.Addr)
	if b == nil || !b.valid || b.tag != c.tagOf(pkt.Addr) {
		c.stats.ReadMisses++
		return false
	}

	c.stats.ReadHits++
	off := c.blockOffset(pkt.Addr)
	if pkt.Data == nil {
		pkt.Data = make([]byte, pkt.Size)
	}
	copy(pkt.Data, b.data[off:off+pkt.Size])
	if b.poisoned {
		pkt.Poisoned = true
	}
	return true
}

// PoisonBlock marks the block addressed by addr as poisoned, but only if
// its tag currently matches — poisoning a block that holds unrelated
// data would be meaningless. The Poisons counter increments regardless
// of whether the tag matched, mirroring the original cache's behavior of
// counting every poison attempt rather than only successful ones.
func (c *Cache) PoisonBlock(addr uint64) {
	c.stats.Poisons++
	b := c.getBlock(addr)
	if b != nil && b.valid && b.tag == c.tagOf(addr) {
		b.poisoned = true
	}
}

// InvalidateCache clears validity and poison on every block. Called
// unconditionally whenever the CPU enters runahead, since speculative
// data from a prior runahead period must never be observed by a new one.
func (c *Cache) InvalidateCache() {
	c.stats.Invalidations++
	for i := range c.blocks {
		c.blocks[i].valid = false
		c.blocks[i].poisoned = false
	}
}

// HandlePacket routes a packet to Read or Write and reports whether it
// was serviced (always true for writes; false for load misses).
func (c *Cache) HandlePacket(pkt *Packet) bool {
	c.stats.PacketsHandled++
	if pkt.IsWrite {
		c.Write(*pkt)
		return true
	}
	return c.Read(pkt)
}
