package emu

const memoryPageSize = 4096
const memoryPageMask = memoryPageSize - 1

// Memory is a sparse, page-allocated byte-addressable address space. Pages
// are allocated lazily on first write so a process image with a stack near
// the top of a 48-bit address space does not require a contiguous
// allocation anywhere close to that size.
type Memory struct {
	pages map[uint64][]byte
}

// NewMemory creates an empty address space.
func NewMemory() *Memory {
	return &Memory{pages: make(map[uint64][]byte)}
}

func (m *Memory) page(addr uint64, alloc bool) []byte {
	pageNum := addr &^ memoryPageMask
	p, ok := m.pages[pageNum]
	if !ok {
		if !alloc {
			return nil
		}
		p = make([]byte, memoryPageSize)
		m.pages[pageNum] = p
	}
	return p
}

// Read8 reads a single byte. Unmapped addresses read as 0.
func (m *Memory) Read8(addr uint64) uint8 {
	p := m.page(addr, false)
	if p == nil {
		return 0
	}
	return p[addr&memoryPageMask]
}

// Write8 writes a single byte, allocating its page if necessary.
func (m *Memory) Write8(addr uint64, value uint8) {
	p := m.page(addr, true)
	p[addr&memoryPageMask] = value
}

// Read16 reads a little-endian 16-bit value.
func (m *Memory) Read16(addr uint64) uint16 {
	return uint16(m.Read8(addr)) | uint16(m.Read8(addr+1))<<8
}

// Write16 writes a little-endian 16-bit value.
func (m *Memory) Write16(addr uint64, value uint16) {
	m.Write8(addr, uint8(value))
	m.Write8(addr+1, uint8(value>>8))
}

// Read32 reads a little-endian 32-bit value.
func (m *Memory) Read32(addr uint64) uint32 {
	return uint32(m.Read16(addr)) | uint32(m.Read16(addr+2))<<16
}

// Write32 writes a little-endian 32-bit value.
func (m *Memory) Write32(addr uint64, value uint32) {
	m.Write16(addr, uint16(value))
	m.Write16(addr+2, uint16(value>>16))
}

// Read64 reads a little-endian 64-bit value.
func (m *Memory) Read64(addr uint64) uint64 {
	return uint64(m.Read32(addr)) | uint64(m.Read32(addr+4))<<32
}

// Write64 writes a little-endian 64-bit value.
func (m *Memory) Write64(addr uint64, value uint64) {
	m.Write32(addr, uint32(value))
	m.Write32(addr+4, uint32(value>>32))
}

// LoadProgram copies a flat byte image into memory starting at entry.
func (m *Memory) LoadProgram(entry uint64, data []byte) {
	for i, b := range data {
		m.Write8(entry+uint64(i), b)
	}
}
