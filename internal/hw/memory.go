// Package hw models the machine TinyOS runs on: a flat guest-physical RAM
// arena and an MMIO bus. Drivers never touch host pointers; every access
// goes through this package so that ring and DMA traffic stays byte-ordered
// and alignment-free.
package hw

import (
	"encoding/binary"
	"fmt"
)

// Memory is the guest RAM arena. Addresses are guest-physical; the arena
// occupies [base, base+len).
type Memory struct {
	base uint64
	data []byte
}

// NewMemory allocates a RAM arena of the given size at base.
func NewMemory(base uint64, size int) *Memory {
	return &Memory{base: base, data: make([]byte, size)}
}

// Base returns the guest-physical address of the first byte.
func (m *Memory) Base() uint64 { return m.base }

// Size returns the arena length in bytes.
func (m *Memory) Size() int { return len(m.data) }

// End returns the first address past the arena.
func (m *Memory) End() uint64 { return m.base + uint64(len(m.data)) }

func (m *Memory) offset(addr uint64, n int) (int, error) {
	if addr < m.base || addr+uint64(n) > m.base+uint64(len(m.data)) {
		return 0, fmt.Errorf("hw: address 0x%x+%d outside ram [0x%x, 0x%x)",
			addr, n, m.base, m.base+uint64(len(m.data)))
	}
	return int(addr - m.base), nil
}

// Slice returns a window over [addr, addr+n). The window aliases the arena;
// callers must not retain it across reallocation (the arena never grows, so
// in practice it is stable).
func (m *Memory) Slice(addr uint64, n int) ([]byte, error) {
	off, err := m.offset(addr, n)
	if err != nil {
		return nil, err
	}
	return m.data[off : off+n : off+n], nil
}

// ReadAt reads guest memory at an absolute guest-physical address.
func (m *Memory) ReadAt(p []byte, addr int64) (int, error) {
	off, err := m.offset(uint64(addr), len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, m.data[off:]), nil
}

// WriteAt writes guest memory at an absolute guest-physical address.
func (m *Memory) WriteAt(p []byte, addr int64) (int, error) {
	off, err := m.offset(uint64(addr), len(p))
	if err != nil {
		return 0, err
	}
	return copy(m.data[off:], p), nil
}

// Typed accessors. All multi-byte values are little-endian, matching the
// virtio ring and TinyFS on-disk formats. Out-of-range accesses read as
// zero and drop writes; device code treats that like a bus fault.

func (m *Memory) Read8(addr uint64) byte {
	off, err := m.offset(addr, 1)
	if err != nil {
		return 0
	}
	return m.data[off]
}

func (m *Memory) Write8(addr uint64, v byte) {
	if off, err := m.offset(addr, 1); err == nil {
		m.data[off] = v
	}
}

func (m *Memory) Read16(addr uint64) uint16 {
	off, err := m.offset(addr, 2)
	if err != nil {
		return 0
	}
	return binary.LittleEndian.Uint16(m.data[off:])
}

func (m *Memory) Write16(addr uint64, v uint16) {
	if off, err := m.offset(addr, 2); err == nil {
		binary.LittleEndian.PutUint16(m.data[off:], v)
	}
}

func (m *Memory) Read32(addr uint64) uint32 {
	off, err := m.offset(addr, 4)
	if err != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(m.data[off:])
}

func (m *Memory) Write32(addr uint64, v uint32) {
	if off, err := m.offset(addr, 4); err == nil {
		binary.LittleEndian.PutUint32(m.data[off:], v)
	}
}

func (m *Memory) Read64(addr uint64) uint64 {
	off, err := m.offset(addr, 8)
	if err != nil {
		return 0
	}
	return binary.LittleEndian.Uint64(m.data[off:])
}

func (m *Memory) Write64(addr uint64, v uint64) {
	if off, err := m.offset(addr, 8); err == nil {
		binary.LittleEndian.PutUint64(m.data[off:], v)
	}
}

// Zero clears [addr, addr+n).
func (m *Memory) Zero(addr uint64, n int) {
	if off, err := m.offset(addr, n); err == nil {
		clear(m.data[off : off+n])
	}
}
