// Package mem implements the kernel heap: a first-fit free-list allocator
// with block coalescing over a fixed region of guest RAM.
package mem

import "github.com/veighnsche/claudeos/internal/hw"

const (
	// blockMagic guards every block header, live or free. A mismatch means
	// the heap has been scribbled on; the allocator refuses to touch the
	// block rather than corrupt further.
	blockMagic = 0xDEADBEEF

	headerSize   = 32 // size u64, next u64, free u32, magic u32, pad
	alignSize    = 16
	minBlockSize = headerSize + 16
)

// header field offsets within a block
const (
	offSize  = 0
	offNext  = 8
	offFree  = 16
	offMagic = 20
)

// Heap manages [start, end) of the RAM arena. Address 0 is the null
// sentinel: no block payload ever lives there.
type Heap struct {
	mem   *hw.Memory
	start uint64
	end   uint64

	head        uint64 // first block, 0 until first use
	initialized bool

	totalAllocated uint64
	totalFreed     uint64
}

// Stats reports lifetime allocation counters in bytes of whole blocks.
type Stats struct {
	TotalAllocated uint64
	TotalFreed     uint64
}

// New creates a heap over [start, end) of mem. The region is lazily
// initialized on first allocation with a single spanning free block.
func New(mem *hw.Memory, start, end uint64) *Heap {
	return &Heap{mem: mem, start: start, end: end}
}

func align(x uint64) uint64 {
	return (x + alignSize - 1) &^ uint64(alignSize-1)
}

func (h *Heap) init() {
	if h.initialized {
		return
	}
	start := align(h.start)
	size := (h.end - start) &^ uint64(alignSize-1)
	h.head = start
	h.setSize(start, size)
	h.setNext(start, 0)
	h.setFree(start, true)
	h.mem.Write32(start+offMagic, blockMagic)
	h.initialized = true
}

func (h *Heap) size(b uint64) uint64     { return h.mem.Read64(b + offSize) }
func (h *Heap) setSize(b, v uint64)      { h.mem.Write64(b+offSize, v) }
func (h *Heap) next(b uint64) uint64     { return h.mem.Read64(b + offNext) }
func (h *Heap) setNext(b, v uint64)      { h.mem.Write64(b+offNext, v) }
func (h *Heap) isFree(b uint64) bool     { return h.mem.Read32(b+offFree) != 0 }
func (h *Heap) magicOK(b uint64) bool    { return h.mem.Read32(b+offMagic) == blockMagic }
func (h *Heap) setFree(b uint64, f bool) {
	v := uint32(0)
	if f {
		v = 1
	}
	h.mem.Write32(b+offFree, v)
}

// Alloc returns the payload address of a block holding at least size bytes,
// or 0 when no block fits. Payloads are 16-byte aligned.
func (h *Heap) Alloc(size uint64) uint64 {
	h.init()
	if size == 0 {
		return 0
	}

	total := align(headerSize + size)
	if total < minBlockSize {
		total = minBlockSize
	}

	for cur := h.head; cur != 0; cur = h.next(cur) {
		if !h.magicOK(cur) {
			return 0
		}
		if !h.isFree(cur) || h.size(cur) < total {
			continue
		}

		// Split off the tail when the remainder is still a useful block.
		if h.size(cur) >= total+minBlockSize {
			rest := cur + total
			h.setSize(rest, h.size(cur)-total)
			h.setNext(rest, h.next(cur))
			h.setFree(rest, true)
			h.mem.Write32(rest+offMagic, blockMagic)

			h.setSize(cur, total)
			h.setNext(cur, rest)
		}

		h.setFree(cur, false)
		h.totalAllocated += h.size(cur)
		return cur + headerSize
	}
	return 0
}

// Free returns a block to the free list and coalesces with adjacent free
// neighbors. Bad magic and double frees are silent no-ops.
func (h *Heap) Free(addr uint64) {
	if addr == 0 || !h.initialized {
		return
	}
	block := addr - headerSize
	if block < h.start || block >= h.end || !h.magicOK(block) {
		return
	}
	if h.isFree(block) {
		return
	}

	h.setFree(block, true)
	h.totalFreed += h.size(block)

	// Merge with the successor if it is free.
	if nxt := h.next(block); nxt != 0 && h.isFree(nxt) {
		h.setSize(block, h.size(block)+h.size(nxt))
		h.setNext(block, h.next(nxt))
	}

	// Walk from the head to find the predecessor and merge if free.
	for cur := h.head; cur != 0 && h.next(cur) != 0; cur = h.next(cur) {
		if h.next(cur) != block {
			continue
		}
		if h.isFree(cur) {
			h.setSize(cur, h.size(cur)+h.size(block))
			h.setNext(cur, h.next(block))
		}
		break
	}
}

// Realloc grows or shrinks an allocation. The same address is returned when
// the existing payload already suffices; otherwise the data is copied into
// a fresh block and the old one freed. Returns 0 on allocation failure,
// leaving the original block intact.
func (h *Heap) Realloc(addr, size uint64) uint64 {
	if addr == 0 {
		return h.Alloc(size)
	}
	if size == 0 {
		h.Free(addr)
		return 0
	}
	block := addr - headerSize
	if !h.magicOK(block) {
		return 0
	}
	payload := h.size(block) - headerSize
	if payload >= size {
		return addr
	}

	dst := h.Alloc(size)
	if dst == 0 {
		return 0
	}
	src, err1 := h.mem.Slice(addr, int(payload))
	out, err2 := h.mem.Slice(dst, int(payload))
	if err1 == nil && err2 == nil {
		copy(out, src)
	}
	h.Free(addr)
	return dst
}

// Calloc allocates n*size bytes and zeroes them. Multiplication overflow
// returns 0.
func (h *Heap) Calloc(n, size uint64) uint64 {
	if n != 0 && size != 0 && n > ^uint64(0)/size {
		return 0
	}
	total := n * size
	addr := h.Alloc(total)
	if addr != 0 {
		h.mem.Zero(addr, int(total))
	}
	return addr
}

// FreeBytes sums the payload bytes of all free blocks.
func (h *Heap) FreeBytes() uint64 {
	h.init()
	var total uint64
	for cur := h.head; cur != 0; cur = h.next(cur) {
		if !h.magicOK(cur) {
			break
		}
		if h.isFree(cur) {
			total += h.size(cur) - headerSize
		}
	}
	return total
}

// UsedBytes sums the payload bytes of all allocated blocks.
func (h *Heap) UsedBytes() uint64 {
	h.init()
	var total uint64
	for cur := h.head; cur != 0; cur = h.next(cur) {
		if !h.magicOK(cur) {
			break
		}
		if !h.isFree(cur) {
			total += h.size(cur) - headerSize
		}
	}
	return total
}

// Stats returns the lifetime counters.
func (h *Heap) Stats() Stats {
	return Stats{TotalAllocated: h.totalAllocated, TotalFreed: h.totalFreed}
}

// CorruptionCheck walks the block list and reports whether every header
// still carries its magic. Used by the terminal's heap command.
func (h *Heap) CorruptionCheck() bool {
	h.init()
	for cur := h.head; cur != 0; cur = h.next(cur) {
		if !h.magicOK(cur) {
			return false
		}
	}
	return true
}
