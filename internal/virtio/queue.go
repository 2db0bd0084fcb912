package virtio

import "fmt"

// Descriptor flags.
const (
	DescFNext  = 1
	DescFWrite = 2
)

const (
	descEntrySize = 16
	usedEntrySize = 8
)

// UsedElem is one completion from the device's used ring.
type UsedElem struct {
	ID  uint16
	Len uint32
}

// Queue is the driver side of one split virtqueue. The rings live in guest
// RAM; every access goes through hw.Memory with explicit little-endian
// encoding, never through reinterpreted structs.
//
// Layout within the queue's memory region: the descriptor table at offset
// 0, the available ring immediately after it, and the used ring at the
// next 4096-byte boundary.
type Queue struct {
	dev   *Device
	index uint16
	size  uint16

	descAddr  uint64
	availAddr uint64
	usedAddr  uint64

	freeHead uint16
	numFree  uint16
	lastUsed uint16
}

// QueueMemSize returns the bytes of guest RAM a queue of the given size
// needs, including the alignment gap before the used ring.
func QueueMemSize(size uint16) int {
	return int(usedRingOffset(size)) + 6 + int(size)*usedEntrySize
}

func usedRingOffset(size uint16) uint64 {
	descBytes := uint64(size) * descEntrySize
	availBytes := uint64(6 + 2*size)
	return (descBytes + availBytes + guestPageSize - 1) &^ uint64(guestPageSize-1)
}

// SetupQueue selects queue index on the device, negotiates its size, and
// installs ring memory at memAddr (which must be page aligned and hold
// QueueMemSize bytes). The descriptor free list starts as the linear chain
// 0 -> 1 -> ... -> size-1.
func (d *Device) SetupQueue(index uint16, size uint16, memAddr uint64) (*Queue, error) {
	if memAddr%guestPageSize != 0 {
		return nil, fmt.Errorf("virtio: queue memory 0x%x not page aligned", memAddr)
	}

	d.write(RegQueueSel, uint32(index))
	maxSize := d.read(RegQueueNumMax)
	if maxSize == 0 {
		return nil, fmt.Errorf("virtio: queue %d not available", index)
	}
	if uint32(size) > maxSize {
		size = uint16(maxSize)
	}
	d.write(RegQueueNum, uint32(size))

	q := &Queue{
		dev:       d,
		index:     index,
		size:      size,
		descAddr:  memAddr,
		availAddr: memAddr + uint64(size)*descEntrySize,
		usedAddr:  memAddr + usedRingOffset(size),
		numFree:   size,
	}

	d.mem.Zero(memAddr, QueueMemSize(size))
	for i := uint16(0); i < size-1; i++ {
		d.mem.Write16(q.descAddr+uint64(i)*descEntrySize+14, i+1)
	}

	if d.Legacy() {
		d.write(RegQueueAlign, guestPageSize)
		d.write(RegQueuePFN, uint32(memAddr>>12))
	} else {
		d.write(RegQueueDescLow, uint32(q.descAddr))
		d.write(RegQueueDescHigh, uint32(q.descAddr>>32))
		d.write(RegQueueAvailLow, uint32(q.availAddr))
		d.write(RegQueueAvailHigh, uint32(q.availAddr>>32))
		d.write(RegQueueUsedLow, uint32(q.usedAddr))
		d.write(RegQueueUsedHigh, uint32(q.usedAddr>>32))
		d.write(RegQueueReady, 1)
	}
	return q, nil
}

// Size returns the negotiated ring size.
func (q *Queue) Size() uint16 { return q.size }

// NumFree returns the number of free descriptors.
func (q *Queue) NumFree() uint16 { return q.numFree }

// AllocDesc pops one descriptor from the free list.
func (q *Queue) AllocDesc() (uint16, bool) {
	if q.numFree == 0 {
		return 0, false
	}
	idx := q.freeHead
	q.freeHead = q.dev.mem.Read16(q.descAddr + uint64(idx)*descEntrySize + 14)
	q.numFree--
	return idx, true
}

// AllocChain pops n descriptors and links them with DescFNext. Returns the
// descriptor indices in chain order.
func (q *Queue) AllocChain(n int) ([]uint16, bool) {
	if int(q.numFree) < n || n == 0 {
		return nil, false
	}
	chain := make([]uint16, n)
	for i := range chain {
		chain[i], _ = q.AllocDesc()
	}
	for i := 0; i < n-1; i++ {
		base := q.descAddr + uint64(chain[i])*descEntrySize
		q.dev.mem.Write16(base+12, q.dev.mem.Read16(base+12)|DescFNext)
		q.dev.mem.Write16(base+14, chain[i+1])
	}
	return chain, true
}

// SetDesc fills in one descriptor. The next link of chained descriptors is
// managed by AllocChain; flags here are the payload flags (DescFWrite for
// device-writable buffers).
func (q *Queue) SetDesc(idx uint16, addr uint64, length uint32, write bool) {
	base := q.descAddr + uint64(idx)*descEntrySize
	q.dev.mem.Write64(base, addr)
	q.dev.mem.Write32(base+8, length)
	flags := q.dev.mem.Read16(base+12) & DescFNext
	if write {
		flags |= DescFWrite
	}
	q.dev.mem.Write16(base+12, flags)
}

// descNext returns the next field of a descriptor.
func (q *Queue) descNext(idx uint16) (uint16, bool) {
	base := q.descAddr + uint64(idx)*descEntrySize
	flags := q.dev.mem.Read16(base + 12)
	return q.dev.mem.Read16(base + 14), flags&DescFNext != 0
}

// FreeChain returns a descriptor chain to the free list.
func (q *Queue) FreeChain(head uint16) {
	for {
		next, chained := q.descNext(head)
		base := q.descAddr + uint64(head)*descEntrySize
		q.dev.mem.Write16(base+12, 0)
		q.dev.mem.Write16(base+14, q.freeHead)
		q.freeHead = head
		q.numFree++
		if !chained {
			return
		}
		head = next
	}
}

// Push places a chain head on the available ring and advances the index.
// The element write happens strictly before the index store (both go
// through guest RAM in program order; on real hardware a release fence
// sits between them).
func (q *Queue) Push(head uint16) {
	idx := q.dev.mem.Read16(q.availAddr + 2)
	q.dev.mem.Write16(q.availAddr+4+uint64(idx%q.size)*2, head)
	q.dev.mem.Write16(q.availAddr+2, idx+1)
}

// Notify tells the device the queue has new buffers.
func (q *Queue) Notify() {
	q.dev.write(RegQueueNotify, uint32(q.index))
}

// PollUsed returns the next completion if the device has produced one.
func (q *Queue) PollUsed() (UsedElem, bool) {
	usedIdx := q.dev.mem.Read16(q.usedAddr + 2)
	if usedIdx == q.lastUsed {
		return UsedElem{}, false
	}
	base := q.usedAddr + 4 + uint64(q.lastUsed%q.size)*usedEntrySize
	elem := UsedElem{
		ID:  uint16(q.dev.mem.Read32(base)),
		Len: q.dev.mem.Read32(base + 4),
	}
	q.lastUsed++
	return elem, true
}

// WaitUsed spins for a completion with a bounded iteration budget, so a
// wedged device fails the request instead of hanging the main loop.
func (q *Queue) WaitUsed(spins int) (UsedElem, error) {
	for i := 0; i < spins; i++ {
		if elem, ok := q.PollUsed(); ok {
			return elem, nil
		}
	}
	return UsedElem{}, fmt.Errorf("virtio: queue %d completion timeout", q.index)
}
