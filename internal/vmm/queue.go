// Package vmm carries the device side of the machine TinyOS drives: a
// virtio MMIO register model and split-ring consumer, plus block, network,
// input, GPU, UART and interrupt-controller models. The kernel's drivers
// are exercised against these models by the test suites and by cmd/tinyos.
package vmm

import (
	"fmt"

	"github.com/veighnsche/claudeos/internal/hw"
)

const (
	virtqDescFNext  = 1
	virtqDescFWrite = 2
)

// DescBuf is one buffer of a descriptor chain as seen by the device.
type DescBuf struct {
	Addr  uint64
	Len   uint32
	Write bool // device-writable
}

// modelQueue is the device side of one split virtqueue.
type modelQueue struct {
	mem *hw.Memory

	numMax uint16
	num    uint16
	ready  bool

	descAddr  uint64
	availAddr uint64
	usedAddr  uint64

	lastAvail uint16
	usedIdx   uint16
}

func (q *modelQueue) reset() {
	q.num = 0
	q.ready = false
	q.descAddr = 0
	q.availAddr = 0
	q.usedAddr = 0
	q.lastAvail = 0
	q.usedIdx = 0
}

// popAvail returns the next chain head from the available ring.
func (q *modelQueue) popAvail() (uint16, bool) {
	if !q.ready || q.num == 0 {
		return 0, false
	}
	availIdx := q.mem.Read16(q.availAddr + 2)
	if q.lastAvail == availIdx {
		return 0, false
	}
	head := q.mem.Read16(q.availAddr + 4 + uint64(q.lastAvail%q.num)*2)
	q.lastAvail++
	return head, true
}

// readChain walks a descriptor chain, bounded by the ring size.
func (q *modelQueue) readChain(head uint16) ([]DescBuf, error) {
	var bufs []DescBuf
	idx := head
	for i := uint16(0); i < q.num; i++ {
		if idx >= q.num {
			return bufs, fmt.Errorf("vmm: descriptor index %d out of range", idx)
		}
		base := q.descAddr + uint64(idx)*16
		addr := q.mem.Read64(base)
		length := q.mem.Read32(base + 8)
		flags := q.mem.Read16(base + 12)
		bufs = append(bufs, DescBuf{
			Addr:  addr,
			Len:   length,
			Write: flags&virtqDescFWrite != 0,
		})
		if flags&virtqDescFNext == 0 {
			return bufs, nil
		}
		idx = q.mem.Read16(base + 14)
	}
	return bufs, fmt.Errorf("vmm: descriptor chain from %d too long", head)
}

// pushUsed reports a completed chain on the used ring.
func (q *modelQueue) pushUsed(head uint16, length uint32) {
	base := q.usedAddr + 4 + uint64(q.usedIdx%q.num)*8
	q.mem.Write32(base, uint32(head))
	q.mem.Write32(base+4, length)
	q.usedIdx++
	q.mem.Write16(q.usedAddr+2, q.usedIdx)
}

// readBuf copies a device-readable buffer out of guest memory.
func (q *modelQueue) readBuf(b DescBuf) ([]byte, error) {
	out := make([]byte, b.Len)
	if _, err := q.mem.ReadAt(out, int64(b.Addr)); err != nil {
		return nil, err
	}
	return out, nil
}

// writeBuf fills a device-writable buffer, returning the bytes written.
func (q *modelQueue) writeBuf(b DescBuf, data []byte) (uint32, error) {
	n := len(data)
	if uint32(n) > b.Len {
		n = int(b.Len)
	}
	if _, err := q.mem.WriteAt(data[:n], int64(b.Addr)); err != nil {
		return 0, err
	}
	return uint32(n), nil
}
