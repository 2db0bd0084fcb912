package virtio

import (
	"fmt"

	"github.com/veighnsche/claudeos/internal/hw"
)

// virtio-blk request types.
const (
	BlkTIn    = 0
	BlkTOut   = 1
	BlkTFlush = 4
)

// virtio-blk status bytes.
const (
	BlkSOK     = 0
	BlkSIOErr  = 1
	BlkSUnsupp = 2
)

// SectorSize is the virtio-blk sector size.
const SectorSize = 512

const (
	blkQueueSize   = 128
	blkMaxSectors  = 128 // data buffer holds 64 KiB
	blkHeaderSize  = 16
	blkConfigCapacity = 0x000 // u64 capacity in sectors at config offset 0
	blkWaitSpins   = 1_000_000
)

// Blk is the virtio block device driver. Requests are 3-descriptor chains
// (header, data, status) completed by polling; chunks above 128 sectors are
// split before queueing.
type Blk struct {
	dev *Device
	q   *Queue

	hdrAddr    uint64
	dataAddr   uint64
	statusAddr uint64

	capacity uint64 // sectors
}

// OpenBlk probes and initializes the block device at base, drawing ring and
// bounce-buffer memory from the pool.
func OpenBlk(bus *hw.Bus, mem *hw.Memory, base uint64, pool *DMAPool) (*Blk, error) {
	dev, err := Open(bus, mem, base)
	if err != nil {
		return nil, err
	}
	if dev.ID() != DeviceIDBlock {
		return nil, fmt.Errorf("virtio: device at 0x%x is class %d, not block", base, dev.ID())
	}

	dev.NegotiateFeatures(0)

	qMem, err := pool.Alloc(QueueMemSize(blkQueueSize), guestPageSize)
	if err != nil {
		return nil, err
	}
	q, err := dev.SetupQueue(0, blkQueueSize, qMem)
	if err != nil {
		return nil, err
	}

	b := &Blk{dev: dev, q: q}
	if b.hdrAddr, err = pool.Alloc(blkHeaderSize, 16); err != nil {
		return nil, err
	}
	if b.dataAddr, err = pool.Alloc(blkMaxSectors*SectorSize, guestPageSize); err != nil {
		return nil, err
	}
	if b.statusAddr, err = pool.Alloc(1, 16); err != nil {
		return nil, err
	}

	if err := dev.FinishInit(); err != nil {
		return nil, err
	}

	b.capacity = dev.ConfigRead64(blkConfigCapacity)
	return b, nil
}

// Capacity returns the disk size in sectors.
func (b *Blk) Capacity() uint64 { return b.capacity }

// transfer runs one chunk of at most blkMaxSectors.
func (b *Blk) transfer(reqType uint32, sector uint64, count uint32, buf []byte) error {
	mem := b.dev.mem

	// Request header: type u32, reserved u32, sector u64 (little-endian).
	mem.Write32(b.hdrAddr, reqType)
	mem.Write32(b.hdrAddr+4, 0)
	mem.Write64(b.hdrAddr+8, sector)
	mem.Write8(b.statusAddr, 0xff)

	dataLen := count * SectorSize
	if reqType == BlkTOut {
		dst, err := mem.Slice(b.dataAddr, int(dataLen))
		if err != nil {
			return err
		}
		copy(dst, buf)
	}

	chain, ok := b.q.AllocChain(3)
	if !ok {
		return fmt.Errorf("virtio-blk: no free descriptors")
	}
	b.q.SetDesc(chain[0], b.hdrAddr, blkHeaderSize, false)
	b.q.SetDesc(chain[1], b.dataAddr, dataLen, reqType == BlkTIn)
	b.q.SetDesc(chain[2], b.statusAddr, 1, true)

	b.q.Push(chain[0])
	b.q.Notify()

	elem, err := b.q.WaitUsed(blkWaitSpins)
	b.dev.AckInterrupt()
	if err == nil {
		b.q.FreeChain(elem.ID)
	} else {
		b.q.FreeChain(chain[0])
		return err
	}

	if status := mem.Read8(b.statusAddr); status != BlkSOK {
		return fmt.Errorf("virtio-blk: request failed with status %d", status)
	}

	if reqType == BlkTIn {
		src, err := mem.Slice(b.dataAddr, int(dataLen))
		if err != nil {
			return err
		}
		copy(buf, src)
	}
	return nil
}

// ReadSectors reads count sectors starting at sector into buf.
func (b *Blk) ReadSectors(sector uint64, count uint32, buf []byte) error {
	if len(buf) < int(count)*SectorSize {
		return fmt.Errorf("virtio-blk: buffer too small for %d sectors", count)
	}
	for count > 0 {
		chunk := count
		if chunk > blkMaxSectors {
			chunk = blkMaxSectors
		}
		if err := b.transfer(BlkTIn, sector, chunk, buf[:chunk*SectorSize]); err != nil {
			return err
		}
		sector += uint64(chunk)
		count -= chunk
		buf = buf[chunk*SectorSize:]
	}
	return nil
}

// WriteSectors writes count sectors starting at sector from buf.
func (b *Blk) WriteSectors(sector uint64, count uint32, buf []byte) error {
	if len(buf) < int(count)*SectorSize {
		return fmt.Errorf("virtio-blk: buffer too small for %d sectors", count)
	}
	for count > 0 {
		chunk := count
		if chunk > blkMaxSectors {
			chunk = blkMaxSectors
		}
		if err := b.transfer(BlkTOut, sector, chunk, buf[:chunk*SectorSize]); err != nil {
			return err
		}
		sector += uint64(chunk)
		count -= chunk
		buf = buf[chunk*SectorSize:]
	}
	return nil
}

// Flush issues a FLUSH request (2-descriptor chain: header, status).
func (b *Blk) Flush() error {
	mem := b.dev.mem
	mem.Write32(b.hdrAddr, BlkTFlush)
	mem.Write32(b.hdrAddr+4, 0)
	mem.Write64(b.hdrAddr+8, 0)
	mem.Write8(b.statusAddr, 0xff)

	chain, ok := b.q.AllocChain(2)
	if !ok {
		return fmt.Errorf("virtio-blk: no free descriptors")
	}
	b.q.SetDesc(chain[0], b.hdrAddr, blkHeaderSize, false)
	b.q.SetDesc(chain[1], b.statusAddr, 1, true)

	b.q.Push(chain[0])
	b.q.Notify()

	elem, err := b.q.WaitUsed(blkWaitSpins)
	b.dev.AckInterrupt()
	if err != nil {
		b.q.FreeChain(chain[0])
		return err
	}
	b.q.FreeChain(elem.ID)

	if status := mem.Read8(b.statusAddr); status != BlkSOK {
		return fmt.Errorf("virtio-blk: flush failed with status %d", status)
	}
	return nil
}
