package virtio

import (
	"fmt"

	"github.com/veighnsche/claudeos/internal/hw"
)

// virtio-net feature bits (selector 0).
const NetFMac = 1 << 5

const (
	netQueueRX = 0
	netQueueTX = 1

	netQueueSize  = 16
	netBufSize    = 2048
	netHeaderSize = 10 // flags, gso_type, hdr_len, gso_size, csum_start, csum_offset
)

// Net is the virtio network device driver: an RX queue whose buffers stay
// pre-published as device-writable, and a TX queue cycled round-robin.
type Net struct {
	dev *Device
	rx  *Queue
	tx  *Queue

	rxBufs uint64 // netQueueSize contiguous buffers
	txBufs uint64
	txNext uint16

	mac [6]byte
}

// OpenNet probes and initializes the network device at base.
func OpenNet(bus *hw.Bus, mem *hw.Memory, base uint64, pool *DMAPool) (*Net, error) {
	dev, err := Open(bus, mem, base)
	if err != nil {
		return nil, err
	}
	if dev.ID() != DeviceIDNet {
		return nil, fmt.Errorf("virtio: device at 0x%x is class %d, not net", base, dev.ID())
	}

	dev.NegotiateFeatures(NetFMac)

	n := &Net{dev: dev}
	for i := 0; i < 6; i++ {
		n.mac[i] = dev.ConfigRead8(uint32(i))
	}

	rxMem, err := pool.Alloc(QueueMemSize(netQueueSize), guestPageSize)
	if err != nil {
		return nil, err
	}
	if n.rx, err = dev.SetupQueue(netQueueRX, netQueueSize, rxMem); err != nil {
		return nil, err
	}
	txMem, err := pool.Alloc(QueueMemSize(netQueueSize), guestPageSize)
	if err != nil {
		return nil, err
	}
	if n.tx, err = dev.SetupQueue(netQueueTX, netQueueSize, txMem); err != nil {
		return nil, err
	}

	if n.rxBufs, err = pool.Alloc(netQueueSize*netBufSize, guestPageSize); err != nil {
		return nil, err
	}
	if n.txBufs, err = pool.Alloc(netQueueSize*netBufSize, guestPageSize); err != nil {
		return nil, err
	}

	// Pre-publish every RX buffer as device-writable. RX descriptors map
	// 1:1 onto buffers; the used-ring id selects the buffer on receive.
	for i := uint16(0); i < netQueueSize; i++ {
		idx, ok := n.rx.AllocDesc()
		if !ok {
			return nil, fmt.Errorf("virtio-net: rx descriptor shortfall")
		}
		n.rx.SetDesc(idx, n.rxBufs+uint64(idx)*netBufSize, netBufSize, true)
		n.rx.Push(idx)
	}
	n.rx.Notify()

	if err := dev.FinishInit(); err != nil {
		return nil, err
	}
	return n, nil
}

// MAC returns the device's hardware address from config space.
func (n *Net) MAC() [6]byte { return n.mac }

// Poll acknowledges any pending device interrupt. Frame consumption itself
// happens in Recv.
func (n *Net) Poll() {
	n.dev.AckInterrupt()
}

// Recv returns the next received frame with the virtio-net header already
// stripped, copying it into buf. The consumed descriptor is immediately
// re-published. Returns 0 when no frame is pending.
func (n *Net) Recv(buf []byte) (int, error) {
	elem, ok := n.rx.PollUsed()
	if !ok {
		return 0, nil
	}

	bufAddr := n.rxBufs + uint64(elem.ID)*netBufSize
	length := int(elem.Len)
	if length > netBufSize {
		length = netBufSize
	}

	copied := 0
	if length > netHeaderSize {
		frame, err := n.dev.mem.Slice(bufAddr+netHeaderSize, length-netHeaderSize)
		if err != nil {
			return 0, err
		}
		copied = copy(buf, frame)
	}

	// Hand the buffer straight back to the device.
	n.rx.Push(elem.ID)
	n.rx.Notify()
	return copied, nil
}

// Send transmits one Ethernet frame, prepending a zeroed virtio-net header.
func (n *Net) Send(frame []byte) error {
	if len(frame)+netHeaderSize > netBufSize {
		return fmt.Errorf("virtio-net: frame of %d bytes too large", len(frame))
	}

	// Reap completed TX buffers so descriptors recycle.
	for {
		elem, ok := n.tx.PollUsed()
		if !ok {
			break
		}
		n.tx.FreeChain(elem.ID)
	}

	idx, ok := n.tx.AllocDesc()
	if !ok {
		return fmt.Errorf("virtio-net: tx ring full")
	}

	bufAddr := n.txBufs + uint64(n.txNext)*netBufSize
	n.txNext = (n.txNext + 1) % netQueueSize

	dst, err := n.dev.mem.Slice(bufAddr, netHeaderSize+len(frame))
	if err != nil {
		n.tx.FreeChain(idx)
		return err
	}
	clear(dst[:netHeaderSize])
	copy(dst[netHeaderSize:], frame)

	n.tx.SetDesc(idx, bufAddr, uint32(netHeaderSize+len(frame)), false)
	n.tx.Push(idx)
	n.tx.Notify()
	return nil
}
