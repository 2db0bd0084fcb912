package vmm

const (
	netRXQueue = 0
	netTXQueue = 1

	virtioNetHeaderLen = 10
	netFMac            = 1 << 5
)

// NetDevice models a virtio network device. Frames the guest transmits are
// handed to OnFrame (or collected in Sent); Deliver injects frames toward
// the guest's pre-published RX buffers.
type NetDevice struct {
	mac [6]byte

	transport *Transport

	// OnFrame, when set, receives each guest-transmitted Ethernet frame.
	OnFrame func(frame []byte)

	// Sent collects guest frames when OnFrame is nil.
	Sent [][]byte

	// pending holds frames delivered before the guest published RX buffers.
	pending [][]byte
}

// NewNetDevice creates a NIC model with the given MAC.
func NewNetDevice(mac [6]byte) *NetDevice {
	return &NetDevice{mac: mac}
}

// Attach ties the device to its transport (needed for RX injection).
func (n *NetDevice) Attach(t *Transport) { n.transport = t }

func (n *NetDevice) DeviceID() uint32       { return 1 }
func (n *NetDevice) DeviceFeatures() uint32 { return netFMac }
func (n *NetDevice) NumQueues() int         { return 2 }
func (n *NetDevice) QueueNumMax() uint16    { return 256 }

// ReadConfig serves the MAC address bytes.
func (n *NetDevice) ReadConfig(off uint32) uint32 {
	var word uint32
	for i := uint32(0); i < 4; i++ {
		idx := off + i
		if idx < 6 {
			word |= uint32(n.mac[idx]) << (8 * i)
		}
	}
	return word
}

func (n *NetDevice) WriteConfig(off uint32, v uint32) {}

func (n *NetDevice) Notify(t *Transport, queue int) {
	switch queue {
	case netTXQueue:
		n.drainTX(t)
	case netRXQueue:
		n.flushPending(t)
	}
}

func (n *NetDevice) drainTX(t *Transport) {
	q := t.queueAt(netTXQueue)
	if q == nil {
		return
	}
	raised := false
	for {
		head, ok := q.popAvail()
		if !ok {
			break
		}
		bufs, err := q.readChain(head)
		if err != nil {
			q.pushUsed(head, 0)
			continue
		}
		var packet []byte
		for _, b := range bufs {
			if b.Write {
				continue
			}
			data, err := q.readBuf(b)
			if err != nil {
				break
			}
			packet = append(packet, data...)
		}
		if len(packet) > virtioNetHeaderLen {
			frame := packet[virtioNetHeaderLen:]
			if n.OnFrame != nil {
				n.OnFrame(frame)
			} else {
				n.Sent = append(n.Sent, append([]byte(nil), frame...))
			}
		}
		q.pushUsed(head, 0)
		raised = true
	}
	if raised {
		t.RaiseInterrupt()
	}
}

// Deliver queues an Ethernet frame toward the guest. The virtio-net header
// is prepended here. Frames arriving before RX buffers exist are held.
func (n *NetDevice) Deliver(frame []byte) {
	n.pending = append(n.pending, append([]byte(nil), frame...))
	if n.transport != nil {
		n.flushPending(n.transport)
	}
}

func (n *NetDevice) flushPending(t *Transport) {
	q := t.queueAt(netRXQueue)
	if q == nil {
		return
	}
	delivered := false
	for len(n.pending) > 0 {
		head, ok := q.popAvail()
		if !ok {
			break
		}
		bufs, err := q.readChain(head)
		if err != nil || len(bufs) == 0 || !bufs[0].Write {
			q.pushUsed(head, 0)
			continue
		}
		frame := n.pending[0]
		n.pending = n.pending[1:]

		packet := make([]byte, virtioNetHeaderLen+len(frame))
		copy(packet[virtioNetHeaderLen:], frame)
		written, _ := q.writeBuf(bufs[0], packet)
		q.pushUsed(head, written)
		delivered = true
	}
	if delivered {
		t.RaiseInterrupt()
	}
}
