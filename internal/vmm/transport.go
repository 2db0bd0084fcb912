package vmm

import "github.com/veighnsche/claudeos/internal/hw"

// Register offsets (duplicated from the driver side so the model stands on
// its own as the compatibility surface).
const (
	regMagicValue        = 0x000
	regVersion           = 0x004
	regDeviceID          = 0x008
	regVendorID          = 0x00c
	regDeviceFeatures    = 0x010
	regDeviceFeaturesSel = 0x014
	regDriverFeatures    = 0x020
	regDriverFeaturesSel = 0x024
	regGuestPageSize     = 0x028
	regQueueSel          = 0x030
	regQueueNumMax       = 0x034
	regQueueNum          = 0x038
	regQueueAlign        = 0x03c
	regQueuePFN          = 0x040
	regQueueReady        = 0x044
	regQueueNotify       = 0x050
	regInterruptStatus   = 0x060
	regInterruptAck      = 0x064
	regStatus            = 0x070
	regQueueDescLow      = 0x080
	regQueueDescHigh     = 0x084
	regQueueAvailLow     = 0x090
	regQueueAvailHigh    = 0x094
	regQueueUsedLow      = 0x0a0
	regQueueUsedHigh     = 0x0a4
	regConfig            = 0x100

	magicValue = 0x74726976
	vendorID   = 0x554d4551 // "QEMU"

	intUsedBuffer = 0x1
)

// Backend is the device-specific half behind a Transport.
type Backend interface {
	DeviceID() uint32
	DeviceFeatures() uint32
	NumQueues() int
	QueueNumMax() uint16

	// ReadConfig/WriteConfig access device config space in 32-bit words.
	ReadConfig(off uint32) uint32
	WriteConfig(off uint32, v uint32)

	// Notify is called when the driver rings a queue's doorbell.
	Notify(t *Transport, queue int)
}

// IRQLine receives interrupt assertions from a transport.
type IRQLine func()

// Transport is the virtio MMIO register machine for one device, supporting
// both the legacy (v1) and modern (v2) register sets.
type Transport struct {
	mem     *hw.Memory
	backend Backend
	version uint32

	status        uint32
	devFeatSel    uint32
	drvFeatSel    uint32
	drvFeatures   uint32
	guestPageSize uint32
	queueAlign    uint32
	queueSel      uint32
	intStatus     uint32

	queues []*modelQueue
	irq    IRQLine
}

// NewTransport builds a register machine of the given version (1 or 2) over
// a backend.
func NewTransport(mem *hw.Memory, backend Backend, version uint32) *Transport {
	t := &Transport{
		mem:           mem,
		backend:       backend,
		version:       version,
		guestPageSize: 4096,
		queueAlign:    4096,
	}
	t.queues = make([]*modelQueue, backend.NumQueues())
	for i := range t.queues {
		t.queues[i] = &modelQueue{mem: mem, numMax: backend.QueueNumMax()}
	}
	return t
}

// SetIRQLine attaches an interrupt line callback.
func (t *Transport) SetIRQLine(line IRQLine) { t.irq = line }

// RaiseInterrupt latches the used-buffer interrupt bit and pulses the line.
func (t *Transport) RaiseInterrupt() {
	t.intStatus |= intUsedBuffer
	if t.irq != nil {
		t.irq()
	}
}

// InterruptPending reports whether any interrupt bit is latched.
func (t *Transport) InterruptPending() bool { return t.intStatus != 0 }

func (t *Transport) reset() {
	t.status = 0
	t.intStatus = 0
	t.drvFeatures = 0
	for _, q := range t.queues {
		q.reset()
	}
}

func (t *Transport) queue(sel uint32) *modelQueue {
	if int(sel) < len(t.queues) {
		return t.queues[sel]
	}
	return nil
}

func (t *Transport) queueAt(i int) *modelQueue {
	if i < len(t.queues) {
		return t.queues[i]
	}
	return nil
}

// MMIORead32 implements hw.MMIOHandler.
func (t *Transport) MMIORead32(off uint32) uint32 {
	switch off {
	case regMagicValue:
		return magicValue
	case regVersion:
		return t.version
	case regDeviceID:
		return t.backend.DeviceID()
	case regVendorID:
		return vendorID
	case regDeviceFeatures:
		if t.devFeatSel == 0 {
			return t.backend.DeviceFeatures()
		}
		return 0
	case regQueueNumMax:
		if q := t.queue(t.queueSel); q != nil {
			return uint32(q.numMax)
		}
		return 0
	case regQueueReady:
		if q := t.queue(t.queueSel); q != nil && q.ready {
			return 1
		}
		return 0
	case regInterruptStatus:
		return t.intStatus
	case regStatus:
		return t.status
	}
	if off >= regConfig {
		return t.backend.ReadConfig(off - regConfig)
	}
	return 0
}

// MMIOWrite32 implements hw.MMIOHandler.
func (t *Transport) MMIOWrite32(off uint32, v uint32) {
	switch off {
	case regDeviceFeaturesSel:
		t.devFeatSel = v
	case regDriverFeaturesSel:
		t.drvFeatSel = v
	case regDriverFeatures:
		if t.drvFeatSel == 0 {
			t.drvFeatures = v
		}
	case regGuestPageSize:
		if v != 0 {
			t.guestPageSize = v
		}
	case regQueueSel:
		t.queueSel = v
	case regQueueNum:
		if q := t.queue(t.queueSel); q != nil && uint16(v) <= q.numMax {
			q.num = uint16(v)
		}
	case regQueueAlign:
		if v != 0 {
			t.queueAlign = v
		}
	case regQueuePFN:
		// Legacy layout: one contiguous region; the device derives the
		// ring addresses from the PFN and the negotiated size.
		if q := t.queue(t.queueSel); q != nil {
			if v == 0 {
				q.reset()
				return
			}
			base := uint64(v) * uint64(t.guestPageSize)
			descBytes := uint64(q.num) * 16
			availBytes := uint64(6 + 2*q.num)
			align := uint64(t.queueAlign)
			q.descAddr = base
			q.availAddr = base + descBytes
			q.usedAddr = base + (descBytes+availBytes+align-1)&^(align-1)
			q.ready = true
		}
	case regQueueReady:
		if q := t.queue(t.queueSel); q != nil {
			q.ready = v != 0
		}
	case regQueueNotify:
		if int(v) < len(t.queues) {
			t.backend.Notify(t, int(v))
		}
	case regInterruptAck:
		t.intStatus &^= v
	case regStatus:
		if v == 0 {
			t.reset()
			return
		}
		t.status = v
	case regQueueDescLow:
		if q := t.queue(t.queueSel); q != nil {
			q.descAddr = q.descAddr&^uint64(0xffffffff) | uint64(v)
		}
	case regQueueDescHigh:
		if q := t.queue(t.queueSel); q != nil {
			q.descAddr = q.descAddr&uint64(0xffffffff) | uint64(v)<<32
		}
	case regQueueAvailLow:
		if q := t.queue(t.queueSel); q != nil {
			q.availAddr = q.availAddr&^uint64(0xffffffff) | uint64(v)
		}
	case regQueueAvailHigh:
		if q := t.queue(t.queueSel); q != nil {
			q.availAddr = q.availAddr&uint64(0xffffffff) | uint64(v)<<32
		}
	case regQueueUsedLow:
		if q := t.queue(t.queueSel); q != nil {
			q.usedAddr = q.usedAddr&^uint64(0xffffffff) | uint64(v)
		}
	case regQueueUsedHigh:
		if q := t.queue(t.queueSel); q != nil {
			q.usedAddr = q.usedAddr&uint64(0xffffffff) | uint64(v)<<32
		}
	default:
		if off >= regConfig {
			t.backend.WriteConfig(off-regConfig, v)
		}
	}
}
