package vmm

import "encoding/binary"

const inputCfgSelEvBits = 0x11

// InputDevice models a virtio input device. Tests inject raw evdev events;
// the model drops them into the guest's pre-published event slots.
type InputDevice struct {
	transport *Transport

	// evTypes is the set of event types the device claims to support,
	// served through the EV_BITS config query.
	evTypes map[uint8]bool

	cfgSel    uint8
	cfgSubsel uint8

	pending [][8]byte
}

// NewInputDevice creates an input model supporting the given evdev event
// types (e.g. EvKey for a keyboard, EvKey+EvAbs for a touchscreen).
func NewInputDevice(evTypes ...uint8) *InputDevice {
	set := make(map[uint8]bool, len(evTypes))
	for _, t := range evTypes {
		set[t] = true
	}
	return &InputDevice{evTypes: set}
}

// Attach ties the device to its transport.
func (d *InputDevice) Attach(t *Transport) { d.transport = t }

func (d *InputDevice) DeviceID() uint32       { return 18 }
func (d *InputDevice) DeviceFeatures() uint32 { return 0 }
func (d *InputDevice) NumQueues() int         { return 1 }
func (d *InputDevice) QueueNumMax() uint16    { return 64 }

// WriteConfig latches the select/subsel pair of an EV_BITS query.
func (d *InputDevice) WriteConfig(off uint32, v uint32) {
	if off == 0 {
		d.cfgSel = uint8(v)
		d.cfgSubsel = uint8(v >> 8)
	}
}

// ReadConfig answers the latched query: byte 2 of word 0 is the bitmap
// size, non-zero when the selected event type is supported.
func (d *InputDevice) ReadConfig(off uint32) uint32 {
	if off != 0 || d.cfgSel != inputCfgSelEvBits {
		return 0
	}
	if d.evTypes[d.cfgSubsel] {
		return uint32(d.cfgSel) | uint32(d.cfgSubsel)<<8 | 8<<16
	}
	return uint32(d.cfgSel) | uint32(d.cfgSubsel)<<8
}

func (d *InputDevice) Notify(t *Transport, queue int) {
	d.flush(t)
}

// Inject queues one evdev event {type, code, value} toward the guest.
func (d *InputDevice) Inject(evType, code uint16, value uint32) {
	var slot [8]byte
	binary.LittleEndian.PutUint16(slot[0:2], evType)
	binary.LittleEndian.PutUint16(slot[2:4], code)
	binary.LittleEndian.PutUint32(slot[4:8], value)
	d.pending = append(d.pending, slot)
	if d.transport != nil {
		d.flush(d.transport)
	}
}

func (d *InputDevice) flush(t *Transport) {
	q := t.queueAt(0)
	if q == nil {
		return
	}
	delivered := false
	for len(d.pending) > 0 {
		head, ok := q.popAvail()
		if !ok {
			break
		}
		bufs, err := q.readChain(head)
		if err != nil || len(bufs) == 0 || !bufs[0].Write {
			q.pushUsed(head, 0)
			continue
		}
		ev := d.pending[0]
		d.pending = d.pending[1:]
		written, _ := q.writeBuf(bufs[0], ev[:])
		q.pushUsed(head, written)
		delivered = true
	}
	if delivered {
		t.RaiseInterrupt()
	}
}
