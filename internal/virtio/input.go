package virtio

import (
	"fmt"

	"github.com/veighnsche/claudeos/internal/event"
	"github.com/veighnsche/claudeos/internal/hw"
)

// Linux evdev event types.
const (
	EvSyn = 0x00
	EvKey = 0x01
	EvRel = 0x02
	EvAbs = 0x03
)

// Relative axis codes.
const (
	RelX     = 0x00
	RelY     = 0x01
	RelWheel = 0x08
)

// Absolute axis codes.
const (
	AbsX            = 0x00
	AbsY            = 0x01
	AbsMTSlot       = 0x2f
	AbsMTPositionX  = 0x35
	AbsMTPositionY  = 0x36
	AbsMTTrackingID = 0x39
)

// Button codes that act as touch contact.
const (
	BtnLeft       = 0x110
	BtnToolPen    = 0x140
	BtnToolFinger = 0x145
	BtnTouch      = 0x14a
)

// virtio-input config selectors.
const (
	inputCfgEvBits = 0x11
)

const (
	inputQueueSize = 64
	inputEventSize = 8 // type u16, code u16, value u32

	// Relative pointers are clamped to this nominal panel.
	nominalWidth  = 1080
	nominalHeight = 2400
)

// DeviceClass is what an input device turned out to be.
type DeviceClass int

const (
	ClassKeyboard DeviceClass = iota
	ClassMouse
	ClassTouch
)

func (c DeviceClass) String() string {
	switch c {
	case ClassKeyboard:
		return "keyboard"
	case ClassMouse:
		return "mouse"
	case ClassTouch:
		return "touch"
	}
	return "unknown"
}

// Input is one virtio-input device. Its event queue is kept fully
// pre-published with device-writable 8-byte slots; Poll drains completions,
// translates raw evdev events into ring events, and recycles each slot.
type Input struct {
	dev  *Device
	q    *Queue
	ring *event.Ring

	class   DeviceClass
	eventsAddr uint64

	// Touch translation state.
	touchX     int32
	touchY     int32
	slot       uint16
	trackingID int32
	isDown     bool
	moved      bool
}

// OpenInput probes and initializes the input device at base, classifying it
// by its supported event types. Translated events land in ring.
func OpenInput(bus *hw.Bus, mem *hw.Memory, base uint64, pool *DMAPool, ring *event.Ring) (*Input, error) {
	dev, err := Open(bus, mem, base)
	if err != nil {
		return nil, err
	}
	if dev.ID() != DeviceIDInput {
		return nil, fmt.Errorf("virtio: device at 0x%x is class %d, not input", base, dev.ID())
	}

	dev.NegotiateFeatures(0)

	in := &Input{
		dev:        dev,
		ring:       ring,
		touchX:     nominalWidth / 2,
		touchY:     nominalHeight / 2,
		trackingID: -1,
	}

	// Classification: absolute axes mean touch, else relative axes mean
	// mouse, else keyboard.
	switch {
	case dev.supportsEvBits(EvAbs):
		in.class = ClassTouch
	case dev.supportsEvBits(EvRel):
		in.class = ClassMouse
	default:
		in.class = ClassKeyboard
	}

	qMem, err := pool.Alloc(QueueMemSize(inputQueueSize), guestPageSize)
	if err != nil {
		return nil, err
	}
	if in.q, err = dev.SetupQueue(0, inputQueueSize, qMem); err != nil {
		return nil, err
	}
	if in.eventsAddr, err = pool.Alloc(inputQueueSize*inputEventSize, 16); err != nil {
		return nil, err
	}

	for i := uint16(0); i < inputQueueSize; i++ {
		idx, ok := in.q.AllocDesc()
		if !ok {
			return nil, fmt.Errorf("virtio-input: descriptor shortfall")
		}
		in.q.SetDesc(idx, in.eventsAddr+uint64(idx)*inputEventSize, inputEventSize, true)
		in.q.Push(idx)
	}
	in.q.Notify()

	if err := dev.FinishInit(); err != nil {
		return nil, err
	}
	return in, nil
}

// supportsEvBits asks the device config for the EV_BITS bitmap of one event
// type: write select|subsel, then read back the size byte.
func (d *Device) supportsEvBits(evType uint32) bool {
	d.ConfigWrite32(0, inputCfgEvBits|evType<<8)
	return (d.ConfigRead32(0)>>16)&0xFF != 0
}

// Class returns the device classification made at init.
func (in *Input) Class() DeviceClass { return in.class }

// AckIRQ acknowledges a pending device interrupt without consuming events;
// the main loop's Poll remains the authoritative consumer.
func (in *Input) AckIRQ() {
	in.dev.AckInterrupt()
}

// TouchPosition returns the cached pointer position and contact state.
func (in *Input) TouchPosition() (x, y int32, down bool) {
	return in.touchX, in.touchY, in.isDown
}

// Poll drains the used ring, translating each raw event and re-publishing
// its slot, then acknowledges the device interrupt.
func (in *Input) Poll() {
	for {
		elem, ok := in.q.PollUsed()
		if !ok {
			break
		}

		addr := in.eventsAddr + uint64(elem.ID)*inputEventSize
		evType := in.dev.mem.Read16(addr)
		evCode := in.dev.mem.Read16(addr + 2)
		evValue := in.dev.mem.Read32(addr + 4)
		in.translate(evType, evCode, evValue)

		in.q.Push(elem.ID)
	}
	in.q.Notify()
	in.dev.AckInterrupt()
}

func clamp(v, lo, hi int32) int32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// translate is the raw-evdev to input-event state machine. Position
// updates are deferred to the sync report; contact changes and scrolls are
// pushed immediately.
func (in *Input) translate(evType, evCode uint16, evValue uint32) {
	switch evType {
	case EvKey:
		if evCode < 256 {
			in.ring.PushKey(evCode, evValue != 0)
			return
		}
		switch evCode {
		case BtnLeft, BtnTouch, BtnToolFinger, BtnToolPen:
			if evValue != 0 {
				in.isDown = true
				in.trackingID = 0
				in.ring.PushTouch(in.slot, event.TouchDown, in.touchX, in.touchY)
			} else {
				in.ring.PushTouch(in.slot, event.TouchUp, in.touchX, in.touchY)
				in.isDown = false
				in.trackingID = -1
			}
		}

	case EvRel:
		switch evCode {
		case RelX:
			in.touchX = clamp(in.touchX+int32(evValue), 0, nominalWidth)
			in.moved = true
		case RelY:
			in.touchY = clamp(in.touchY+int32(evValue), 0, nominalHeight)
			in.moved = true
		case RelWheel:
			if scroll := int32(evValue); scroll > 0 {
				in.ring.PushTouch(0, event.TouchScrollUp, 0, scroll)
			} else if scroll < 0 {
				in.ring.PushTouch(0, event.TouchScrollDown, 0, -scroll)
			}
		}

	case EvAbs:
		switch evCode {
		case AbsX, AbsMTPositionX:
			in.touchX = int32(evValue)
			in.moved = true
		case AbsY, AbsMTPositionY:
			in.touchY = int32(evValue)
			in.moved = true
		case AbsMTSlot:
			in.slot = uint16(evValue)
		case AbsMTTrackingID:
			if int32(evValue) == -1 {
				in.ring.PushTouch(in.slot, event.TouchUp, in.touchX, in.touchY)
				in.trackingID = -1
				in.isDown = false
			} else {
				in.trackingID = int32(evValue)
				in.isDown = true
				in.ring.PushTouch(in.slot, event.TouchDown, in.touchX, in.touchY)
			}
		}

	case EvSyn:
		if evCode == 0 && in.moved && in.isDown {
			in.ring.PushTouch(in.slot, event.TouchMove, in.touchX, in.touchY)
		}
		if evCode == 0 {
			in.moved = false
		}
	}
}
