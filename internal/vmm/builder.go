package vmm

import (
	"fmt"

	"github.com/veighnsche/claudeos/internal/config"
	"github.com/veighnsche/claudeos/internal/hw"
)

// Machine is an assembled model machine: RAM, bus, and the device set the
// kernel expects, placed per the machine description.
type Machine struct {
	Bus *hw.Bus
	RAM *hw.Memory

	UART     *UARTDevice
	GIC      *GICDevice
	Disk     *BlkDevice
	NIC      *NetDevice
	GPU      *GPUDevice
	Keyboard *InputDevice
	Touch    *InputDevice
}

// evdev event types the input models advertise.
const (
	EvKeyType = 0x01
	EvRelType = 0x02
	EvAbsType = 0x03
)

// Build assembles a machine from the description. Slot assignment within
// the MMIO window: 0 GPU, 1 keyboard, 2 touch, 3 block, 4 net.
func Build(m config.Machine) (*Machine, error) {
	mac, err := m.ParseMAC()
	if err != nil {
		return nil, err
	}

	machine := &Machine{
		Bus:      hw.NewBus(),
		RAM:      hw.NewMemory(m.RAM.Base, m.RAM.Size),
		UART:     &UARTDevice{},
		GIC:      NewGICDevice(),
		Disk:     NewBlkDevice(m.Disk.Sectors),
		NIC:      NewNetDevice(mac),
		GPU:      NewGPUDevice(m.Display.Width, m.Display.Height),
		Keyboard: NewInputDevice(EvKeyType),
		Touch:    NewInputDevice(EvKeyType, EvAbsType),
	}

	if err := machine.Bus.Map(m.UARTBase, 0x1000, machine.UART); err != nil {
		return nil, err
	}
	if err := machine.Bus.Map(m.GIC.DistBase, 0x10000, machine.GIC.Distributor()); err != nil {
		return nil, err
	}
	if err := machine.Bus.Map(m.GIC.CPUBase, 0x10000, machine.GIC.CPUInterface()); err != nil {
		return nil, err
	}

	attach := func(slot int, backend Backend, bind func(*Transport)) error {
		base := m.MMIO.ScanStart + uint64(slot)*m.MMIO.Stride
		t := NewTransport(machine.RAM, backend, 2)
		irq := uint32(48 + slot)
		t.SetIRQLine(func() { machine.GIC.Raise(irq) })
		if bind != nil {
			bind(t)
		}
		if err := machine.Bus.Map(base, m.MMIO.Stride, t); err != nil {
			return fmt.Errorf("vmm: map slot %d: %w", slot, err)
		}
		return nil
	}

	if err := attach(0, machine.GPU, nil); err != nil {
		return nil, err
	}
	if err := attach(1, machine.Keyboard, machine.Keyboard.Attach); err != nil {
		return nil, err
	}
	if err := attach(2, machine.Touch, machine.Touch.Attach); err != nil {
		return nil, err
	}
	if err := attach(3, machine.Disk, nil); err != nil {
		return nil, err
	}
	if err := attach(4, machine.NIC, machine.NIC.Attach); err != nil {
		return nil, err
	}
	return machine, nil
}

// Tap injects a full touch-contact sequence at device coordinates.
func (m *Machine) Tap(x, y int32) {
	m.Touch.Inject(EvAbsType, 0x00, uint32(x)) // ABS_X
	m.Touch.Inject(EvAbsType, 0x01, uint32(y)) // ABS_Y
	m.Touch.Inject(EvKeyType, 0x14a, 1)        // BTN_TOUCH down
	m.Touch.Inject(0, 0, 0)                    // SYN_REPORT
	m.Touch.Inject(EvKeyType, 0x14a, 0)        // BTN_TOUCH up
	m.Touch.Inject(0, 0, 0)
}

// TypeKey injects a key press and release.
func (m *Machine) TypeKey(code uint16) {
	m.Keyboard.Inject(EvKeyType, code, 1)
	m.Keyboard.Inject(EvKeyType, code, 0)
}
