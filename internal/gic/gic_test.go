package gic_test

import (
	"testing"

	"github.com/veighnsche/claudeos/internal/gic"
	"github.com/veighnsche/claudeos/internal/hw"
	"github.com/veighnsche/claudeos/internal/vmm"
)

const (
	distBase = 0x0800_0000
	cpuBase  = 0x0801_0000
)

func newController(t *testing.T) (*gic.Controller, *vmm.GICDevice) {
	t.Helper()
	bus := hw.NewBus()
	dev := vmm.NewGICDevice()
	if err := bus.Map(distBase, 0x10000, dev.Distributor()); err != nil {
		t.Fatal(err)
	}
	if err := bus.Map(cpuBase, 0x10000, dev.CPUInterface()); err != nil {
		t.Fatal(err)
	}
	c := gic.New(bus, distBase, cpuBase)
	c.Init()
	return c, dev
}

func TestEnableDisable(t *testing.T) {
	c, dev := newController(t)

	irq := uint32(gic.SPIStart + 16)
	if dev.Enabled(irq) {
		t.Fatal("line enabled right after init")
	}
	c.EnableIRQ(irq)
	if !dev.Enabled(irq) {
		t.Error("EnableIRQ did not set the line")
	}
	c.DisableIRQ(irq)
	if dev.Enabled(irq) {
		t.Error("DisableIRQ did not clear the line")
	}
}

func TestDispatchRunsHandlerAndEOIs(t *testing.T) {
	c, dev := newController(t)

	var handled []uint32
	irq := uint32(gic.SPIStart + 1)
	c.Register(irq, func(n uint32) { handled = append(handled, n) })
	c.EnableIRQ(irq)

	dev.Raise(irq)
	got, ok := c.Dispatch()
	if !ok || got != irq {
		t.Fatalf("Dispatch = (%d, %v), want (%d, true)", got, ok, irq)
	}
	if len(handled) != 1 || handled[0] != irq {
		t.Errorf("handler calls = %v, want [%d]", handled, irq)
	}
	if len(dev.EOIs) != 1 || dev.EOIs[0] != irq {
		t.Errorf("EOIs = %v, want [%d]", dev.EOIs, irq)
	}
}

func TestDispatchUnregisteredStillEOIs(t *testing.T) {
	c, dev := newController(t)
	dev.Raise(40)
	if _, ok := c.Dispatch(); !ok {
		t.Fatal("Dispatch reported spurious for a real IRQ")
	}
	if len(dev.EOIs) != 1 {
		t.Error("IRQ without handler was not acknowledged")
	}
}

func TestSetPriorityAndTarget(t *testing.T) {
	c, dev := newController(t)

	irq := uint32(gic.SPIStart + 4)
	c.SetPriority(irq, 0x40)
	reg := uint32(0x400 + (irq/4)*4)
	shift := (irq % 4) * 8
	if got := dev.Distributor().MMIORead32(reg) >> shift & 0xFF; got != 0x40 {
		t.Errorf("priority field = 0x%02x, want 0x40", got)
	}

	c.SetTarget(irq, 0x02)
	reg = 0x800 + (irq/4)*4
	if got := dev.Distributor().MMIORead32(reg) >> shift & 0xFF; got != 0x02 {
		t.Errorf("target field = 0x%02x, want 0x02", got)
	}

	// SGIs/PPIs have fixed targets; the call is a no-op.
	before := dev.Distributor().MMIORead32(0x800)
	c.SetTarget(5, 0xFF)
	if dev.Distributor().MMIORead32(0x800) != before {
		t.Error("SetTarget on a banked interrupt modified the register")
	}
}

func TestSpuriousInterrupt(t *testing.T) {
	c, dev := newController(t)
	// Nothing pending: the CPU interface answers 1023.
	if irq, ok := c.Dispatch(); ok {
		t.Errorf("Dispatch = (%d, true) on idle controller", irq)
	}
	if len(dev.EOIs) != 0 {
		t.Error("spurious interrupt was EOId")
	}
}
