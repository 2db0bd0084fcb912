// Package gic drives the GICv2 interrupt controller: distributor setup,
// per-IRQ enable/priority/target configuration, and dispatch of
// acknowledged interrupts to registered handlers.
package gic

import "github.com/veighnsche/claudeos/internal/hw"

// Distributor register offsets.
const (
	GICD_CTLR      = 0x000
	GICD_TYPER     = 0x004
	GICD_ISENABLER = 0x100
	GICD_ICENABLER = 0x180
	GICD_ICPENDR   = 0x280
	GICD_IPRIORITYR = 0x400
	GICD_ITARGETSR = 0x800
	GICD_ICFGR     = 0xC00
)

// CPU interface register offsets.
const (
	GICC_CTLR = 0x000
	GICC_PMR  = 0x004
	GICC_IAR  = 0x00C
	GICC_EOIR = 0x010
)

const (
	// SPIStart is the first shared peripheral interrupt.
	SPIStart = 32
	// MaxIRQ bounds the handler table.
	MaxIRQ = 256

	spuriousIRQ = 1020
)

// Handler is invoked with the acknowledged IRQ number. Handlers run before
// the end-of-interrupt write; they must not block.
type Handler func(irq uint32)

// Controller is the driver state for one GICv2.
type Controller struct {
	bus      *hw.Bus
	distBase uint64
	cpuBase  uint64
	handlers [MaxIRQ]Handler
}

// New creates a controller driver for the distributor/CPU-interface pair.
func New(bus *hw.Bus, distBase, cpuBase uint64) *Controller {
	return &Controller{bus: bus, distBase: distBase, cpuBase: cpuBase}
}

func (c *Controller) distWrite(off uint32, v uint32) { c.bus.Write32(c.distBase+uint64(off), v) }
func (c *Controller) distRead(off uint32) uint32     { return c.bus.Read32(c.distBase + uint64(off)) }
func (c *Controller) cpuWrite(off uint32, v uint32)  { c.bus.Write32(c.cpuBase+uint64(off), v) }
func (c *Controller) cpuRead(off uint32) uint32      { return c.bus.Read32(c.cpuBase + uint64(off)) }

// Init masks and clears every line, sets default priorities, targets all
// SPIs at CPU0 as level-triggered, then enables the distributor and CPU
// interface.
func (c *Controller) Init() {
	for i := range c.handlers {
		c.handlers[i] = nil
	}

	c.distWrite(GICD_CTLR, 0)

	typer := c.distRead(GICD_TYPER)
	numIRQs := ((typer & 0x1F) + 1) * 32
	if numIRQs > MaxIRQ {
		numIRQs = MaxIRQ
	}

	for i := uint32(0); i < numIRQs/32; i++ {
		c.distWrite(GICD_ICENABLER+i*4, 0xFFFFFFFF)
		c.distWrite(GICD_ICPENDR+i*4, 0xFFFFFFFF)
	}
	for i := uint32(0); i < numIRQs/4; i++ {
		c.distWrite(GICD_IPRIORITYR+i*4, 0xA0A0A0A0)
	}
	for i := uint32(SPIStart / 4); i < numIRQs/4; i++ {
		c.distWrite(GICD_ITARGETSR+i*4, 0x01010101)
	}
	for i := uint32(SPIStart / 16); i < numIRQs/16; i++ {
		c.distWrite(GICD_ICFGR+i*4, 0)
	}

	c.distWrite(GICD_CTLR, 1)
	c.cpuWrite(GICC_PMR, 0xFF)
	c.cpuWrite(GICC_CTLR, 1)
}

// EnableIRQ unmasks one interrupt line.
func (c *Controller) EnableIRQ(irq uint32) {
	if irq >= MaxIRQ {
		return
	}
	c.distWrite(GICD_ISENABLER+(irq/32)*4, 1<<(irq%32))
}

// DisableIRQ masks one interrupt line.
func (c *Controller) DisableIRQ(irq uint32) {
	if irq >= MaxIRQ {
		return
	}
	c.distWrite(GICD_ICENABLER+(irq/32)*4, 1<<(irq%32))
}

// SetPriority sets one line's priority (0 highest, 255 lowest).
func (c *Controller) SetPriority(irq uint32, priority uint8) {
	if irq >= MaxIRQ {
		return
	}
	reg := GICD_IPRIORITYR + (irq/4)*4
	shift := (irq % 4) * 8
	val := c.distRead(reg)
	val &^= 0xFF << shift
	val |= uint32(priority) << shift
	c.distWrite(reg, val)
}

// SetTarget routes one SPI to the CPUs in mask.
func (c *Controller) SetTarget(irq uint32, cpuMask uint8) {
	if irq < SPIStart || irq >= MaxIRQ {
		return
	}
	reg := GICD_ITARGETSR + (irq/4)*4
	shift := (irq % 4) * 8
	val := c.distRead(reg)
	val &^= 0xFF << shift
	val |= uint32(cpuMask) << shift
	c.distWrite(reg, val)
}

// Register installs a handler for one line. A nil handler unregisters.
func (c *Controller) Register(irq uint32, h Handler) {
	if irq < MaxIRQ {
		c.handlers[irq] = h
	}
}

// Acknowledge reads the highest pending interrupt from the CPU interface.
func (c *Controller) Acknowledge() uint32 {
	return c.cpuRead(GICC_IAR) & 0x3FF
}

// EOI signals end-of-interrupt for one line.
func (c *Controller) EOI(irq uint32) {
	c.cpuWrite(GICC_EOIR, irq)
}

// Dispatch handles one pending interrupt: acknowledge, run the registered
// handler, signal EOI. Spurious interrupts (>= 1020) are ignored. Returns
// the handled IRQ number, or false when the interrupt was spurious.
func (c *Controller) Dispatch() (uint32, bool) {
	irq := c.Acknowledge()
	if irq >= spuriousIRQ {
		return irq, false
	}
	if irq < MaxIRQ && c.handlers[irq] != nil {
		c.handlers[irq](irq)
	}
	c.EOI(irq)
	return irq, true
}
