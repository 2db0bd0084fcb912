package vmm

import (
	"bytes"
	"strings"
)

// UARTDevice models the debug UART's single write register, capturing
// output for inspection.
type UARTDevice struct {
	buf bytes.Buffer
}

func (u *UARTDevice) MMIORead32(off uint32) uint32 { return 0 }

func (u *UARTDevice) MMIOWrite32(off uint32, v uint32) {
	if off == 0 {
		u.buf.WriteByte(byte(v))
	}
}

// Output returns everything written so far.
func (u *UARTDevice) Output() string { return u.buf.String() }

// Lines returns the captured output split on CRLF.
func (u *UARTDevice) Lines() []string {
	return strings.Split(strings.TrimRight(u.buf.String(), "\r\n"), "\r\n")
}

// GICDevice is a minimal register model of a GICv2 distributor + CPU
// interface: enough state for the driver's init/enable/dispatch paths.
type GICDevice struct {
	distRegs map[uint32]uint32
	cpuRegs  map[uint32]uint32

	pending []uint32 // IRQ numbers queued for acknowledge
	EOIs    []uint32
}

// NewGICDevice creates a controller model reporting 8 interrupt lines
// groups (256 IRQs) in TYPER.
func NewGICDevice() *GICDevice {
	return &GICDevice{
		distRegs: map[uint32]uint32{0x004: 7}, // TYPER: ((7+1)*32) = 256 lines
		cpuRegs:  map[uint32]uint32{},
	}
}

// Distributor returns the handler for the distributor register window.
func (g *GICDevice) Distributor() *gicDistributor { return &gicDistributor{g} }

// CPUInterface returns the handler for the CPU interface register window.
func (g *GICDevice) CPUInterface() *gicCPU { return &gicCPU{g} }

// Raise queues an IRQ for the next acknowledge read.
func (g *GICDevice) Raise(irq uint32) { g.pending = append(g.pending, irq) }

// Enabled reports whether a line is currently set-enabled.
func (g *GICDevice) Enabled(irq uint32) bool {
	return g.distRegs[0x100+(irq/32)*4]&(1<<(irq%32)) != 0
}

type gicDistributor struct{ g *GICDevice }

func (d *gicDistributor) MMIORead32(off uint32) uint32 { return d.g.distRegs[off] }

func (d *gicDistributor) MMIOWrite32(off uint32, v uint32) {
	switch {
	case off >= 0x100 && off < 0x180: // ISENABLER: write-1-to-set
		d.g.distRegs[off] |= v
	case off >= 0x180 && off < 0x200: // ICENABLER: write-1-to-clear the set regs
		d.g.distRegs[0x100+(off-0x180)] &^= v
	default:
		d.g.distRegs[off] = v
	}
}

type gicCPU struct{ g *GICDevice }

func (c *gicCPU) MMIORead32(off uint32) uint32 {
	if off == 0x00C { // IAR
		if len(c.g.pending) == 0 {
			return 1023 // spurious
		}
		irq := c.g.pending[0]
		c.g.pending = c.g.pending[1:]
		return irq
	}
	return c.g.cpuRegs[off]
}

func (c *gicCPU) MMIOWrite32(off uint32, v uint32) {
	if off == 0x010 { // EOIR
		c.g.EOIs = append(c.g.EOIs, v)
		return
	}
	c.g.cpuRegs[off] = v
}
