// Package kernel owns the machine: it boots the drivers in order, wires
// the interrupt controller, and runs the cooperative main loop that polls
// devices, advances the network, and drives the active UI activity.
package kernel

import (
	"fmt"
	"log/slog"

	"github.com/veighnsche/claudeos/internal/config"
	"github.com/veighnsche/claudeos/internal/event"
	"github.com/veighnsche/claudeos/internal/fb"
	"github.com/veighnsche/claudeos/internal/gic"
	"github.com/veighnsche/claudeos/internal/hw"
	"github.com/veighnsche/claudeos/internal/mem"
	"github.com/veighnsche/claudeos/internal/netstack"
	"github.com/veighnsche/claudeos/internal/tinyfs"
	"github.com/veighnsche/claudeos/internal/ui"
	"github.com/veighnsche/claudeos/internal/virtio"
	"github.com/veighnsche/claudeos/internal/web"
)

// Screen the loop is currently driving.
type activityID int

const (
	activityHome activityID = iota
	activityTerminal
	activityFiles
)

const (
	// The first SPI the virt machine assigns to virtio transports.
	virtioIRQBase = 48

	// Reserved bytes at the bottom of RAM standing in for the kernel
	// image and stacks.
	kernelReserve = 1 << 20

	// One network bring-up attempt, deferred until the UI has settled.
	netInitTick = 2000
)

// System is the long-lived kernel state: every driver, the heap, the event
// ring, and the UI activities. Activities receive capability handles
// through ui.Context, never the System itself.
type System struct {
	log *slog.Logger
	bus *hw.Bus
	ram *hw.Memory

	machine config.Machine

	heap *mem.Heap
	ring *event.Ring
	intc *gic.Controller
	pool *virtio.DMAPool

	gpu     *virtio.GPU
	surface *fb.Surface
	inputs  []*virtio.Input
	blk     *virtio.Blk
	fsys    *tinyfs.FS

	netDriver *virtio.Net
	net       *netstack.Stack
	netTried  bool

	uptime uint32

	ctx      *ui.Context
	home     *ui.Home
	terminal *ui.Terminal
	files    *ui.FileManager
	active   activityID
	current  ui.Activity

	autoFetch      *web.Request
	autoFetchState int // 0 not started, 1 in flight, 2 finished

	lastCursorX int32
	lastCursorY int32
}

// NewSystem prepares a kernel for the given machine. Boot performs the
// hardware bring-up.
func NewSystem(logger *slog.Logger, bus *hw.Bus, ram *hw.Memory, machine config.Machine) *System {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(hw.NewUARTWriter(bus, machine.UARTBase), nil))
	}
	return &System{
		log:         logger,
		bus:         bus,
		ram:         ram,
		machine:     machine,
		ring:        event.NewRing(),
		lastCursorX: -1,
		lastCursorY: -1,
	}
}

// Log returns the kernel logger (UART-backed on a real boot).
func (s *System) Log() *slog.Logger { return s.log }

// Surface returns the framebuffer surface once the GPU is up.
func (s *System) Surface() *fb.Surface { return s.surface }

// Net returns the network stack, nil before bring-up.
func (s *System) Net() *netstack.Stack { return s.net }

// FS returns the filesystem, nil when the disk failed.
func (s *System) FS() *tinyfs.FS { return s.fsys }

// Heap returns the kernel heap.
func (s *System) Heap() *mem.Heap { return s.heap }

// Events returns the input event ring.
func (s *System) Events() *event.Ring { return s.ring }

// Uptime returns loop iterations since boot.
func (s *System) Uptime() uint32 { return s.uptime }

// ActiveTerminal reports whether the terminal screen is current.
func (s *System) ActiveTerminal() bool { return s.active == activityTerminal }

// scan finds the first transport of a device class in the MMIO window.
func (s *System) scan(id uint32) (uint64, bool) {
	return virtio.Scan(s.bus, s.machine.MMIO.ScanStart, s.machine.MMIO.Slots,
		s.machine.MMIO.Stride, id)
}

// Boot initializes the machine in dependency order: interrupt controller,
// display, input, UI, disk, filesystem, then interrupts. A missing or
// failing device logs and leaves that subsystem inactive; the rest of the
// system continues.
func (s *System) Boot() error {
	s.log.Info("tinyos: booting",
		"ram_base", fmt.Sprintf("0x%x", s.ram.Base()),
		"ram_size", s.ram.Size())

	// Carve RAM: kernel reserve, heap, then the DMA window.
	ramEnd := s.ram.Base() + uint64(s.ram.Size())
	heapStart := s.ram.Base() + kernelReserve
	heapEnd := s.ram.Base() + uint64(s.ram.Size())/2
	s.heap = mem.New(s.ram, heapStart, heapEnd)
	s.pool = virtio.NewDMAPool(heapEnd, ramEnd)

	s.intc = gic.New(s.bus, s.machine.GIC.DistBase, s.machine.GIC.CPUBase)
	s.intc.Init()

	// Display first so the UI appears before slower bring-up.
	if base, ok := s.scan(virtio.DeviceIDGPU); ok {
		gpu, err := virtio.OpenGPU(s.bus, s.ram, base, s.pool)
		if err != nil {
			s.log.Warn("tinyos: gpu init failed", "err", err)
		} else {
			s.gpu = gpu
			pix, err := gpu.Framebuffer()
			if err != nil {
				return fmt.Errorf("kernel: framebuffer: %w", err)
			}
			s.surface = fb.NewSurface(pix, int(gpu.Width()), int(gpu.Height()))
		}
	}
	if s.surface == nil {
		// Headless fallback keeps the loop and activities functional.
		w, h := int(s.machine.Display.Width), int(s.machine.Display.Height)
		s.surface = fb.NewSurface(make([]byte, w*h*4), w, h)
		s.log.Warn("tinyos: no gpu, rendering to detached surface")
	}

	// Every input transport in the window, classified at init.
	for slot := 0; slot < s.machine.MMIO.Slots; slot++ {
		base := s.machine.MMIO.ScanStart + uint64(slot)*s.machine.MMIO.Stride
		if id, ok := virtio.Probe(s.bus, base); !ok || id != virtio.DeviceIDInput {
			continue
		}
		in, err := virtio.OpenInput(s.bus, s.ram, base, s.pool, s.ring)
		if err != nil {
			s.log.Warn("tinyos: input init failed", "base", fmt.Sprintf("0x%x", base), "err", err)
			continue
		}
		s.log.Info("tinyos: input device", "class", in.Class().String())
		s.inputs = append(s.inputs, in)

		irq := uint32(virtioIRQBase + slot)
		dev := in
		s.intc.Register(irq, func(uint32) { dev.AckIRQ() })
		s.intc.EnableIRQ(irq)
	}

	// UI before storage so the home screen shows immediately.
	s.home = ui.NewHome()
	s.terminal = ui.NewTerminal()
	s.files = ui.NewFileManager()
	s.ctx = &ui.Context{
		Surface:  s.surface,
		Events:   s.ring,
		Heap:     s.heap,
		Keyboard: ui.NewSoftKeyboard(s.surface.Width(), s.surface.Height()),
		Uptime:   func() uint32 { return s.uptime },
	}
	s.active = activityHome
	s.current = s.home
	s.home.Init(s.ctx)
	s.home.Draw(s.ctx)
	s.flush()

	// Disk and filesystem.
	if base, ok := s.scan(virtio.DeviceIDBlock); ok {
		blk, err := virtio.OpenBlk(s.bus, s.ram, base, s.pool)
		if err != nil {
			s.log.Warn("tinyos: blk init failed", "err", err)
		} else {
			s.blk = blk
			s.fsys = tinyfs.New(blk)
			if err := s.fsys.Mount(); err != nil {
				s.log.Warn("tinyos: fs mount failed", "err", err)
			} else if !s.fsys.Mounted() {
				s.log.Info("tinyos: disk unformatted")
			}
			s.ctx.FS = s.fsys
		}
	}

	s.log.Info("tinyos: boot complete")
	return nil
}

// netInit is the one-shot deferred network bring-up.
func (s *System) netInit() {
	s.netTried = true
	base, ok := s.scan(virtio.DeviceIDNet)
	if !ok {
		s.log.Warn("tinyos: no network device")
		return
	}
	drv, err := virtio.OpenNet(s.bus, s.ram, base, s.pool)
	if err != nil {
		s.log.Warn("tinyos: net init failed", "err", err)
		return
	}
	s.netDriver = drv
	s.net = netstack.New(s.log, drv)
	s.ctx.Net = s.net
	s.log.Info("tinyos: network up", "mac", netstack.MACString(drv.MAC()))
}

// pollAutoFetch fetches the external address once DHCP completes and hands
// it to the home screen.
func (s *System) pollAutoFetch() {
	switch s.autoFetchState {
	case 0:
		if s.net == nil || !s.net.Config().Configured {
			return
		}
		req, err := web.Start(s.net, web.GET, "http://ifconfig.me/ip", nil)
		if err != nil {
			s.autoFetchState = 2
			return
		}
		s.autoFetch = req
		s.autoFetchState = 1
	case 1:
		switch s.autoFetch.Poll() {
		case web.StateDone:
			if len(s.autoFetch.Response.Body) > 0 {
				s.home.SetExternalIP(string(s.autoFetch.Response.Body))
			}
			s.autoFetch.Close()
			s.autoFetchState = 2
		case web.StateError:
			s.autoFetch.Close()
			s.autoFetchState = 2
		}
	}
}

// DispatchIRQs drains pending interrupts through the controller. On real
// hardware this runs from the exception vector; hosted, the loop calls it.
func (s *System) DispatchIRQs() {
	for i := 0; i < 16; i++ {
		if _, ok := s.intc.Dispatch(); !ok {
			return
		}
	}
}

func (s *System) switchTo(id activityID) {
	s.active = id
	switch id {
	case activityHome:
		s.current = s.home
	case activityTerminal:
		s.current = s.terminal
	case activityFiles:
		s.current = s.files
	}
	s.ctx.Keyboard.Hide()
	s.current.Init(s.ctx)
	s.current.Draw(s.ctx)
	s.drawCursor()
	s.flush()
}

func (s *System) flush() {
	if s.gpu == nil {
		return
	}
	if err := s.gpu.Flush(); err != nil {
		s.log.Warn("tinyos: gpu flush failed", "err", err)
	}
}

func (s *System) drawCursor() {
	x, y, _ := s.cursorPos()
	if x >= 0 {
		s.surface.DrawCursor(int(x)*s.surface.Width()/32768,
			int(y)*s.surface.Height()/32768)
	}
}

func (s *System) cursorPos() (int32, int32, bool) {
	for _, in := range s.inputs {
		if in.Class() != virtio.ClassKeyboard {
			x, y, down := in.TouchPosition()
			return x, y, down
		}
	}
	return -1, -1, false
}

// Step runs one main-loop iteration: drain input, advance the network,
// drive the active activity, redraw when dirty.
func (s *System) Step() {
	s.uptime++

	s.DispatchIRQs()
	for _, in := range s.inputs {
		in.Poll()
	}

	if !s.netTried && s.uptime > netInitTick {
		s.netInit()
	}
	if s.net != nil {
		s.net.Poll()
	}
	s.pollAutoFetch()

	cx, cy, _ := s.cursorPos()
	cursorMoved := cx != s.lastCursorX || cy != s.lastCursorY
	if cursorMoved {
		s.lastCursorX, s.lastCursorY = cx, cy
	}

	if s.current.Update(s.ctx) || cursorMoved {
		s.current.Draw(s.ctx)
		s.drawCursor()
		s.flush()
	}

	switch s.active {
	case activityHome:
		if s.home.TerminalPressed() {
			s.home.ClearPressed()
			s.switchTo(activityTerminal)
		} else if s.home.FilesPressed() {
			s.home.ClearPressed()
			s.switchTo(activityFiles)
		}
	default:
		if s.current.ShouldClose() {
			s.current.ClearClose()
			s.switchTo(activityHome)
		}
	}
}

// Run steps the loop n times, or forever when n < 0. The real kernel_main
// never returns; hosted callers bound it.
func (s *System) Run(n int) {
	for i := 0; n < 0 || i < n; i++ {
		s.Step()
	}
}
