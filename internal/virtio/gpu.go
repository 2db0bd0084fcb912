package virtio

import (
	"fmt"

	"github.com/veighnsche/claudeos/internal/hw"
)

// virtio-gpu control command and response types.
const (
	GPUCmdGetDisplayInfo        = 0x0100
	GPUCmdResourceCreate2D      = 0x0101
	GPUCmdSetScanout            = 0x0103
	GPUCmdResourceFlush         = 0x0104
	GPUCmdTransferToHost2D      = 0x0105
	GPUCmdResourceAttachBacking = 0x0106

	GPURespOKNoData      = 0x1100
	GPURespOKDisplayInfo = 0x1101
)

// Pixel formats.
const (
	GPUFormatB8G8R8A8 = 1
	GPUFormatB8G8R8X8 = 2
)

const (
	gpuQueueSize    = 64
	gpuCtrlHdrSize  = 24 // type, flags, fence_id u64, ctx_id, padding
	gpuCmdBufSize   = 4096
	gpuRespBufSize  = 4096
	gpuResourceID   = 1
	gpuWaitSpins    = 5_000_000
	gpuDefaultWidth  = 720
	gpuDefaultHeight = 1280
)

// GPU is the virtio-gpu driver for a single scanout backed by a linear
// framebuffer in guest RAM. SET_SCANOUT is deferred to the first flush so
// the display never shows an uninitialized surface.
type GPU struct {
	dev *Device
	q   *Queue

	cmdAddr  uint64
	respAddr uint64

	fbAddr uint64
	width  uint32
	height uint32

	scanoutSet bool
}

// OpenGPU probes and initializes the GPU at base. The framebuffer is placed
// in the pool sized from the device's reported display mode.
func OpenGPU(bus *hw.Bus, mem *hw.Memory, base uint64, pool *DMAPool) (*GPU, error) {
	dev, err := Open(bus, mem, base)
	if err != nil {
		return nil, err
	}
	if dev.ID() != DeviceIDGPU {
		return nil, fmt.Errorf("virtio: device at 0x%x is class %d, not gpu", base, dev.ID())
	}

	dev.NegotiateFeatures(0xFF)

	qMem, err := pool.Alloc(QueueMemSize(gpuQueueSize), guestPageSize)
	if err != nil {
		return nil, err
	}
	q, err := dev.SetupQueue(0, gpuQueueSize, qMem)
	if err != nil {
		return nil, err
	}

	g := &GPU{dev: dev, q: q, width: gpuDefaultWidth, height: gpuDefaultHeight}
	if g.cmdAddr, err = pool.Alloc(gpuCmdBufSize, guestPageSize); err != nil {
		return nil, err
	}
	if g.respAddr, err = pool.Alloc(gpuRespBufSize, guestPageSize); err != nil {
		return nil, err
	}

	if err := dev.FinishInit(); err != nil {
		return nil, err
	}

	if err := g.getDisplayInfo(); err != nil {
		return nil, err
	}
	if g.fbAddr, err = pool.Alloc(int(g.width*g.height)*4, guestPageSize); err != nil {
		return nil, err
	}
	if err := g.createResource(); err != nil {
		return nil, err
	}
	if err := g.attachBacking(); err != nil {
		return nil, err
	}
	return g, nil
}

// Width returns the scanout width in pixels.
func (g *GPU) Width() uint32 { return g.width }

// Height returns the scanout height in pixels.
func (g *GPU) Height() uint32 { return g.height }

// FramebufferAddr returns the guest-physical address of the linear
// framebuffer (32-bit 0x00RRGGBB pixels).
func (g *GPU) FramebufferAddr() uint64 { return g.fbAddr }

// Framebuffer returns the pixel storage as a byte window over guest RAM.
func (g *GPU) Framebuffer() ([]byte, error) {
	return g.dev.mem.Slice(g.fbAddr, int(g.width*g.height)*4)
}

func (g *GPU) writeCtrlHdr(addr uint64, cmdType uint32) {
	mem := g.dev.mem
	mem.Write32(addr, cmdType)
	mem.Write32(addr+4, 0)  // flags
	mem.Write64(addr+8, 0)  // fence_id
	mem.Write32(addr+16, 0) // ctx_id
	mem.Write32(addr+20, 0) // padding
}

func (g *GPU) writeRect(addr uint64, x, y, w, h uint32) {
	mem := g.dev.mem
	mem.Write32(addr, x)
	mem.Write32(addr+4, y)
	mem.Write32(addr+8, w)
	mem.Write32(addr+12, h)
}

// sendCommand submits a 2-descriptor chain (command, response) and polls
// for completion. Returns the response type.
func (g *GPU) sendCommand(cmdLen, respLen uint32) (uint32, error) {
	chain, ok := g.q.AllocChain(2)
	if !ok {
		return 0, fmt.Errorf("virtio-gpu: no free descriptors")
	}
	g.q.SetDesc(chain[0], g.cmdAddr, cmdLen, false)
	g.q.SetDesc(chain[1], g.respAddr, respLen, true)

	g.q.Push(chain[0])
	g.q.Notify()

	elem, err := g.q.WaitUsed(gpuWaitSpins)
	g.dev.AckInterrupt()
	if err != nil {
		g.q.FreeChain(chain[0])
		return 0, err
	}
	g.q.FreeChain(elem.ID)
	return g.dev.mem.Read32(g.respAddr), nil
}

func (g *GPU) getDisplayInfo() error {
	g.writeCtrlHdr(g.cmdAddr, GPUCmdGetDisplayInfo)
	resp, err := g.sendCommand(gpuCtrlHdrSize, gpuRespBufSize)
	if err != nil {
		return err
	}
	if resp != GPURespOKDisplayInfo {
		return nil // keep the default mode
	}
	// First pmode: rect {x,y,w,h} then enabled, flags.
	mem := g.dev.mem
	enabled := mem.Read32(g.respAddr + gpuCtrlHdrSize + 16)
	if enabled != 0 {
		if w := mem.Read32(g.respAddr + gpuCtrlHdrSize + 8); w != 0 {
			g.width = w
		}
		if h := mem.Read32(g.respAddr + gpuCtrlHdrSize + 12); h != 0 {
			g.height = h
		}
	}
	return nil
}

func (g *GPU) createResource() error {
	mem := g.dev.mem
	g.writeCtrlHdr(g.cmdAddr, GPUCmdResourceCreate2D)
	mem.Write32(g.cmdAddr+gpuCtrlHdrSize, gpuResourceID)
	mem.Write32(g.cmdAddr+gpuCtrlHdrSize+4, GPUFormatB8G8R8X8)
	mem.Write32(g.cmdAddr+gpuCtrlHdrSize+8, g.width)
	mem.Write32(g.cmdAddr+gpuCtrlHdrSize+12, g.height)

	resp, err := g.sendCommand(gpuCtrlHdrSize+16, gpuCtrlHdrSize)
	if err != nil {
		return err
	}
	if resp != GPURespOKNoData {
		return fmt.Errorf("virtio-gpu: create resource failed (0x%x)", resp)
	}
	return nil
}

func (g *GPU) attachBacking() error {
	mem := g.dev.mem
	g.writeCtrlHdr(g.cmdAddr, GPUCmdResourceAttachBacking)
	mem.Write32(g.cmdAddr+gpuCtrlHdrSize, gpuResourceID)
	mem.Write32(g.cmdAddr+gpuCtrlHdrSize+4, 1) // nr_entries
	// Single mem entry: addr u64, length u32, padding u32.
	mem.Write64(g.cmdAddr+gpuCtrlHdrSize+8, g.fbAddr)
	mem.Write32(g.cmdAddr+gpuCtrlHdrSize+16, g.width*g.height*4)
	mem.Write32(g.cmdAddr+gpuCtrlHdrSize+20, 0)

	resp, err := g.sendCommand(gpuCtrlHdrSize+24, gpuCtrlHdrSize)
	if err != nil {
		return err
	}
	if resp != GPURespOKNoData {
		return fmt.Errorf("virtio-gpu: attach backing failed (0x%x)", resp)
	}
	return nil
}

func (g *GPU) setScanout() error {
	mem := g.dev.mem
	g.writeCtrlHdr(g.cmdAddr, GPUCmdSetScanout)
	g.writeRect(g.cmdAddr+gpuCtrlHdrSize, 0, 0, g.width, g.height)
	mem.Write32(g.cmdAddr+gpuCtrlHdrSize+16, 0) // scanout_id
	mem.Write32(g.cmdAddr+gpuCtrlHdrSize+20, gpuResourceID)

	resp, err := g.sendCommand(gpuCtrlHdrSize+24, gpuCtrlHdrSize)
	if err != nil {
		return err
	}
	if resp != GPURespOKNoData {
		return fmt.Errorf("virtio-gpu: set scanout failed (0x%x)", resp)
	}
	return nil
}

// Flush pushes the full framebuffer to the host: TRANSFER_TO_HOST_2D over
// the whole surface, then RESOURCE_FLUSH. The first flush also performs the
// deferred SET_SCANOUT.
func (g *GPU) Flush() error {
	if !g.scanoutSet {
		if err := g.setScanout(); err != nil {
			return err
		}
		g.scanoutSet = true
	}

	mem := g.dev.mem
	g.writeCtrlHdr(g.cmdAddr, GPUCmdTransferToHost2D)
	g.writeRect(g.cmdAddr+gpuCtrlHdrSize, 0, 0, g.width, g.height)
	mem.Write64(g.cmdAddr+gpuCtrlHdrSize+16, 0) // offset
	mem.Write32(g.cmdAddr+gpuCtrlHdrSize+24, gpuResourceID)
	mem.Write32(g.cmdAddr+gpuCtrlHdrSize+28, 0)
	if _, err := g.sendCommand(gpuCtrlHdrSize+32, gpuCtrlHdrSize); err != nil {
		return err
	}

	g.writeCtrlHdr(g.cmdAddr, GPUCmdResourceFlush)
	g.writeRect(g.cmdAddr+gpuCtrlHdrSize, 0, 0, g.width, g.height)
	mem.Write32(g.cmdAddr+gpuCtrlHdrSize+16, gpuResourceID)
	mem.Write32(g.cmdAddr+gpuCtrlHdrSize+20, 0)
	if _, err := g.sendCommand(gpuCtrlHdrSize+24, gpuCtrlHdrSize); err != nil {
		return err
	}
	return nil
}
