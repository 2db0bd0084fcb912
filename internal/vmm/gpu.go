package vmm

import "encoding/binary"

const (
	gpuCmdGetDisplayInfo        = 0x0100
	gpuCmdResourceCreate2D      = 0x0101
	gpuCmdSetScanout            = 0x0103
	gpuCmdResourceFlush         = 0x0104
	gpuCmdTransferToHost2D      = 0x0105
	gpuCmdResourceAttachBacking = 0x0106

	gpuRespOKNoData      = 0x1100
	gpuRespOKDisplayInfo = 0x1101
	gpuRespErrUnspec     = 0x1200

	gpuCtrlHdrLen = 24
)

// GPUDevice models a single-scanout virtio GPU. It answers display-info
// queries with a fixed mode and records the command sequence the driver
// issues, including the backing store address, so tests can read the pixels
// the display would show.
type GPUDevice struct {
	width  uint32
	height uint32

	Commands []uint32 // command types in arrival order

	ResourceID  uint32
	Format      uint32
	BackingAddr uint64
	BackingLen  uint32

	ScanoutSet bool
	Transfers  int
	Flushes    int
}

// NewGPUDevice creates a GPU model reporting the given display mode.
func NewGPUDevice(width, height uint32) *GPUDevice {
	return &GPUDevice{width: width, height: height}
}

func (g *GPUDevice) DeviceID() uint32                 { return 16 }
func (g *GPUDevice) DeviceFeatures() uint32           { return 0 }
func (g *GPUDevice) NumQueues() int                   { return 1 }
func (g *GPUDevice) QueueNumMax() uint16              { return 64 }
func (g *GPUDevice) ReadConfig(off uint32) uint32     { return 0 }
func (g *GPUDevice) WriteConfig(off uint32, v uint32) {}

func (g *GPUDevice) Notify(t *Transport, queue int) {
	q := t.queueAt(queue)
	if q == nil {
		return
	}
	for {
		head, ok := q.popAvail()
		if !ok {
			break
		}
		written := g.handleCommand(q, head)
		q.pushUsed(head, written)
	}
	t.RaiseInterrupt()
}

func putCtrlHdr(out []byte, respType uint32) {
	binary.LittleEndian.PutUint32(out[0:4], respType)
}

func (g *GPUDevice) handleCommand(q *modelQueue, head uint16) uint32 {
	bufs, err := q.readChain(head)
	if err != nil || len(bufs) < 2 || !bufs[1].Write {
		return 0
	}
	cmd, err := q.readBuf(bufs[0])
	if err != nil || len(cmd) < gpuCtrlHdrLen {
		return 0
	}
	cmdType := binary.LittleEndian.Uint32(cmd[0:4])
	g.Commands = append(g.Commands, cmdType)
	body := cmd[gpuCtrlHdrLen:]

	resp := make([]byte, gpuCtrlHdrLen)
	putCtrlHdr(resp, gpuRespOKNoData)

	switch cmdType {
	case gpuCmdGetDisplayInfo:
		// Response: hdr + 16 pmodes of {rect, enabled, flags}; only the
		// first scanout is populated.
		resp = make([]byte, gpuCtrlHdrLen+16*24)
		putCtrlHdr(resp, gpuRespOKDisplayInfo)
		binary.LittleEndian.PutUint32(resp[gpuCtrlHdrLen+8:], g.width)
		binary.LittleEndian.PutUint32(resp[gpuCtrlHdrLen+12:], g.height)
		binary.LittleEndian.PutUint32(resp[gpuCtrlHdrLen+16:], 1) // enabled

	case gpuCmdResourceCreate2D:
		if len(body) >= 16 {
			g.ResourceID = binary.LittleEndian.Uint32(body[0:4])
			g.Format = binary.LittleEndian.Uint32(body[4:8])
		} else {
			putCtrlHdr(resp, gpuRespErrUnspec)
		}

	case gpuCmdResourceAttachBacking:
		// resource_id, nr_entries, then mem entries {addr u64, len, pad}.
		if len(body) >= 24 && binary.LittleEndian.Uint32(body[4:8]) >= 1 {
			g.BackingAddr = binary.LittleEndian.Uint64(body[8:16])
			g.BackingLen = binary.LittleEndian.Uint32(body[16:20])
		} else {
			putCtrlHdr(resp, gpuRespErrUnspec)
		}

	case gpuCmdSetScanout:
		g.ScanoutSet = true

	case gpuCmdTransferToHost2D:
		g.Transfers++

	case gpuCmdResourceFlush:
		g.Flushes++

	default:
		putCtrlHdr(resp, gpuRespErrUnspec)
	}

	written, _ := q.writeBuf(bufs[1], resp)
	return written
}
