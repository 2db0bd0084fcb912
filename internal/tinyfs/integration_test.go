package tinyfs_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veighnsche/claudeos/internal/hw"
	"github.com/veighnsche/claudeos/internal/tinyfs"
	"github.com/veighnsche/claudeos/internal/virtio"
	"github.com/veighnsche/claudeos/internal/vmm"
)

// The filesystem over the real virtio-blk driver and device model, end to
// end through the descriptor rings.
func TestFilesystemOverVirtioBlk(t *testing.T) {
	const (
		ramBase  = 0x4000_0000
		mmioBase = 0x0a00_0000
	)

	mem := hw.NewMemory(ramBase, 8<<20)
	bus := hw.NewBus()
	pool := virtio.NewDMAPool(ramBase+4<<20, ramBase+8<<20)

	disk := vmm.NewBlkDevice(2048)
	require.NoError(t, bus.Map(mmioBase, 0x200, vmm.NewTransport(mem, disk, 2)))

	blk, err := virtio.OpenBlk(bus, mem, mmioBase, pool)
	require.NoError(t, err)

	fs := tinyfs.New(blk)
	require.NoError(t, fs.Format())

	payload := []byte("written through the virtqueue")
	fd, err := fs.Open("via-virtio", tinyfs.OWrite|tinyfs.OCreate)
	require.NoError(t, err)
	_, err = fs.Write(fd, payload)
	require.NoError(t, err)
	require.NoError(t, fs.Close(fd))

	// Remount from the same disk image through a fresh driver.
	blk2, err := virtio.OpenBlk(bus, mem, mmioBase, pool)
	require.NoError(t, err)
	fs2 := tinyfs.New(blk2)
	require.NoError(t, fs2.Mount())
	require.True(t, fs2.Mounted())

	fd, err = fs2.Open("via-virtio", tinyfs.ORead)
	require.NoError(t, err)
	buf := make([]byte, 64)
	n, err := fs2.Read(fd, buf)
	require.NoError(t, err)
	require.Equal(t, string(payload), string(buf[:n]))
}
