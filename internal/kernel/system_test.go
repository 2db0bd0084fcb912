package kernel_test

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veighnsche/claudeos/internal/config"
	"github.com/veighnsche/claudeos/internal/kernel"
	"github.com/veighnsche/claudeos/internal/tinyfs"
	"github.com/veighnsche/claudeos/internal/vmm"
)

func bootMachine(t *testing.T) (*kernel.System, *vmm.Machine) {
	t.Helper()
	m := config.Default()
	m.RAM.Size = 32 << 20
	machine, err := vmm.Build(m)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sys := kernel.NewSystem(logger, machine.Bus, machine.RAM, m)
	require.NoError(t, sys.Boot())
	return sys, machine
}

// tapAt converts screen coordinates to the device space and taps.
func tapAt(sys *kernel.System, machine *vmm.Machine, x, y int) {
	dx := int32((x*32768 + sys.Surface().Width() - 1) / sys.Surface().Width())
	dy := int32((y*32768 + sys.Surface().Height() - 1) / sys.Surface().Height())
	machine.Tap(dx, dy)
}

func TestBootBringsUpHomeScreen(t *testing.T) {
	sys, machine := bootMachine(t)

	// The GPU was initialized against the framebuffer and flushed once
	// with the home screen.
	assert.True(t, machine.GPU.ScanoutSet)
	assert.Positive(t, machine.GPU.Flushes)
	assert.Equal(t, 720, sys.Surface().Width())
	assert.Equal(t, 1280, sys.Surface().Height())

	// Something was drawn.
	nonZero := false
	for y := 0; y < sys.Surface().Height() && !nonZero; y += 16 {
		for x := 0; x < sys.Surface().Width(); x += 16 {
			if sys.Surface().At(x, y) != 0 {
				nonZero = true
				break
			}
		}
	}
	assert.True(t, nonZero, "home screen left the framebuffer black")
}

func TestBootWithUARTLogging(t *testing.T) {
	m := config.Default()
	m.RAM.Size = 32 << 20
	machine, err := vmm.Build(m)
	require.NoError(t, err)

	// nil logger makes the kernel log to the UART.
	sys := kernel.NewSystem(nil, machine.Bus, machine.RAM, m)
	require.NoError(t, sys.Boot())
	_ = sys

	out := machine.UART.Output()
	assert.Contains(t, out, "tinyos: booting")
	assert.Contains(t, out, "tinyos: boot complete")
	assert.Contains(t, out, "\r\n", "UART lines are CRLF terminated")

	lines := machine.UART.Lines()
	assert.GreaterOrEqual(t, len(lines), 2)
	for _, line := range lines {
		assert.NotContains(t, line, "\n", "Lines must split on the CRLF terminator")
	}
}

func TestIconTapOpensTerminal(t *testing.T) {
	sys, machine := bootMachine(t)

	// Terminal icon center per the home layout.
	tx := sys.Surface().Width()/2 - 100
	cy := sys.Surface().Height() - 140
	tapAt(sys, machine, tx, cy)
	sys.Run(5)

	assert.True(t, sys.ActiveTerminal(), "tap on the dock icon must open the terminal")
}

func TestTerminalCommandOverHardwareKeyboard(t *testing.T) {
	sys, machine := bootMachine(t)

	tapAt(sys, machine, sys.Surface().Width()/2-100, sys.Surface().Height()-140)
	sys.Run(5)
	require.True(t, sys.ActiveTerminal())

	// format + write through the shell, then verify through the fs.
	typeString := func(codes []uint16) {
		for _, c := range codes {
			machine.TypeKey(c)
			sys.Run(2)
		}
		machine.TypeKey(28) // enter
		sys.Run(5)
	}

	// "format"
	typeString([]uint16{33, 24, 19, 50, 30, 20})
	require.True(t, sys.FS().Mounted(), "format command must mount the disk")

	// "write a hi" -> file "a" containing "hi"
	typeString([]uint16{17, 19, 23, 20, 18, 57, 30, 57, 35, 23})

	fd, err := sys.FS().Open("a", tinyfs.ORead)
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err := sys.FS().Read(fd, buf)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf[:n]))
}

func TestEscapeReturnsHome(t *testing.T) {
	sys, machine := bootMachine(t)

	tapAt(sys, machine, sys.Surface().Width()/2-100, sys.Surface().Height()-140)
	sys.Run(5)
	require.True(t, sys.ActiveTerminal())

	machine.TypeKey(1) // escape
	sys.Run(5)
	assert.False(t, sys.ActiveTerminal())
}

func TestUnformattedDiskReportedNotFatal(t *testing.T) {
	m := config.Default()
	m.RAM.Size = 32 << 20
	machine, err := vmm.Build(m)
	require.NoError(t, err)

	sys := kernel.NewSystem(nil, machine.Bus, machine.RAM, m)
	require.NoError(t, sys.Boot())
	assert.False(t, sys.FS().Mounted())
	assert.True(t, strings.Contains(machine.UART.Output(), "disk unformatted"))
}

func TestFormattedDiskMountsAtBoot(t *testing.T) {
	m := config.Default()
	m.RAM.Size = 32 << 20
	machine, err := vmm.Build(m)
	require.NoError(t, err)

	// Pre-format the disk image out of band.
	pre := tinyfs.New(machine.Disk)
	require.NoError(t, pre.Format())
	fd, err := pre.Open("boot.txt", tinyfs.OWrite|tinyfs.OCreate)
	require.NoError(t, err)
	_, err = pre.Write(fd, []byte("from a previous life"))
	require.NoError(t, err)
	require.NoError(t, pre.Close(fd))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sys := kernel.NewSystem(logger, machine.Bus, machine.RAM, m)
	require.NoError(t, sys.Boot())
	require.True(t, sys.FS().Mounted())

	fd, err = sys.FS().Open("boot.txt", tinyfs.ORead)
	require.NoError(t, err)
	buf := make([]byte, 64)
	n, err := sys.FS().Read(fd, buf)
	require.NoError(t, err)
	assert.Equal(t, "from a previous life", string(buf[:n]))
}
