// Command tinyos boots the kernel on a model machine: every virtio device
// is an in-process implementation, the disk is a file-backed image, and
// the framebuffer can be written out as a PPM snapshot.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/veighnsche/claudeos/internal/config"
	"github.com/veighnsche/claudeos/internal/kernel"
	"github.com/veighnsche/claudeos/internal/tinyfs"
	"github.com/veighnsche/claudeos/internal/vmm"
)

func main() {
	var (
		configPath = flag.String("config", "", "machine description (yaml)")
		diskPath   = flag.String("disk", "", "disk image file (created and formatted if missing)")
		steps      = flag.Int("steps", 20000, "main loop iterations to run")
		screenshot = flag.String("screenshot", "", "write the final framebuffer as a PPM")
		verbose    = flag.Bool("v", false, "mirror kernel logs to stderr instead of the model UART")
	)
	flag.Parse()

	if err := run(*configPath, *diskPath, *steps, *screenshot, *verbose); err != nil {
		fmt.Fprintln(os.Stderr, "tinyos:", err)
		os.Exit(1)
	}
}

func run(configPath, diskPath string, steps int, screenshot string, verbose bool) error {
	machineCfg := config.Default()
	if configPath != "" {
		var err error
		machineCfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
	}

	machine, err := vmm.Build(machineCfg)
	if err != nil {
		return err
	}

	if diskPath != "" {
		if err := loadDisk(machine, diskPath); err != nil {
			return err
		}
	} else {
		// Fresh in-memory disk; format so the file manager has something
		// to show.
		if err := tinyfs.New(machine.Disk).Format(); err != nil {
			return err
		}
	}

	var logger *slog.Logger
	if verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	sys := kernel.NewSystem(logger, machine.Bus, machine.RAM, machineCfg)
	if err := sys.Boot(); err != nil {
		return err
	}

	// A short scripted session: open the terminal and run a command, so a
	// snapshot shows the system alive.
	sys.Run(steps / 4)
	tapTerminalIcon(sys, machine)
	sys.Run(steps / 4)
	for _, code := range []uint16{35, 18, 38, 25} { // "help"
		machine.TypeKey(code)
		sys.Run(10)
	}
	machine.TypeKey(28) // enter
	sys.Run(steps / 2)

	if !verbose {
		os.Stdout.WriteString(machine.UART.Output())
	}

	if diskPath != "" {
		if err := os.WriteFile(diskPath, machine.Disk.Disk(), 0o644); err != nil {
			return fmt.Errorf("save disk image: %w", err)
		}
	}
	if screenshot != "" {
		if err := writePPM(screenshot, sys); err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, "screenshot written to", screenshot)
	}
	return nil
}

func loadDisk(machine *vmm.Machine, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return tinyfs.New(machine.Disk).Format()
	}
	if err != nil {
		return fmt.Errorf("load disk image: %w", err)
	}
	copy(machine.Disk.Disk(), data)
	return nil
}

func tapTerminalIcon(sys *kernel.System, machine *vmm.Machine) {
	x := sys.Surface().Width()/2 - 100
	y := sys.Surface().Height() - 140
	dx := int32((x*32768 + sys.Surface().Width() - 1) / sys.Surface().Width())
	dy := int32((y*32768 + sys.Surface().Height() - 1) / sys.Surface().Height())
	machine.Tap(dx, dy)
}

func writePPM(path string, sys *kernel.System) error {
	s := sys.Surface()
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Fprintf(f, "P6\n%d %d\n255\n", s.Width(), s.Height())
	row := make([]byte, s.Width()*3)
	for y := 0; y < s.Height(); y++ {
		for x := 0; x < s.Width(); x++ {
			pix := s.At(x, y)
			row[x*3] = byte(pix >> 16)
			row[x*3+1] = byte(pix >> 8)
			row[x*3+2] = byte(pix)
		}
		if _, err := f.Write(row); err != nil {
			return err
		}
	}
	return nil
}
