// Package config describes the machine TinyOS boots on: RAM placement,
// the MMIO scan window, interrupt controller and UART bases, and the
// model-device parameters cmd/tinyos uses to assemble one.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Machine is the boot-time machine description.
type Machine struct {
	RAM struct {
		Base uint64 `yaml:"base"`
		Size int    `yaml:"size"`
	} `yaml:"ram"`

	MMIO struct {
		ScanStart uint64 `yaml:"scan_start"`
		Slots     int    `yaml:"slots"`
		Stride    uint64 `yaml:"stride"`
	} `yaml:"mmio"`

	UARTBase uint64 `yaml:"uart_base"`

	GIC struct {
		DistBase uint64 `yaml:"dist_base"`
		CPUBase  uint64 `yaml:"cpu_base"`
	} `yaml:"gic"`

	Display struct {
		Width  uint32 `yaml:"width"`
		Height uint32 `yaml:"height"`
	} `yaml:"display"`

	Disk struct {
		Sectors int    `yaml:"sectors"`
		Image   string `yaml:"image"`
	} `yaml:"disk"`

	MAC string `yaml:"mac"`
}

// Default is the virt-machine layout the kernel expects when no
// description is given.
func Default() Machine {
	var m Machine
	m.RAM.Base = 0x4000_0000
	m.RAM.Size = 64 << 20
	m.MMIO.ScanStart = 0x0a00_0000
	m.MMIO.Slots = 32
	m.MMIO.Stride = 0x200
	m.UARTBase = 0x0900_0000
	m.GIC.DistBase = 0x0800_0000
	m.GIC.CPUBase = 0x0801_0000
	m.Display.Width = 720
	m.Display.Height = 1280
	m.Disk.Sectors = 8192
	m.MAC = "02:00:00:00:00:01"
	return m
}

// Load reads a machine description, layering it over the defaults.
func Load(path string) (Machine, error) {
	m := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := m.validate(); err != nil {
		return m, err
	}
	return m, nil
}

func (m Machine) validate() error {
	if m.RAM.Size <= 0 {
		return fmt.Errorf("config: ram size must be positive")
	}
	if m.MMIO.Slots <= 0 || m.MMIO.Stride == 0 {
		return fmt.Errorf("config: mmio scan window is empty")
	}
	if m.Display.Width == 0 || m.Display.Height == 0 {
		return fmt.Errorf("config: display dimensions must be non-zero")
	}
	if _, err := m.ParseMAC(); err != nil {
		return err
	}
	return nil
}

// ParseMAC decodes the colon-separated hardware address.
func (m Machine) ParseMAC() ([6]byte, error) {
	var mac [6]byte
	n, err := fmt.Sscanf(m.MAC, "%02x:%02x:%02x:%02x:%02x:%02x",
		&mac[0], &mac[1], &mac[2], &mac[3], &mac[4], &mac[5])
	if err != nil || n != 6 {
		return mac, fmt.Errorf("config: bad mac %q", m.MAC)
	}
	return mac, nil
}
