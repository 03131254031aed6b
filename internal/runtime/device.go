package runtime

import (
	"fmt"
	"strings"
)

// Device selects where a session executes.
type Device string

const (
	Auto Device = "auto"
	CPU  Device = "cpu"
)

// NormalizeDevice parses a device name. The empty string means Auto.
func NormalizeDevice(name string) (Device, error) {
	d := Device(strings.ToLower(strings.TrimSpace(name)))
	if d == "" {
		return Auto, nil
	}
	switch d {
	case CPU, Auto:
		return d, nil
	default:
		return "", fmt.Errorf("unknown device %q (expected %s)", name, Available())
	}
}

// Available returns a comma-separated list of selectable devices.
func Available() string {
	return strings.Join([]string{string(Auto), string(CPU)}, ",")
}

// resolve picks the concrete device for Auto. Only the CPU interpreter is
// compiled in.
func (d Device) resolve() Device {
	if d == Auto || d == "" {
		return CPU
	}
	return d
}
