// Package device selects where model arithmetic runs.
package device

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/samcharles93/moondream/internal/tensor"
)

const (
	CPU   = "cpu"
	CUDA  = "cuda"
	Metal = "metal"
	Auto  = "auto"
)

// Device is an opaque compute handle. Models loaded for one device are not
// shared with another.
type Device struct {
	name    string
	threads int
}

func (d Device) Name() string { return d.name }

// Threads is the number of goroutines kernels may use.
func (d Device) Threads() int { return d.threads }

func (d Device) String() string {
	return fmt.Sprintf("%s(threads=%d)", d.name, d.threads)
}

// Normalize lower-cases name and checks it is a known device. An empty name
// means Auto.
func Normalize(name string) (string, error) {
	dev := strings.ToLower(strings.TrimSpace(name))
	if dev == "" {
		return Auto, nil
	}
	switch dev {
	case CPU, CUDA, Metal, Auto:
		return dev, nil
	default:
		return "", fmt.Errorf("unknown device %q (expected auto, cpu, cuda, or metal)", dev)
	}
}

// Has reports whether this build can run on the named device.
func Has(name string) bool {
	return name == CPU
}

// Available returns a comma-separated list of usable devices.
func Available() string {
	entries := []string{CPU}
	for _, d := range []string{CUDA, Metal} {
		if Has(d) {
			entries = append(entries, d)
		}
	}
	return strings.Join(entries, ",")
}

// Select resolves name to a Device. Auto prefers an accelerator and falls
// back to the CPU. threads <= 0 uses GOMAXPROCS. Selecting a device also
// applies its thread count to the tensor kernels.
func Select(name string, threads int) (Device, error) {
	dev, err := Normalize(name)
	if err != nil {
		return Device{}, err
	}
	if dev == Auto {
		dev = CPU
		for _, d := range []string{CUDA, Metal} {
			if Has(d) {
				dev = d
				break
			}
		}
	}
	if !Has(dev) {
		return Device{}, fmt.Errorf("%s device is not available in this build (available: %s)", dev, Available())
	}
	if threads <= 0 {
		threads = runtime.GOMAXPROCS(0)
	}
	tensor.SetWorkers(threads)
	return Device{name: dev, threads: threads}, nil
}
