// Package serial opens the link between the host and the I/O processor bridge.
package serial

import (
	"io"
	"time"
)

// Port is a serial line. Tests substitute an in-memory pipe.
type Port interface {
	io.ReadWriteCloser

	Flush() error
}

type Config struct {
	// Device path, e.g. "/dev/ttyPS1" or "COM3".
	Device string

	Baud int

	// ReadTimeout bounds each Read. Zero blocks.
	ReadTimeout time.Duration
}

const DefaultBaud = 115200

func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        DefaultBaud,
		ReadTimeout: 100 * time.Millisecond,
	}
}
