package session

import (
	"io"
)

// SerialPorter is the minimal interface the session needs from a serial port.
// The abstraction enables unit testing without real hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// PortOpener opens a serial port at the given path. Production code uses
// OpenPort; tests inject an opener returning a TestPort.
type PortOpener func(path string, opts PortOptions) (SerialPorter, error)
