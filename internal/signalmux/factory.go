package signalmux

import (
	"go.bug.st/serial"
)

// NewRealSignalMux creates a SignalMux instance backed by a real serial port
// at the given path using the provided port options.
func NewRealSignalMux(path string, opts PortOptions) (*SignalMux[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}

	if err := applyReadTimeout(port, opts.ReadWait); err != nil {
		port.Close()
		return nil, err
	}

	return NewSignalMux[serial.Port](port), nil
}
