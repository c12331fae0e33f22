package signalmux

import (
	"io"
	"time"
)

// Porter defines the minimal interface needed for a signal acquisition port.
// This abstraction enables unit testing without real acquisition hardware.
type Porter interface {
	io.ReadWriter
	io.Closer
}

// TimeoutPorter extends Porter with timeout capabilities.
// This is an optional interface that ports may implement.
type TimeoutPorter interface {
	Porter
	// SetReadTimeout sets the read timeout for the port.
	SetReadTimeout(timeout time.Duration) error
}

// applyReadTimeout sets the read timeout when the port supports one. Ports
// without timeout support are left in blocking mode.
func applyReadTimeout(p Porter, timeout time.Duration) error {
	if timeout <= 0 {
		return nil
	}
	tp, ok := p.(TimeoutPorter)
	if !ok {
		return nil
	}
	return tp.SetReadTimeout(timeout)
}
