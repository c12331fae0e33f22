package signalmux

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// MockPort implements Porter for dev mode. Writes are discarded.
type MockPort struct {
	io.Reader
	closer io.Closer
}

func (m *MockPort) Write(p []byte) (n int, err error) {
	return len(p), nil
}

func (m *MockPort) Close() error {
	return m.closer.Close()
}

// NewMockSignalMux creates a SignalMux backed by a synthetic device that
// emits one rising and one falling transition per period, advancing the
// timestamp by the period each cycle. Used by dev mode when no hardware is
// attached.
func NewMockSignalMux(period time.Duration) *SignalMux[*MockPort] {
	r, w := io.Pipe()

	go func() {
		defer w.Close()
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		ts := 0.0
		for range ticker.C {
			line := fmt.Sprintf("%.3f,3.30,rising\n%.3f,0.12,falling\n", ts, ts+period.Seconds()/2)
			if _, err := w.Write([]byte(line)); err != nil {
				return
			}
			ts += period.Seconds()
		}
	}()

	return NewSignalMux(&MockPort{Reader: r, closer: r})
}

// NewReplaySignalMux creates a SignalMux that replays captured acquisition
// lines through the mock port, one line per period, looping when the capture
// is exhausted. Dev mode uses this to drive sessions from a fixtures file.
func NewReplaySignalMux(capture []byte, period time.Duration) *SignalMux[*MockPort] {
	lines := bytes.Split(bytes.TrimSpace(capture), []byte("\n"))
	r, w := io.Pipe()

	go func() {
		defer w.Close()
		if len(lines) == 0 {
			return
		}
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		i := 0
		for range ticker.C {
			if _, err := w.Write(lines[i%len(lines)]); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n")); err != nil {
				return
			}
			i++
		}
	}()

	return NewSignalMux(&MockPort{Reader: r, closer: r})
}

// TestablePort implements Porter with configurable behaviour for testing.
// It provides control over reads, writes, and errors.
type TestablePort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// WriteError is returned by the next Write call if set
	WriteError error

	// CloseError is returned by Close if set
	CloseError error

	// Closed indicates whether Close was called
	Closed bool

	// BlockReads causes Read to block until data is added or Close is called
	BlockReads bool

	// readCond is used to signal blocked readers
	readCond *sync.Cond
}

// NewTestablePort creates a new TestablePort for testing.
func NewTestablePort() *TestablePort {
	tp := &TestablePort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	tp.readCond = sync.NewCond(&tp.mu)
	return tp
}

// Read reads from the read buffer, blocking for data when BlockReads is set.
func (t *TestablePort) Read(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Closed {
		return 0, errors.New("signal port closed")
	}

	if t.BlockReads && t.ReadBuffer.Len() == 0 {
		for !t.Closed && t.ReadBuffer.Len() == 0 {
			t.readCond.Wait()
		}
		if t.Closed {
			return 0, errors.New("signal port closed")
		}
	}

	return t.ReadBuffer.Read(p)
}

// Write writes to the write buffer, optionally simulating errors.
func (t *TestablePort) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Closed {
		return 0, errors.New("signal port closed")
	}

	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}

	return t.WriteBuffer.Write(p)
}

// Close marks the port as closed.
func (t *TestablePort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	t.readCond.Broadcast() // Wake up any blocked readers

	return t.CloseError
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestablePort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Write(data)
	t.readCond.Signal() // Wake up a blocked reader
}

// GetWrittenData returns all data written to the port.
func (t *TestablePort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.WriteBuffer.Bytes()
}
