package testhelpers

import (
	"errors"
	"sync"
	"time"
)

// ErrPortClosed is returned by MockPort after Close.
var ErrPortClosed = errors.New("mock port closed")

// MockPort simulates a serial port for testing. Every Write is handed to
// Respond and whatever it returns is queued for Read. A Read with nothing
// queued returns 0 bytes and no error, which is how a serial read timeout
// looks to the caller.
type MockPort struct {
	mu       sync.Mutex
	respond  func(written []byte) []byte
	rx       []byte
	writes   [][]byte
	timeouts []time.Duration
	flushes  int
	closed   bool

	// WriteErr, when set, is returned by every Write.
	WriteErr error
	// ReadErr, when set, is returned by every Read.
	ReadErr error
}

// NewMockPort creates a port that answers writes with respond. A nil
// respond never answers.
func NewMockPort(respond func(written []byte) []byte) *MockPort {
	return &MockPort{respond: respond}
}

// Write records data and queues the response.
func (p *MockPort) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, ErrPortClosed
	}
	if p.WriteErr != nil {
		return 0, p.WriteErr
	}

	written := make([]byte, len(data))
	copy(written, data)
	p.writes = append(p.writes, written)

	if p.respond != nil {
		p.rx = append(p.rx, p.respond(written)...)
	}
	return len(data), nil
}

// Read returns queued bytes, or 0 bytes when nothing is queued.
func (p *MockPort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, ErrPortClosed
	}
	if p.ReadErr != nil {
		return 0, p.ReadErr
	}
	n := copy(buf, p.rx)
	p.rx = p.rx[n:]
	return n, nil
}

// SetReadTimeout records the requested timeout.
func (p *MockPort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeouts = append(p.timeouts, t)
	return nil
}

// ResetInputBuffer drops any queued bytes.
func (p *MockPort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rx = nil
	p.flushes++
	return nil
}

// Close marks the port closed.
func (p *MockPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Inject queues bytes as if the device sent them unprompted.
func (p *MockPort) Inject(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rx = append(p.rx, data...)
}

// Writes returns a copy of everything written so far, one entry per Write.
func (p *MockPort) Writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.writes))
	copy(out, p.writes)
	return out
}

// Closed reports whether Close has been called.
func (p *MockPort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Flushes returns how many times the input buffer was reset.
func (p *MockPort) Flushes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushes
}

// Timeouts returns every read timeout that was set.
func (p *MockPort) Timeouts() []time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]time.Duration, len(p.timeouts))
	copy(out, p.timeouts)
	return out
}
