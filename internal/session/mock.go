package session

import (
	"bytes"
	"errors"
	"sync"
)

// ErrPortClosed is returned by TestPort reads and writes after Close.
var ErrPortClosed = errors.New("serial port closed")

// TestPort implements SerialPorter with scriptable behaviour for tests.
// Reads block until data is queued with Push or the port is closed, which
// mirrors a real serial port well enough to exercise the session read loop.
type TestPort struct {
	mu       sync.Mutex
	readCond *sync.Cond

	readBuf  bytes.Buffer
	writeBuf bytes.Buffer

	closed   bool
	readErr  error
	writeErr error

	// OnWrite, when set, is invoked (without the lock held) with a copy of
	// every successful write. Tests use it to script device responses such
	// as the raw REPL handshake.
	OnWrite func([]byte)
}

// NewTestPort returns an open TestPort with empty buffers.
func NewTestPort() *TestPort {
	p := &TestPort{}
	p.readCond = sync.NewCond(&p.mu)
	return p
}

// Push queues bytes for subsequent Read calls and wakes a blocked reader.
func (p *TestPort) Push(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readBuf.Write(data)
	p.readCond.Signal()
}

// FailReads makes the next Read return err, waking a blocked reader.
func (p *TestPort) FailReads(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readErr = err
	p.readCond.Broadcast()
}

// FailWrites makes subsequent Write calls return err.
func (p *TestPort) FailWrites(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

// Read blocks until data, an injected error, or Close.
func (p *TestPort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.readErr != nil {
			err := p.readErr
			p.readErr = nil
			return 0, err
		}
		if p.closed {
			return 0, ErrPortClosed
		}
		if p.readBuf.Len() > 0 {
			return p.readBuf.Read(buf)
		}
		p.readCond.Wait()
	}
}

// Write captures the written bytes and invokes OnWrite.
func (p *TestPort) Write(data []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrPortClosed
	}
	if p.writeErr != nil {
		err := p.writeErr
		p.mu.Unlock()
		return 0, err
	}
	p.writeBuf.Write(data)
	hook := p.OnWrite
	p.mu.Unlock()

	if hook != nil {
		cp := make([]byte, len(data))
		copy(cp, data)
		hook(cp)
	}
	return len(data), nil
}

// Close marks the port closed and unblocks pending readers. Closing twice is
// harmless.
func (p *TestPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.readCond.Broadcast()
	return nil
}

// Written returns a copy of everything written to the port so far.
func (p *TestPort) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]byte, p.writeBuf.Len())
	copy(out, p.writeBuf.Bytes())
	return out
}
