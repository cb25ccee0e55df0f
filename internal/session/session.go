// Package session manages the connect-to-disconnect lifetime of one
// MicroPython device on a serial link. A dedicated goroutine owns the only
// reader of the link and drives the frame decoder; everything it learns is
// published outward as immutable snapshots (state changes, text lines) or
// pushed into a sample sink, so no consumer can block or race the read loop.
//
// Liveness is inferred from transport errors only; there is no heartbeat.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/shengt25/micropython-plotter-poc/internal/monitoring"
	"github.com/shengt25/micropython-plotter-poc/internal/wire"
)

// Raw REPL control bytes, shared with the runner package.
const (
	CtrlA = 0x01 // enter raw REPL
	CtrlB = 0x02 // exit raw REPL
	CtrlC = 0x03 // interrupt running program
	CtrlD = 0x04 // execute / soft reset; doubles as the output section separator
)

// rawReplBanner is printed by the device on entering raw REPL mode.
const rawReplBanner = "raw REPL"

var (
	ErrAlreadyConnected = errors.New("session already connected or connecting")
	ErrNotConnected     = errors.New("session not connected")
	ErrWriteFailed      = errors.New("short write to serial port")
)

// State is the session lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// StateChange is published to subscribers on every transition. Reason is
// non-nil for transitions into StateError.
type StateChange struct {
	Old    State
	New    State
	Reason error
}

// SampleSink receives decoded telemetry samples from the read loop. Push must
// not block; the telemetry buffer satisfies this.
type SampleSink interface {
	Push(wire.Sample)
}

// Session owns one serial transport and its decoder. All exported methods are
// safe for concurrent use.
//
// Lock ordering: mu before subMu; writeMu is independent and held only around
// port writes.
type Session struct {
	opener PortOpener
	sink   SampleSink

	mu      sync.Mutex
	state   State
	lastErr error
	port    SerialPorter
	closing bool
	done    chan struct{}
	resyncs int

	writeMu sync.Mutex

	subMu     sync.Mutex
	lineSubs  map[string]chan wire.TextLine
	stateSubs map[string]chan StateChange
}

// New creates a disconnected session. A nil opener uses real serial ports; a
// nil sink discards telemetry samples.
func New(opener PortOpener, sink SampleSink) *Session {
	if opener == nil {
		opener = OpenPort
	}
	return &Session{
		opener:    opener,
		sink:      sink,
		lineSubs:  make(map[string]chan wire.TextLine),
		stateSubs: make(map[string]chan StateChange),
	}
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether the session is in StateConnected.
func (s *Session) Connected() bool {
	return s.State() == StateConnected
}

// Err returns the error that caused the last transition into StateError.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Resyncs returns the number of decoder resynchronizations observed on the
// current connection.
func (s *Session) Resyncs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resyncs
}

// Connect opens the port at path and performs the raw REPL handshake:
// interrupt any running program, enter raw mode, and wait for the device
// banner. It returns once the session is Connected, the context is done, or
// the transport fails. Channel slot state from any previous connection is
// discarded.
func (s *Session) Connect(ctx context.Context, path string, opts PortOptions) error {
	s.mu.Lock()
	if s.state == StateConnecting || s.state == StateConnected {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.setStateLocked(StateConnecting, nil)
	s.mu.Unlock()

	port, err := s.opener(path, opts)
	if err != nil {
		err = fmt.Errorf("open %s: %w", path, err)
		s.mu.Lock()
		s.setStateLocked(StateError, err)
		s.mu.Unlock()
		return err
	}

	banner := make(chan struct{})
	done := make(chan struct{})
	s.mu.Lock()
	s.port = port
	s.closing = false
	s.done = done
	s.resyncs = 0
	s.mu.Unlock()

	go s.monitor(port, banner, done)

	if err := s.Write([]byte{CtrlC, CtrlC, CtrlA}); err != nil {
		s.teardown(port, done)
		s.mu.Lock()
		s.setStateLocked(StateError, err)
		s.mu.Unlock()
		return err
	}

	select {
	case <-banner:
		s.mu.Lock()
		s.setStateLocked(StateConnected, nil)
		s.mu.Unlock()
		return nil
	case <-done:
		s.mu.Lock()
		err := s.lastErr
		if err == nil {
			err = errors.New("transport closed during raw REPL handshake")
			s.setStateLocked(StateError, err)
		}
		s.mu.Unlock()
		return err
	case <-ctx.Done():
		s.teardown(port, done)
		err := fmt.Errorf("raw REPL handshake: %w", ctx.Err())
		s.mu.Lock()
		s.setStateLocked(StateError, err)
		s.mu.Unlock()
		return err
	}
}

// Disconnect closes the transport and returns once the read loop has exited.
// It is idempotent and unblocks any pending read promptly.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	port := s.port
	done := s.done
	s.closing = true
	s.port = nil
	s.mu.Unlock()

	if port != nil {
		// Best-effort graceful exit from raw REPL before dropping the link.
		s.writeMu.Lock()
		_, _ = port.Write([]byte{CtrlB})
		s.writeMu.Unlock()
		_ = port.Close()
	}
	if done != nil {
		<-done
	}

	s.mu.Lock()
	s.setStateLocked(StateDisconnected, nil)
	s.mu.Unlock()
	return nil
}

// Write sends p to the device. Writes are serialized so an execution request
// is never interleaved with handshake or interrupt bytes. A transport write
// failure moves the session to StateError.
func (s *Session) Write(p []byte) error {
	s.mu.Lock()
	port := s.port
	ok := s.state == StateConnected || s.state == StateConnecting
	s.mu.Unlock()
	if port == nil || !ok {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	n, err := port.Write(p)
	s.writeMu.Unlock()

	if err != nil {
		s.transportFailed(port, err)
		return err
	}
	if n != len(p) {
		s.transportFailed(port, ErrWriteFailed)
		return ErrWriteFailed
	}
	return nil
}

// Interrupt stops a running program and re-enters raw REPL: the Ctrl-C/Ctrl-D
// alternation breaks out of loops and triggers a soft reset, after which
// Ctrl-A restores raw mode.
func (s *Session) Interrupt() error {
	if err := s.Write([]byte{CtrlC, CtrlD, CtrlC}); err != nil {
		return err
	}
	return s.Write([]byte{CtrlA})
}

// SubscribeLines registers a channel receiving decoded text lines. Lines are
// delivered in stream order; a subscriber that falls behind misses lines
// rather than blocking the read loop.
func (s *Session) SubscribeLines() (string, <-chan wire.TextLine) {
	id := uuid.NewString()
	ch := make(chan wire.TextLine, 64)
	s.subMu.Lock()
	s.lineSubs[id] = ch
	s.subMu.Unlock()
	return id, ch
}

// UnsubscribeLines removes and closes a line subscription.
func (s *Session) UnsubscribeLines(id string) {
	s.subMu.Lock()
	if ch, ok := s.lineSubs[id]; ok {
		close(ch)
		delete(s.lineSubs, id)
	}
	s.subMu.Unlock()
}

// SubscribeStates registers a channel receiving state transitions.
func (s *Session) SubscribeStates() (string, <-chan StateChange) {
	id := uuid.NewString()
	ch := make(chan StateChange, 16)
	s.subMu.Lock()
	s.stateSubs[id] = ch
	s.subMu.Unlock()
	return id, ch
}

// UnsubscribeStates removes and closes a state subscription.
func (s *Session) UnsubscribeStates(id string) {
	s.subMu.Lock()
	if ch, ok := s.stateSubs[id]; ok {
		close(ch)
		delete(s.stateSubs, id)
	}
	s.subMu.Unlock()
}

// setStateLocked records a transition and publishes it. Caller holds mu.
// No-op transitions are not published, which is what makes Disconnect
// idempotent from the subscriber's point of view.
func (s *Session) setStateLocked(next State, reason error) {
	old := s.state
	if old == next {
		return
	}
	s.state = next
	if reason != nil {
		s.lastErr = reason
	}
	change := StateChange{Old: old, New: next, Reason: reason}

	s.subMu.Lock()
	for _, ch := range s.stateSubs {
		select {
		case ch <- change:
		default:
		}
	}
	s.subMu.Unlock()
}

func (s *Session) publishLine(line wire.TextLine) {
	s.subMu.Lock()
	for _, ch := range s.lineSubs {
		select {
		case ch <- line:
		default:
			// Skip slow subscribers so the read loop never stalls.
		}
	}
	s.subMu.Unlock()
}

// transportFailed transitions to StateError unless a deliberate disconnect is
// in progress, and closes the port so the read loop unblocks.
func (s *Session) transportFailed(port SerialPorter, err error) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	s.port = nil
	s.setStateLocked(StateError, err)
	s.mu.Unlock()

	_ = port.Close()
}

// teardown force-closes the port and waits for the monitor goroutine.
func (s *Session) teardown(port SerialPorter, done chan struct{}) {
	s.mu.Lock()
	s.closing = true
	s.port = nil
	s.mu.Unlock()
	_ = port.Close()
	<-done
}

// monitor is the dedicated read loop. It owns the decoder: no other goroutine
// ever touches decoder state. It exits when the transport reports an error,
// which a Disconnect provokes by closing the port.
func (s *Session) monitor(port SerialPorter, banner chan struct{}, done chan struct{}) {
	defer close(done)

	dec := wire.NewDecoder()
	buf := make([]byte, 4096)
	bannerSeen := false

	for {
		n, err := port.Read(buf)
		if n > 0 {
			for _, ev := range dec.Feed(buf[:n]) {
				switch ev.Kind {
				case wire.EventSample:
					if s.sink != nil {
						s.sink.Push(ev.Sample)
					}
				case wire.EventTextLine:
					if !bannerSeen && strings.Contains(ev.Line.Text, rawReplBanner) {
						// Handshake confirmation, not program output.
						bannerSeen = true
						close(banner)
						continue
					}
					s.publishLine(ev.Line)
				case wire.EventResync:
					s.mu.Lock()
					s.resyncs++
					s.mu.Unlock()
					monitoring.Logf("session: decoder resync: %s", ev.Reason)
				}
			}
		}
		if err != nil {
			s.transportFailed(port, err)
			return
		}
	}
}
