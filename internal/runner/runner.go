// Package runner executes source code on a connected device through the raw
// REPL exchange: the code body followed by Ctrl-D, after which the device
// confirms with "OK", streams program output, an EOT separator, the error
// section (traceback, if any), and a final EOT before returning to its idle
// prompt. The runner classifies the session's decoded text lines accordingly
// and enforces that at most one execution is open at a time.
package runner

import (
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/shengt25/micropython-plotter-poc/internal/session"
	"github.com/shengt25/micropython-plotter-poc/internal/wire"
)

var (
	// ErrExecutionOpen is returned by Run while a prior execution has not
	// closed yet.
	ErrExecutionOpen = errors.New("an execution is already open")
)

// DeviceSession is the slice of the session the runner depends on.
type DeviceSession interface {
	Connected() bool
	Write(p []byte) error
	Interrupt() error
	SubscribeLines() (string, <-chan wire.TextLine)
	UnsubscribeLines(id string)
	SubscribeStates() (string, <-chan session.StateChange)
	UnsubscribeStates(id string)
}

// EventKind discriminates runner events.
type EventKind int

const (
	// EventOutput is one line of program output.
	EventOutput EventKind = iota
	// EventError is one line of the execution's error section.
	EventError
	// EventDone closes the execution record.
	EventDone
)

// Event is published to runner subscribers. Err is set on EventDone when the
// execution was aborted by a session transition rather than completed by the
// device.
type Event struct {
	Kind EventKind
	Text string
	Err  error
}

// execution phases, advanced by decoded lines.
const (
	phaseIdle = iota
	phaseAwaitOK
	phaseOutput
	phaseError
)

// Runner drives one device session. Create it once per session; it consumes
// the session's line and state streams for its whole lifetime.
type Runner struct {
	sess DeviceSession

	mu     sync.Mutex
	phase  int
	source string
	subs   map[string]chan Event

	lineSubID  string
	stateSubID string
	stop       chan struct{}
	stopped    chan struct{}
}

// New creates a runner attached to sess and starts its dispatch loop.
func New(sess DeviceSession) *Runner {
	r := &Runner{
		sess:    sess,
		subs:    make(map[string]chan Event),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	lineID, lines := sess.SubscribeLines()
	stateID, states := sess.SubscribeStates()
	r.lineSubID = lineID
	r.stateSubID = stateID
	go r.dispatch(lines, states)
	return r
}

// Close detaches the runner from its session and stops the dispatch loop.
func (r *Runner) Close() {
	close(r.stop)
	<-r.stopped
	r.sess.UnsubscribeLines(r.lineSubID)
	r.sess.UnsubscribeStates(r.stateSubID)
}

// Subscribe registers a channel receiving execution events.
func (r *Runner) Subscribe() (string, <-chan Event) {
	id := uuid.NewString()
	ch := make(chan Event, 64)
	r.mu.Lock()
	r.subs[id] = ch
	r.mu.Unlock()
	return id, ch
}

// Unsubscribe removes and closes an event subscription.
func (r *Runner) Unsubscribe(id string) {
	r.mu.Lock()
	if ch, ok := r.subs[id]; ok {
		close(ch)
		delete(r.subs, id)
	}
	r.mu.Unlock()
}

// Open reports whether an execution record is currently open.
func (r *Runner) Open() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase != phaseIdle
}

// Source returns the source text of the open execution, or "" when idle.
func (r *Runner) Source() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.source
}

// Run submits source for execution. It fails synchronously when an execution
// is already open or the session is not connected; otherwise it returns once
// the request is on the wire. Completion is signalled by an EventDone.
func (r *Runner) Run(source string) error {
	r.mu.Lock()
	if r.phase != phaseIdle {
		r.mu.Unlock()
		return ErrExecutionOpen
	}
	if !r.sess.Connected() {
		r.mu.Unlock()
		return session.ErrNotConnected
	}
	r.phase = phaseAwaitOK
	r.source = source
	r.mu.Unlock()

	payload := append([]byte(source), session.CtrlD)
	if err := r.sess.Write(payload); err != nil {
		r.closeExecution(err)
		return err
	}
	return nil
}

// Stop interrupts the device and closes any open execution record.
func (r *Runner) Stop() error {
	err := r.sess.Interrupt()
	r.closeExecution(errors.New("execution interrupted"))
	return err
}

func (r *Runner) dispatch(lines <-chan wire.TextLine, states <-chan session.StateChange) {
	defer close(r.stopped)
	for {
		select {
		case <-r.stop:
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			r.consumeLine(line)
		case change, ok := <-states:
			if !ok {
				return
			}
			if change.New != session.StateConnected {
				reason := change.Reason
				if reason == nil {
					reason = errors.New("session " + change.New.String())
				}
				r.closeExecution(reason)
			}
		}
	}
}

// consumeLine advances the execution phase machine with one decoded line.
func (r *Runner) consumeLine(line wire.TextLine) {
	r.mu.Lock()
	phase := r.phase
	r.mu.Unlock()

	switch phase {
	case phaseIdle:
		// No execution open; REPL chatter is not ours to attribute.
		return

	case phaseAwaitOK:
		text := line.Text
		// The idle prompt of the previous execution and the OK confirmation
		// are not newline-terminated, so they prefix the first real line.
		text = strings.TrimPrefix(text, ">")
		text = strings.TrimPrefix(text, "OK")
		r.setPhase(phaseOutput)
		if text != "" {
			r.publish(Event{Kind: EventOutput, Text: text})
		}
		if line.EOT {
			// Output section already over (silent program).
			r.setPhase(phaseError)
		}

	case phaseOutput:
		if line.Text != "" || !line.EOT {
			r.publish(Event{Kind: EventOutput, Text: line.Text})
		}
		if line.EOT {
			r.setPhase(phaseError)
		}

	case phaseError:
		if line.Text != "" || !line.EOT {
			r.publish(Event{Kind: EventError, Text: line.Text})
		}
		if line.EOT {
			// Second separator: the device is back at its idle prompt.
			r.closeExecution(nil)
		}
	}
}

func (r *Runner) setPhase(p int) {
	r.mu.Lock()
	r.phase = p
	r.mu.Unlock()
}

// closeExecution closes the open record, if any, and publishes EventDone.
func (r *Runner) closeExecution(reason error) {
	r.mu.Lock()
	if r.phase == phaseIdle {
		r.mu.Unlock()
		return
	}
	r.phase = phaseIdle
	r.source = ""
	r.mu.Unlock()
	r.publish(Event{Kind: EventDone, Err: reason})
}

func (r *Runner) publish(ev Event) {
	r.mu.Lock()
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			// Never block on a slow consumer.
		}
	}
	r.mu.Unlock()
}
