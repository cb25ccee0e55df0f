// Package wire implements the binary contract shared with the device-side
// plotter library. The device multiplexes two streams over one serial pipe:
// human-readable REPL text and fixed-marker telemetry frames. A frame is
//
//	0xAA 0x01 | count (1..5) | count x { nameLen | name | int16 LE value }
//
// Names are length-prefixed so they may contain arbitrary bytes; the marker
// pair never occurs in MicroPython's ASCII REPL output, so scanning for it is
// enough to re-align after corruption. Values are 16-bit signed integers; the
// sender truncates fractional values before transmission.
package wire

import (
	"encoding/binary"
	"fmt"
)

const (
	// Marker0 and Marker1 open every telemetry frame.
	Marker0 = 0xAA
	Marker1 = 0x01

	// MaxChannels is the per-session channel limit. A sixth distinct name is
	// a schema violation, not a new slot.
	MaxChannels = 5

	// MaxNameLen bounds a channel name on the wire.
	MaxNameLen = 64

	// EOT is the raw-REPL section separator (Ctrl-D). It terminates a text
	// line the same way a newline does, and the terminator kind is surfaced
	// on the event so the code runner can track execution phases.
	EOT = 0x04
)

var marker = []byte{Marker0, Marker1}

// Pair is one channel update inside a sample. Slot is the stable index the
// decoder assigned to Name on its first appearance.
type Pair struct {
	Slot  int
	Name  string
	Value int
}

// Sample is one decoded telemetry frame: an atomic set of channel updates.
type Sample struct {
	Pairs []Pair
}

// TextLine is one run of non-frame bytes, terminated by a newline or by EOT.
type TextLine struct {
	Text string
	EOT  bool
}

// EventKind discriminates decoder events.
type EventKind int

const (
	EventSample EventKind = iota
	EventTextLine
	EventResync
)

func (k EventKind) String() string {
	switch k {
	case EventSample:
		return "sample"
	case EventTextLine:
		return "text"
	case EventResync:
		return "resync"
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// Event is one decoder output: a telemetry sample, a text line, or a
// resynchronization notice with a diagnostic reason.
type Event struct {
	Kind   EventKind
	Sample Sample
	Line   TextLine
	Reason string
}

// EncodeFrame encodes one telemetry frame for the given name/value pairs.
// It is the host-side mirror of the device library's plot() emission, used by
// tests and device simulators.
func EncodeFrame(pairs ...Pair) ([]byte, error) {
	if len(pairs) < 1 || len(pairs) > MaxChannels {
		return nil, fmt.Errorf("pair count must be 1..%d, got %d", MaxChannels, len(pairs))
	}
	buf := make([]byte, 0, 3+len(pairs)*(1+MaxNameLen+2))
	buf = append(buf, Marker0, Marker1, byte(len(pairs)))
	for _, p := range pairs {
		if len(p.Name) < 1 || len(p.Name) > MaxNameLen {
			return nil, fmt.Errorf("name length must be 1..%d, got %d", MaxNameLen, len(p.Name))
		}
		if p.Value < -32768 || p.Value > 32767 {
			return nil, fmt.Errorf("value %d out of int16 range", p.Value)
		}
		buf = append(buf, byte(len(p.Name)))
		buf = append(buf, p.Name...)
		buf = binary.LittleEndian.AppendUint16(buf, uint16(int16(p.Value)))
	}
	return buf, nil
}
