package wire

import "strings"

// maxTextLen bounds the pending text line. REPL output is line oriented; a
// run this long with no terminator is garbage (a disconnected-then-reconnected
// device mid-frame, line noise) and is discarded rather than delivered.
const maxTextLen = 4096

// Decoder incrementally demultiplexes the serial byte stream into telemetry
// samples and text lines. Feed may be called with arbitrarily chunked input
// and never blocks; partial frames and partial lines are held across calls.
//
// The decoder owns the channel-name to slot mapping for the session. Slots are
// assigned in order of first appearance and never reassigned; a name beyond
// the MaxChannels limit invalidates only the offending frame.
type Decoder struct {
	buf  []byte // unconsumed bytes, only ever a partial frame or lone marker byte
	text []byte // pending text line

	slots     map[string]int
	names     []string // slot index -> name
	pairCount int      // established frame pair count, 0 until the first valid frame

	resyncs int
}

// NewDecoder returns a decoder with an empty slot table.
func NewDecoder() *Decoder {
	return &Decoder{slots: make(map[string]int)}
}

// Feed consumes a chunk of raw serial bytes and returns the events decoded
// from it, in stream order.
func (d *Decoder) Feed(p []byte) []Event {
	var evs []Event
	data := p
	if len(d.buf) > 0 {
		data = append(d.buf, p...)
		d.buf = nil
	}

	i := 0
	for i < len(data) {
		if data[i] != Marker0 {
			d.textByte(data[i], &evs)
			i++
			continue
		}
		if i+1 >= len(data) {
			break // lone 0xAA at the end: could be a marker, wait for the next byte
		}
		if data[i+1] != Marker1 {
			// Stray 0xAA outside a frame; pass it through as text.
			d.textByte(data[i], &evs)
			i++
			continue
		}
		n, ok := d.parseFrame(data[i:], &evs)
		if !ok {
			break // incomplete frame, hold from the marker onward
		}
		i += n
	}

	if i < len(data) {
		d.buf = append(d.buf, data[i:]...)
	}
	return evs
}

// Channels returns the channel names bound so far, indexed by slot.
func (d *Decoder) Channels() []string {
	out := make([]string, len(d.names))
	copy(out, d.names)
	return out
}

// Resyncs returns the number of resynchronization events since construction
// or the last Reset.
func (d *Decoder) Resyncs() int {
	return d.resyncs
}

// Reset discards all buffered bytes and the slot table. The session calls
// this on reconnect so channel slots are reassigned from scratch.
func (d *Decoder) Reset() {
	d.buf = nil
	d.text = nil
	d.slots = make(map[string]int)
	d.names = nil
	d.pairCount = 0
	d.resyncs = 0
}

func (d *Decoder) resync(reason string, evs *[]Event) {
	d.resyncs++
	*evs = append(*evs, Event{Kind: EventResync, Reason: reason})
}

// textByte accumulates one non-frame byte, flushing a TextLine on a newline
// or EOT terminator.
func (d *Decoder) textByte(b byte, evs *[]Event) {
	switch b {
	case '\n':
		d.flushText(false, evs)
	case EOT:
		d.flushText(true, evs)
	default:
		d.text = append(d.text, b)
		if len(d.text) >= maxTextLen {
			d.text = nil
			d.resync("text accumulation overrun", evs)
		}
	}
}

func (d *Decoder) flushText(eot bool, evs *[]Event) {
	line := strings.TrimSuffix(string(d.text), "\r")
	d.text = nil
	*evs = append(*evs, Event{Kind: EventTextLine, Line: TextLine{Text: line, EOT: eot}})
}

// parseFrame attempts to decode one frame from b, which starts with the
// marker. It returns the number of bytes consumed and whether parsing can
// continue; ok=false means the frame is incomplete and b must be retained.
// Malformed frames consume only the marker (or the whole frame for schema
// violations) so scanning resumes immediately after.
func (d *Decoder) parseFrame(b []byte, evs *[]Event) (int, bool) {
	if len(b) < 3 {
		return 0, false
	}
	count := int(b[2])
	if count < 1 || count > MaxChannels {
		d.resync("invalid pair count", evs)
		return len(marker), true
	}

	pairs := make([]Pair, 0, count)
	off := 3
	for k := 0; k < count; k++ {
		if off >= len(b) {
			return 0, false
		}
		nameLen := int(b[off])
		if nameLen < 1 || nameLen > MaxNameLen {
			d.resync("invalid name length", evs)
			return len(marker), true
		}
		end := off + 1 + nameLen + 2
		if end > len(b) {
			return 0, false
		}
		name := string(b[off+1 : off+1+nameLen])
		value := int(int16(uint16(b[end-2]) | uint16(b[end-1])<<8))
		pairs = append(pairs, Pair{Name: name, Value: value})
		off = end
	}

	// Structurally complete. Resolve slots before accepting the frame: a
	// frame introducing a name beyond the channel limit is discarded whole,
	// and the existing slot table is never disturbed.
	fresh := 0
	for _, p := range pairs {
		if _, ok := d.slots[p.Name]; !ok {
			fresh++
		}
	}
	if len(d.names)+fresh > MaxChannels {
		d.resync("channel limit exceeded", evs)
		return off, true
	}

	if d.pairCount != 0 && count != d.pairCount {
		// The documented symptom of plot() being called from more than one
		// call site. Surface it and adopt the new count; the frame itself is
		// well formed and its channels fit the table.
		d.resync("pair count changed", evs)
	}
	d.pairCount = count

	for i := range pairs {
		slot, ok := d.slots[pairs[i].Name]
		if !ok {
			slot = len(d.names)
			d.slots[pairs[i].Name] = slot
			d.names = append(d.names, pairs[i].Name)
		}
		pairs[i].Slot = slot
	}

	*evs = append(*evs, Event{Kind: EventSample, Sample: Sample{Pairs: pairs}})
	return off, true
}
