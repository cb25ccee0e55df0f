package wire

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func mustFrame(t *testing.T, pairs ...Pair) []byte {
	t.Helper()
	b, err := EncodeFrame(pairs...)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	return b
}

func samplesOf(evs []Event) []Sample {
	var out []Sample
	for _, ev := range evs {
		if ev.Kind == EventSample {
			out = append(out, ev.Sample)
		}
	}
	return out
}

func linesOf(evs []Event) []TextLine {
	var out []TextLine
	for _, ev := range evs {
		if ev.Kind == EventTextLine {
			out = append(out, ev.Line)
		}
	}
	return out
}

func resyncsOf(evs []Event) []string {
	var out []string
	for _, ev := range evs {
		if ev.Kind == EventResync {
			out = append(out, ev.Reason)
		}
	}
	return out
}

func TestDecodeSingleFrame(t *testing.T) {
	d := NewDecoder()
	evs := d.Feed(mustFrame(t, Pair{Name: "x", Value: 5}, Pair{Name: "y", Value: -3}))

	want := []Sample{{Pairs: []Pair{
		{Slot: 0, Name: "x", Value: 5},
		{Slot: 1, Name: "y", Value: -3},
	}}}
	if diff := cmp.Diff(want, samplesOf(evs)); diff != "" {
		t.Errorf("sample mismatch (-want +got):\n%s", diff)
	}
	if got := d.Channels(); !cmp.Equal(got, []string{"x", "y"}) {
		t.Errorf("channels = %v, want [x y]", got)
	}
}

// TestDecodeEverySplit feeds the encoding of plot('x', 5, 'y', -3) split at
// every possible byte boundary; each split must produce exactly one sample
// with identical content.
func TestDecodeEverySplit(t *testing.T) {
	frame := mustFrame(t, Pair{Name: "x", Value: 5}, Pair{Name: "y", Value: -3})
	want := []Sample{{Pairs: []Pair{
		{Slot: 0, Name: "x", Value: 5},
		{Slot: 1, Name: "y", Value: -3},
	}}}

	for cut := 0; cut <= len(frame); cut++ {
		d := NewDecoder()
		var evs []Event
		evs = append(evs, d.Feed(frame[:cut])...)
		evs = append(evs, d.Feed(frame[cut:])...)

		if diff := cmp.Diff(want, samplesOf(evs)); diff != "" {
			t.Errorf("split at %d: sample mismatch (-want +got):\n%s", cut, diff)
		}
		if rs := resyncsOf(evs); len(rs) != 0 {
			t.Errorf("split at %d: unexpected resyncs %v", cut, rs)
		}
	}
}

// TestDecodeByteAtATime drives several frames through the decoder one byte at
// a time, interleaved with text, to exercise every partial-state path.
func TestDecodeByteAtATime(t *testing.T) {
	var stream bytes.Buffer
	stream.WriteString("boot ok\r\n")
	stream.Write(mustFrame(t, Pair{Name: "temp", Value: 21}))
	stream.WriteString("dbg\n")
	stream.Write(mustFrame(t, Pair{Name: "temp", Value: 22}))

	d := NewDecoder()
	var evs []Event
	for _, b := range stream.Bytes() {
		evs = append(evs, d.Feed([]byte{b})...)
	}

	wantSamples := []Sample{
		{Pairs: []Pair{{Slot: 0, Name: "temp", Value: 21}}},
		{Pairs: []Pair{{Slot: 0, Name: "temp", Value: 22}}},
	}
	if diff := cmp.Diff(wantSamples, samplesOf(evs)); diff != "" {
		t.Errorf("samples (-want +got):\n%s", diff)
	}
	wantLines := []TextLine{{Text: "boot ok"}, {Text: "dbg"}}
	if diff := cmp.Diff(wantLines, linesOf(evs)); diff != "" {
		t.Errorf("lines (-want +got):\n%s", diff)
	}
}

func TestRoundTripAllCounts(t *testing.T) {
	for count := 1; count <= MaxChannels; count++ {
		t.Run(fmt.Sprintf("count=%d", count), func(t *testing.T) {
			var pairs []Pair
			for i := 0; i < count; i++ {
				pairs = append(pairs, Pair{Name: fmt.Sprintf("ch%d", i), Value: i*1000 - 2500})
			}
			frame := mustFrame(t, pairs...)

			d := NewDecoder()
			got := samplesOf(d.Feed(frame))
			if len(got) != 1 {
				t.Fatalf("got %d samples, want 1", len(got))
			}
			for i, p := range got[0].Pairs {
				if p.Name != pairs[i].Name || p.Value != pairs[i].Value || p.Slot != i {
					t.Errorf("pair %d = %+v, want name=%s value=%d slot=%d",
						i, p, pairs[i].Name, pairs[i].Value, i)
				}
			}
		})
	}
}

func TestSlotAssignmentStable(t *testing.T) {
	d := NewDecoder()
	d.Feed(mustFrame(t, Pair{Name: "a", Value: 1}, Pair{Name: "b", Value: 2}))

	// Same names in reversed frame order must keep their original slots.
	evs := d.Feed(mustFrame(t, Pair{Name: "b", Value: 20}, Pair{Name: "a", Value: 10}))
	samples := samplesOf(evs)
	if len(samples) != 1 {
		t.Fatalf("got %d samples, want 1", len(samples))
	}
	want := []Pair{
		{Slot: 1, Name: "b", Value: 20},
		{Slot: 0, Name: "a", Value: 10},
	}
	if diff := cmp.Diff(want, samples[0].Pairs); diff != "" {
		t.Errorf("pairs (-want +got):\n%s", diff)
	}
}

func TestSixthChannelRejected(t *testing.T) {
	d := NewDecoder()
	d.Feed(mustFrame(t,
		Pair{Name: "a", Value: 1}, Pair{Name: "b", Value: 2}, Pair{Name: "c", Value: 3},
		Pair{Name: "d", Value: 4}, Pair{Name: "e", Value: 5}))

	evs := d.Feed(mustFrame(t,
		Pair{Name: "a", Value: 1}, Pair{Name: "b", Value: 2}, Pair{Name: "c", Value: 3},
		Pair{Name: "d", Value: 4}, Pair{Name: "f", Value: 6}))

	if got := samplesOf(evs); len(got) != 0 {
		t.Errorf("offending frame decoded to %d samples, want 0", len(got))
	}
	if rs := resyncsOf(evs); len(rs) != 1 || rs[0] != "channel limit exceeded" {
		t.Errorf("resyncs = %v, want one channel-limit resync", rs)
	}
	if got := d.Channels(); !cmp.Equal(got, []string{"a", "b", "c", "d", "e"}) {
		t.Errorf("slot table disturbed: %v", got)
	}

	// The original five channels keep decoding afterwards.
	evs = d.Feed(mustFrame(t,
		Pair{Name: "a", Value: 9}, Pair{Name: "b", Value: 9}, Pair{Name: "c", Value: 9},
		Pair{Name: "d", Value: 9}, Pair{Name: "e", Value: 9}))
	if got := samplesOf(evs); len(got) != 1 {
		t.Errorf("follow-up frame decoded to %d samples, want 1", len(got))
	}
}

// TestMalformedFrameBetweenValid injects a corrupt frame between two valid
// ones: exactly one resync, both valid frames decode.
func TestMalformedFrameBetweenValid(t *testing.T) {
	valid1 := mustFrame(t, Pair{Name: "x", Value: 1})
	valid2 := mustFrame(t, Pair{Name: "x", Value: 2})
	corrupt := []byte{Marker0, Marker1, 0x09} // pair count out of range

	var stream bytes.Buffer
	stream.Write(valid1)
	stream.Write(corrupt)
	stream.Write(valid2)

	d := NewDecoder()
	evs := d.Feed(stream.Bytes())

	wantSamples := []Sample{
		{Pairs: []Pair{{Slot: 0, Name: "x", Value: 1}}},
		{Pairs: []Pair{{Slot: 0, Name: "x", Value: 2}}},
	}
	if diff := cmp.Diff(wantSamples, samplesOf(evs)); diff != "" {
		t.Errorf("samples (-want +got):\n%s", diff)
	}
	if rs := resyncsOf(evs); len(rs) != 1 {
		t.Errorf("resyncs = %v, want exactly one", rs)
	}
}

func TestBadNameLengthResyncs(t *testing.T) {
	d := NewDecoder()
	// count=1, nameLen=200 (out of range)
	evs := d.Feed([]byte{Marker0, Marker1, 1, 200})
	if rs := resyncsOf(evs); len(rs) != 1 || rs[0] != "invalid name length" {
		t.Errorf("resyncs = %v, want one invalid-name-length resync", rs)
	}
	// A valid frame after the garbage still decodes.
	evs = d.Feed(mustFrame(t, Pair{Name: "x", Value: 7}))
	if got := samplesOf(evs); len(got) != 1 || got[0].Pairs[0].Value != 7 {
		t.Errorf("follow-up decode failed: %+v", got)
	}
}

func TestPairCountChangeSignalsResync(t *testing.T) {
	d := NewDecoder()
	d.Feed(mustFrame(t, Pair{Name: "a", Value: 1}, Pair{Name: "b", Value: 2}))

	evs := d.Feed(mustFrame(t, Pair{Name: "a", Value: 3}))
	if rs := resyncsOf(evs); len(rs) != 1 || rs[0] != "pair count changed" {
		t.Errorf("resyncs = %v, want one pair-count-changed resync", rs)
	}
	// The frame itself is well formed and still decodes.
	if got := samplesOf(evs); len(got) != 1 || got[0].Pairs[0].Value != 3 {
		t.Errorf("samples = %+v, want the single-pair frame decoded", got)
	}

	// The new count is adopted: no further resync at count 1.
	evs = d.Feed(mustFrame(t, Pair{Name: "a", Value: 4}))
	if rs := resyncsOf(evs); len(rs) != 0 {
		t.Errorf("unexpected resyncs after count adoption: %v", rs)
	}
}

func TestStrayMarkerByteIsText(t *testing.T) {
	d := NewDecoder()
	// 0xAA not followed by 0x01 in the middle of a line.
	evs := d.Feed([]byte{'a', Marker0, 'b', '\n'})
	lines := linesOf(evs)
	if len(lines) != 1 || lines[0].Text != "a\xaab" {
		t.Errorf("lines = %+v, want one line with the stray byte preserved", lines)
	}
}

func TestEOTTerminatesLine(t *testing.T) {
	d := NewDecoder()
	evs := d.Feed([]byte("OK\x04\x04"))
	want := []TextLine{{Text: "OK", EOT: true}, {Text: "", EOT: true}}
	if diff := cmp.Diff(want, linesOf(evs)); diff != "" {
		t.Errorf("lines (-want +got):\n%s", diff)
	}
}

func TestTextOverrunClearsBuffer(t *testing.T) {
	d := NewDecoder()
	junk := bytes.Repeat([]byte{'z'}, maxTextLen)
	evs := d.Feed(junk)
	if rs := resyncsOf(evs); len(rs) != 1 {
		t.Fatalf("resyncs = %v, want one overrun resync", rs)
	}
	// Scanning resumes: a frame right after the junk decodes cleanly.
	evs = d.Feed(mustFrame(t, Pair{Name: "x", Value: 1}))
	if got := samplesOf(evs); len(got) != 1 {
		t.Errorf("post-overrun frame decoded to %d samples, want 1", len(got))
	}
}

func TestTelemetryInterleavedWithText(t *testing.T) {
	var stream bytes.Buffer
	stream.WriteString("start\r\n")
	stream.Write(mustFrame(t, Pair{Name: "v", Value: 100}))
	stream.WriteString("middle\r\n")
	stream.Write(mustFrame(t, Pair{Name: "v", Value: 200}))
	stream.WriteString("end\r\n")

	d := NewDecoder()
	evs := d.Feed(stream.Bytes())

	if got := samplesOf(evs); len(got) != 2 {
		t.Errorf("got %d samples, want 2", len(got))
	}
	wantLines := []TextLine{{Text: "start"}, {Text: "middle"}, {Text: "end"}}
	if diff := cmp.Diff(wantLines, linesOf(evs)); diff != "" {
		t.Errorf("lines (-want +got):\n%s", diff)
	}
}

func TestReset(t *testing.T) {
	d := NewDecoder()
	d.Feed(mustFrame(t, Pair{Name: "a", Value: 1}))
	d.Reset()

	if got := d.Channels(); len(got) != 0 {
		t.Errorf("channels after reset = %v, want empty", got)
	}
	// Slots are reassigned from scratch after a reset.
	evs := d.Feed(mustFrame(t, Pair{Name: "b", Value: 2}))
	samples := samplesOf(evs)
	if len(samples) != 1 || samples[0].Pairs[0].Slot != 0 {
		t.Errorf("post-reset sample = %+v, want slot 0 for first name", samples)
	}
}

func TestEncodeFrameRejectsBadInput(t *testing.T) {
	if _, err := EncodeFrame(); err == nil {
		t.Error("zero pairs accepted")
	}
	six := make([]Pair, 6)
	for i := range six {
		six[i] = Pair{Name: fmt.Sprintf("c%d", i), Value: 0}
	}
	if _, err := EncodeFrame(six...); err == nil {
		t.Error("six pairs accepted")
	}
	if _, err := EncodeFrame(Pair{Name: "", Value: 0}); err == nil {
		t.Error("empty name accepted")
	}
	if _, err := EncodeFrame(Pair{Name: "x", Value: 70000}); err == nil {
		t.Error("out-of-range value accepted")
	}
}
