package streamer

import (
	"gitlab.com/gomidi/midi/v2"

	"github.com/vsariola/reeltime"
)

type (
	// MIDIEventBuffer is the per-track event ring between the butler and
	// the realtime thread, with the same SPSC discipline as the audio
	// rings: the butler writes playlist events in playback order, the
	// realtime thread drains the window of each process cycle. A
	// NoteTracker rides along on the read side so that notes cut off by a
	// loop wrap or an overwrite can be resolved with note-offs instead of
	// hanging.
	MIDIEventBuffer struct {
		ring    *PlaybackBuffer[reeltime.MIDIEvent]
		tracker NoteTracker
	}

	// NoteTracker counts the currently-sounding notes per channel as
	// events pass by.
	NoteTracker struct {
		on    [16][128]uint8
		count int
	}
)

func NewMIDIEventBuffer(size int) *MIDIEventBuffer {
	return &MIDIEventBuffer{ring: NewPlaybackBuffer[reeltime.MIDIEvent](size)}
}

// WriteEvent appends one event. Events are expected in playback order;
// during seamless looping that means times wrap backwards at the loop
// boundary, which is fine as reads are windowed. Producer side only.
// Implements reeltime.EventSink so a playlist can read straight into the
// ring.
func (b *MIDIEventBuffer) WriteEvent(ev reeltime.MIDIEvent) bool {
	one := [1]reeltime.MIDIEvent{ev}
	return b.ring.Write(one[:]) == 1
}

func (b *MIDIEventBuffer) ReadSpace() int64  { return b.ring.ReadSpace() }
func (b *MIDIEventBuffer) WriteSpace() int64 { return b.ring.WriteSpace() }

// Read moves the events with times in [start, end) to dst, tracking notes
// on the way. It stops at the first event outside the window, so events of
// the next loop lap (whose times are before start) stay in the ring for
// the read that follows the wrap. Returns the number of events delivered.
// Consumer side only.
func (b *MIDIEventBuffer) Read(dst reeltime.EventSink, start, end int64) int {
	read := 0
	var ev [1]reeltime.MIDIEvent
	for b.ring.PeekRead(ev[:], 0) == 1 {
		if ev[0].Time < start || ev[0].Time >= end {
			break
		}
		b.ring.IncrementReadPtr(1)
		b.tracker.Track(ev[0].Msg)
		if !dst.WriteEvent(ev[0]) {
			break
		}
		read++
	}
	return read
}

// SkipTo drops events before the given time and returns how many were
// dropped; a nonzero count usually means the reader fell behind the
// butler. Dropped events still pass through the tracker so their note-offs
// are not lost. Consumer side only.
func (b *MIDIEventBuffer) SkipTo(time int64) int {
	skipped := 0
	var ev [1]reeltime.MIDIEvent
	for b.ring.PeekRead(ev[:], 0) == 1 && ev[0].Time < time {
		b.ring.IncrementReadPtr(1)
		b.tracker.Track(ev[0].Msg)
		skipped++
	}
	return skipped
}

// Reset empties the ring. Butler only, with the realtime side quiet.
func (b *MIDIEventBuffer) Reset() {
	b.ring.Reset()
}

// ResolveTracker writes note-offs for every note still sounding, stamped
// with the given time, and forgets them.
func (b *MIDIEventBuffer) ResolveTracker(dst reeltime.EventSink, time int64) {
	b.tracker.Resolve(dst, time)
}

func (b *MIDIEventBuffer) ResetTracker() {
	b.tracker.Reset()
}

func (b *MIDIEventBuffer) TrackedNotes() int {
	return b.tracker.count
}

// Track updates the sounding-note counts from one message.
func (t *NoteTracker) Track(msg midi.Message) {
	var channel, key, velocity uint8
	if msg.GetNoteStart(&channel, &key, &velocity) {
		if t.on[channel][key] < 255 {
			t.on[channel][key]++
			t.count++
		}
	} else if msg.GetNoteEnd(&channel, &key) {
		if t.on[channel][key] > 0 {
			t.on[channel][key]--
			t.count--
		}
	}
}

// Resolve emits a note-off for every sounding note at the given time and
// clears the counts.
func (t *NoteTracker) Resolve(dst reeltime.EventSink, time int64) {
	if t.count == 0 {
		return
	}
	for channel := range t.on {
		for key := range t.on[channel] {
			for ; t.on[channel][key] > 0; t.on[channel][key]-- {
				dst.WriteEvent(reeltime.MIDIEvent{
					Time: time,
					Msg:  midi.NoteOff(uint8(channel), uint8(key)),
				})
				t.count--
			}
		}
	}
}

func (t *NoteTracker) Reset() {
	t.on = [16][128]uint8{}
	t.count = 0
}
