package reeltime

import (
	"math"

	"gitlab.com/gomidi/midi/v2"
)

type (
	// MIDIEvent is one MIDI message stamped with its position on the session
	// timeline, in samples. Events travel from the MIDI playlist through the
	// per-track event ring to the process graph; all of them carry session
	// sample time and callers may add a per-port offset when delivering.
	MIDIEvent struct {
		Time int64
		Msg  midi.Message
	}

	// EventSink receives MIDI events, in playback order. WriteEvent returns
	// false when the sink is full and the event was dropped.
	EventSink interface {
		WriteEvent(ev MIDIEvent) bool
	}

	// AudioPlaylist is the region-based source of one track's audio. Read
	// mixes cnt samples of the given channel starting at session position
	// start into sum, using mixdown and gain as scratch; it returns the
	// number of samples actually produced.
	AudioPlaylist interface {
		Read(sum, mixdown, gain []float32, start, cnt int64, channel int) (int64, error)
	}

	// MIDIPlaylist is the region-based source of one track's MIDI. Read
	// writes the events in [start, start+cnt) to dst, wrapping times into
	// loopRange when it is non-nil, and returns the number of samples of
	// timeline it covered. ResolveNoteTrackers emits note-offs for all notes
	// the playlist still considers sounding, stamped with the given time.
	MIDIPlaylist interface {
		Read(dst EventSink, start, cnt int64, loopRange *LoopRange, filter *MIDIChannelFilter) (int64, error)
		ResolveNoteTrackers(dst EventSink, time int64)
		ResetNoteTrackers()
	}

	// MIDIChannelFilter masks which of the 16 MIDI channels survive playback.
	MIDIChannelFilter struct {
		ChannelMask uint16
	}

	// TempoMap maps between musical time and sample time. DiskReaders do not
	// consult it themselves; it is how callers author MIDI playlists and
	// loop ranges in Beats and hand them to the engine in samples.
	TempoMap interface {
		SampleAtBeats(b Beats) int64
		BeatsAtSample(pos int64) Beats
	}

	// LoopRange is a loop location [Start, End) on the session timeline.
	LoopRange struct {
		Start int64
		End   int64
	}

	// MonitorState tells a track which signal sources are audible on its
	// output during the current process cycle.
	MonitorState int

	// TransportAPI is the set of actions the transport state machine invokes
	// on its embedding. The FSM decides when; the embedding decides how.
	TransportAPI interface {
		StartTransport()
		StopTransport(abort, clearState bool)
		Locate(target int64, withRoll, withFlush, withLoop, force bool)
		ScheduleButlerForTransportWork()
		ButlerCompletedTransportWork()
		ExitDeclick()
		RollAfterLocate()
		LocatePhaseTwo()
	}

	// Session exposes the few session-wide signals the disk reader and
	// butler consult while running.
	Session interface {
		TransportSpeed() float64
		Loading() bool
		GlobalLocatePending() bool
	}

	// BufferSet is the destination of one process cycle: one float32 buffer
	// per output port and, for MIDI tracks, at least one event buffer.
	BufferSet struct {
		Audio [][]float32
		MIDI  []*MIDIFrameBuffer
	}

	// MIDIFrameBuffer collects the MIDI events of a single process cycle.
	// Its storage is preallocated; WriteEvent never allocates while the
	// event count stays within capacity.
	MIDIFrameBuffer struct {
		events []MIDIEvent
	}
)

const (
	MonitoringSilence MonitorState = 0
	MonitoringInput   MonitorState = 1
	MonitoringDisk    MonitorState = 2
)

// MaxSamplePos marks the end of the session timeline; refills stop and
// zero-fill once the file cursor gets there.
const MaxSamplePos = int64(math.MaxInt64)

func (l LoopRange) Length() int64 {
	return l.End - l.Start
}

// Squish wraps pos into [Start, End). Positions before the loop are pulled
// up to its start; positions at or past the end wrap around.
func (l LoopRange) Squish(pos int64) int64 {
	if l.Length() <= 0 {
		return pos
	}
	if pos < l.Start {
		return l.Start
	}
	return l.Start + (pos-l.Start)%l.Length()
}

// Allows returns whether events on the given MIDI channel (0-15) survive.
// A nil filter allows everything.
func (f *MIDIChannelFilter) Allows(channel uint8) bool {
	if f == nil {
		return true
	}
	return f.ChannelMask&(1<<channel) != 0
}

func NewMIDIFrameBuffer(capacity int) *MIDIFrameBuffer {
	return &MIDIFrameBuffer{events: make([]MIDIEvent, 0, capacity)}
}

func (b *MIDIFrameBuffer) WriteEvent(ev MIDIEvent) bool {
	if len(b.events) == cap(b.events) {
		return false
	}
	b.events = append(b.events, ev)
	return true
}

func (b *MIDIFrameBuffer) Events() []MIDIEvent {
	return b.events
}

func (b *MIDIFrameBuffer) Len() int {
	return len(b.events)
}

func (b *MIDIFrameBuffer) Clear() {
	b.events = b.events[:0]
}

// Merge inserts the events of other into b keeping b sorted by time. Both
// buffers are expected to be individually sorted. Merging stops silently
// when b runs out of capacity, matching WriteEvent.
func (b *MIDIFrameBuffer) Merge(other *MIDIFrameBuffer) {
	for _, ev := range other.events {
		if len(b.events) == cap(b.events) {
			return
		}
		i := len(b.events)
		for i > 0 && b.events[i-1].Time > ev.Time {
			i--
		}
		b.events = append(b.events, MIDIEvent{})
		copy(b.events[i+1:], b.events[i:])
		b.events[i] = ev
	}
}

// ConstantTempoMap is the trivial TempoMap of a session with a fixed tempo.
type ConstantTempoMap struct {
	BPM        float64
	SampleRate int
}

func (m ConstantTempoMap) SampleAtBeats(b Beats) int64 {
	return int64(math.Round(b.Float() * 60 / m.BPM * float64(m.SampleRate)))
}

func (m ConstantTempoMap) BeatsAtSample(pos int64) Beats {
	return BeatsFromFloat(float64(pos) / float64(m.SampleRate) * m.BPM / 60)
}
