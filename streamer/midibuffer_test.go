package streamer_test

import (
	"testing"

	"gitlab.com/gomidi/midi/v2"

	"github.com/vsariola/reeltime"
	"github.com/vsariola/reeltime/streamer"
)

func noteOnAt(time int64, key uint8) reeltime.MIDIEvent {
	return reeltime.MIDIEvent{Time: time, Msg: midi.NoteOn(0, key, 100)}
}

func noteOffAt(time int64, key uint8) reeltime.MIDIEvent {
	return reeltime.MIDIEvent{Time: time, Msg: midi.NoteOff(0, key)}
}

func TestMIDIEventBufferWindowedRead(t *testing.T) {
	b := streamer.NewMIDIEventBuffer(64)
	for _, ev := range []reeltime.MIDIEvent{
		noteOnAt(10, 60), noteOffAt(20, 60), noteOnAt(990, 64),
	} {
		if !b.WriteEvent(ev) {
			t.Fatal("WriteEvent failed on a non-full ring")
		}
	}
	dst := reeltime.NewMIDIFrameBuffer(16)
	if n := b.Read(dst, 0, 100); n != 2 {
		t.Fatalf("Read [0,100) delivered %v events, want 2", n)
	}
	if dst.Events()[0].Time != 10 || dst.Events()[1].Time != 20 {
		t.Fatalf("wrong events delivered: %v", dst.Events())
	}
	// the event at 990 is outside the window and stays put
	if b.ReadSpace() != 1 {
		t.Fatalf("ring should still hold 1 event, holds %v", b.ReadSpace())
	}
}

func TestMIDIEventBufferStopsAtWrap(t *testing.T) {
	// during seamless looping the butler writes the next lap right after
	// the previous one, so times wrap backwards; a windowed read must not
	// eat into the next lap
	b := streamer.NewMIDIEventBuffer(64)
	b.WriteEvent(noteOnAt(990, 64))
	b.WriteEvent(noteOnAt(5, 60)) // next lap
	dst := reeltime.NewMIDIFrameBuffer(16)
	if n := b.Read(dst, 980, 1000); n != 1 {
		t.Fatalf("Read [980,1000) delivered %v events, want 1", n)
	}
	if n := b.Read(dst, 0, 20); n != 1 {
		t.Fatalf("Read [0,20) delivered %v events, want 1", n)
	}
	if dst.Events()[0].Time != 990 || dst.Events()[1].Time != 5 {
		t.Fatalf("wrong split delivery: %v", dst.Events())
	}
}

func TestMIDIEventBufferSkipTo(t *testing.T) {
	b := streamer.NewMIDIEventBuffer(64)
	b.WriteEvent(noteOnAt(10, 60))
	b.WriteEvent(noteOffAt(20, 60))
	b.WriteEvent(noteOnAt(30, 62))
	if skipped := b.SkipTo(25); skipped != 2 {
		t.Fatalf("SkipTo(25) skipped %v, want 2", skipped)
	}
	if skipped := b.SkipTo(25); skipped != 0 {
		t.Fatalf("second SkipTo(25) skipped %v, want 0", skipped)
	}
	// the skipped on/off pair cancelled out in the tracker
	if b.TrackedNotes() != 0 {
		t.Fatalf("tracker holds %v notes after balanced skip, want 0", b.TrackedNotes())
	}
}

func TestNoteTrackerResolve(t *testing.T) {
	b := streamer.NewMIDIEventBuffer(64)
	b.WriteEvent(noteOnAt(10, 60))
	b.WriteEvent(noteOnAt(12, 64))
	b.WriteEvent(noteOffAt(14, 60))
	dst := reeltime.NewMIDIFrameBuffer(16)
	b.Read(dst, 0, 100)
	if b.TrackedNotes() != 1 {
		t.Fatalf("tracker holds %v notes, want 1", b.TrackedNotes())
	}
	resolved := reeltime.NewMIDIFrameBuffer(16)
	b.ResolveTracker(resolved, 500)
	if resolved.Len() != 1 {
		t.Fatalf("resolve emitted %v events, want 1", resolved.Len())
	}
	ev := resolved.Events()[0]
	if ev.Time != 500 {
		t.Errorf("resolved note-off at %v, want 500", ev.Time)
	}
	var channel, key uint8
	if !ev.Msg.GetNoteEnd(&channel, &key) || key != 64 {
		t.Errorf("resolved message is not a note-off for key 64: %v", ev.Msg)
	}
	if b.TrackedNotes() != 0 {
		t.Error("resolve should clear the tracker")
	}
}

func TestMIDIFrameBufferMerge(t *testing.T) {
	a := reeltime.NewMIDIFrameBuffer(16)
	a.WriteEvent(noteOnAt(5, 60))
	a.WriteEvent(noteOnAt(50, 61))
	b := reeltime.NewMIDIFrameBuffer(16)
	b.WriteEvent(noteOnAt(1, 70))
	b.WriteEvent(noteOnAt(20, 71))
	a.Merge(b)
	times := []int64{1, 5, 20, 50}
	if a.Len() != len(times) {
		t.Fatalf("merged length %v, want %v", a.Len(), len(times))
	}
	for i, ev := range a.Events() {
		if ev.Time != times[i] {
			t.Fatalf("merge out of order at %v: %v", i, a.Events())
		}
	}
}
