package reeltime_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/vsariola/reeltime"
)

func TestLoadSessionConfigYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.yml")
	contents := "samplerate: 48000\nplaybackbuffersize: 131072\nnativefilebits: 24\n"
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	c, err := reeltime.LoadSessionConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.SampleRate != 48000 || c.PlaybackBufferSize != 131072 || c.NativeFileBits != 24 {
		t.Fatalf("loaded config %+v does not match the file", c)
	}
	// unset fields keep their defaults
	if c.ChunkSamples != reeltime.DefaultChunkSamples || c.MIDIReadahead != reeltime.DefaultMIDIReadahead {
		t.Fatalf("defaults not preserved: %+v", c)
	}
}

func TestSessionConfigValidate(t *testing.T) {
	c := reeltime.DefaultSessionConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	c.NativeFileBits = 12
	if err := c.Validate(); err == nil {
		t.Error("odd sample widths should be rejected")
	}
	c = reeltime.DefaultSessionConfig()
	c.PlaybackBufferSize = int(c.ChunkSamples) / 2
	if err := c.Validate(); err == nil {
		t.Error("buffer smaller than the refill chunk should be rejected")
	}
}

func TestLoopRangeSquish(t *testing.T) {
	l := reeltime.LoopRange{Start: 100, End: 1100}
	for _, c := range [][2]int64{
		{100, 100}, {1099, 1099}, {1100, 100}, {1105, 105}, {2100, 100}, {50, 100},
	} {
		if got := l.Squish(c[0]); got != c[1] {
			t.Errorf("Squish(%v) = %v, want %v", c[0], got, c[1])
		}
	}
}

func TestConstantTempoMapRoundTrip(t *testing.T) {
	tm := reeltime.ConstantTempoMap{BPM: 120, SampleRate: 44100}
	if got := tm.SampleAtBeats(reeltime.BeatsFromInt(2)); got != 44100 {
		t.Fatalf("two beats at 120 BPM should be one second: %v", got)
	}
	b := tm.BeatsAtSample(44100)
	if !b.EqFloat(2) {
		t.Fatalf("one second at 120 BPM should be two beats: %v", b)
	}
}
