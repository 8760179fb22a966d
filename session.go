package reeltime

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type (
	// SessionConfig is the part of the session configuration the streaming
	// engine consumes. It is typically loaded from the session .yml, but a
	// .json session is accepted too.
	SessionConfig struct {
		// SampleRate of the engine, in Hz.
		SampleRate int `yaml:"samplerate"`

		// PlaybackBufferSize is the per-channel disk ring capacity in
		// samples. One slot of it is reserved bookkeeping, so the usable
		// capacity is one sample less.
		PlaybackBufferSize int `yaml:"playbackbuffersize"`

		// ChunkSamples is the nominal size of one butler refill, in samples
		// per channel.
		ChunkSamples int64 `yaml:"chunksamples"`

		// MIDIReadahead is how many samples of MIDI the butler keeps ahead
		// of the playback cursor.
		MIDIReadahead int64 `yaml:"midireadahead"`

		// NativeFileBits is the sample width of the session's audio files.
		// Butler read sizes are optimized in bytes and converted back to
		// samples through this.
		NativeFileBits int `yaml:"nativefilebits"`

		// UseTransportFades enables the short declick ramps on transport
		// start and stop. When false, gain snaps immediately.
		UseTransportFades bool `yaml:"usetransportfades"`
	}
)

const (
	DefaultChunkSamples  = 65536
	DefaultMIDIReadahead = 4096
)

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		SampleRate:         44100,
		PlaybackBufferSize: 5 * 44100,
		ChunkSamples:       DefaultChunkSamples,
		MIDIReadahead:      DefaultMIDIReadahead,
		NativeFileBits:     32,
		UseTransportFades:  true,
	}
}

// LoadSessionConfig reads a session configuration, trying .json first and
// falling back to .yml, and fills unset fields from the defaults.
func LoadSessionConfig(path string) (SessionConfig, error) {
	c := DefaultSessionConfig()
	bytes, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("could not read session config %v: %w", path, err)
	}
	if errJSON := json.Unmarshal(bytes, &c); errJSON != nil {
		if errYaml := yaml.Unmarshal(bytes, &c); errYaml != nil {
			return c, fmt.Errorf("session config %v could not be parsed as .json (%v) or .yml (%v)", path, errJSON, errYaml)
		}
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

func (c SessionConfig) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("samplerate should be > 0, got %v", c.SampleRate)
	}
	if c.PlaybackBufferSize < 2 {
		return fmt.Errorf("playbackbuffersize should be >= 2, got %v", c.PlaybackBufferSize)
	}
	if c.ChunkSamples <= 0 {
		return fmt.Errorf("chunksamples should be > 0, got %v", c.ChunkSamples)
	}
	if int64(c.PlaybackBufferSize) <= c.ChunkSamples {
		return fmt.Errorf("playbackbuffersize (%v) should be larger than chunksamples (%v)", c.PlaybackBufferSize, c.ChunkSamples)
	}
	switch c.NativeFileBits {
	case 16, 24, 32:
	default:
		return fmt.Errorf("nativefilebits should be 16, 24 or 32, got %v", c.NativeFileBits)
	}
	return nil
}
