// Package oto adapts the ebitengine/oto/v3 output device to the pull model
// of the streaming engine: oto asks for bytes, we ask the processor for
// float32 frames and encode them on the way out.
package oto

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/ebitengine/oto/v3"
)

type (
	Context struct {
		ctx          *oto.Context
		channelCount int
	}

	// Processor fills one block of interleaved float32 frames. It is
	// called from oto's playback goroutine, which acts as the realtime
	// thread of the engine.
	Processor interface {
		Process(buf []float32)
	}

	Player struct {
		player    *oto.Player
		processor Processor
		tmpBuffer []float32
	}
)

func NewContext(sampleRate, channelCount int) (*Context, error) {
	op := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: channelCount,
		Format:       oto.FormatFloat32LE,
		BufferSize:   50 * time.Millisecond,
	}
	ctx, ready, err := oto.NewContext(op)
	if err != nil {
		return nil, fmt.Errorf("cannot create oto context: %w", err)
	}
	<-ready
	return &Context{ctx: ctx, channelCount: channelCount}, nil
}

// Play starts pulling audio from the processor.
func (c *Context) Play(processor Processor) *Player {
	p := &Player{processor: processor}
	p.player = c.ctx.NewPlayer(p)
	p.player.Play()
	return p
}

func (p *Player) Read(b []byte) (int, error) {
	samples := len(b) / 4
	if cap(p.tmpBuffer) < samples {
		p.tmpBuffer = make([]float32, samples)
	}
	buf := p.tmpBuffer[:samples]
	p.processor.Process(buf)
	for i, v := range buf {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return samples * 4, nil
}

func (p *Player) Close() error {
	if err := p.player.Close(); err != nil {
		return fmt.Errorf("cannot close oto player: %w", err)
	}
	return nil
}
