package streamer

import (
	"sync/atomic"

	"github.com/viterin/vek/vek32"

	"github.com/vsariola/reeltime"
)

type (
	// DiskReader streams one track from its playlists to the process
	// graph. The butler keeps the per-channel audio rings and the MIDI
	// event ring filled from the playlists; Run, called from the realtime
	// thread every process cycle, drains them into the output buffers. The
	// two sides meet only through the SPSC rings and a handful of atomics,
	// so Run never allocates, locks or blocks.
	DiskReader struct {
		name    string
		broker  *Broker
		session reeltime.Session
		config  reeltime.SessionConfig

		channels []*ReaderChannelInfo
		midiBuf  *MIDIEventBuffer

		audioPlaylist reeltime.AudioPlaylist
		midiPlaylist  reeltime.MIDIPlaylist
		midiFilter    *reeltime.MIDIChannelFilter

		// fileSample is the next playlist position the butler will read
		// from, per data kind; playbackSample is the realtime side's
		// virtual cursor. fileSample[dataAudio] stays ahead of
		// playbackSample except mid-seek or mid-overwrite.
		fileSample     [2]int64
		playbackSample int64

		overwriteSample  int64
		overwriteQueued  bool
		pendingOverwrite atomic.Bool

		// MIDI flow control: the realtime side advances reads, the butler
		// advances writes; both are sampled to decide butler demand. After
		// an overwrite, reads briefly exceeding writes is tolerated.
		samplesReadFromRing  atomic.Uint32
		samplesWrittenToRing atomic.Uint32

		declick     DeclickRamp
		declickOffs int64

		loopLocation atomic.Pointer[reeltime.LoopRange]

		monitor       atomic.Int32
		slaved        atomic.Bool
		noDiskOutput  atomic.Bool
		active        bool
		pendingActive atomic.Bool
		needButler    atomic.Bool

		chunkSamples  int64
		midiReadahead int64

		// realtime scratch for mixing disk under input monitoring; sized
		// once for the largest process block
		scratch     [][]float32
		midiScratch *reeltime.MIDIFrameBuffer

		// requestOverwrite asks the session to schedule the butler to
		// overwrite this reader's buffers; used when the playlist contents
		// change under us
		requestOverwrite func(*DiskReader)
	}

	// ReaderChannelInfo owns the playback ring of a single audio channel.
	// Channels are created when the track is armed for playback and live
	// exactly as long as their DiskReader.
	ReaderChannelInfo struct {
		rbuf *PlaybackBuffer[float32]
	}
)

const (
	dataAudio = 0
	dataMIDI  = 1
)

// MaxBlockSamples is the largest process cycle Run accepts; the realtime
// scratch buffers are sized for it up front.
const MaxBlockSamples = 8192

const midiFrameBufferCapacity = 1024

func NewDiskReader(name string, broker *Broker, session reeltime.Session, config reeltime.SessionConfig, requestOverwrite func(*DiskReader)) *DiskReader {
	return &DiskReader{
		name:             name,
		broker:           broker,
		session:          session,
		config:           config,
		declick:          MakeDeclickRamp(config.SampleRate),
		chunkSamples:     config.ChunkSamples,
		midiReadahead:    config.MIDIReadahead,
		midiScratch:      reeltime.NewMIDIFrameBuffer(midiFrameBufferCapacity),
		requestOverwrite: requestOverwrite,
	}
}

func (r *DiskReader) Name() string { return r.name }

// NumChannels returns how many audio channels are armed.
func (r *DiskReader) NumChannels() int { return len(r.channels) }

// Channel exposes one channel for buffer-level inspection.
func (r *DiskReader) Channel(i int) *ReaderChannelInfo { return r.channels[i] }

// Buffer is the channel's playback ring. The SPSC discipline still
// applies: only the butler may write, only the realtime thread may read.
func (c *ReaderChannelInfo) Buffer() *PlaybackBuffer[float32] { return c.rbuf }

// AddChannels arms howMany more audio channels, each with its own ring and
// realtime scratch.
func (r *DiskReader) AddChannels(howMany int) {
	for ; howMany > 0; howMany-- {
		r.channels = append(r.channels, &ReaderChannelInfo{
			rbuf: NewPlaybackBuffer[float32](r.config.PlaybackBufferSize),
		})
		r.scratch = append(r.scratch, make([]float32, MaxBlockSamples))
	}
}

// UseMIDI attaches a MIDI event ring so the reader also streams MIDI.
func (r *DiskReader) UseMIDI(bufferEvents int) {
	r.midiBuf = NewMIDIEventBuffer(bufferEvents)
}

// UseAudioPlaylist attaches the audio playlist. Replacing a previously
// attached playlist, or attaching while the session is still loading,
// requests an overwrite so stale ring contents do not play.
func (r *DiskReader) UseAudioPlaylist(p reeltime.AudioPlaylist) {
	prior := r.audioPlaylist != nil
	r.audioPlaylist = p
	if !r.overwriteQueued && (prior || r.session.Loading()) {
		r.overwriteQueued = true
		if r.requestOverwrite != nil {
			r.requestOverwrite(r)
		}
	}
}

func (r *DiskReader) UseMIDIPlaylist(p reeltime.MIDIPlaylist, filter *reeltime.MIDIChannelFilter) {
	r.midiPlaylist = p
	r.midiFilter = filter
}

// PlaylistModified is called when regions move or change under the
// playback cursor; it schedules an overwrite unless one is already queued.
func (r *DiskReader) PlaylistModified() {
	if !r.overwriteQueued {
		r.overwriteQueued = true
		if r.requestOverwrite != nil {
			r.requestOverwrite(r)
		}
	}
}

// BufferLoad reports how full the playback buffers are, 0..1. MIDI buffers
// drain so slowly that an empty one usually just means the playlist ended,
// so only the audio ring is consulted; with no channels the reader is
// trivially ready.
func (r *DiskReader) BufferLoad() float64 {
	if len(r.channels) == 0 {
		return 1.0
	}
	b := r.channels[0].rbuf
	return float64(b.ReadSpace()) / float64(b.Size())
}

// AdjustBuffering resizes every channel ring to the new disk buffer
// preference. Butler context, with the realtime side inactive.
func (r *DiskReader) AdjustBuffering(bufferSize int) {
	r.config.PlaybackBufferSize = bufferSize
	for _, c := range r.channels {
		c.rbuf = NewPlaybackBuffer[float32](bufferSize)
	}
}

func (r *DiskReader) SetMonitorState(ms reeltime.MonitorState) { r.monitor.Store(int32(ms)) }
func (r *DiskReader) SetSlaved(yn bool)                        { r.slaved.Store(yn) }
func (r *DiskReader) SetPendingActive(yn bool)                 { r.pendingActive.Store(yn) }

// SetNoDiskOutput must be called as part of the process call tree, before
// the disk readers run. It is used when the transport must keep advancing
// to chase a transport master while we are not yet synced, so nothing from
// disk should be audible yet.
func (r *DiskReader) SetNoDiskOutput(yn bool) { r.noDiskOutput.Store(yn) }

// SetLoopLocation publishes a new loop range; nil clears it.
func (r *DiskReader) SetLoopLocation(loc *reeltime.LoopRange) { r.loopLocation.Store(loc) }

func (r *DiskReader) PlaybackSample() int64 { return r.playbackSample }
func (r *DiskReader) NeedButler() bool      { return r.needButler.Load() }

// DeclickInProgress reports whether the stop fade has not finished yet.
// The transport polls this to know when to inject declick_done.
func (r *DiskReader) DeclickInProgress() bool {
	return r.declick.Gain() != 0
}

func (r *DiskReader) PendingOverwrite() bool {
	return r.pendingOverwrite.Load()
}

// SetPendingOverwrite snapshots the playback position and flushes the read
// side of the audio rings, so the butler can rebuild them from the
// playlist. Realtime thread; the butler picks the flag up on its next
// round.
func (r *DiskReader) SetPendingOverwrite() {
	r.overwriteSample = r.playbackSample
	for _, c := range r.channels {
		c.rbuf.ReadFlush()
	}
	r.pendingOverwrite.Store(true)
}

// Run serves one process cycle: drains disk audio into bufs.Audio and disk
// MIDI into bufs.MIDI[0], advances the playback cursor and decides whether
// the butler has work. speed is -1, 0 or +1; start/endSample locate the
// cycle on the session timeline. With resultRequired false the data is
// consumed but not delivered.
//
// Realtime thread only. Never allocates; on underrun it signals once and
// aborts the cycle leaving the rings untouched.
func (r *DiskReader) Run(bufs *reeltime.BufferSet, startSample, endSample int64, speed int, nframes int, resultRequired bool) {
	if r.active {
		if !r.pendingActive.Load() {
			r.active = false
			return
		}
	} else {
		if r.pendingActive.Load() {
			r.active = true
		} else {
			return
		}
	}

	ms := reeltime.MonitorState(r.monitor.Load())

	var targetGain float32
	if speed != 0 && ms&reeltime.MonitoringDisk != 0 {
		targetGain = 1
	}
	if !r.config.UseTransportFades {
		r.declick.SetGain(targetGain)
	}

	if speed == 0 && ms == reeltime.MonitoringDisk && r.declick.Gain() == targetGain {
		// stopped and fully faded; do not accidentally pass any data from
		// disk into the outputs
		return
	}

	stillLocating := r.session.GlobalLocatePending() || r.pendingOverwrite.Load()

	var diskSamplesToConsume int64
	if speed != 0 {
		diskSamplesToConsume = int64(nframes)
	}

	if len(r.channels) > 0 {
		if r.declick.Gain() != targetGain && targetGain == 0 {
			// fade-out: keep feeding disk data so there is something to
			// ramp down, even if the route would not otherwise monitor it
			ms |= reeltime.MonitoringDisk
			resultRequired = true
		} else {
			r.declickOffs = 0
		}

		if !resultRequired || ms&reeltime.MonitoringDisk == 0 || stillLocating || r.noDiskOutput.Load() {

			// no need for actual disk data, just advance the read pointers

			if !stillLocating || r.noDiskOutput.Load() {
				for _, c := range r.channels {
					c.rbuf.IncrementReadPtr(diskSamplesToConsume)
				}
			}

			// if monitoring disk but locating, put silence in the buffers

			if (r.noDiskOutput.Load() || stillLocating) && ms == reeltime.MonitoringDisk {
				for _, out := range bufs.Audio {
					vek32.Zeros_Into(out[:nframes], nframes)
				}
			}

		} else {

			if startSample != r.playbackSample && targetGain != 0 {
				if r.canInternalPlaybackSeek(startSample - r.playbackSample) {
					r.internalPlaybackSeek(startSample - r.playbackSample)
				} else {
					// the ring cannot bridge the jump; a realtime invariant
					// is broken, so fall back to silence for this cycle
					r.broker.Alert(r.name, "playback position diverged beyond the buffer, emitting silence", Error)
					for _, out := range bufs.Audio {
						vek32.Zeros_Into(out[:nframes], nframes)
					}
					return
				}
			}

			if speed != 0 {
				// abort before touching anything if any ring would come up
				// short, so an underrun leaves the buffer state untouched
				for _, c := range r.channels {
					if c.rbuf.ReadSpace() < diskSamplesToConsume {
						TrySend(r.broker.ToControl, MsgToControl{Underrun: true, UnderrunName: r.name})
						return
					}
				}
			}

			nBuffers := len(bufs.Audio)
			scaling := float32(1)
			if len(r.channels) > nBuffers {
				scaling = float32(nBuffers) / float32(len(r.channels))
			}

			for n, c := range r.channels {
				output := bufs.Audio[n%nBuffers][:nframes]
				diskBuf := output
				if ms&reeltime.MonitoringInput != 0 {
					diskBuf = r.scratch[n][:nframes]
				}

				if speed != 0 {
					c.rbuf.Read(diskBuf)
				} else if r.declick.Gain() != targetGain {
					// stopped but still fading: peek past the read pointer
					// without consuming, so a later restart replays from
					// the stop position
					total := c.rbuf.PeekRead(diskBuf, r.declickOffs)
					if n == len(r.channels)-1 {
						r.declickOffs += total
					}
				}

				r.declick.ApplyGain(diskBuf, targetGain)

				if scaling != 1 {
					vek32.MulNumber_Inplace(diskBuf, scaling)
				}

				if ms&reeltime.MonitoringInput != 0 {
					// mix the disk signal under the input signal already in
					// the output buffer
					vek32.Add_Inplace(output, diskBuf)
				}
			}
		}
	}

	// MIDI

	if r.midiBuf != nil && len(bufs.MIDI) > 0 {
		dst := bufs.MIDI[0]
		if r.noDiskOutput.Load() {
			dst = r.midiScratch
			dst.Clear()
		}
		if ms&reeltime.MonitoringDisk != 0 && !stillLocating {
			r.getMIDIPlayback(dst, startSample, endSample, ms, speed)
		}
	}

	if !stillLocating {

		butlerRequired := false

		if speed < 0 {
			r.playbackSample -= diskSamplesToConsume
		} else {
			r.playbackSample += diskSamplesToConsume
		}

		if r.audioPlaylist != nil && len(r.channels) > 0 {
			front := r.channels[0].rbuf
			if r.slaved.Load() {
				if front.WriteSpace() >= front.Size()/2 {
					butlerRequired = true
				}
			} else {
				if front.WriteSpace() >= r.chunkSamples {
					butlerRequired = true
				}
			}
		}

		if r.midiPlaylist != nil && r.midiBuf != nil {
			samplesRead := r.samplesReadFromRing.Load()
			samplesWritten := r.samplesWrittenToRing.Load()

			// samplesRead is normally behind samplesWritten, but right
			// after an overwrite we may have read some data before the
			// butler has written any; summon the butler rather than trust
			// the wrapped difference
			if samplesRead <= samplesWritten {
				if int64(samplesWritten-samplesRead)+diskSamplesToConsume < r.midiReadahead {
					butlerRequired = true
				}
			} else {
				butlerRequired = true
			}
		}

		r.needButler.Store(butlerRequired)
	}
}

// getMIDIPlayback pulls this cycle's events from the MIDI ring into dst,
// honoring the loop location. Time stamps stay in session samples; callers
// add a per-port offset if they need one.
func (r *DiskReader) getMIDIPlayback(dst *reeltime.MIDIFrameBuffer, startSample, endSample int64, ms reeltime.MonitorState, speed int) {
	target := dst
	if ms&reeltime.MonitoringInput != 0 {
		target = r.midiScratch
		target.Clear()
	}

	nframes := endSample - startSample
	if nframes < 0 {
		nframes = -nframes
	}

	if speed < 0 {
		// reverse MIDI playback is unsupported: the butler does not refill
		// backwards and we keep the destination silent
		r.samplesReadFromRing.Add(uint32(nframes))
		return
	}

	loc := r.loopLocation.Load()

	if loc != nil {
		effectiveStart := loc.Squish(startSample)

		if effectiveStart == loc.Start {
			// turn off notes that sustain past the loop end before the
			// next lap starts them again
			r.midiBuf.ResolveTracker(target, loc.Start)
		}

		if loc.End >= effectiveStart && loc.End < effectiveStart+nframes {
			// the loop end is inside this cycle; split the read in two and
			// read the second part from the loop start
			first := loc.End - effectiveStart
			second := nframes - first
			if first > 0 {
				r.midiBuf.Read(target, effectiveStart, effectiveStart+first)
			}
			if second > 0 {
				r.midiBuf.Read(target, loc.Start, loc.Start+second)
			}
		} else {
			r.midiBuf.Read(target, effectiveStart, effectiveStart+nframes)
		}
	} else {
		if skipped := r.midiBuf.SkipTo(startSample); skipped > 0 {
			r.broker.Alert(r.name, "skipped MIDI events, possible underflow", Warning)
		}
		r.midiBuf.Read(target, startSample, endSample)
	}

	r.samplesReadFromRing.Add(uint32(nframes))

	if ms&reeltime.MonitoringInput != 0 {
		dst.Merge(target)
	}
}

// canInternalPlaybackSeek reports whether every ring can bridge a skip of
// distance samples without the butler's help.
func (r *DiskReader) canInternalPlaybackSeek(distance int64) bool {
	for _, c := range r.channels {
		if !c.rbuf.CanSeek(distance) {
			return false
		}
	}

	if distance < 0 {
		// MIDI cannot be un-read; rely on SkipTo dropping stale events
		return true
	}

	if r.midiBuf == nil {
		return true
	}

	samplesRead := r.samplesReadFromRing.Load()
	samplesWritten := r.samplesWrittenToRing.Load()
	return int64(samplesWritten-samplesRead) >= distance
}

func (r *DiskReader) internalPlaybackSeek(distance int64) {
	if distance == 0 {
		return
	}
	var off int64
	for _, c := range r.channels {
		if distance < 0 {
			off = -c.rbuf.DecrementReadPtr(-distance)
		} else {
			off = c.rbuf.IncrementReadPtr(distance)
		}
	}
	r.playbackSample += off
}
