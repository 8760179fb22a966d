package streamer

import (
	"fmt"
	"sync"

	"github.com/vsariola/reeltime"
)

// maxRefillSamples sizes the butler's working buffers. Disk reads are
// limited to 4 MiB chunks; with 16-bit files that is 2M samples, the most
// any read size can convert to.
const maxRefillSamples = 2 * 1048576

type (
	// Butler is the background worker that performs disk I/O on behalf of
	// the disk readers: periodic ring refills, seeks and buffer overwrites.
	// It is the sole writer of the audio and MIDI rings. Unlike the
	// realtime thread it may allocate and block.
	//
	// The butler owns three process-wide working buffers sized for the
	// largest possible read. They are butler-thread-only; nothing outside
	// Run may touch them.
	Butler struct {
		broker *Broker
		wake   chan struct{}

		mu      sync.Mutex
		readers []*DiskReader

		sum     []float32
		mixdown []float32
		gain    []float32
	}

	// TransportWorkMsg asks the butler to run coordinated transport work
	// (a seek, an overwrite) on its thread. Done, if set, is called on the
	// butler thread after the work finishes; embeddings use it to inject
	// butler_done into the transport state machine.
	TransportWorkMsg struct {
		Work func()
		Done func()
	}
)

func NewButler(broker *Broker) *Butler {
	return &Butler{
		broker:  broker,
		wake:    make(chan struct{}, 1),
		sum:     make([]float32, maxRefillSamples),
		mixdown: make([]float32, maxRefillSamples),
		gain:    make([]float32, maxRefillSamples),
	}
}

func (b *Butler) AddReader(r *DiskReader) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readers = append(b.readers, r)
}

func (b *Butler) RemoveReader(r *DiskReader) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.readers {
		if c == r {
			b.readers = append(b.readers[:i], b.readers[i+1:]...)
			return
		}
	}
}

// Summon wakes the butler to serve the readers. Non-blocking; safe from
// any thread. The wake channel has capacity 1, so if it is already full
// the butler is waking up anyway and dropping the signal is fine.
func (b *Butler) Summon() {
	TrySend(b.wake, struct{}{})
}

// Run is the butler loop; run it in its own goroutine. It exits when
// CloseButler is signalled and closes FinishedButler on the way out.
func (b *Butler) Run() {
	defer close(b.broker.FinishedButler)
	for {
		select {
		case <-b.broker.CloseButler:
			return
		case msg := <-b.broker.ToButler:
			switch m := msg.(type) {
			case TransportWorkMsg:
				if m.Work != nil {
					m.Work()
				}
				if m.Done != nil {
					m.Done()
				}
			case func():
				m()
			default:
				// ignore unknown messages
			}
			b.serve()
		case <-b.wake:
			b.serve()
		}
	}
}

func (b *Butler) snapshotReaders() []*DiskReader {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*DiskReader(nil), b.readers...)
}

// serve makes one pass over the readers: overwrites first, then refills
// for whoever signalled demand.
func (b *Butler) serve() {
	for _, r := range b.snapshotReaders() {
		if r.PendingOverwrite() {
			if err := r.OverwriteExistingBuffers(); err != nil {
				b.broker.Alert(r.Name(), err.Error(), Error)
			}
		}
		if r.NeedButler() {
			if _, err := r.Refill(b.sum, b.mixdown, b.gain, 0); err != nil {
				b.broker.Alert(r.Name(), err.Error(), Error)
			}
		}
	}
}

// Seek moves the reader to a new playback position and primes the rings
// from there: completely when completeRefill is set, otherwise with a
// single refill round that leaves one chunk of headroom unfilled.
// Butler thread; the realtime side must be stopped or locating.
func (r *DiskReader) Seek(sample int64, completeRefill bool) error {
	if r.declick.Gain() != 0 {
		// the transport should postpone seeking until the de-click is
		// complete; process the seek anyway, it may produce a click
		r.broker.Alert(r.name, "seek while de-click still in progress", Warning)
	}
	r.pendingOverwrite.Store(false)

	for _, c := range r.channels {
		c.rbuf.Reset()
	}

	if r.samplesReadFromRing.Load() == 0 {
		// nothing has been consumed since the last seek; flush all note
		// trackers to prevent weirdness
		r.resetTracker()
	}

	if r.midiBuf != nil {
		r.midiBuf.Reset()
	}
	r.samplesReadFromRing.Store(0)
	r.samplesWrittenToRing.Store(0)

	r.playbackSample = sample
	r.fileSample[dataAudio] = sample
	r.fileSample[dataMIDI] = sample

	if completeRefill {
		// refill the entire buffer, using the largest reads possible
		for {
			more, err := r.refillWithScratch(false)
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
		}
	}
	_, err := r.refillWithScratch(true)
	return err
}

// refillWithScratch runs one refill using pooled scratch instead of the
// butler's persistent working buffers. With partialFill the audio refill
// leaves one chunk of headroom unfilled for later rounds.
func (r *DiskReader) refillWithScratch(partialFill bool) (more bool, err error) {
	sum := r.broker.GetScratch(maxRefillSamples)
	mixdown := r.broker.GetScratch(maxRefillSamples)
	gain := r.broker.GetScratch(maxRefillSamples)
	defer func() {
		r.broker.PutScratch(sum)
		r.broker.PutScratch(mixdown)
		r.broker.PutScratch(gain)
	}()
	var fillLevel int64
	if partialFill {
		fillLevel = r.chunkSamples
	}
	return r.Refill(*sum, *mixdown, *gain, fillLevel)
}

// Refill tops up the audio rings and then the MIDI ring. With fillLevel
// nonzero the audio refill leaves that many samples of headroom unfilled,
// so a post-locate refill does not have to fill the whole buffer before
// playback can resume. Butler thread.
func (r *DiskReader) Refill(sum, mixdown, gain []float32, fillLevel int64) (more bool, err error) {
	more, err = r.refillAudio(sum, mixdown, gain, fillLevel)
	if err != nil {
		return more, err
	}
	if err := r.refillMIDI(); err != nil {
		return more, err
	}
	return more, nil
}

// refillAudio gets more data from disk into the channel rings, if there is
// suitable space in them. Returns whether another round of work remains.
func (r *DiskReader) refillAudio(sum, mixdown, gain []float32, fillLevel int64) (more bool, err error) {
	// do not read from disk while the session is still loading; the
	// overwrite issued at the end of loading refills everything anyway
	if r.session.Loading() {
		return false, nil
	}

	if len(r.channels) == 0 {
		return false, nil
	}

	speed := r.session.TransportSpeed()
	reversed := speed < 0

	totalSpace := r.channels[0].rbuf.WriteSpace()
	if totalSpace == 0 {
		return false, nil
	}

	if fillLevel > 0 {
		if fillLevel < totalSpace {
			totalSpace -= fillLevel
		} else {
			fillLevel = 0
		}
	}

	// near normal speed, don't bother with refills smaller than a chunk;
	// at higher speeds do them anyway, the sync between butler and audio
	// thread may not be good enough
	if totalSpace < r.chunkSamples && speed > -2 && speed < 2 {
		return false, nil
	}

	// when slaved, don't get too close to the read pointer; the buffer
	// reversal needs something useful to work with
	if r.slaved.Load() && totalSpace < r.channels[0].rbuf.Size()/2 {
		return false, nil
	}

	ffa := r.fileSample[dataAudio]
	var zeroFill int64

	if reversed {
		if ffa == 0 {
			// at the start: nothing to do but fill with silence
			for _, c := range r.channels {
				c.rbuf.WriteZero(c.rbuf.WriteSpace())
			}
			return false, nil
		}
		if ffa < totalSpace {
			// too close to the start: read what we can, zero fill the rest
			zeroFill = totalSpace - ffa
			totalSpace = ffa
		}
	} else {
		if ffa == reeltime.MaxSamplePos {
			// at the end: nothing to do but fill with silence
			for _, c := range r.channels {
				c.rbuf.WriteZero(c.rbuf.WriteSpace())
			}
			return false, nil
		}
		if ffa > reeltime.MaxSamplePos-totalSpace {
			zeroFill = totalSpace - (reeltime.MaxSamplePos - ffa)
			totalSpace = reeltime.MaxSamplePos - ffa
		}
	}

	// totalSpace is in samples; disk reads are optimized in bytes. Bigger
	// chunks are faster in MB/sec but take longer per read, so clamp to
	// 256 KiB..4 MiB and round down to a 16 KiB multiple.
	bytesPerSample := int64(r.config.NativeFileBits / 8)
	totalBytes := totalSpace * bytesPerSample
	byteSizeForRead := min(int64(4*1048576), totalBytes)
	if byteSizeForRead < 256*1024 {
		byteSizeForRead = 256 * 1024
	}
	byteSizeForRead = byteSizeForRead / 16384 * 16384
	samplesToRead := byteSizeForRead / bytesPerSample

	fileSampleTmp := ffa
	for n, c := range r.channels {
		fileSampleTmp = ffa
		toRead := min(totalSpace, c.rbuf.WriteSpace(), samplesToRead)
		if toRead > 0 {
			if err := r.audioRead(c.rbuf, sum, mixdown, gain, &fileSampleTmp, toRead, n, reversed); err != nil {
				return false, fmt.Errorf("when refilling, cannot read %v from playlist at sample %v: %w", toRead, ffa, err)
			}
		}
		if zeroFill > 0 {
			c.rbuf.WriteZero(zeroFill)
		}
	}

	r.fileSample[dataAudio] = fileSampleTmp

	return totalSpace-samplesToRead > r.chunkSamples, nil
}

// audioRead reads cnt samples of one channel from the playlist into its
// ring, splitting the read at loop boundaries and reversing blocks when
// running backwards. start is updated to where the read ended up.
func (r *DiskReader) audioRead(rb *PlaybackBuffer[float32], sum, mixdown, gain []float32, start *int64, cnt int64, channel int, reversed bool) error {
	if r.audioPlaylist == nil {
		rb.WriteZero(cnt)
		return nil
	}

	// loops are not played in reverse; the loop location only applies to
	// forward reads, and a reversed read with a loop set raises a warning
	var loc *reeltime.LoopRange
	if !reversed {
		loc = r.loopLocation.Load()
		if loc != nil && *start >= loc.End {
			// ensure the first sample read is at the correct position
			// within the loop
			*start = loc.Start + (*start-loc.Start)%loc.Length()
		}
	} else if r.loopLocation.Load() != nil {
		r.broker.Alert(r.name, "loop location ignored while playing in reverse", Warning)
	}

	if reversed {
		*start -= cnt
	}

	// a loop boundary splits the playlist read into more than one section

	for cnt > 0 {
		thisRead := cnt
		reloop := false
		if loc != nil && loc.End-*start < cnt {
			thisRead = loc.End - *start
			reloop = true
		}
		if thisRead == 0 {
			break
		}

		n, err := r.audioPlaylist.Read(sum[:thisRead], mixdown[:thisRead], gain[:thisRead], *start, thisRead, channel)
		if err != nil {
			return fmt.Errorf("playlist read at sample %v: %w", *start, err)
		}
		if n != thisRead {
			return fmt.Errorf("playlist read at sample %v came up short: %v of %v", *start, n, thisRead)
		}

		if reversed {
			reverseBlock(sum[:thisRead])
		} else {
			if reloop {
				// read to the end of the loop; go back to the beginning
				*start = loc.Start
			} else {
				*start += thisRead
			}
		}

		if rb.Write(sum[:thisRead]) != thisRead {
			r.broker.Alert(r.name, "ring buffer write overrun", Warning)
		}

		cnt -= thisRead
	}

	return nil
}

func reverseBlock(buf []float32) {
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
}

// midiRead reads dur samples worth of MIDI from the playlist into the
// event ring, wrapping at the loop boundary. start is advanced
// monotonically; it does not reflect looping. Reverse MIDI playback is
// unsupported, so a reversed read is a no-op.
func (r *DiskReader) midiRead(start *int64, dur int64, reversed bool) error {
	if reversed || r.midiPlaylist == nil || r.midiBuf == nil {
		return nil
	}

	loc := r.loopLocation.Load()
	effectiveStart := *start

	for dur > 0 {
		thisRead := dur
		if loc != nil {
			effectiveStart = loc.Squish(effectiveStart)
			if loc.End-effectiveStart <= dur {
				// too close to the end of the loop to read dur
				thisRead = loc.End - effectiveStart
			}
		}
		if thisRead == 0 {
			break
		}

		n, err := r.midiPlaylist.Read(r.midiBuf, effectiveStart, thisRead, loc, r.midiFilter)
		if err != nil {
			return fmt.Errorf("MIDI playlist read at sample %v: %w", effectiveStart, err)
		}
		if n != thisRead {
			return fmt.Errorf("MIDI playlist read at sample %v came up short: %v of %v", effectiveStart, n, thisRead)
		}

		r.samplesWrittenToRing.Add(uint32(thisRead))

		*start += thisRead
		effectiveStart += thisRead
		dur -= thisRead
	}

	return nil
}

// refillMIDI keeps the event ring topped up to the readahead distance.
func (r *DiskReader) refillMIDI() error {
	if r.midiPlaylist == nil || r.midiBuf == nil {
		return nil
	}

	writeSpace := r.midiBuf.WriteSpace()
	if writeSpace == 0 {
		return nil
	}

	if r.session.TransportSpeed() < 0 {
		return nil
	}

	ffm := r.fileSample[dataMIDI]
	if ffm == reeltime.MaxSamplePos {
		// at the end: nothing to do
		return nil
	}

	samplesRead := r.samplesReadFromRing.Load()
	samplesWritten := r.samplesWrittenToRing.Load()

	if samplesRead < samplesWritten && int64(samplesWritten-samplesRead) >= r.midiReadahead {
		return nil
	}

	toRead := r.midiReadahead - (int64(samplesWritten) - int64(samplesRead))
	toRead = min(toRead, reeltime.MaxSamplePos-ffm)
	// the event ring's free slots are a coarse bound here: one event per
	// sample is the densest stream worth supporting
	toRead = min(toRead, writeSpace)

	if err := r.midiRead(&ffm, toRead, false); err != nil {
		return err
	}

	r.fileSample[dataMIDI] = ffm
	return nil
}

// OverwriteExistingBuffers rebuilds the rings from the playlists at the
// position snapshotted by SetPendingOverwrite. Butler thread.
func (r *DiskReader) OverwriteExistingBuffers() (err error) {
	r.overwriteQueued = false

	if len(r.channels) > 0 {
		reversed := r.session.TransportSpeed() < 0

		// all channels are the same size; after the realtime side's read
		// flush, the write space is the full usable capacity
		size := r.channels[0].rbuf.WriteSpace()

		sum := r.broker.GetScratch(int(size))
		mixdown := r.broker.GetScratch(int(size))
		gain := r.broker.GetScratch(int(size))
		defer func() {
			r.broker.PutScratch(sum)
			r.broker.PutScratch(mixdown)
			r.broker.PutScratch(gain)
		}()

		start := r.overwriteSample
		for n, c := range r.channels {
			start = r.overwriteSample
			if e := r.audioRead(c.rbuf, *sum, *mixdown, *gain, &start, size, n, reversed); e != nil {
				err = fmt.Errorf("when overwriting, cannot read %v from playlist at sample %v: %w", size, r.overwriteSample, e)
				break
			}
		}
		if err == nil && !reversed {
			// keep the butler cursor contiguous with the rebuilt ring
			r.fileSample[dataAudio] = start
		}
	}

	if r.midiBuf != nil && r.midiPlaylist != nil {
		// safe to clear the ring as long as the butler thread is the one
		// doing it
		r.midiBuf.Reset()
		r.midiBuf.ResetTracker()

		r.samplesReadFromRing.Store(0)
		r.samplesWrittenToRing.Store(0)

		// resolve all currently active notes in the playlist. This is more
		// aggressive than strictly necessary, but without knowing which
		// change caused the overwrite it is the safe choice.
		r.midiPlaylist.ResolveNoteTrackers(r.midiBuf, r.overwriteSample)

		cursor := r.overwriteSample
		if e := r.midiRead(&cursor, r.chunkSamples, false); e != nil && err == nil {
			err = e
		}
		r.fileSample[dataMIDI] = cursor
	}

	r.pendingOverwrite.Store(false)
	return err
}

func (r *DiskReader) resetTracker() {
	if r.midiBuf != nil {
		r.midiBuf.ResetTracker()
	}
	if r.midiPlaylist != nil {
		r.midiPlaylist.ResetNoteTrackers()
	}
}
