// Command reeltime-play streams a synthetic session (and optionally a
// .mid file) through the disk streaming engine to the soundcard. It exists
// to exercise the full transport path: rolling, locating mid-play and the
// declicked stop, with the butler refilling the rings in the background.
package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"

	"github.com/vsariola/reeltime"
	"github.com/vsariola/reeltime/oto"
	"github.com/vsariola/reeltime/streamer"
	"github.com/vsariola/reeltime/version"
)

// playSession is the minimal session the engine needs: transport speed and
// the two pending-state signals.
type playSession struct {
	speed         atomic.Uint64 // float64 bits
	locatePending atomic.Bool
}

func (s *playSession) TransportSpeed() float64   { return math.Float64frombits(s.speed.Load()) }
func (s *playSession) Loading() bool             { return false }
func (s *playSession) GlobalLocatePending() bool { return s.locatePending.Load() }

func (s *playSession) setSpeed(v float64) { s.speed.Store(math.Float64bits(v)) }

// tonePlaylist is a stand-in for a region-based audio playlist: a few sine
// regions on an otherwise silent timeline, endlessly repeating every
// cycleLen samples so there is always something to stream.
type tonePlaylist struct {
	sampleRate int
	cycleLen   int64
}

func (p tonePlaylist) Read(sum, mixdown, gain []float32, start, cnt int64, channel int) (int64, error) {
	for i := int64(0); i < cnt; i++ {
		pos := start + i
		if pos < 0 {
			sum[i] = 0
			continue
		}
		phase := pos % p.cycleLen
		// two "regions" per cycle: a low tone, a gap, a higher tone
		var freq float64
		switch {
		case phase < p.cycleLen*2/5:
			freq = 220 * float64(channel+1)
		case phase >= p.cycleLen/2 && phase < p.cycleLen*9/10:
			freq = 330 * float64(channel+1)
		}
		if freq == 0 {
			sum[i] = 0
			continue
		}
		sum[i] = 0.2 * float32(math.Sin(2*math.Pi*freq*float64(pos)/float64(p.sampleRate)))
	}
	return cnt, nil
}

// eventListPlaylist serves a fixed, sorted event list, wrapping times into
// the loop range for seamless loops the same way a real playlist would.
type eventListPlaylist struct {
	events []reeltime.MIDIEvent
}

func (p *eventListPlaylist) Read(dst reeltime.EventSink, start, cnt int64, loopRange *reeltime.LoopRange, filter *reeltime.MIDIChannelFilter) (int64, error) {
	var window []reeltime.MIDIEvent
	for _, ev := range p.events {
		t := ev.Time
		if loopRange != nil {
			t = loopRange.Squish(t)
		}
		if t >= start && t < start+cnt {
			window = append(window, reeltime.MIDIEvent{Time: t, Msg: ev.Msg})
		}
	}
	sort.Slice(window, func(i, j int) bool { return window[i].Time < window[j].Time })
	for _, ev := range window {
		var channel uint8
		if ev.Msg.GetChannel(&channel) && !filter.Allows(channel) {
			continue
		}
		dst.WriteEvent(ev)
	}
	return cnt, nil
}

func (p *eventListPlaylist) ResolveNoteTrackers(dst reeltime.EventSink, time int64) {}
func (p *eventListPlaylist) ResetNoteTrackers()                                     {}

// loadSMF flattens a .mid file into a sample-stamped event list, using the
// file's first tempo (or the tempo map's default) for the conversion.
func loadSMF(path string, tm reeltime.ConstantTempoMap) (*eventListPlaylist, error) {
	s, err := smf.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read %v: %w", path, err)
	}
	metric, ok := s.TimeFormat.(smf.MetricTicks)
	if !ok {
		return nil, fmt.Errorf("%v: only metric time format is supported", path)
	}
	if tc := s.TempoChanges(); len(tc) > 0 {
		tm.BPM = tc[0].BPM
	}
	ticksPerBeat := int64(metric.Resolution())
	var events []reeltime.MIDIEvent
	for _, track := range s.Tracks {
		var absTicks int64
		for _, ev := range track {
			absTicks += int64(ev.Delta)
			if !ev.Message.IsPlayable() {
				continue
			}
			beats := reeltime.BeatsFromTicksAtRate(absTicks, ticksPerBeat)
			events = append(events, reeltime.MIDIEvent{
				Time: tm.SampleAtBeats(beats),
				Msg:  midi.Message(ev.Message),
			})
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Time < events[j].Time })
	return &eventListPlaylist{events: events}, nil
}

// engine is the process callback: it runs the disk reader once per oto
// pull, interleaves the channels and keeps the transport fed with the
// completion events it is waiting for.
type engine struct {
	session *playSession
	reader  *streamer.DiskReader
	butler  *streamer.Butler
	events  chan<- any

	bufs        *reeltime.BufferSet
	pos         int64
	wasStopping bool
}

func (e *engine) Process(out []float32) {
	frames := len(out) / 2
	for frames > 0 {
		n := frames
		if n > streamer.MaxBlockSamples {
			n = streamer.MaxBlockSamples
		}
		e.processBlock(out[:n*2])
		out = out[n*2:]
		frames -= n
	}
}

func (e *engine) processBlock(out []float32) {
	nframes := len(out) / 2
	var speed int
	switch s := e.session.TransportSpeed(); {
	case s > 0:
		speed = 1
	case s < 0:
		speed = -1
	}

	left := e.bufs.Audio[0][:nframes]
	right := e.bufs.Audio[1][:nframes]
	for i := 0; i < nframes; i++ {
		left[i] = 0
		right[i] = 0
	}
	e.bufs.MIDI[0].Clear()

	start := e.pos
	end := start + int64(speed)*int64(nframes)

	e.reader.Run(e.bufs, start, end, speed, nframes, true)

	if !e.session.GlobalLocatePending() {
		e.pos = e.reader.PlaybackSample()
	}

	// audible blip per MIDI note start, so .mid playback is heard too
	for _, ev := range e.bufs.MIDI[0].Events() {
		var channel, key, velocity uint8
		if !ev.Msg.GetNoteStart(&channel, &key, &velocity) {
			continue
		}
		offset := int(ev.Time - start)
		if offset < 0 || offset >= nframes {
			offset = 0
		}
		left[offset] += 0.5
		right[offset] += 0.5
	}

	for i := 0; i < nframes; i++ {
		out[i*2] = left[i]
		out[i*2+1] = right[i]
	}

	// the transport waits for the stop fade before it seeks or settles
	stopping := speed == 0 && e.reader.DeclickInProgress()
	if e.wasStopping && !e.reader.DeclickInProgress() {
		streamer.TrySend(e.events, any(streamer.DeclickDoneEvent{}))
	}
	e.wasStopping = stopping

	if e.reader.NeedButler() {
		e.butler.Summon()
	}
}

// transportControl implements the TransportAPI actions on top of the
// session, the butler and the event queue back into the state machine.
type transportControl struct {
	session *playSession
	broker  *streamer.Broker
	reader  *streamer.DiskReader
	events  chan<- any
	fsm     *streamer.TransportFSM
}

func (tc *transportControl) StartTransport() { tc.session.setSpeed(1) }

func (tc *transportControl) StopTransport(abort, clearState bool) {
	// dropping the speed to zero starts the declick fade on the realtime
	// side; the reader reports back when it has finished
	tc.session.setSpeed(0)
}

func (tc *transportControl) Locate(target int64, withRoll, withFlush, withLoop, force bool) {
	tc.session.locatePending.Store(true)
	reader, events, session := tc.reader, tc.events, tc.session
	streamer.TrySend(tc.broker.ToButler, any(streamer.TransportWorkMsg{
		Work: func() {
			if err := reader.Seek(target, withFlush); err != nil {
				tc.broker.Alert(reader.Name(), err.Error(), streamer.Error)
			}
		},
		Done: func() {
			session.locatePending.Store(false)
			streamer.TrySend(events, any(streamer.LocateDoneEvent{}))
		},
	}))
}

func (tc *transportControl) ScheduleButlerForTransportWork() {
	reader, events := tc.reader, tc.events
	streamer.TrySend(tc.broker.ToButler, any(streamer.TransportWorkMsg{
		Work: func() {
			if reader.PendingOverwrite() {
				if err := reader.OverwriteExistingBuffers(); err != nil {
					tc.broker.Alert(reader.Name(), err.Error(), streamer.Error)
				}
			}
		},
		Done: func() {
			streamer.TrySend(events, any(streamer.ButlerDoneEvent{}))
		},
	}))
}

func (tc *transportControl) ButlerCompletedTransportWork() {}
func (tc *transportControl) ExitDeclick()                  {}
func (tc *transportControl) RollAfterLocate()              { tc.session.setSpeed(1) }

// LocatePhaseTwo re-issues the latched locate now that the butler is free.
// Called on the control goroutine, so reading the latched request is safe.
func (tc *transportControl) LocatePhaseTwo() {
	l := tc.fsm.LastLocate()
	tc.Locate(l.Target, l.WithRoll, l.WithFlush, l.WithLoop, l.Force)
}

func main() {
	configFile := flag.String("c", "", "Session configuration file (.yml or .json); defaults are used when omitted.")
	duration := flag.Float64("d", 10, "How long to play, in seconds.")
	locateAt := flag.Float64("locate", 0, "Seek to this position (seconds) halfway through, to exercise the locate path. Negative disables.")
	midiFile := flag.String("m", "", "Play this .mid file along the audio.")
	bpm := flag.Float64("bpm", 120, "Tempo used to convert the .mid file to sample time.")
	loopFlag := flag.String("loop", "", "Loop range in beats, as start:end.")
	versionFlag := flag.Bool("v", false, "Print version.")
	flag.Usage = printUsage
	flag.Parse()
	if *versionFlag {
		fmt.Println(version.VersionOrHash)
		os.Exit(0)
	}

	config := reeltime.DefaultSessionConfig()
	if *configFile != "" {
		var err error
		config, err = reeltime.LoadSessionConfig(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
	}

	tempoMap := reeltime.ConstantTempoMap{BPM: *bpm, SampleRate: config.SampleRate}
	session := &playSession{}
	broker := streamer.NewBroker()
	butler := streamer.NewButler(broker)

	reader := streamer.NewDiskReader("player:demo", broker, session, config, func(r *streamer.DiskReader) {
		butler.Summon()
	})
	reader.AddChannels(2)
	reader.UseAudioPlaylist(tonePlaylist{sampleRate: config.SampleRate, cycleLen: int64(config.SampleRate) * 2})
	reader.SetMonitorState(reeltime.MonitoringDisk)
	reader.SetPendingActive(true)

	if *midiFile != "" {
		playlist, err := loadSMF(*midiFile, tempoMap)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		reader.UseMIDI(4096)
		reader.UseMIDIPlaylist(playlist, nil)
	}

	if *loopFlag != "" {
		var startBeats, endBeats float64
		if _, err := fmt.Sscanf(*loopFlag, "%f:%f", &startBeats, &endBeats); err != nil || endBeats <= startBeats {
			fmt.Fprintf(os.Stderr, "could not parse loop range %q, expected start:end in beats\n", *loopFlag)
			os.Exit(1)
		}
		reader.SetLoopLocation(&reeltime.LoopRange{
			Start: tempoMap.SampleAtBeats(reeltime.BeatsFromFloat(startBeats)),
			End:   tempoMap.SampleAtBeats(reeltime.BeatsFromFloat(endBeats)),
		})
	}

	butler.AddReader(reader)
	go butler.Run()

	events := make(chan any, 64)
	api := &transportControl{session: session, broker: broker, reader: reader, events: events}
	fsm := streamer.NewTransportFSM(api, broker)
	api.fsm = fsm

	controlDone := make(chan struct{})
	go func() {
		defer close(controlDone)
		for {
			select {
			case msg, ok := <-broker.ToControl:
				if !ok {
					return
				}
				switch {
				case msg.Underrun:
					fmt.Fprintf(os.Stderr, "underrun: %v\n", msg.UnderrunName)
				case msg.HasStateChange:
					fmt.Fprintf(os.Stderr, "transport: %v -> %v\n", msg.OldState, msg.NewState)
				default:
					if a, ok := msg.Data.(*streamer.Alert); ok {
						fmt.Fprintf(os.Stderr, "%v: %v\n", a.Name, a.Message)
					}
				}
			case ev, ok := <-events:
				if !ok {
					return
				}
				fsm.Process(ev)
			}
		}
	}()

	// prime the buffers before the realtime side starts pulling
	if err := reader.Seek(0, true); err != nil {
		fmt.Fprintf(os.Stderr, "initial refill: %v\n", err)
		os.Exit(1)
	}

	audioContext, err := oto.NewContext(config.SampleRate, 2)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not acquire oto context: %v\n", err)
		os.Exit(1)
	}
	eng := &engine{
		session: session,
		reader:  reader,
		butler:  butler,
		events:  events,
		bufs: &reeltime.BufferSet{
			Audio: [][]float32{
				make([]float32, streamer.MaxBlockSamples),
				make([]float32, streamer.MaxBlockSamples),
			},
			MIDI: []*reeltime.MIDIFrameBuffer{reeltime.NewMIDIFrameBuffer(1024)},
		},
	}
	player := audioContext.Play(eng)

	events <- streamer.StartEvent{}

	if *locateAt >= 0 && *duration > 0 {
		time.Sleep(time.Duration(*duration / 2 * float64(time.Second)))
		events <- streamer.LocateEvent{
			Target:    int64(*locateAt * float64(config.SampleRate)),
			WithRoll:  true,
			WithFlush: true,
		}
		time.Sleep(time.Duration(*duration / 2 * float64(time.Second)))
	} else {
		time.Sleep(time.Duration(*duration * float64(time.Second)))
	}

	events <- streamer.StopEvent{}

	// give the declick fade and the state machine a moment to settle
	deadline := time.Now().Add(2 * time.Second)
	for fsm.State() != streamer.TransportStopped && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	player.Close()
	broker.CloseButler <- struct{}{}
	if _, ok := streamer.TimeoutReceive(broker.FinishedButler, 3*time.Second); !ok {
		fmt.Fprintln(os.Stderr, "butler did not close in time")
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Plays a demo session through the disk streaming engine.\nUsage: %s [flags]\n", os.Args[0])
	flag.PrintDefaults()
}
