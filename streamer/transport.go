package streamer

import (
	"sync/atomic"

	"github.com/vsariola/reeltime"
)

type (
	// TransportFSM drives the coordinated transitions between stopping,
	// rolling and locating. It owns no audio machinery itself; every
	// decision turns into a call on the TransportAPI collaborator, and the
	// embedding feeds back the completion events (declick_done,
	// butler_done, locate_done).
	//
	// The FSM is not safe for concurrent use: drive it from a single
	// control goroutine. The realtime and butler threads hand their events
	// to that goroutine through a channel and never call Process directly.
	TransportFSM struct {
		api    reeltime.TransportAPI
		broker *Broker

		// state is atomic only so other threads can observe it; all
		// transitions still happen on the control goroutine
		state           atomic.Int32
		stoppedToLocate bool
		lastLocate      LocateEvent
		slaved          bool

		// events deferred while waiting for the butler, reinjected in FIFO
		// order when ButlerWait exits
		deferred []any
	}

	TransportState int

	// StartEvent requests the transport to roll.
	StartEvent struct{}

	// StopEvent requests the transport to stop, optionally abandoning
	// capture (Abort) and clearing transport state (ClearState).
	StopEvent struct {
		Abort      bool
		ClearState bool
	}

	// LocateEvent requests a seek of the playback cursor to Target.
	LocateEvent struct {
		Target    int64
		WithRoll  bool
		WithFlush bool
		WithLoop  bool
		Force     bool
	}

	// LocateDoneEvent reports that the locate finished.
	LocateDoneEvent struct{}

	// ButlerDoneEvent reports that the butler finished its coordinated
	// transport work.
	ButlerDoneEvent struct{}

	// ButlerRequiredEvent reports that transport work needs the butler
	// before the transport can settle.
	ButlerRequiredEvent struct{}

	// DeclickDoneEvent reports that the stop fade reached silence.
	DeclickDoneEvent struct{}
)

const (
	TransportStopped TransportState = iota
	TransportRolling
	TransportLocating
	TransportDeclickOut
	TransportButlerWait
	TransportMasterWait
)

func (s TransportState) String() string {
	switch s {
	case TransportStopped:
		return "Stopped"
	case TransportRolling:
		return "Rolling"
	case TransportLocating:
		return "Locating"
	case TransportDeclickOut:
		return "DeclickOut"
	case TransportButlerWait:
		return "ButlerWait"
	case TransportMasterWait:
		return "MasterWait"
	}
	return "Unknown"
}

func NewTransportFSM(api reeltime.TransportAPI, broker *Broker) *TransportFSM {
	return &TransportFSM{api: api, broker: broker}
}

// State returns the current state. Safe to read from any thread, but only
// the control goroutine may Process events.
func (t *TransportFSM) State() TransportState { return TransportState(t.state.Load()) }

// SetSlaved tells the FSM the session follows an external transport
// master: a locate-with-roll then parks in MasterWait until the master
// catches up and the embedding injects start.
func (t *TransportFSM) SetSlaved(yn bool) { t.slaved = yn }

// LastLocate returns the most recently latched locate request; a newer
// locate simply overwrites it, the FSM never queues several.
func (t *TransportFSM) LastLocate() LocateEvent { return t.lastLocate }

// Process feeds one event through the machine. Unhandled combinations are
// dropped silently, like any state machine with an implicit no-transition
// default.
func (t *TransportFSM) Process(ev any) {
	switch t.State() {
	case TransportStopped:
		t.processStopped(ev)
	case TransportRolling:
		t.processRolling(ev)
	case TransportLocating:
		t.processLocating(ev)
	case TransportDeclickOut:
		t.processDeclickOut(ev)
	case TransportButlerWait:
		t.processButlerWait(ev)
	case TransportMasterWait:
		t.processMasterWait(ev)
	}
}

func (t *TransportFSM) processStopped(ev any) {
	switch e := ev.(type) {
	case StartEvent:
		t.transition(TransportRolling)
		t.api.StartTransport()
	case StopEvent:
		// already stopped
	case LocateEvent:
		t.markForLocate(e)
		t.transition(TransportLocating)
		t.startLocate()
	case ButlerDoneEvent:
		t.api.ButlerCompletedTransportWork()
	case ButlerRequiredEvent:
		t.transition(TransportButlerWait)
		t.api.ScheduleButlerForTransportWork()
	}
}

func (t *TransportFSM) processRolling(ev any) {
	switch e := ev.(type) {
	case StartEvent:
		// already rolling
	case StopEvent:
		t.markForStop(e)
		t.transition(TransportDeclickOut)
	case LocateEvent:
		t.markForLocate(e)
		t.transition(TransportDeclickOut)
	case ButlerDoneEvent:
		// routine refill completion, nothing transport-level to do
	case ButlerRequiredEvent:
		t.transition(TransportButlerWait)
		t.api.ScheduleButlerForTransportWork()
	}
}

func (t *TransportFSM) processLocating(ev any) {
	switch e := ev.(type) {
	case LocateDoneEvent:
		if t.lastLocate.WithRoll {
			if t.slaved {
				t.transition(TransportMasterWait)
				t.api.RollAfterLocate()
			} else {
				t.transition(TransportRolling)
				t.api.RollAfterLocate()
			}
		} else {
			t.transition(TransportStopped)
		}
	case StopEvent:
		t.transition(TransportStopped)
		t.api.StopTransport(e.Abort, e.ClearState)
	case StartEvent:
		t.transition(TransportRolling)
	case LocateEvent:
		// a newer locate supersedes the one in flight; last write wins
		t.lastLocate = e
		t.transition(TransportRolling)
	case ButlerDoneEvent:
		// stay; the locate is still in flight
	case ButlerRequiredEvent:
		t.transition(TransportButlerWait)
		t.api.ScheduleButlerForTransportWork()
	}
}

func (t *TransportFSM) processDeclickOut(ev any) {
	switch ev.(type) {
	case DeclickDoneEvent:
		if t.stoppedToLocate {
			t.transition(TransportLocating)
			t.api.ExitDeclick()
			t.startLocate()
		} else {
			t.transition(TransportStopped)
			t.api.ExitDeclick()
		}
	case ButlerRequiredEvent:
		t.transition(TransportButlerWait)
		t.api.ScheduleButlerForTransportWork()
	}
}

func (t *TransportFSM) processButlerWait(ev any) {
	switch ev.(type) {
	case ButlerDoneEvent:
		if t.stoppedToLocate {
			t.transition(TransportLocating)
			t.api.LocatePhaseTwo()
		} else {
			t.transition(TransportStopped)
			t.api.ButlerCompletedTransportWork()
		}
		t.drainDeferred()
	case StartEvent, StopEvent:
		// defer until the butler is done; reinjected in FIFO order
		t.deferred = append(t.deferred, ev)
	case ButlerRequiredEvent:
		t.api.ScheduleButlerForTransportWork()
	}
}

func (t *TransportFSM) processMasterWait(ev any) {
	switch e := ev.(type) {
	case StartEvent:
		// the master caught up
		t.transition(TransportRolling)
	case StopEvent:
		t.transition(TransportStopped)
		t.api.StopTransport(e.Abort, e.ClearState)
	case ButlerRequiredEvent:
		t.transition(TransportButlerWait)
		t.api.ScheduleButlerForTransportWork()
	}
}

// markForLocate latches the request and begins the stop fade that precedes
// the actual seek.
func (t *TransportFSM) markForLocate(e LocateEvent) {
	t.stoppedToLocate = true
	t.lastLocate = e
	t.api.StopTransport(false, false)
}

func (t *TransportFSM) markForStop(e StopEvent) {
	t.stoppedToLocate = false
	t.api.StopTransport(e.Abort, e.ClearState)
}

func (t *TransportFSM) startLocate() {
	l := t.lastLocate
	t.api.Locate(l.Target, l.WithRoll, l.WithFlush, l.WithLoop, l.Force)
}

func (t *TransportFSM) drainDeferred() {
	for len(t.deferred) > 0 {
		ev := t.deferred[0]
		t.deferred = t.deferred[1:]
		t.Process(ev)
	}
}

func (t *TransportFSM) transition(next TransportState) {
	old := t.State()
	if old == next {
		return
	}
	t.state.Store(int32(next))
	if t.broker != nil {
		TrySend(t.broker.ToControl, MsgToControl{HasStateChange: true, OldState: old, NewState: next})
	}
}
