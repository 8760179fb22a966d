package streamer_test

import (
	"fmt"
	"testing"

	"github.com/vsariola/reeltime/streamer"
)

// apiRecorder records every TransportAPI action in order.
type apiRecorder struct {
	calls []string
}

func (a *apiRecorder) StartTransport() { a.calls = append(a.calls, "start_transport") }
func (a *apiRecorder) StopTransport(abort, clearState bool) {
	a.calls = append(a.calls, fmt.Sprintf("stop_transport(%v,%v)", abort, clearState))
}
func (a *apiRecorder) Locate(target int64, withRoll, withFlush, withLoop, force bool) {
	a.calls = append(a.calls, fmt.Sprintf("locate(%v,%v)", target, withRoll))
}
func (a *apiRecorder) ScheduleButlerForTransportWork() { a.calls = append(a.calls, "schedule_butler") }
func (a *apiRecorder) ButlerCompletedTransportWork()   { a.calls = append(a.calls, "butler_completed") }
func (a *apiRecorder) ExitDeclick()                    { a.calls = append(a.calls, "exit_declick") }
func (a *apiRecorder) RollAfterLocate()                { a.calls = append(a.calls, "roll_after_locate") }
func (a *apiRecorder) LocatePhaseTwo()                 { a.calls = append(a.calls, "locate_phase_two") }

func (a *apiRecorder) take() []string {
	calls := a.calls
	a.calls = nil
	return calls
}

func expectCalls(t *testing.T, api *apiRecorder, want ...string) {
	t.Helper()
	got := api.take()
	if len(got) != len(want) {
		t.Fatalf("actions %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("actions %v, want %v", got, want)
		}
	}
}

func expectState(t *testing.T, fsm *streamer.TransportFSM, want streamer.TransportState) {
	t.Helper()
	if fsm.State() != want {
		t.Fatalf("state %v, want %v", fsm.State(), want)
	}
}

func newFSM() (*streamer.TransportFSM, *apiRecorder) {
	api := &apiRecorder{}
	return streamer.NewTransportFSM(api, streamer.NewBroker()), api
}

func TestTransportStartFromStopped(t *testing.T) {
	fsm, api := newFSM()
	fsm.Process(streamer.StartEvent{})
	expectCalls(t, api, "start_transport")
	expectState(t, fsm, streamer.TransportRolling)
}

func TestTransportStopWithDeclick(t *testing.T) {
	fsm, api := newFSM()
	fsm.Process(streamer.StartEvent{})
	api.take()
	fsm.Process(streamer.StopEvent{})
	expectCalls(t, api, "stop_transport(false,false)")
	expectState(t, fsm, streamer.TransportDeclickOut)
	fsm.Process(streamer.DeclickDoneEvent{})
	expectCalls(t, api, "exit_declick")
	expectState(t, fsm, streamer.TransportStopped)
}

func TestTransportLocateWhileRolling(t *testing.T) {
	fsm, api := newFSM()
	fsm.Process(streamer.StartEvent{})
	api.take()
	fsm.Process(streamer.LocateEvent{Target: 44100, WithRoll: false})
	expectCalls(t, api, "stop_transport(false,false)")
	expectState(t, fsm, streamer.TransportDeclickOut)
	if fsm.LastLocate().Target != 44100 {
		t.Fatalf("latched locate target %v, want 44100", fsm.LastLocate().Target)
	}
	fsm.Process(streamer.DeclickDoneEvent{})
	expectCalls(t, api, "exit_declick", "locate(44100,false)")
	expectState(t, fsm, streamer.TransportLocating)
	fsm.Process(streamer.LocateDoneEvent{})
	expectCalls(t, api)
	expectState(t, fsm, streamer.TransportStopped)
}

func TestTransportLocateWithRollAfter(t *testing.T) {
	fsm, api := newFSM()
	fsm.Process(streamer.StartEvent{})
	api.take()
	fsm.Process(streamer.LocateEvent{Target: 44100, WithRoll: true})
	fsm.Process(streamer.DeclickDoneEvent{})
	api.take()
	fsm.Process(streamer.LocateDoneEvent{})
	expectCalls(t, api, "roll_after_locate")
	expectState(t, fsm, streamer.TransportRolling)
}

func TestTransportButlerWorkDuringStop(t *testing.T) {
	fsm, api := newFSM()
	fsm.Process(streamer.StartEvent{})
	fsm.Process(streamer.StopEvent{})
	api.take()
	expectState(t, fsm, streamer.TransportDeclickOut)
	fsm.Process(streamer.ButlerRequiredEvent{})
	expectCalls(t, api, "schedule_butler")
	expectState(t, fsm, streamer.TransportButlerWait)
	fsm.Process(streamer.StartEvent{}) // deferred
	expectCalls(t, api)
	expectState(t, fsm, streamer.TransportButlerWait)
	fsm.Process(streamer.ButlerDoneEvent{})
	// exiting ButlerWait completes the butler work and then replays the
	// deferred start, which rolls the transport again
	expectCalls(t, api, "butler_completed", "start_transport")
	expectState(t, fsm, streamer.TransportRolling)
}

func TestTransportDeferredStopWins(t *testing.T) {
	fsm, api := newFSM()
	fsm.Process(streamer.StartEvent{})
	fsm.Process(streamer.ButlerRequiredEvent{})
	api.take()
	expectState(t, fsm, streamer.TransportButlerWait)
	fsm.Process(streamer.StartEvent{})
	fsm.Process(streamer.StopEvent{Abort: true})
	fsm.Process(streamer.ButlerDoneEvent{})
	// deferred events replay in FIFO order: start keeps it rolling, the
	// abort-stop then starts the declick out
	expectCalls(t, api, "butler_completed", "start_transport", "stop_transport(true,false)")
	expectState(t, fsm, streamer.TransportDeclickOut)
}

func TestTransportButlerWaitForLocate(t *testing.T) {
	fsm, api := newFSM()
	fsm.Process(streamer.StartEvent{})
	fsm.Process(streamer.LocateEvent{Target: 1000, WithRoll: true})
	api.take()
	expectState(t, fsm, streamer.TransportDeclickOut)
	fsm.Process(streamer.ButlerRequiredEvent{})
	expectCalls(t, api, "schedule_butler")
	fsm.Process(streamer.ButlerDoneEvent{})
	// a stop that turned out to be a locate continues with locate phase two
	expectCalls(t, api, "locate_phase_two")
	expectState(t, fsm, streamer.TransportLocating)
	fsm.Process(streamer.LocateDoneEvent{})
	expectCalls(t, api, "roll_after_locate")
	expectState(t, fsm, streamer.TransportRolling)
}

func TestTransportLocateFromStopped(t *testing.T) {
	fsm, api := newFSM()
	fsm.Process(streamer.LocateEvent{Target: 22050, WithRoll: false})
	expectCalls(t, api, "stop_transport(false,false)", "locate(22050,false)")
	expectState(t, fsm, streamer.TransportLocating)
	fsm.Process(streamer.LocateDoneEvent{})
	expectState(t, fsm, streamer.TransportStopped)
}

func TestTransportNewerLocateWins(t *testing.T) {
	fsm, api := newFSM()
	fsm.Process(streamer.LocateEvent{Target: 100})
	api.take()
	expectState(t, fsm, streamer.TransportLocating)
	fsm.Process(streamer.LocateEvent{Target: 200, WithRoll: true})
	if fsm.LastLocate().Target != 200 {
		t.Fatalf("last locate target %v, want 200 (last write wins)", fsm.LastLocate().Target)
	}
	expectState(t, fsm, streamer.TransportRolling)
}

func TestTransportMasterWait(t *testing.T) {
	fsm, api := newFSM()
	fsm.SetSlaved(true)
	fsm.Process(streamer.LocateEvent{Target: 500, WithRoll: true})
	api.take()
	fsm.Process(streamer.LocateDoneEvent{})
	expectCalls(t, api, "roll_after_locate")
	expectState(t, fsm, streamer.TransportMasterWait)
	// the embedding injects start once the transport master caught up
	fsm.Process(streamer.StartEvent{})
	expectState(t, fsm, streamer.TransportRolling)
}

func TestTransportStopAlwaysReachesStopped(t *testing.T) {
	// from Rolling, stop followed by the completion events always lands in
	// Stopped, whichever order butler demand arrives in
	fsm, _ := newFSM()
	fsm.Process(streamer.StartEvent{})
	fsm.Process(streamer.StopEvent{})
	fsm.Process(streamer.ButlerRequiredEvent{})
	fsm.Process(streamer.ButlerDoneEvent{})
	expectState(t, fsm, streamer.TransportStopped)

	fsm2, _ := newFSM()
	fsm2.Process(streamer.StartEvent{})
	fsm2.Process(streamer.StopEvent{})
	fsm2.Process(streamer.DeclickDoneEvent{})
	expectState(t, fsm2, streamer.TransportStopped)
}
