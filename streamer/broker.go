package streamer

import (
	"sync"
	"time"
)

type (
	// Broker is the centralized message hub of the streaming engine. It is
	// used to communicate between the realtime disk readers, the butler and
	// the control thread. It is many-to-one communication, implemented with
	// one channel for each recipient. Additionally, the broker has a
	// sync.Pool of float32 scratch slices, from which the butler can get
	// and return buffers so overwrites do not allocate a fresh scratch
	// every time.
	//
	// For closing the butler goroutine there are two channels: CloseButler
	// has a capacity of 1, so you can always send an empty struct{}{} to it
	// without blocking; if the channel is already full, someone else has
	// already requested the closure and dropping the message is fine.
	// FinishedButler is never sent to, only closed, so "<-FinishedButler"
	// waits until the butler has cleaned up; combine with a timeout to
	// avoid deadlocks.
	Broker struct {
		ToControl chan MsgToControl
		ToButler  chan any

		CloseButler    chan struct{}
		FinishedButler chan struct{}

		scratchPool sync.Pool
	}

	// MsgToControl is a message to the control thread. The frequently sent
	// fields (underruns, butler demand, state changes) are plain fields to
	// avoid boxing them on the realtime path; infrequent messages travel in
	// Data, which for pointer types does not allocate when cast to any.
	MsgToControl struct {
		Underrun     bool
		UnderrunName string

		HasStateChange bool
		OldState       TransportState
		NewState       TransportState

		NeedButler bool

		Data any
	}

	// Alert is a diagnostic message from the butler or the realtime path,
	// eventually shown or logged by the embedding.
	Alert struct {
		Name     string
		Message  string
		Priority AlertPriority
	}

	AlertPriority int
)

const (
	Info AlertPriority = iota
	Warning
	Error
)

const brokerChannelCapacity = 1024

func NewBroker() *Broker {
	return &Broker{
		ToControl:      make(chan MsgToControl, brokerChannelCapacity),
		ToButler:       make(chan any, brokerChannelCapacity),
		CloseButler:    make(chan struct{}, 1),
		FinishedButler: make(chan struct{}),
		scratchPool:    sync.Pool{New: func() any { s := make([]float32, 0); return &s }},
	}
}

// GetScratch returns a float32 scratch of at least the given length from
// the pool, growing it if needed. Butler thread only.
func (b *Broker) GetScratch(length int) *[]float32 {
	buf := b.scratchPool.Get().(*[]float32)
	if cap(*buf) < length {
		*buf = make([]float32, length)
	}
	*buf = (*buf)[:length]
	return buf
}

// PutScratch returns a scratch slice to the pool.
func (b *Broker) PutScratch(buf *[]float32) {
	b.scratchPool.Put(buf)
}

// Alert sends a diagnostic to the control thread, non-blocking.
func (b *Broker) Alert(name, message string, priority AlertPriority) {
	TrySend(b.ToControl, MsgToControl{Data: &Alert{Name: name, Message: message, Priority: priority}})
}

// TrySend is a helper function to send a value to a channel if it is not
// full. It is guaranteed to be non-blocking. Returns true if the value was
// sent, false otherwise.
func TrySend[T any](c chan<- T, v T) bool {
	select {
	case c <- v:
	default:
		return false
	}
	return true
}

// TimeoutReceive is a helper function to block until a value is received
// from a channel, or timing out after t. ok will be false if the timeout
// occurred or if the channel is closed.
func TimeoutReceive[T any](c <-chan T, t time.Duration) (v T, ok bool) {
	select {
	case v, ok = <-c:
		return v, ok
	case <-time.After(t):
		return v, false
	}
}
