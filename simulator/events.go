// Package simulator runs a set of training processes on a
// virtual clock so that collective communication between
// them can be tested deterministically.
package simulator

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/pkg/errors"
	"github.com/unixpickle/essentials"
)

// ErrDeadlock is returned by EventLoop.Run when every
// process is blocked on a receive and no message is in
// flight.
// In a training job this means some rank took a different
// path through a collective than its peers.
var ErrDeadlock = errors.New("deadlock: all Handles are polling")

// An EventStream is a uni-directional queue of events
// delivered through an EventLoop.
//
// A stream belongs to exactly one EventLoop.
type EventStream struct {
	loop    *EventLoop
	pending []interface{}
}

// An Event is a message received on some EventStream.
type Event struct {
	Message interface{}
	Stream  *EventStream
}

// A Timer is a single delivery scheduled for the virtual
// future.
type Timer struct {
	time  float64
	event *Event
}

// Time gets the virtual time at which the timer fires.
func (t *Timer) Time() float64 {
	return t.time
}

// A Handle is one process's view of an EventLoop.
// Handles must not be shared between Goroutines.
type Handle struct {
	*EventLoop

	// Set only while the process is blocked in Poll.
	pollStreams []*EventStream
	pollChan    chan<- *Event
}

// Poll blocks until an event arrives on one of the
// streams.
func (h *Handle) Poll(streams ...*EventStream) *Event {
	ch := make(chan *Event, 1)
	h.modifyHandles(func() {
		if h.pollStreams != nil {
			panic("Handle is shared between Goroutines")
		}
		for _, stream := range streams {
			if len(stream.pending) > 0 {
				msg := stream.pending[0]
				essentials.OrderedDelete(&stream.pending, 0)
				ch <- &Event{Message: msg, Stream: stream}
				return
			}
		}
		h.pollStreams = streams
		h.pollChan = ch
	})
	return <-ch
}

// Schedule delivers msg on stream after delay units of
// virtual time.
func (h *Handle) Schedule(stream *EventStream, msg interface{}, delay float64) *Timer {
	if stream.loop != h.EventLoop {
		panic("EventStream is not associated with the correct EventLoop")
	}
	var timer *Timer
	h.modify(func() {
		deadline := h.time + delay
		if math.IsInf(deadline, 0) || math.IsNaN(deadline) {
			panic(fmt.Sprintf("invalid deadline: %f", deadline))
		}
		timer = &Timer{time: deadline, event: &Event{Message: msg, Stream: stream}}
		h.timers = append(h.timers, timer)
	})
	return timer
}

// Cancel removes a timer that has not fired yet.
// Cancelling a fired timer has no effect.
func (h *Handle) Cancel(t *Timer) {
	h.modify(func() {
		for i, timer := range h.timers {
			if timer == t {
				essentials.UnorderedDelete(&h.timers, i)
				return
			}
		}
	})
}

// Sleep waits for delay units of virtual time.
func (h *Handle) Sleep(delay float64) {
	stream := h.Stream()
	h.Schedule(stream, nil, delay)
	h.Poll(stream)
}

// An EventLoop schedules the processes of a simulated
// job.
//
// Every Goroutine that touches the loop must be started
// with Go().
// Virtual time only advances once every process is
// blocked in Poll, so local computation between
// collectives costs no virtual time.
type EventLoop struct {
	lock    sync.Mutex
	timers  []*Timer
	handles []*Handle

	time float64

	running  bool
	notifyCh chan struct{}
}

// NewEventLoop creates an event loop whose clock starts
// at 0.
func NewEventLoop() *EventLoop {
	return &EventLoop{notifyCh: make(chan struct{}, 1)}
}

// Stream creates a new EventStream.
func (e *EventLoop) Stream() *EventStream {
	return &EventStream{loop: e}
}

// Go starts f in a new Goroutine with its own Handle.
func (e *EventLoop) Go(f func(h *Handle)) {
	h := &Handle{EventLoop: e}
	e.lock.Lock()
	e.handles = append(e.handles, h)
	e.lock.Unlock()
	go func() {
		defer e.release(h)
		f(h)
	}()
}

func (e *EventLoop) release(h *Handle) {
	e.modifyHandles(func() {
		for i, handle := range e.handles {
			if handle == h {
				essentials.UnorderedDelete(&e.handles, i)
				return
			}
		}
		panic("cannot free handle that does not exist")
	})
}

// Run drives the loop until every Handle has returned.
//
// It returns ErrDeadlock if all remaining Handles are
// polling and nothing is scheduled.
// Run must not be called concurrently.
func (e *EventLoop) Run() error {
	e.lock.Lock()
	if e.running {
		e.lock.Unlock()
		panic("EventLoop is already running.")
	}
	e.running = true
	e.lock.Unlock()

	defer func() {
		e.lock.Lock()
		e.running = false
		e.lock.Unlock()
	}()

	for range e.notifyCh {
		if ok, err := e.step(); !ok {
			return err
		}
	}

	panic("unreachable")
}

// MustRun is like Run, but it panics on deadlock.
func (e *EventLoop) MustRun() {
	if err := e.Run(); err != nil {
		panic(err)
	}
}

// Time gets the current virtual time.
func (e *EventLoop) Time() float64 {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.time
}

// modify runs f with the loop locked.
// f must not change which handles are polling.
func (e *EventLoop) modify(f func()) {
	e.lock.Lock()
	defer e.lock.Unlock()
	f()
}

// modifyHandles is like modify, but wakes the scheduler
// afterwards since f may have changed polling state.
func (e *EventLoop) modifyHandles(f func()) {
	e.lock.Lock()
	defer func() {
		e.lock.Unlock()
		select {
		case e.notifyCh <- struct{}{}:
		default:
		}
	}()
	f()
}

// step delivers the next event if every handle is
// polling.
// The first result is false once the loop should stop.
func (e *EventLoop) step() (bool, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if len(e.handles) == 0 {
		return false, nil
	}

	for _, h := range e.handles {
		if len(h.pollStreams) == 0 {
			// Some process is still computing.
			return true, nil
		}
	}

	for len(e.timers) > 0 {
		idx := e.earliestTimer()
		timer := e.timers[idx]
		essentials.UnorderedDelete(&e.timers, idx)
		e.time = math.Max(e.time, timer.time)
		if e.deliver(timer.event) {
			return true, nil
		}
	}

	return false, ErrDeadlock
}

// earliestTimer breaks ties between equal deadlines at
// random so tests do not depend on delivery order.
func (e *EventLoop) earliestTimer() int {
	indices := rand.Perm(len(e.timers))
	best := indices[0]
	for _, i := range indices[1:] {
		if e.timers[i].time < e.timers[best].time {
			best = i
		}
	}
	return best
}

func (e *EventLoop) deliver(event *Event) bool {
	for _, i := range rand.Perm(len(e.handles)) {
		h := e.handles[i]
		for _, stream := range h.pollStreams {
			if stream == event.Stream {
				h.pollChan <- event
				h.pollChan = nil
				h.pollStreams = nil
				return true
			}
		}
	}
	event.Stream.pending = append(event.Stream.pending, event.Message)
	return false
}
