// Package eventloop implements the single-threaded cooperative event loop
// and upcall contract every relaymesh component runs on top of. Go has no
// direct equivalent of a poll-driven socket set, so the loop multiplexes an
// arbitrary number of heterogeneous channels plus a timer via
// reflect.Select: a task per component driven by a channel-multiplexed
// select.
package eventloop

import (
	"reflect"
	"sync/atomic"
	"time"
)

// Immediate is the sentinel "next timeout" value a handler or the state
// machine's Invoke can return to force an instant re-entry to Invoke.
const (
	Immediate = 0
)

// StateMachine is upcalled on every timer expiry. Its return value is the
// next timeout in milliseconds, or wait=true meaning "wait indefinitely".
type StateMachine interface {
	Invoke() (nextTimeoutMillis int, wait bool)
}

type source struct {
	name    string
	chanVal reflect.Value
	handle  func(reflect.Value) (int, bool)
}

// Loop multiplexes sockets and a timer, delivering upcalls into a
// StateMachine.
type Loop struct {
	sm      StateMachine
	sources []source
	running atomic.Bool
}

// New creates a Loop bound to sm.
func New(sm StateMachine) *Loop {
	return &Loop{sm: sm}
}

// AddSource registers a channel the loop will select on; handle is the
// type-specific upcall invoked with the decoded value.
func AddSource[T any](l *Loop, name string, ch <-chan T, handle func(T) (nextTimeoutMillis int, wait bool)) {
	l.sources = append(l.sources, source{
		name:    name,
		chanVal: reflect.ValueOf(ch),
		handle: func(v reflect.Value) (int, bool) {
			return handle(v.Interface().(T))
		},
	})
}

// Run drives the loop until Stop is called. It enters Invoke immediately on
// the first iteration.
func (l *Loop) Run() {
	l.running.Store(true)

	nextTimeout := Immediate
	waitIndefinite := false
	timer := time.NewTimer(0)
	defer timer.Stop()

	for l.running.Load() {
		cases := make([]reflect.SelectCase, 0, len(l.sources)+1)
		timerIdx := -1
		if !waitIndefinite {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(time.Duration(nextTimeout) * time.Millisecond)
			cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(timer.C)})
			timerIdx = 0
		}
		base := len(cases)
		for _, s := range l.sources {
			cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: s.chanVal})
		}
		if len(cases) == 0 {
			// No sources and parked indefinitely: nothing will ever wake
			// this loop, so treat it as a graceful stop.
			return
		}

		chosen, recv, ok := reflect.Select(cases)
		if !l.running.Load() {
			return
		}
		if chosen == timerIdx {
			nextTimeout, waitIndefinite = l.sm.Invoke()
			continue
		}
		if !ok {
			// Source channel closed; drop it and keep running.
			idx := chosen - base
			l.sources = append(l.sources[:idx], l.sources[idx+1:]...)
			continue
		}
		idx := chosen - base
		nextTimeout, waitIndefinite = l.sources[idx].handle(recv)
	}
}

// Stop requests graceful termination: the sticky running flag observed at
// the top of the next iteration.
func (l *Loop) Stop() {
	l.running.Store(false)
}
