package eventloop

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSM struct {
	invokes int32
	loop    *Loop
	stopAt  int32
}

func (sm *countingSM) Invoke() (int, bool) {
	n := atomic.AddInt32(&sm.invokes, 1)
	if n >= sm.stopAt {
		sm.loop.Stop()
		return Immediate, true
	}
	return 5, false
}

func TestLoopInvokesStateMachineOnTimer(t *testing.T) {
	sm := &countingSM{stopAt: 3}
	loop := New(sm)
	sm.loop = loop

	done := make(chan struct{})
	go func() {
		loop.Run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&sm.invokes))
}

type sourceSM struct {
	loop *Loop
}

func (sm *sourceSM) Invoke() (int, bool) {
	return Immediate, true
}

func TestLoopDispatchesSourceEvents(t *testing.T) {
	sm := &sourceSM{}
	loop := New(sm)
	sm.loop = loop

	ch := make(chan int, 1)
	received := make(chan int, 1)
	AddSource(loop, "test", (<-chan int)(ch), func(v int) (int, bool) {
		received <- v
		loop.Stop()
		return Immediate, true
	})

	done := make(chan struct{})
	go func() {
		loop.Run()
		close(done)
	}()

	ch <- 7
	select {
	case got := <-received:
		assert.Equal(t, 7, got)
	case <-time.After(time.Second):
		t.Fatal("source event never delivered")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop after Stop()")
	}
}

func TestStopIsIdempotentAndSafeBeforeRun(t *testing.T) {
	sm := &sourceSM{}
	loop := New(sm)
	sm.loop = loop
	require.NotPanics(t, func() {
		loop.Stop()
		loop.Stop()
	})
}
