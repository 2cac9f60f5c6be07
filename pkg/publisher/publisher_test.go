package publisher

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/relaymesh/pkg/coordstore"
	"github.com/cuemby/relaymesh/pkg/transport"
	"github.com/cuemby/relaymesh/pkg/types"
	"github.com/cuemby/relaymesh/pkg/wire"
)

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func recvFrame(t *testing.T, in *transport.FanIn) []byte {
	t.Helper()
	select {
	case frame := <-in.Incoming():
		return frame.Payload
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func drain(t *testing.T, in *transport.FanIn, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		recvFrame(t, in)
	}
}

// nonNilCoordSentinel gives Config.Coord a non-nil pointer so IsLeader takes
// the election-aware path, without dialing a real coordination store: these
// tests only exercise recomputeLeadership/IsLeader, never the dial itself.
func nonNilCoordSentinel() *coordstore.Client {
	return &coordstore.Client{}
}

func TestTopicHistoryBoundedByCap(t *testing.T) {
	h := newTopicHistory(3)
	for i := 0; i < 5; i++ {
		h.push(types.PublishRecord{Topic: "t1", Data: []byte{byte(i)}})
	}
	snap := h.snapshot()
	require.Len(t, snap, 3)
	// The three most recent pushes (2,3,4) must be what remains.
	assert.Equal(t, []byte{2}, snap[0].Data)
	assert.Equal(t, []byte{3}, snap[1].Data)
	assert.Equal(t, []byte{4}, snap[2].Data)
}

func TestTopicHistoryCapClampedToRange(t *testing.T) {
	assert.Equal(t, 1, newTopicHistory(0).cap)
	assert.Equal(t, 5, newTopicHistory(99).cap)
	assert.Equal(t, 1, newTopicHistory(-3).cap)
}

func TestIsLeaderDefaultsTrueWithoutCoord(t *testing.T) {
	p, err := New(Config{ID: "pub-a", Addr: "127.0.0.1", Port: 0, Topics: []string{"t1"}})
	require.NoError(t, err)
	defer p.Stop()

	assert.True(t, p.IsLeader("t1"))
	assert.True(t, p.IsLeader("unconfigured-topic"))
}

func TestRecomputeLeadershipLowestSequenceWins(t *testing.T) {
	p, err := New(Config{ID: "pub-a", Addr: "127.0.0.1", Port: 0, Topics: []string{"t1"},
		Coord: nonNilCoordSentinel()})
	require.NoError(t, err)
	defer p.Stop()

	p.mu.Lock()
	p.assigned["t1"] = "member-0000000002"
	p.mu.Unlock()

	p.recomputeLeadership("t1", []string{"member-0000000001", "member-0000000002"})
	assert.False(t, p.IsLeader("t1"))

	p.recomputeLeadership("t1", []string{"member-0000000002", "member-0000000003"})
	assert.True(t, p.IsLeader("t1"))
}

func TestRecomputeLeadershipEmptyChildrenIsNoop(t *testing.T) {
	p, err := New(Config{ID: "pub-a", Addr: "127.0.0.1", Port: 0, Topics: []string{"t1"},
		Coord: nonNilCoordSentinel()})
	require.NoError(t, err)
	defer p.Stop()

	p.mu.Lock()
	p.isLeader["t1"] = true
	p.mu.Unlock()

	p.recomputeLeadership("t1", nil)
	assert.True(t, p.IsLeader("t1"))
}

func TestPublishOnceAppendsToHistory(t *testing.T) {
	p, err := New(Config{ID: "pub-a", Addr: "127.0.0.1", Port: 0, Topics: []string{"t1"},
		Generate: func(topic string) []byte { return []byte("fixed-" + topic) }})
	require.NoError(t, err)
	defer p.Stop()

	p.publishOnce("t1")
	hist := p.History("t1")
	require.Len(t, hist, 1)
	assert.Equal(t, "fixed-t1", string(hist[0].Data))
	assert.Equal(t, "pub-a", hist[0].PubID)
}

func TestHistoryUnknownTopicReturnsNil(t *testing.T) {
	p, err := New(Config{ID: "pub-a", Addr: "127.0.0.1", Port: 0, Topics: []string{"t1"}})
	require.NoError(t, err)
	defer p.Stop()

	assert.Nil(t, p.History("never-configured"))
}

// TestPublishOnceRetransmitsEntireHistory covers S6: with history capped at
// 3, the fifth tick's outbound burst must carry exactly the three most
// recent values, not just the newest one.
func TestPublishOnceRetransmitsEntireHistory(t *testing.T) {
	n := 0
	p, err := New(Config{ID: "pub-a", Addr: "127.0.0.1", Port: 0, Topics: []string{"t1"},
		Generate: func(topic string) []byte {
			n++
			return []byte(fmt.Sprintf("v%d", n))
		}})
	require.NoError(t, err)
	defer p.Stop()
	p.histories["t1"] = newTopicHistory(3)

	in := transport.NewFanIn()
	in.Subscribe("t1")
	require.NoError(t, in.Connect(p.fanout.Addr().String()))
	waitForCondition(t, func() bool { return p.fanout.SubscriberCount() == 1 })

	for i := 0; i < 4; i++ {
		p.publishOnce("t1")
	}
	drain(t, in, 9) // drain the first four ticks' bursts (1+2+3+3 frames)

	p.publishOnce("t1")
	var got []string
	for i := 0; i < 3; i++ {
		frame := recvFrame(t, in)
		_, rec, err := wire.DecodeRecord(frame)
		require.NoError(t, err)
		got = append(got, string(rec.Data))
	}
	assert.Equal(t, []string{"v3", "v4", "v5"}, got)
}

func TestDisseminateLoopSkipsNonLeaderTopics(t *testing.T) {
	p, err := New(Config{ID: "pub-a", Addr: "127.0.0.1", Port: 0, Topics: []string{"t1"},
		Coord: nonNilCoordSentinel(),
		Generate: func(topic string) []byte { return []byte("v") }})
	require.NoError(t, err)
	defer p.Stop()

	p.mu.Lock()
	p.isLeader["t1"] = false
	p.mu.Unlock()

	for _, topic := range p.cfg.Topics {
		if p.IsLeader(topic) {
			p.publishOnce(topic)
		}
	}
	assert.Nil(t, p.History("t1"))
}
