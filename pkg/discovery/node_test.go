package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/relaymesh/pkg/eventloop"
	"github.com/cuemby/relaymesh/pkg/types"
	"github.com/cuemby/relaymesh/pkg/wire"
)

func TestResponseTypeForMapsEveryRequestType(t *testing.T) {
	assert.Equal(t, wire.MsgRegisterResp, responseTypeFor(wire.MsgRegisterReq))
	assert.Equal(t, wire.MsgIsReadyResp, responseTypeFor(wire.MsgIsReadyReq))
	assert.Equal(t, wire.MsgLookupResp, responseTypeFor(wire.MsgLookupReq))
}

func TestResponseTypeForUnknownPassesThrough(t *testing.T) {
	assert.Equal(t, wire.MsgType("bogus"), responseTypeFor(wire.MsgType("bogus")))
}

func newTestNode(t *testing.T) *Node {
	t.Helper()
	registry := NewRegistry()
	strat := NewCentralizedStrategy(registry, 1, 0, types.ModeDirect)
	return &Node{registry: registry, strategy: strat}
}

func TestDispatchRegisterSucceedsWithoutReportingReadiness(t *testing.T) {
	n := newTestNode(t)
	resp, ready := n.dispatch(wire.Envelope{
		Type: wire.MsgRegisterReq,
		Register: &wire.RegisterReq{Registrant: types.Registrant{
			ID: "pub-1", Addr: "127.0.0.1", Port: 9000, Role: types.RolePublisher, Topics: []string{"t1"},
		}},
	})
	require.NotNil(t, resp.RegisterR)
	assert.True(t, resp.RegisterR.Success)
	assert.False(t, ready) // a register response never itself reports readiness
	assert.Equal(t, wire.MsgRegisterResp, resp.Type)
}

func TestDispatchIsReadyReportsReadyFlag(t *testing.T) {
	n := newTestNode(t)
	n.dispatch(wire.Envelope{
		Type: wire.MsgRegisterReq,
		Register: &wire.RegisterReq{Registrant: types.Registrant{
			ID: "pub-1", Addr: "127.0.0.1", Port: 9000, Role: types.RolePublisher, Topics: []string{"t1"},
		}},
	})

	resp, ready := n.dispatch(wire.Envelope{Type: wire.MsgIsReadyReq, IsReady: &wire.IsReadyReq{}})
	require.NotNil(t, resp.IsReadyR)
	assert.True(t, ready)
	assert.True(t, resp.IsReadyR.Ready)
}

func TestDispatchEchoesRequestTimestamp(t *testing.T) {
	n := newTestNode(t)
	resp, _ := n.dispatch(wire.Envelope{
		Type:          wire.MsgIsReadyReq,
		IsReady:       &wire.IsReadyReq{},
		TimestampSent: 123456789,
	})
	assert.Equal(t, int64(123456789), resp.TimestampSent)
}

func TestDispatchMissingPayloadLeavesResponseFieldNil(t *testing.T) {
	n := newTestNode(t)
	resp, ready := n.dispatch(wire.Envelope{Type: wire.MsgRegisterReq, Register: nil})
	assert.Nil(t, resp.RegisterR)
	assert.False(t, ready)
}

func TestDispatchUnknownTypeReturnsEmptyResponse(t *testing.T) {
	n := newTestNode(t)
	resp, ready := n.dispatch(wire.Envelope{Type: wire.MsgType("bogus")})
	assert.Nil(t, resp.RegisterR)
	assert.Nil(t, resp.IsReadyR)
	assert.Nil(t, resp.LookupR)
	assert.False(t, ready)
}

func TestTickCompletesAfterIdleWindowElapses(t *testing.T) {
	n := newTestNode(t)
	n.idleWindow = 10 * time.Millisecond
	n.lastActivity = time.Now().Add(-time.Hour)
	n.state = stateWaitingForRegistrations

	// tick() calls n.loop.Stop() once it decides to shut down; give it a
	// real loop so that call doesn't panic on a nil pointer.
	n.loop = eventloop.New(n)

	_, wait := n.tick()
	assert.True(t, wait)
	assert.Equal(t, stateCompleted, n.state)
}

func TestTickWithNoIdleWindowNeverCompletes(t *testing.T) {
	n := newTestNode(t)
	n.idleWindow = 0
	n.lastActivity = time.Now().Add(-time.Hour)

	ms, wait := n.tick()
	assert.True(t, wait)
	assert.Equal(t, eventloop.Immediate, ms)
	assert.NotEqual(t, stateCompleted, n.state)
}
