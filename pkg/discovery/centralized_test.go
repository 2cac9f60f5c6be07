package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/relaymesh/pkg/types"
	"github.com/cuemby/relaymesh/pkg/wire"
)

func TestCentralizedHandleRegisterDuplicateFails(t *testing.T) {
	s := NewCentralizedStrategy(NewRegistry(), 1, 1, types.ModeDirect)

	resp := s.HandleRegister(wire.RegisterReq{Registrant: pub("pub-a", "t1")})
	assert.True(t, resp.Success)

	resp = s.HandleRegister(wire.RegisterReq{Registrant: pub("pub-a", "t1")})
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Reason)
}

func TestCentralizedIsReadyBecomesTrueOnceExpectedMet(t *testing.T) {
	reg := NewRegistry()
	s := NewCentralizedStrategy(reg, 1, 1, types.ModeDirect)

	assert.False(t, s.HandleIsReady(wire.IsReadyReq{}).Ready)

	require.NoError(t, reg.Register(pub("pub-a", "t1")))
	assert.False(t, s.HandleIsReady(wire.IsReadyReq{}).Ready)

	require.NoError(t, reg.Register(types.Registrant{ID: "sub-a", Role: types.RoleSubscriber, Topics: []string{"t1"}}))
	assert.True(t, s.HandleIsReady(wire.IsReadyReq{}).Ready)
}

func TestCentralizedLookupDirectModeUnion(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(pub("pub-a", "t1")))
	require.NoError(t, reg.Register(pub("pub-b", "t2")))
	s := NewCentralizedStrategy(reg, 2, 0, types.ModeDirect)

	resp := s.HandleLookup(wire.LookupReq{Topics: []string{"t1"}, Requester: types.RequesterSubscriber})
	assert.Equal(t, []string{"pub-a"}, idsOf(resp.Endpoints))
}

func TestCentralizedLookupBrokeredModeSubscriberGetsBrokers(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(pub("pub-a", "t1")))
	require.NoError(t, reg.Register(types.Registrant{ID: "broker-1", Role: types.RoleBoth, Addr: "10.0.0.5", Port: 9200}))
	s := NewCentralizedStrategy(reg, 1, 0, types.ModeBrokered)

	resp := s.HandleLookup(wire.LookupReq{Topics: []string{"t1"}, Requester: types.RequesterSubscriber})
	assert.Equal(t, []string{"broker-1"}, idsOf(resp.Endpoints))
}

func TestCentralizedLookupBrokeredModeBrokerGetsPublishers(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(pub("pub-a", "t1")))
	s := NewCentralizedStrategy(reg, 1, 0, types.ModeBrokered)

	resp := s.HandleLookup(wire.LookupReq{Topics: []string{"t1"}, Requester: types.RequesterBroker})
	assert.Equal(t, []string{"pub-a"}, idsOf(resp.Endpoints))
}

func TestCentralizedLookupAllReturnsEveryPublisher(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(pub("pub-a", "t1")))
	require.NoError(t, reg.Register(pub("pub-b", "t2")))
	s := NewCentralizedStrategy(reg, 2, 0, types.ModeDirect)

	resp := s.HandleLookup(wire.LookupReq{All: true})
	assert.ElementsMatch(t, []string{"pub-a", "pub-b"}, idsOf(resp.Endpoints))
}
