package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/relaymesh/pkg/config"
	"github.com/cuemby/relaymesh/pkg/types"
	"github.com/cuemby/relaymesh/pkg/wire"
)

func singleNodeRoster(name string) *config.Roster {
	return &config.Roster{DHT: []config.RosterEntry{{ID: name, IP: "127.0.0.1", Port: 7000}}}
}

func TestHashIDDeterministicAndBounded(t *testing.T) {
	h1 := hashID("node-a")
	h2 := hashID("node-a")
	assert.Equal(t, h1, h2)
	assert.Less(t, h1, hashMod)

	assert.NotEqual(t, hashID("node-a"), hashID("node-b"))
}

func TestNewDHTStrategyRejectsSelfNotInRoster(t *testing.T) {
	roster := singleNodeRoster("node-a")
	_, err := NewDHTStrategy(NewRegistry(), "node-missing", roster, 1, 1, 0)
	require.Error(t, err)
}

func TestFingerTableEntriesAreRingMembers(t *testing.T) {
	roster := &config.Roster{DHT: []config.RosterEntry{
		{ID: "node-a", IP: "127.0.0.1", Port: 7000},
		{ID: "node-b", IP: "127.0.0.1", Port: 7001},
		{ID: "node-c", IP: "127.0.0.1", Port: 7002},
	}}
	d, err := NewDHTStrategy(NewRegistry(), "node-a", roster, 1, 1, 0)
	require.NoError(t, err)
	require.Len(t, d.fingers, fingerTableSize)

	for _, f := range d.fingers {
		found := false
		for _, n := range d.ring {
			if n.Name == f.Name {
				found = true
				break
			}
		}
		assert.True(t, found, "finger %q must be a ring member", f.Name)
	}
}

func TestInArcWraparound(t *testing.T) {
	assert.True(t, inArc(5, 1, 10))
	assert.False(t, inArc(1, 1, 10))
	assert.True(t, inArc(1, 10, 1))
	assert.True(t, inArc(11, 10, 5))
	assert.False(t, inArc(7, 10, 5))
}

func TestSingleNodeRingIsReadyDecidesImmediately(t *testing.T) {
	roster := singleNodeRoster("node-a")
	reg := NewRegistry()
	d, err := NewDHTStrategy(reg, "node-a", roster, 1, 1, 0)
	require.NoError(t, err)

	assert.False(t, d.HandleIsReady(wire.IsReadyReq{}).Ready)

	require.NoError(t, reg.Register(pub("pub-a", "t1")))
	require.NoError(t, reg.Register(types.Registrant{ID: "sub-a", Role: types.RoleSubscriber, Topics: []string{"t1"}}))

	assert.True(t, d.HandleIsReady(wire.IsReadyReq{}).Ready)
}

func TestSingleNodeRingRegisterAndLookup(t *testing.T) {
	roster := singleNodeRoster("node-a")
	reg := NewRegistry()
	d, err := NewDHTStrategy(reg, "node-a", roster, 1, 0, 0)
	require.NoError(t, err)

	resp := d.HandleRegister(wire.RegisterReq{Registrant: pub("pub-a", "t1")})
	assert.True(t, resp.Success)

	look := d.HandleLookup(wire.LookupReq{Topics: []string{"t1"}, Requester: types.RequesterSubscriber})
	assert.Equal(t, []string{"pub-a"}, idsOf(look.Endpoints))
}

func TestRegistrationHashDiffersByRole(t *testing.T) {
	subHash := registrationHash(types.Registrant{ID: "proc-1", Role: types.RoleSubscriber})
	pubHash := registrationHash(types.Registrant{ID: "proc-1", Addr: "10.0.0.1", Port: 9000, Role: types.RolePublisher})
	assert.NotEqual(t, subHash, pubHash)
}

func TestDedupEndpointsRemovesRepeats(t *testing.T) {
	eps := []types.Endpoint{{ID: "a"}, {ID: "b"}, {ID: "a"}}
	out := dedupEndpoints(eps)
	assert.Len(t, out, 2)
}
