package discovery

import (
	"crypto/sha256"
	"fmt"
	"sort"

	"github.com/cuemby/relaymesh/pkg/config"
	"github.com/cuemby/relaymesh/pkg/eventloop"
	"github.com/cuemby/relaymesh/pkg/transport"
	"github.com/cuemby/relaymesh/pkg/types"
	"github.com/cuemby/relaymesh/pkg/wire"
)

const fingerTableSize = 48
const hashBits = 48
const hashMod = uint64(1) << hashBits

// hashID returns the 48-bit prefix of SHA-256(id), the node-identifier
// function for ring placement.
func hashID(id string) uint64 {
	sum := sha256.Sum256([]byte(id))
	var v uint64
	for i := 0; i < 6; i++ {
		v = v<<8 | uint64(sum[i])
	}
	return v & (hashMod - 1)
}

// ringNode is one member of the static DHT roster.
type ringNode struct {
	Name string
	Hash uint64
	Addr string // host:clientPort
}

// DHTStrategy implements Chord-style finger routing over a statically
// bootstrapped roster. Ring membership never changes at runtime;
// joining/leaving the ring is an explicit non-goal.
type DHTStrategy struct {
	registry *Registry
	self     ringNode
	ring     []ringNode // sorted by Hash
	fingers  []ringNode // size fingerTableSize

	expectedPubs, expectedSubs, expectedBrokers int
}

// NewDHTStrategy builds the finger table for selfName from roster.
func NewDHTStrategy(reg *Registry, selfName string, roster *config.Roster, expectedPubs, expectedSubs, expectedBrokers int) (*DHTStrategy, error) {
	ring := make([]ringNode, 0, len(roster.DHT))
	var self ringNode
	found := false
	for _, e := range roster.DHT {
		n := ringNode{Name: e.ID, Hash: hashID(e.ID), Addr: fmt.Sprintf("%s:%d", e.IP, e.Port)}
		ring = append(ring, n)
		if e.ID == selfName {
			self = n
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("discovery: self %q not present in DHT roster", selfName)
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i].Hash < ring[j].Hash })

	d := &DHTStrategy{
		registry:        reg,
		self:            self,
		ring:            ring,
		expectedPubs:    expectedPubs,
		expectedSubs:    expectedSubs,
		expectedBrokers: expectedBrokers,
	}
	d.buildFingerTable()
	return d, nil
}

// buildFingerTable computes, for each i in [0,48), the smallest known node
// whose hash >= (selfHash + 2^i) mod 2^48, wrapping to the lowest-hash node
// if none exists.
func (d *DHTStrategy) buildFingerTable() {
	d.fingers = make([]ringNode, fingerTableSize)
	for i := 0; i < fingerTableSize; i++ {
		start := (d.self.Hash + (uint64(1) << uint(i))) % hashMod
		d.fingers[i] = d.successorOf(start)
	}
}

func (d *DHTStrategy) successorOf(h uint64) ringNode {
	for _, n := range d.ring {
		if n.Hash >= h {
			return n
		}
	}
	return d.ring[0]
}

// inArc reports whether h lies in the half-open arc (lo, hi] on the ring,
// modulo wraparound.
func inArc(h, lo, hi uint64) bool {
	if lo < hi {
		return h > lo && h <= hi
	}
	// wraps past 0
	return h > lo || h <= hi
}

// findSuccessor returns the finger entry that should own h, and whether it
// is the terminal owner (true) or just the closest preceding finger to keep
// forwarding toward (false).
func (d *DHTStrategy) findSuccessor(h uint64) (ringNode, bool) {
	successor := d.fingers[0]
	if inArc(h, d.self.Hash, successor.Hash) {
		return successor, true
	}
	// closest preceding finger: walk fingers from farthest to nearest.
	for i := fingerTableSize - 1; i >= 0; i-- {
		f := d.fingers[i]
		if inArc(f.Hash, d.self.Hash, h) {
			return f, false
		}
	}
	return successor, false
}

func registrationHash(reg types.Registrant) uint64 {
	if reg.Role == types.RoleSubscriber {
		return hashID(reg.ID)
	}
	return hashID(fmt.Sprintf("%s:%s:%d", reg.ID, reg.Addr, reg.Port))
}

// forward dials the given ring member's client channel and relays env as a
// synchronous request/response hop; each hop already owns its own return
// path back to its immediate caller, so there is no separate pass-through
// frame to preserve.
func (d *DHTStrategy) forward(addr string, env wire.Envelope) (wire.Envelope, error) {
	client := transport.Dial(addr)
	defer client.Close()
	return client.Request(env)
}

func (d *DHTStrategy) visited(name string, visitedNodes []string) bool {
	for _, v := range visitedNodes {
		if v == name {
			return true
		}
	}
	return false
}

func (d *DHTStrategy) HandleRegister(req wire.RegisterReq) wire.RegisterResp {
	h := registrationHash(req.Registrant)
	owner, terminal := d.findSuccessor(h)
	if terminal && owner.Name == d.self.Name {
		if err := d.registry.Register(req.Registrant); err != nil {
			return wire.RegisterResp{Success: false, Reason: err.Error()}
		}
		return wire.RegisterResp{Success: true}
	}
	resp, err := d.forward(owner.Addr, wire.Envelope{Type: wire.MsgRegisterReq, Register: &req})
	if err != nil {
		return wire.RegisterResp{Success: false, Reason: "dht forward failed: " + err.Error()}
	}
	if resp.RegisterR != nil {
		return *resp.RegisterR
	}
	return wire.RegisterResp{Success: false, Reason: "dht forward returned no response"}
}

// HandleIsReady walks the ring exactly once per DHT mode: each hop either
// decides from the accumulated sets (if self already visited) or merges
// local counts in and forwards to the first finger-table successor.
func (d *DHTStrategy) HandleIsReady(req wire.IsReadyReq) wire.IsReadyResp {
	if d.visited(d.self.Name, req.VisitedNodes) {
		ready := req.RegisteredPubs >= d.expectedPubs &&
			req.RegisteredSubs >= d.expectedSubs &&
			(d.expectedBrokers == 0 || req.RegisteredBrokers >= d.expectedBrokers)
		return wire.IsReadyResp{Ready: ready}
	}

	pubs, subs, brokers := d.registry.Counts()
	next := wire.IsReadyReq{
		VisitedNodes:      append(append([]string(nil), req.VisitedNodes...), d.self.Name),
		RegisteredPubs:    req.RegisteredPubs + pubs,
		RegisteredSubs:    req.RegisteredSubs + subs,
		RegisteredBrokers: req.RegisteredBrokers + brokers,
	}
	successor := d.fingers[0]
	if successor.Name == d.self.Name {
		// Single-node ring: decide immediately.
		ready := next.RegisteredPubs >= d.expectedPubs &&
			next.RegisteredSubs >= d.expectedSubs &&
			(d.expectedBrokers == 0 || next.RegisteredBrokers >= d.expectedBrokers)
		return wire.IsReadyResp{Ready: ready}
	}
	resp, err := d.forward(successor.Addr, wire.Envelope{Type: wire.MsgIsReadyReq, IsReady: &next})
	if err != nil {
		return wire.IsReadyResp{Ready: false}
	}
	if resp.IsReadyR != nil {
		return *resp.IsReadyR
	}
	return wire.IsReadyResp{Ready: false}
}

// HandleLookup walks the whole ring once, unioning local contributions into
// the connect set, then answers the originator once every node has been
// visited.
func (d *DHTStrategy) HandleLookup(req wire.LookupReq) wire.LookupResp {
	local := d.localLookup(req)
	merged := append(append([]types.Endpoint(nil), req.SocketsToConnectTo...), local...)

	if d.visited(d.self.Name, req.VisitedNodes) || len(req.VisitedNodes) >= len(d.ring) {
		return wire.LookupResp{Endpoints: dedupEndpoints(merged)}
	}

	next := wire.LookupReq{
		Topics:             req.Topics,
		Requester:          req.Requester,
		All:                req.All,
		VisitedNodes:       append(append([]string(nil), req.VisitedNodes...), d.self.Name),
		SocketsToConnectTo: merged,
	}
	successor := d.fingers[0]
	if successor.Name == d.self.Name || len(next.VisitedNodes) >= len(d.ring) {
		return wire.LookupResp{Endpoints: dedupEndpoints(merged)}
	}
	resp, err := d.forward(successor.Addr, wire.Envelope{Type: wire.MsgLookupReq, Lookup: &next})
	if err != nil {
		return wire.LookupResp{Endpoints: dedupEndpoints(merged)}
	}
	if resp.LookupR != nil {
		return *resp.LookupR
	}
	return wire.LookupResp{Endpoints: dedupEndpoints(merged)}
}

func (d *DHTStrategy) localLookup(req wire.LookupReq) []types.Endpoint {
	if req.All {
		return d.registry.AllPublisherEndpoints()
	}
	return d.registry.PublisherEndpointsForTopics(req.Topics)
}

func dedupEndpoints(eps []types.Endpoint) []types.Endpoint {
	seen := make(map[string]struct{}, len(eps))
	out := make([]types.Endpoint, 0, len(eps))
	for _, e := range eps {
		if _, ok := seen[e.ID]; ok {
			continue
		}
		seen[e.ID] = struct{}{}
		out = append(out, e)
	}
	return out
}

func (d *DHTStrategy) OnMembershipChange() (int, bool) {
	return eventloop.Immediate, true
}
