package discovery

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/cuemby/relaymesh/pkg/coordstore"
	"github.com/cuemby/relaymesh/pkg/errs"
	"github.com/cuemby/relaymesh/pkg/eventloop"
	"github.com/cuemby/relaymesh/pkg/log"
	"github.com/cuemby/relaymesh/pkg/transport"
	"github.com/cuemby/relaymesh/pkg/types"
	"github.com/cuemby/relaymesh/pkg/wire"
)

const (
	pathDiscoveryRoot = "/discovery"
	pathLeader        = "/discovery/leader"
	pathPubs          = "/pubs"
	pathBrokers       = "/brokers"
)

type leaderValue struct {
	Addr     string `json:"addr"`
	Port     int    `json:"port"`
	SyncPort int    `json:"sub_port"`
	Name     string `json:"name"`
}

// CoordinatorStrategy is the replicated lookup mode: an election over a
// coordination-store ephemeral, a primary that mirrors membership into a
// sync-channel fan-out, and secondaries that replace their registry
// wholesale on every snapshot.
type CoordinatorStrategy struct {
	registry *Registry
	store    *coordstore.Client
	mode     types.DisseminationMode

	self     leaderValue
	isLeader atomic.Bool

	syncOut *transport.FanOut // bound by the owning node at self.SyncPort
	syncIn  *transport.FanIn  // secondaries only: connected to the primary
}

// NewCoordinatorStrategy builds the strategy. Start must be called once the
// owning node has bound its sync fan-out so syncOut is ready to publish.
func NewCoordinatorStrategy(reg *Registry, store *coordstore.Client, self leaderValue, syncOut *transport.FanOut, mode types.DisseminationMode) *CoordinatorStrategy {
	return &CoordinatorStrategy{
		registry: reg,
		store:    store,
		self:     self,
		syncOut:  syncOut,
		mode:     mode,
	}
}

// Start races for /discovery/leader and installs the watches that follow
// from the outcome.
func (c *CoordinatorStrategy) Start() error {
	if err := c.store.EnsurePath(pathDiscoveryRoot); err != nil {
		return err
	}
	if err := c.store.EnsurePath(pathPubs); err != nil {
		return err
	}
	if err := c.store.EnsurePath(pathBrokers); err != nil {
		return err
	}

	value, _ := json.Marshal(c.self)
	err := c.store.CreateEphemeral(pathLeader, value)
	switch {
	case err == nil:
		c.becomePrimary()
	case errs.IsAlreadyExists(err):
		c.becomeSecondary()
	default:
		return fmt.Errorf("discovery: leader election: %w", err)
	}

	return c.store.WatchChildren(pathDiscoveryRoot, c.onDiscoveryRootChange)
}

// onDiscoveryRootChange fires whenever /discovery/leader appears or
// disappears: if we are not already the primary and the leader node is
// gone, race for it again.
func (c *CoordinatorStrategy) onDiscoveryRootChange(children []string) {
	if c.isLeader.Load() {
		return
	}
	hasLeader := false
	for _, p := range children {
		if p == pathLeader {
			hasLeader = true
		}
	}
	if !hasLeader {
		value, _ := json.Marshal(c.self)
		if err := c.store.CreateEphemeral(pathLeader, value); err == nil {
			c.becomePrimary()
		}
	}
}

func (c *CoordinatorStrategy) becomePrimary() {
	c.isLeader.Store(true)
	log.Logger.Info().Str("name", c.self.Name).Msg("discovery: became primary")

	if err := c.store.WatchChildren(pathPubs, c.onPubsChange); err != nil {
		log.Errorf("discovery: watch /pubs failed", err)
	}
	if err := c.store.WatchChildren(pathBrokers, c.onBrokersRootChange); err != nil {
		log.Errorf("discovery: watch /brokers failed", err)
	}
}

func (c *CoordinatorStrategy) becomeSecondary() {
	c.isLeader.Store(false)
	log.Logger.Info().Str("name", c.self.Name).Msg("discovery: became secondary")

	raw, err := c.store.GetData(pathLeader)
	if err != nil {
		log.Errorf("discovery: read leader value failed", err)
		return
	}
	var lv leaderValue
	if err := json.Unmarshal(raw, &lv); err != nil {
		log.Errorf("discovery: malformed leader value", err)
		return
	}

	if c.syncIn != nil {
		c.syncIn.Close()
	}
	c.syncIn = transport.NewFanIn()
	c.syncIn.Subscribe("discovery")
	syncAddr := fmt.Sprintf("%s:%d", lv.Addr, lv.SyncPort)
	if err := c.syncIn.Connect(syncAddr); err != nil {
		log.Errorf("discovery: connect to primary sync channel failed", err)
		return
	}
	go c.consumeSnapshots()
}

func (c *CoordinatorStrategy) consumeSnapshots() {
	for frame := range c.syncIn.Incoming() {
		tag, body := wire.DecodeTagged(frame.Payload)
		if tag != "discovery" || body == nil {
			continue
		}
		var snap types.DiscoverySnapshot
		if err := json.Unmarshal(body, &snap); err != nil {
			log.Errorf("discovery: malformed snapshot", err)
			continue
		}
		c.registry.Replace(snap)
	}
}

// onPubsChange computes the died set against the registry's current
// publisher set, emits per-died unsub deltas, then a full snapshot.
func (c *CoordinatorStrategy) onPubsChange(children []string) {
	live := make(map[string]struct{}, len(children))
	for _, p := range children {
		live[idFromName(p)] = struct{}{}
	}

	c.registry.mu.RLock()
	var died []types.Registrant
	for id, reg := range c.registry.pubs {
		if _, ok := live[id]; !ok {
			died = append(died, reg)
		}
	}
	c.registry.mu.RUnlock()

	for _, reg := range died {
		c.registry.Remove(reg.ID, types.RolePublisher)
		c.publishDelta("unsub", types.MembershipDelta{UpdateType: "pub", Addr: reg.Addr, Port: reg.Port, Topics: reg.Topics})
	}
	c.publishSnapshot()
}

// onBrokersRootChange detects broker death the same way onPubsChange
// detects publisher death: each registered broker holds an ephemeral
// membership marker at /brokers/<id>, and staying live is exactly having
// that marker survive. A broker's own leader election within its group
// happens over a separate coordination-store path the broker engine owns
// directly; Discovery only needs to know whether the broker it already
// registered is still alive.
func (c *CoordinatorStrategy) onBrokersRootChange(children []string) {
	live := make(map[string]struct{}, len(children))
	for _, p := range children {
		live[idFromName(p)] = struct{}{}
	}

	c.registry.mu.RLock()
	var died []types.Registrant
	for id, reg := range c.registry.brokers {
		if _, ok := live[id]; !ok {
			died = append(died, reg)
		}
	}
	c.registry.mu.RUnlock()

	for _, reg := range died {
		c.registry.Remove(reg.ID, types.RoleBoth)
		c.publishDelta("unsub", types.MembershipDelta{UpdateType: "broker", Addr: reg.Addr, Port: reg.Port})
	}
	if len(died) > 0 {
		c.publishSnapshot()
	}
}

func (c *CoordinatorStrategy) publishDelta(tag string, delta types.MembershipDelta) {
	body, err := json.Marshal(delta)
	if err != nil {
		return
	}
	c.syncOut.Publish(wire.EncodeTagged(tag, body))
}

func (c *CoordinatorStrategy) publishSnapshot() {
	body, err := json.Marshal(c.registry.Snapshot())
	if err != nil {
		return
	}
	c.syncOut.Publish(wire.EncodeTagged("discovery", body))
}

func (c *CoordinatorStrategy) HandleRegister(req wire.RegisterReq) wire.RegisterResp {
	if err := c.registry.Register(req.Registrant); err != nil {
		return wire.RegisterResp{Success: false, Reason: err.Error()}
	}

	// Only publishers and brokers carry liveness markers: they are data
	// sources whose death must trigger a membership delta. A subscriber's
	// absence never needs to be pushed to anyone.
	var path, tag string
	switch req.Registrant.Role {
	case types.RolePublisher:
		path, tag = fmt.Sprintf("%s/%s", pathPubs, req.Registrant.ID), "pub"
	case types.RoleBoth:
		path, tag = fmt.Sprintf("%s/%s", pathBrokers, req.Registrant.ID), "broker"
	}
	if path != "" {
		value, _ := json.Marshal(req.Registrant.Endpoint())
		if err := c.store.CreateEphemeral(path, value); err != nil && !errs.IsAlreadyExists(err) {
			log.Errorf("discovery: register ephemeral node failed", err)
		}
		c.publishDelta("sub", types.MembershipDelta{UpdateType: tag, Addr: req.Registrant.Addr, Port: req.Registrant.Port, Topics: req.Registrant.Topics})
	}
	c.publishSnapshot()
	return wire.RegisterResp{Success: true}
}

func (c *CoordinatorStrategy) HandleIsReady(wire.IsReadyReq) wire.IsReadyResp {
	// The coordinator provides membership directly; there is never a
	// meaningful "not ready" state to report.
	return wire.IsReadyResp{Ready: true}
}

func (c *CoordinatorStrategy) HandleLookup(req wire.LookupReq) wire.LookupResp {
	if req.All {
		return wire.LookupResp{Endpoints: c.registry.AllPublisherEndpoints()}
	}
	if c.mode == types.ModeBrokered && req.Requester == types.RequesterSubscriber {
		return wire.LookupResp{Endpoints: c.registry.BrokerEndpoints()}
	}
	return wire.LookupResp{Endpoints: c.registry.PublisherEndpointsForTopics(req.Topics)}
}

func (c *CoordinatorStrategy) OnMembershipChange() (int, bool) {
	return eventloop.Immediate, true
}

// IsPrimary reports whether this Discovery instance currently holds
// /discovery/leader.
func (c *CoordinatorStrategy) IsPrimary() bool { return c.isLeader.Load() }

// ResolvePrimarySyncAddr reads /discovery/leader off store and returns the
// primary's sync fan-out address, the same lookup a secondary performs in
// becomeSecondary. Publishers, subscribers and brokers outside the
// Discovery process use this to find the sync channel they must dial for
// dynamic re-subscription without duplicating the election logic.
func ResolvePrimarySyncAddr(store *coordstore.Client) (string, error) {
	raw, err := store.GetData(pathLeader)
	if err != nil {
		return "", fmt.Errorf("discovery: read leader value: %w", err)
	}
	var lv leaderValue
	if err := json.Unmarshal(raw, &lv); err != nil {
		return "", fmt.Errorf("discovery: malformed leader value: %w", err)
	}
	return fmt.Sprintf("%s:%d", lv.Addr, lv.SyncPort), nil
}
