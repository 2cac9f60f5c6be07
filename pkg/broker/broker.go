// Package broker implements the Broker engine: a process that is
// simultaneously a subscriber of every publisher (fan-in) and a publisher to
// every subscriber (fan-out), forwarding frames verbatim so topic prefixes
// and producer timestamps survive the hop untouched.
package broker

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/relaymesh/pkg/coordstore"
	"github.com/cuemby/relaymesh/pkg/errs"
	"github.com/cuemby/relaymesh/pkg/log"
	"github.com/cuemby/relaymesh/pkg/metrics"
	"github.com/cuemby/relaymesh/pkg/transport"
	"github.com/cuemby/relaymesh/pkg/types"
	"github.com/cuemby/relaymesh/pkg/wire"
)

type state int

const (
	stateInitialize state = iota
	stateConfigure
	stateRegister
	stateIsReady
	stateLookupPublishers
	stateForward
	stateCompleted
)

// brokerElectGroupPath and brokerElectLeaderPath live outside the /brokers
// namespace Discovery owns for broker registration markers (see
// pkg/discovery/coordinator.go's pathBrokers): election is a concern
// private to brokers sharing a group, while /brokers/<id> is Discovery's
// own liveness view of whichever broker currently holds that election.
func brokerElectGroupPath(group string) string  { return "/broker-election/" + group }
func brokerElectLeaderPath(group string) string { return "/broker-election/" + group + "/leader" }

// Config configures one broker process.
type Config struct {
	ID            string
	Addr          string
	Port          int // fan-out bind port, subscribers connect here
	Group         string
	Topics        []string // union of topics this broker's group cares about
	DiscoveryAddr string

	// Coord is non-nil in Coordinator mode; its presence also enables
	// leader election between brokers sharing a group.
	Coord *coordstore.Client

	// SyncAddr is the Discovery primary's sync fan-out address, used for
	// membership-driven re-wiring instead of re-running lookup.
	SyncAddr string
}

// Broker runs one broker process end to end.
type Broker struct {
	cfg   Config
	state state

	fanin  *transport.FanIn
	fanout *transport.FanOut
	syncIn *transport.FanIn

	mu         sync.Mutex
	connected  map[string]struct{}
	isLeader   bool
	leaderGate chan struct{} // closed once this broker becomes leader
	leaderOnce sync.Once

	stop chan struct{}
}

// New binds the broker's fan-out socket and builds its fan-in socket
// subscribed to every topic (empty prefix).
func New(cfg Config) (*Broker, error) {
	fanout, err := transport.BindFanOut(fmt.Sprintf("%s:%d", cfg.Addr, cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("broker: bind fanout: %w", err)
	}
	fanin := transport.NewFanIn()
	fanin.Subscribe("") // all topics

	b := &Broker{
		cfg:        cfg,
		state:      stateInitialize,
		fanin:      fanin,
		fanout:     fanout,
		connected:  make(map[string]struct{}),
		leaderGate: make(chan struct{}),
		stop:       make(chan struct{}),
	}
	if cfg.Coord == nil {
		// No election configured: this broker is unconditionally its own
		// group's leader (Direct mode never elects brokers at all, and a
		// Centralized/DHT Brokered deployment runs exactly one broker per
		// group by configuration).
		b.isLeader = true
		close(b.leaderGate)
	}
	return b, nil
}

// Run drives the full lifecycle and blocks until Stop is called.
func (b *Broker) Run() error {
	b.state = stateConfigure
	if b.cfg.Coord != nil {
		if err := b.electLeader(); err != nil {
			return err
		}
		// Non-leaders block here: Discovery must only ever see the one
		// broker per group that is actually forwarding data, so a
		// candidate that hasn't won the race does not register at all.
		select {
		case <-b.leaderGate:
		case <-b.stop:
			return nil
		}
	}

	b.state = stateRegister
	if err := b.register(); err != nil {
		return err
	}

	b.state = stateIsReady
	if err := b.waitUntilReady(); err != nil {
		return err
	}

	b.state = stateLookupPublishers
	if err := b.lookupAndConnect(); err != nil {
		return err
	}
	if b.cfg.SyncAddr != "" {
		if err := b.connectSync(); err != nil {
			log.Errorf("broker: sync channel connect failed", err)
		}
	}

	b.state = stateForward
	b.forwardLoop()

	b.state = stateCompleted
	return nil
}

// electLeader races for this group's election path the same way Discovery
// nodes race for /discovery/leader: the first writer becomes leader
// immediately, everyone else watches the group's leader path and re-races
// whenever it disappears. Each broker group elects independently, so two
// groups never contend for the same path.
func (b *Broker) electLeader() error {
	groupPath := brokerElectGroupPath(b.cfg.Group)
	leaderPath := brokerElectLeaderPath(b.cfg.Group)
	if err := b.cfg.Coord.EnsurePath(groupPath); err != nil {
		return fmt.Errorf("broker: ensure %s path: %w", groupPath, err)
	}
	value, _ := json.Marshal(types.Endpoint{ID: b.cfg.ID, Addr: b.cfg.Addr, Port: b.cfg.Port})

	tryBecomeLeader := func() {
		if err := b.cfg.Coord.CreateEphemeral(leaderPath, value); err == nil {
			b.becomeLeader()
		} else if !errs.IsAlreadyExists(err) {
			log.Errorf("broker: leader election attempt failed", err)
		}
	}
	tryBecomeLeader()

	return b.cfg.Coord.WatchChildren(groupPath, func(children []string) {
		b.mu.Lock()
		already := b.isLeader
		b.mu.Unlock()
		if already {
			return
		}
		hasLeader := false
		for _, c := range children {
			if c == leaderPath {
				hasLeader = true
			}
		}
		if !hasLeader {
			tryBecomeLeader()
		}
	})
}

func (b *Broker) becomeLeader() {
	b.mu.Lock()
	b.isLeader = true
	b.mu.Unlock()
	b.leaderOnce.Do(func() { close(b.leaderGate) })
	metrics.TopicLeader.WithLabelValues("broker/" + b.cfg.Group).Set(1)
	log.Logger.Info().Str("broker_id", b.cfg.ID).Str("group", b.cfg.Group).Msg("broker: became group leader")
}

func (b *Broker) register() error {
	client := transport.Dial(b.cfg.DiscoveryAddr)
	defer client.Close()
	resp, err := client.Request(wire.Envelope{
		Type:          wire.MsgRegisterReq,
		TimestampSent: time.Now().UnixNano(),
		Register: &wire.RegisterReq{Registrant: types.Registrant{
			ID: b.cfg.ID, Addr: b.cfg.Addr, Port: b.cfg.Port, Role: types.RoleBoth, Topics: b.cfg.Topics,
		}},
	})
	if err != nil {
		return fmt.Errorf("broker: register: %w", err)
	}
	if resp.RegisterR == nil || !resp.RegisterR.Success {
		reason := ""
		if resp.RegisterR != nil {
			reason = resp.RegisterR.Reason
		}
		return fmt.Errorf("broker: register rejected: %s", reason)
	}
	return nil
}

func (b *Broker) waitUntilReady() error {
	client := transport.Dial(b.cfg.DiscoveryAddr)
	defer client.Close()
	for {
		resp, err := client.Request(wire.Envelope{Type: wire.MsgIsReadyReq, TimestampSent: time.Now().UnixNano(), IsReady: &wire.IsReadyReq{}})
		if err != nil {
			log.Errorf("broker: isready poll failed", err)
		} else if resp.IsReadyR != nil && resp.IsReadyR.Ready {
			return nil
		}
		select {
		case <-time.After(200 * time.Millisecond):
		case <-b.stop:
			return fmt.Errorf("broker: stopped while waiting for readiness")
		}
	}
}

// lookupAndConnect performs an all=true lookup and connects fan-in to every
// returned publisher.
func (b *Broker) lookupAndConnect() error {
	client := transport.Dial(b.cfg.DiscoveryAddr)
	defer client.Close()
	resp, err := client.Request(wire.Envelope{
		Type:          wire.MsgLookupReq,
		TimestampSent: time.Now().UnixNano(),
		Lookup:        &wire.LookupReq{Requester: types.RequesterBroker, All: true},
	})
	if err != nil {
		return fmt.Errorf("broker: lookup: %w", err)
	}
	if resp.LookupR == nil {
		return fmt.Errorf("broker: lookup returned no response")
	}
	for _, ep := range resp.LookupR.Endpoints {
		b.connectPublisher(ep)
	}
	return nil
}

func (b *Broker) connectPublisher(ep types.Endpoint) {
	addr := ep.String()
	b.mu.Lock()
	if _, ok := b.connected[addr]; ok {
		b.mu.Unlock()
		return
	}
	b.connected[addr] = struct{}{}
	b.mu.Unlock()

	if err := b.fanin.Connect(addr); err != nil {
		log.Errorf("broker: connect to publisher failed", err)
	}
}

func (b *Broker) disconnectPublisher(ep types.Endpoint) {
	addr := ep.String()
	b.mu.Lock()
	if _, ok := b.connected[addr]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.connected, addr)
	b.mu.Unlock()
	b.fanin.Disconnect(addr)
}

// connectSync subscribes to "sub"/"unsub" deltas so the leader broker can
// add/remove publisher connections without re-polling lookup.
func (b *Broker) connectSync() error {
	b.syncIn = transport.NewFanIn()
	b.syncIn.Subscribe("sub")
	b.syncIn.Subscribe("unsub")
	if err := b.syncIn.Connect(b.cfg.SyncAddr); err != nil {
		return fmt.Errorf("broker: connect sync channel: %w", err)
	}
	go b.consumeDeltas()
	return nil
}

func (b *Broker) consumeDeltas() {
	for frame := range b.syncIn.Incoming() {
		tag, body := wire.DecodeTagged(frame.Payload)
		if body == nil {
			continue
		}
		var delta types.MembershipDelta
		if err := json.Unmarshal(body, &delta); err != nil {
			log.Errorf("broker: malformed membership delta", err)
			continue
		}
		if delta.UpdateType != "pub" {
			continue // a broker needs raw feeds; publisher churn is all it tracks here
		}
		ep := types.Endpoint{Addr: delta.Addr, Port: delta.Port}
		switch tag {
		case "sub":
			b.connectPublisher(ep)
		case "unsub":
			b.disconnectPublisher(ep)
		}
	}
}

// forwardLoop is the verbatim proxy contract: every frame received on
// fan-in is forwarded byte-for-byte on fan-out, no re-encoding, no
// reordering, no filtering.
func (b *Broker) forwardLoop() {
	for {
		select {
		case frame, ok := <-b.fanin.Incoming():
			if !ok {
				return
			}
			b.fanout.Publish(frame.Payload)
			metrics.MessagesReceived.WithLabelValues(frame.Topic).Inc()
		case <-b.stop:
			return
		}
	}
}

// IsLeader reports whether this broker currently holds its group's
// leadership, always true outside Coordinator mode.
func (b *Broker) IsLeader() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isLeader
}

// Stop halts forwarding and releases every socket the broker holds.
func (b *Broker) Stop() {
	close(b.stop)
	b.fanin.Close()
	b.fanout.Close()
	if b.syncIn != nil {
		b.syncIn.Close()
	}
}
