// Package subscriber implements the subscriber lifecycle: register, wait
// for readiness, look up publishers (or brokers), receive data, then flush
// captured latency samples at quiescence.
package subscriber

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/relaymesh/pkg/latencysink"
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
	stateReceiveData
	stateCompleted
)

// Config configures one subscriber process.
type Config struct {
	ID                string
	Topics            []string
	DiscoveryAddr     string
	DisseminationMode types.DisseminationMode

	// SyncAddr is the Discovery primary's sync fan-out address, non-empty
	// only in Coordinator mode.
	SyncAddr string

	IdleWindow      time.Duration
	ExperimentLabel string
	Sink            *latencysink.Sink

	// Frequency is the experiment's configured publish rate in Hz, recorded
	// on every captured latency sample so the sink can correlate latency
	// against load.
	Frequency float64
}

// Subscriber runs one subscribing process end to end.
type Subscriber struct {
	cfg   Config
	state state

	fanin  *transport.FanIn
	syncIn *transport.FanIn

	mu          sync.Mutex
	connected   map[string]struct{}
	samples     []types.LatencySample
	pubCount    int
	subCount    int
	topicCount  int
	lastEventAt time.Time

	stop chan struct{}
}

// New builds a Subscriber subscribed to every configured topic, ready to
// connect to whatever endpoints lookup resolves.
func New(cfg Config) *Subscriber {
	fanin := transport.NewFanIn()
	for _, t := range cfg.Topics {
		fanin.Subscribe(t)
	}
	return &Subscriber{
		cfg:        cfg,
		state:      stateInitialize,
		fanin:      fanin,
		connected:  make(map[string]struct{}),
		topicCount: len(cfg.Topics),
		stop:       make(chan struct{}),
	}
}

// Run drives the full lifecycle and blocks until quiescence (idle window
// elapsed with no new data) or Stop is called.
func (s *Subscriber) Run() error {
	s.state = stateConfigure
	s.lastEventAt = time.Now()

	s.state = stateRegister
	if err := s.register(); err != nil {
		return err
	}

	s.state = stateIsReady
	if err := s.waitUntilReady(); err != nil {
		return err
	}

	s.state = stateLookupPublishers
	if err := s.lookupAndConnect(); err != nil {
		return err
	}
	if s.cfg.SyncAddr != "" {
		if err := s.connectSync(); err != nil {
			log.Errorf("subscriber: sync channel connect failed", err)
		}
	}

	s.state = stateReceiveData
	s.receiveLoop()

	s.state = stateCompleted
	if s.cfg.Sink != nil {
		s.cfg.Sink.Flush(s.drainSamples())
	}
	return nil
}

func (s *Subscriber) register() error {
	client := transport.Dial(s.cfg.DiscoveryAddr)
	defer client.Close()
	resp, err := client.Request(wire.Envelope{
		Type:          wire.MsgRegisterReq,
		TimestampSent: time.Now().UnixNano(),
		Register: &wire.RegisterReq{Registrant: types.Registrant{
			ID: s.cfg.ID, Role: types.RoleSubscriber, Topics: s.cfg.Topics,
		}},
	})
	if err != nil {
		return fmt.Errorf("subscriber: register: %w", err)
	}
	if resp.RegisterR == nil || !resp.RegisterR.Success {
		reason := ""
		if resp.RegisterR != nil {
			reason = resp.RegisterR.Reason
		}
		return fmt.Errorf("subscriber: register rejected: %s", reason)
	}
	return nil
}

func (s *Subscriber) waitUntilReady() error {
	client := transport.Dial(s.cfg.DiscoveryAddr)
	defer client.Close()
	for {
		resp, err := client.Request(wire.Envelope{Type: wire.MsgIsReadyReq, TimestampSent: time.Now().UnixNano(), IsReady: &wire.IsReadyReq{}})
		if err != nil {
			log.Errorf("subscriber: isready poll failed", err)
		} else if resp.IsReadyR != nil && resp.IsReadyR.Ready {
			return nil
		}
		select {
		case <-time.After(200 * time.Millisecond):
		case <-s.stop:
			return fmt.Errorf("subscriber: stopped while waiting for readiness")
		}
	}
}

// lookupAndConnect resolves endpoints for the configured topics — direct
// publishers in Direct mode, the live broker set in Brokered mode — and
// connects the fan-in socket to every one of them.
func (s *Subscriber) lookupAndConnect() error {
	client := transport.Dial(s.cfg.DiscoveryAddr)
	defer client.Close()
	resp, err := client.Request(wire.Envelope{
		Type:          wire.MsgLookupReq,
		TimestampSent: time.Now().UnixNano(),
		Lookup: &wire.LookupReq{
			Topics:    s.cfg.Topics,
			Requester: types.RequesterSubscriber,
		},
	})
	if err != nil {
		return fmt.Errorf("subscriber: lookup: %w", err)
	}
	if resp.LookupR == nil {
		return fmt.Errorf("subscriber: lookup returned no response")
	}
	for _, ep := range resp.LookupR.Endpoints {
		s.connectEndpoint(ep)
	}
	return nil
}

func (s *Subscriber) connectEndpoint(ep types.Endpoint) {
	addr := ep.String()
	s.mu.Lock()
	if _, ok := s.connected[addr]; ok {
		s.mu.Unlock()
		return
	}
	s.connected[addr] = struct{}{}
	s.pubCount++
	s.mu.Unlock()

	if err := s.fanin.Connect(addr); err != nil {
		log.Errorf("subscriber: connect to publisher failed", err)
	}
}

func (s *Subscriber) disconnectEndpoint(ep types.Endpoint) {
	addr := ep.String()
	s.mu.Lock()
	if _, ok := s.connected[addr]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.connected, addr)
	s.mu.Unlock()
	s.fanin.Disconnect(addr)
}

// connectSync subscribes to the "sub"/"unsub" sync-channel tags so the
// subscriber can dynamically re-wire without another lookup round trip.
func (s *Subscriber) connectSync() error {
	s.syncIn = transport.NewFanIn()
	s.syncIn.Subscribe("sub")
	s.syncIn.Subscribe("unsub")
	if err := s.syncIn.Connect(s.cfg.SyncAddr); err != nil {
		return fmt.Errorf("subscriber: connect sync channel: %w", err)
	}
	go s.consumeDeltas()
	return nil
}

// consumeDeltas applies the sync channel's membership deltas per §4.7: in
// Brokered mode only broker churn matters (the subscriber never talks to a
// raw publisher directly); in Direct mode only publisher churn with an
// overlapping topic matters. unsub deltas pass the same filter as sub
// deltas before the endpoint is disconnected.
func (s *Subscriber) consumeDeltas() {
	for frame := range s.syncIn.Incoming() {
		tag, body := wire.DecodeTagged(frame.Payload)
		if body == nil {
			continue
		}
		var delta types.MembershipDelta
		if err := json.Unmarshal(body, &delta); err != nil {
			log.Errorf("subscriber: malformed membership delta", err)
			continue
		}

		if !s.appliesToUs(delta) {
			continue
		}
		ep := types.Endpoint{Addr: delta.Addr, Port: delta.Port}
		switch tag {
		case "sub":
			s.connectEndpoint(ep)
		case "unsub":
			s.disconnectEndpoint(ep)
		}
	}
}

// appliesToUs decides whether a membership delta is one this subscriber's
// dissemination mode cares about, per §4.7: Brokered subscribers only ever
// react to broker churn; Direct subscribers only react to publisher churn
// whose topics overlap their own interests.
func (s *Subscriber) appliesToUs(delta types.MembershipDelta) bool {
	if s.cfg.DisseminationMode == types.ModeBrokered {
		return delta.UpdateType == "broker"
	}
	return delta.UpdateType == "pub" && s.topicsOverlap(delta.Topics)
}

func (s *Subscriber) topicsOverlap(topics []string) bool {
	for _, t := range topics {
		for _, want := range s.cfg.Topics {
			if t == want {
				return true
			}
		}
	}
	return false
}

// receiveLoop pulls filter-matched frames off the fan-in socket, captures a
// latency sample per message, and declares quiescence once IdleWindow
// elapses with no new frame.
func (s *Subscriber) receiveLoop() {
	idle := s.cfg.IdleWindow
	if idle <= 0 {
		idle = 10 * time.Second
	}
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()
	for {
		select {
		case frame, ok := <-s.fanin.Incoming():
			if !ok {
				return
			}
			s.handleFrame(frame)
		case <-ticker.C:
			s.mu.Lock()
			quiet := time.Since(s.lastEventAt) >= idle
			s.mu.Unlock()
			if quiet {
				return
			}
		case <-s.stop:
			return
		}
	}
}

func (s *Subscriber) handleFrame(frame transport.RecvFrame) {
	topic, rec, err := wire.DecodeRecord(frame.Payload)
	if err != nil {
		log.Errorf("subscriber: malformed record frame", err)
		return
	}

	latency := time.Duration(time.Now().UnixNano() - rec.SentTimestamp)
	metrics.DisseminationLatency.Observe(latency.Seconds())
	metrics.MessagesReceived.WithLabelValues(topic).Inc()

	s.mu.Lock()
	s.lastEventAt = time.Now()
	s.samples = append(s.samples, types.LatencySample{
		LatencyNanos:      int64(latency),
		Frequency:         s.cfg.Frequency,
		TopicCount:        s.topicCount,
		PubCount:          s.pubCount,
		SubCount:          s.subCount,
		DisseminationMode: s.cfg.DisseminationMode,
		PubID:             rec.PubID,
		SubID:             s.cfg.ID,
		ExperimentLabel:   s.cfg.ExperimentLabel,
	})
	s.mu.Unlock()
}

func (s *Subscriber) drainSamples() []types.LatencySample {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.samples
	s.samples = nil
	return out
}

// Stop halts the receive loop and releases every socket the subscriber
// holds.
func (s *Subscriber) Stop() {
	close(s.stop)
	s.fanin.Close()
	if s.syncIn != nil {
		s.syncIn.Close()
	}
}
