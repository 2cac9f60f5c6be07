// Package publisher implements the publisher lifecycle: register with
// Discovery, wait for system readiness, then disseminate on an interval
// while keeping each topic's last few records for replay and tracking
// ownership-strength leadership through the coordination store.
package publisher

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cuemby/relaymesh/pkg/coordstore"
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
	stateDisseminate
	stateCompleted
)

// Config configures one publisher process.
type Config struct {
	ID              string
	Addr            string
	Port            int
	Topics          []string
	DiscoveryAddr   string
	PublishInterval time.Duration
	ExperimentLabel string

	// Iters bounds the dissemination loop to a finite number of sweeps.
	// Iters<=0 means run until Stop.
	Iters int

	// Coord is non-nil when ownership-strength leader election runs over
	// the coordination store. Nil disables election; every configured
	// topic is then unconditionally "led" by this process.
	Coord *coordstore.Client

	// Generate produces the payload for one dissemination tick. A nil
	// Generate falls back to a small synthetic payload.
	Generate func(topic string) []byte
}

type topicHistory struct {
	mu      sync.Mutex
	records []types.PublishRecord
	cap     int
}

func newTopicHistory(capN int) *topicHistory {
	if capN < 1 {
		capN = 1
	}
	if capN > 5 {
		capN = 5
	}
	return &topicHistory{cap: capN}
}

func (h *topicHistory) push(rec types.PublishRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
	if len(h.records) > h.cap {
		h.records = h.records[len(h.records)-h.cap:]
	}
}

func (h *topicHistory) snapshot() []types.PublishRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]types.PublishRecord(nil), h.records...)
}

// Publisher runs one publishing process end to end.
type Publisher struct {
	cfg   Config
	state state

	fanout    *transport.FanOut
	histories map[string]*topicHistory

	mu       sync.RWMutex
	isLeader map[string]bool
	assigned map[string]string // topic -> our own assigned sequential path

	stop chan struct{}
}

// New binds the publisher's fan-out socket and picks each topic's history
// length once at startup (N in [1,5]).
func New(cfg Config) (*Publisher, error) {
	fanout, err := transport.BindFanOut(fmt.Sprintf("%s:%d", cfg.Addr, cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("publisher: bind fanout: %w", err)
	}
	p := &Publisher{
		cfg:       cfg,
		state:     stateInitialize,
		fanout:    fanout,
		histories: make(map[string]*topicHistory),
		isLeader:  make(map[string]bool),
		assigned:  make(map[string]string),
		stop:      make(chan struct{}),
	}
	for _, t := range cfg.Topics {
		p.histories[t] = newTopicHistory(1 + rand.Intn(5))
	}
	return p, nil
}

// Run drives the full lifecycle and blocks until Stop is called.
func (p *Publisher) Run() error {
	p.state = stateConfigure
	if p.cfg.Coord != nil {
		if err := p.electForTopics(); err != nil {
			return err
		}
	}

	p.state = stateRegister
	if err := p.register(); err != nil {
		return err
	}

	p.state = stateIsReady
	if err := p.waitUntilReady(); err != nil {
		return err
	}

	p.state = stateDisseminate
	p.disseminateLoop()

	p.state = stateCompleted
	return nil
}

// electForTopics creates a sequential ephemeral member under each topic's
// election path and watches its siblings to recompute leadership: the live
// member holding the lowest sequence number owns the topic.
func (p *Publisher) electForTopics() error {
	for _, topic := range p.cfg.Topics {
		prefix := fmt.Sprintf("/topics/%s/publishers/member-", topic)
		value, _ := json.Marshal(types.Endpoint{ID: p.cfg.ID, Addr: p.cfg.Addr, Port: p.cfg.Port})
		assigned, err := p.cfg.Coord.CreateSequentialEphemeral(prefix, value)
		if err != nil {
			return fmt.Errorf("publisher: topic %s election: %w", topic, err)
		}
		p.mu.Lock()
		p.assigned[topic] = assigned
		p.mu.Unlock()

		groupPath := fmt.Sprintf("/topics/%s/publishers", topic)
		t := topic
		if err := p.cfg.Coord.WatchChildren(groupPath, func(children []string) {
			p.recomputeLeadership(t, children)
		}); err != nil {
			return fmt.Errorf("publisher: watch topic %s: %w", topic, err)
		}
	}
	return nil
}

func (p *Publisher) recomputeLeadership(topic string, children []string) {
	if len(children) == 0 {
		return
	}
	min := children[0] // coordstore.Client.Children sorts ascending lexically
	p.mu.Lock()
	leader := p.assigned[topic] == min
	p.isLeader[topic] = leader
	p.mu.Unlock()
	metrics.TopicLeader.WithLabelValues(topic).Set(boolToFloat(leader))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// IsLeader reports whether this publisher currently owns topic's
// ownership-strength rank. With no Coord configured, every topic is
// unconditionally led.
func (p *Publisher) IsLeader(topic string) bool {
	if p.cfg.Coord == nil {
		return true
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.isLeader[topic]
}

func (p *Publisher) register() error {
	client := transport.Dial(p.cfg.DiscoveryAddr)
	defer client.Close()
	resp, err := client.Request(wire.Envelope{
		Type:          wire.MsgRegisterReq,
		TimestampSent: time.Now().UnixNano(),
		Register: &wire.RegisterReq{Registrant: types.Registrant{
			ID: p.cfg.ID, Addr: p.cfg.Addr, Port: p.cfg.Port, Role: types.RolePublisher, Topics: p.cfg.Topics,
		}},
	})
	if err != nil {
		return fmt.Errorf("publisher: register: %w", err)
	}
	if resp.RegisterR == nil || !resp.RegisterR.Success {
		reason := ""
		if resp.RegisterR != nil {
			reason = resp.RegisterR.Reason
		}
		return fmt.Errorf("publisher: register rejected: %s", reason)
	}
	return nil
}

func (p *Publisher) waitUntilReady() error {
	client := transport.Dial(p.cfg.DiscoveryAddr)
	defer client.Close()
	for {
		resp, err := client.Request(wire.Envelope{Type: wire.MsgIsReadyReq, TimestampSent: time.Now().UnixNano(), IsReady: &wire.IsReadyReq{}})
		if err != nil {
			log.Errorf("publisher: isready poll failed", err)
		} else if resp.IsReadyR != nil && resp.IsReadyR.Ready {
			return nil
		}
		select {
		case <-time.After(200 * time.Millisecond):
		case <-p.stop:
			return fmt.Errorf("publisher: stopped while waiting for readiness")
		}
	}
}

// disseminateLoop is the ticker+sweep pattern every publishing cycle runs
// on: one tick, one pass over every configured topic, for p.cfg.Iters
// sweeps (or forever if Iters<=0).
func (p *Publisher) disseminateLoop() {
	interval := p.cfg.PublishInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	swept := 0
	for {
		select {
		case <-ticker.C:
			for _, topic := range p.cfg.Topics {
				if p.IsLeader(topic) {
					p.publishOnce(topic)
				}
			}
			swept++
			if p.cfg.Iters > 0 && swept >= p.cfg.Iters {
				return
			}
		case <-p.stop:
			return
		}
	}
}

// publishOnce trims the topic's FIFO to N-1, appends the freshly generated
// value, then retransmits the entire current FIFO (last-N replay): a
// subscriber that only just connected still receives N ticks of context on
// the very next sweep instead of waiting N sweeps to fill its own window.
func (p *Publisher) publishOnce(topic string) {
	rec := types.PublishRecord{
		Topic:           topic,
		Data:            p.generate(topic),
		PubID:           p.cfg.ID,
		SentTimestamp:   time.Now().UnixNano(),
		ExperimentLabel: p.cfg.ExperimentLabel,
	}
	p.histories[topic].push(rec)

	for _, r := range p.histories[topic].snapshot() {
		frame, err := wire.EncodeRecord(r)
		if err != nil {
			log.Errorf("publisher: encode record failed", err)
			continue
		}
		p.fanout.Publish(frame)
	}
	metrics.MessagesPublished.WithLabelValues(topic).Inc()
}

func (p *Publisher) generate(topic string) []byte {
	if p.cfg.Generate != nil {
		return p.cfg.Generate(topic)
	}
	return []byte(fmt.Sprintf("%s@%d", topic, time.Now().UnixNano()))
}

// History returns topic's retained last-N records for replay.
func (p *Publisher) History(topic string) []types.PublishRecord {
	h, ok := p.histories[topic]
	if !ok {
		return nil
	}
	return h.snapshot()
}

// Stop halts dissemination and releases the fan-out socket.
func (p *Publisher) Stop() {
	close(p.stop)
	p.fanout.Close()
}
