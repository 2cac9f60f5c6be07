package discovery

import (
	"fmt"
	"time"

	"github.com/cuemby/relaymesh/pkg/config"
	"github.com/cuemby/relaymesh/pkg/coordstore"
	"github.com/cuemby/relaymesh/pkg/errs"
	"github.com/cuemby/relaymesh/pkg/eventloop"
	"github.com/cuemby/relaymesh/pkg/log"
	"github.com/cuemby/relaymesh/pkg/transport"
	"github.com/cuemby/relaymesh/pkg/types"
	"github.com/cuemby/relaymesh/pkg/wire"
)

// state is the Discovery process state machine: a single process moves
// forward through these phases exactly once, finishing with an
// idle-timeout shutdown rather than running forever.
type state int

const (
	stateInitialize state = iota
	stateConfigure
	stateWaitingForRegistrations
	stateSystemReady
	stateCompleted
)

// Node wires a Registry, the selected lookup Strategy and a request/reply
// Router into an eventloop.Loop: one state machine driven entirely by
// upcalls, no component blocks waiting on another directly.
type Node struct {
	cfg      *config.Config
	registry *Registry
	strategy Strategy
	router   *transport.Router
	loop     *eventloop.Loop

	state        state
	idleWindow   time.Duration
	lastActivity time.Time

	coord   *coordstore.Client
	syncOut *transport.FanOut
}

// NewNode builds a Node for selfID, binding its request/reply router and
// constructing whichever Strategy cfg.Discovery.Strategy names.
func NewNode(cfg *config.Config, selfID string) (*Node, error) {
	registry := NewRegistry()

	router, err := transport.Bind(fmt.Sprintf("%s:%d", cfg.Discovery.Addr, cfg.Discovery.Port))
	if err != nil {
		return nil, fmt.Errorf("discovery: bind router: %w", err)
	}

	n := &Node{
		cfg:        cfg,
		registry:   registry,
		router:     router,
		idleWindow: cfg.Discovery.IdleWindow.Duration(),
		state:      stateInitialize,
	}

	expectedBrokers := 0
	if cfg.Dissemination.Strategy == types.ModeBrokered {
		expectedBrokers = len(cfg.Dissemination.Groups)
	}

	switch cfg.Discovery.Strategy {
	case types.StrategyCentralized:
		n.strategy = NewCentralizedStrategy(registry, cfg.Discovery.ExpectedPubs, cfg.Discovery.ExpectedSubs, cfg.Dissemination.Strategy)

	case types.StrategyDHT:
		roster, err := config.LoadRoster(cfg.Discovery.DHTRosterFile)
		if err != nil {
			router.Close()
			return nil, err
		}
		strat, err := NewDHTStrategy(registry, selfID, roster, cfg.Discovery.ExpectedPubs, cfg.Discovery.ExpectedSubs, expectedBrokers)
		if err != nil {
			router.Close()
			return nil, err
		}
		n.strategy = strat

	case types.StrategyCoordinator:
		// coord_addrs holds exactly two entries for this role: the
		// coordination-store client port and its watch (children-notify)
		// port.
		if len(cfg.Discovery.CoordAddrs) < 2 {
			router.Close()
			return nil, errs.New(errs.Config, "coordinator strategy requires coord_addrs: [client_addr, watch_addr]")
		}
		coordClient := coordstore.Dial(cfg.Discovery.CoordAddrs[0], cfg.Discovery.CoordAddrs[1], cfg.Discovery.SessionTimeout.Duration()/2)
		syncOut, err := transport.BindFanOut(fmt.Sprintf("%s:%d", cfg.Discovery.Addr, cfg.Discovery.SyncPort))
		if err != nil {
			router.Close()
			coordClient.Close()
			return nil, fmt.Errorf("discovery: bind sync fanout: %w", err)
		}
		self := leaderValue{Addr: cfg.Discovery.Addr, Port: cfg.Discovery.Port, SyncPort: cfg.Discovery.SyncPort, Name: selfID}
		n.coord = coordClient
		n.syncOut = syncOut
		n.strategy = NewCoordinatorStrategy(registry, coordClient, self, syncOut, cfg.Dissemination.Strategy)

	default:
		router.Close()
		return nil, errs.New(errs.Config, fmt.Sprintf("unknown discovery strategy %q", cfg.Discovery.Strategy))
	}

	n.loop = eventloop.New(n)
	eventloop.AddSource(n.loop, "router", router.Incoming, n.handleRequest)
	return n, nil
}

// Start performs any strategy-specific bring-up (coordinator election,
// watches) and then runs the event loop until idle-timeout shutdown.
func (n *Node) Start() error {
	if cs, ok := n.strategy.(*CoordinatorStrategy); ok {
		if err := cs.Start(); err != nil {
			return err
		}
	}
	n.state = stateWaitingForRegistrations
	n.lastActivity = time.Now()
	n.loop.Run()
	return nil
}

// Invoke is the upcall the event loop drives on every timer expiry.
// Registration/lookup traffic arrives on the router source instead;
// Invoke's only job once running is watching the idle window and polling
// the strategy for a membership-driven preference on the next wakeup.
func (n *Node) Invoke() (int, bool) {
	switch n.state {
	case stateInitialize:
		n.state = stateConfigure
		return eventloop.Immediate, true
	case stateConfigure:
		n.state = stateWaitingForRegistrations
		n.lastActivity = time.Now()
		return eventloop.Immediate, true
	case stateCompleted:
		return eventloop.Immediate, true
	default:
		return n.tick()
	}
}

func (n *Node) tick() (int, bool) {
	if n.idleWindow > 0 && time.Since(n.lastActivity) >= n.idleWindow {
		n.state = stateCompleted
		n.loop.Stop()
		return eventloop.Immediate, true
	}
	if ms, wait := n.strategy.OnMembershipChange(); !wait {
		return ms, false
	}
	if n.idleWindow <= 0 {
		return eventloop.Immediate, true
	}
	remaining := n.idleWindow - time.Since(n.lastActivity)
	if remaining < 0 {
		remaining = 0
	}
	return int(remaining / time.Millisecond), false
}

func (n *Node) handleRequest(req transport.Request) (int, bool) {
	n.lastActivity = time.Now()
	resp, becameReady := n.dispatch(req.Env)
	if err := n.router.Reply(req.Path, resp); err != nil {
		log.Errorf("discovery: reply failed", err)
	}
	if becameReady && n.state == stateWaitingForRegistrations {
		n.state = stateSystemReady
	}
	return eventloop.Immediate, false
}

func (n *Node) dispatch(env wire.Envelope) (wire.Envelope, bool) {
	resp := wire.Envelope{Type: responseTypeFor(env.Type), TimestampSent: env.TimestampSent}
	ready := false
	switch env.Type {
	case wire.MsgRegisterReq:
		if env.Register == nil {
			break
		}
		r := n.strategy.HandleRegister(*env.Register)
		resp.RegisterR = &r
	case wire.MsgIsReadyReq:
		if env.IsReady == nil {
			break
		}
		r := n.strategy.HandleIsReady(*env.IsReady)
		resp.IsReadyR = &r
		ready = r.Ready
	case wire.MsgLookupReq:
		if env.Lookup == nil {
			break
		}
		r := n.strategy.HandleLookup(*env.Lookup)
		resp.LookupR = &r
	default:
		log.Error("discovery: received envelope with unknown type")
	}
	return resp, ready
}

func responseTypeFor(t wire.MsgType) wire.MsgType {
	switch t {
	case wire.MsgRegisterReq:
		return wire.MsgRegisterResp
	case wire.MsgIsReadyReq:
		return wire.MsgIsReadyResp
	case wire.MsgLookupReq:
		return wire.MsgLookupResp
	default:
		return t
	}
}

// Close shuts every socket the Node owns down.
func (n *Node) Close() error {
	n.loop.Stop()
	n.router.Close()
	if n.syncOut != nil {
		n.syncOut.Close()
	}
	if n.coord != nil {
		n.coord.Close()
	}
	return nil
}
