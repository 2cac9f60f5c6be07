package coordstore

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/cuemby/relaymesh/pkg/errs"
	"github.com/cuemby/relaymesh/pkg/log"
	"github.com/cuemby/relaymesh/pkg/metrics"
	"github.com/cuemby/relaymesh/pkg/transport"
)

// ServerConfig configures one coordination-store replica.
type ServerConfig struct {
	NodeID       string
	RaftBindAddr string
	ClientAddr   string // RawRouter listen address, client Request traffic
	WatchAddr    string // FanOut listen address, children-watch notifications
	DataDir      string
	Bootstrap    bool // true for the first node of a fresh cluster
	Peers        []raft.Server
	// SessionTimeout is the duration after which a session with no
	// heartbeat is expired.
	SessionTimeout time.Duration
}

// Server is one coordination-store replica: a raft.Raft instance advancing
// an FSM, a RawRouter answering client requests, and a FanOut publishing
// children-watch notifications, with reduced heartbeat/election timeouts
// for a LAN-scale deployment.
type Server struct {
	cfg    ServerConfig
	raft   *raft.Raft
	fsm    *FSM
	mirror *boltMirror

	router *transport.RawRouter
	watch  *transport.FanOut

	mu       sync.Mutex
	lastSeen map[string]time.Time

	stop chan struct{}
}

// NewServer constructs a Server without starting it.
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("coordstore: create data dir: %w", err)
	}
	mirror, err := newBoltMirror(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	fsm, err := NewFSM(mirror)
	if err != nil {
		mirror.close()
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		fsm:      fsm,
		mirror:   mirror,
		lastSeen: make(map[string]time.Time),
		stop:     make(chan struct{}),
	}
	fsm.onChange = s.fireWatch
	return s, nil
}

// Start bootstraps (or joins) the Raft cluster and begins serving client
// and watch traffic.
func (s *Server) Start() error {
	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(s.cfg.NodeID)
	raftCfg.HeartbeatTimeout = 300 * time.Millisecond
	raftCfg.ElectionTimeout = 300 * time.Millisecond
	raftCfg.CommitTimeout = 25 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 150 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", s.cfg.RaftBindAddr)
	if err != nil {
		return fmt.Errorf("coordstore: resolve raft bind addr: %w", err)
	}
	rtransport, err := raft.NewTCPTransport(s.cfg.RaftBindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("coordstore: raft transport: %w", err)
	}
	snapStore, err := raft.NewFileSnapshotStore(s.cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("coordstore: snapshot store: %w", err)
	}
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(s.cfg.DataDir, "raft-log.db"))
	if err != nil {
		return fmt.Errorf("coordstore: raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(s.cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return fmt.Errorf("coordstore: raft stable store: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, s.fsm, logStore, stableStore, snapStore, rtransport)
	if err != nil {
		return fmt.Errorf("coordstore: new raft: %w", err)
	}
	s.raft = r

	if s.cfg.Bootstrap {
		servers := s.cfg.Peers
		if len(servers) == 0 {
			servers = []raft.Server{{ID: raftCfg.LocalID, Address: rtransport.LocalAddr()}}
		}
		future := r.BootstrapCluster(raft.Configuration{Servers: servers})
		if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
			return fmt.Errorf("coordstore: bootstrap cluster: %w", err)
		}
	}

	router, err := transport.BindRaw(s.cfg.ClientAddr)
	if err != nil {
		return fmt.Errorf("coordstore: bind client router: %w", err)
	}
	s.router = router

	watch, err := transport.BindFanOut(s.cfg.WatchAddr)
	if err != nil {
		return fmt.Errorf("coordstore: bind watch fanout: %w", err)
	}
	s.watch = watch

	go s.serveLoop()
	go s.expiryLoop()
	return nil
}

// fireWatch publishes the current children list of parentPath to every
// connected watcher (level-triggered, per-path topic framing).
func (s *Server) fireWatch(parentPath string) {
	children := s.fsm.tree.childrenOf(parentPath)
	notif := watchNotification{Path: parentPath, Children: children}
	body, err := json.Marshal(notif)
	if err != nil {
		log.Errorf("coordstore: marshal watch notification", err)
		return
	}
	frame := append([]byte(parentPath+"\x00"), body...)
	s.watch.Publish(frame)
}

type watchNotification struct {
	Path     string   `json:"path"`
	Children []string `json:"children"`
}

func (s *Server) serveLoop() {
	for {
		select {
		case req, ok := <-s.router.Incoming():
			if !ok {
				return
			}
			go s.handle(req)
		case <-s.stop:
			return
		}
	}
}

func (s *Server) handle(req transport.RawRequest) {
	var r Req
	if err := json.Unmarshal(req.Payload, &r); err != nil {
		s.reply(req.Path, Resp{OK: false, Error: err.Error()})
		return
	}

	metrics.CoordSessionsActive.Set(float64(len(s.lastSeenSnapshot())))

	switch r.Op {
	case OpCreateEphemeral:
		s.applyCreate(req.Path, r.Path, r.Value, KindEphemeral, r.SessionID)
	case OpCreatePersistent:
		s.applyCreate(req.Path, r.Path, r.Value, KindPersistent, r.SessionID)
	case OpCreateSequentialEphemeral:
		s.applyCreate(req.Path, r.Path, r.Value, KindSequential, r.SessionID)
	case OpExists:
		s.reply(req.Path, Resp{OK: true, Exists: s.fsm.tree.exists(r.Path)})
	case OpGetData:
		n, ok := s.fsm.tree.getData(r.Path)
		if !ok {
			s.reply(req.Path, Resp{OK: false, Error: "no such path: " + r.Path})
			return
		}
		s.reply(req.Path, Resp{OK: true, Data: n.Value})
	case OpChildren:
		s.reply(req.Path, Resp{OK: true, Children: s.fsm.tree.childrenOf(r.Path)})
	case OpEnsurePath:
		s.fsm.tree.ensurePath(r.Path)
		s.reply(req.Path, Resp{OK: true})
	case OpDelete:
		cmd, err := marshalCommand(opDelete, deletePayload{Path: r.Path})
		if err != nil {
			s.reply(req.Path, Resp{OK: false, Error: err.Error()})
			return
		}
		res := s.apply(cmd)
		if res.Err != nil {
			s.reply(req.Path, errResp(res.Err))
			return
		}
		s.reply(req.Path, Resp{OK: true})
	case OpHeartbeat:
		s.touchSession(r.SessionID)
		s.reply(req.Path, Resp{OK: true})
	default:
		s.reply(req.Path, Resp{OK: false, Error: "unknown op: " + string(r.Op)})
	}
}

func (s *Server) applyCreate(path transport.ReturnPath, nodePath string, value []byte, kind Kind, sessionID string) {
	cmd, err := marshalCommand(opCreate, createPayload{Path: nodePath, Value: value, Kind: kind, SessionID: sessionID})
	if err != nil {
		s.reply(path, Resp{OK: false, Error: err.Error()})
		return
	}
	res := s.apply(cmd)
	if res.Err != nil {
		s.reply(path, errResp(res.Err))
		return
	}
	s.reply(path, Resp{OK: true, AssignedName: res.Node.Path})
}

// errResp builds a failure Resp from err, preserving its errs.Kind/Reason
// when it classifies as one so the client can reconstruct an *errs.Error
// (errs.IsAlreadyExists in particular needs this across the wire).
func errResp(err error) Resp {
	if e, ok := err.(*errs.Error); ok {
		return Resp{OK: false, Error: e.Error(), ErrorKind: string(e.Kind), ErrorReason: e.Reason}
	}
	return Resp{OK: false, Error: err.Error()}
}

func (s *Server) apply(cmd Command) applyResult {
	data, err := json.Marshal(cmd)
	if err != nil {
		return applyResult{Err: err}
	}
	future := s.raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		return applyResult{Err: fmt.Errorf("coordstore: raft apply: %w", err)}
	}
	resp := future.Response()
	res, ok := resp.(applyResult)
	if !ok {
		return applyResult{}
	}
	return res
}

func marshalCommand(op string, payload interface{}) (Command, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Command{}, err
	}
	return Command{Op: op, Data: data}, nil
}

func (s *Server) reply(path transport.ReturnPath, resp Resp) {
	body, err := json.Marshal(resp)
	if err != nil {
		log.Errorf("coordstore: marshal response", err)
		return
	}
	if err := s.router.Reply(path, body); err != nil {
		log.Errorf("coordstore: reply failed", err)
	}
}

func (s *Server) touchSession(sessionID string) {
	s.mu.Lock()
	s.lastSeen[sessionID] = time.Now()
	s.mu.Unlock()

	cmd, err := marshalCommand(opTouchSession, touchSessionPayload{SessionID: sessionID})
	if err != nil {
		return
	}
	if s.IsLeader() {
		s.apply(cmd)
	}
}

func (s *Server) lastSeenSnapshot() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.lastSeen))
	for k, v := range s.lastSeen {
		out[k] = v
	}
	return out
}

// expiryLoop is leader-local: only the leader decides a session has timed
// out and proposes the expire_session command, avoiding the clock skew a
// quorum of independently-ticking replicas would otherwise introduce.
func (s *Server) expiryLoop() {
	interval := s.cfg.SessionTimeout / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !s.IsLeader() {
				continue
			}
			now := time.Now()
			for _, sid := range s.fsm.tree.sessions() {
				last := s.fsm.tree.lastSeenUnixNano(sid)
				if last == 0 {
					continue
				}
				if now.Sub(time.Unix(0, last)) > s.cfg.SessionTimeout {
					cmd, err := marshalCommand(opExpireSession, expireSessionPayload{SessionID: sid})
					if err != nil {
						continue
					}
					s.apply(cmd)
					log.Logger.Warn().Str("session_id", sid).Msg("coordstore: session expired")
				}
			}
		case <-s.stop:
			return
		}
	}
}

// ClientAddr returns the bound address for client request traffic, useful
// when ServerConfig.ClientAddr asked for an OS-assigned port.
func (s *Server) ClientAddr() string { return s.router.Addr().String() }

// WatchAddr returns the bound address for children-watch notifications,
// useful when ServerConfig.WatchAddr asked for an OS-assigned port.
func (s *Server) WatchAddr() string { return s.watch.Addr().String() }

// IsLeader reports whether this replica currently holds the Raft lease.
func (s *Server) IsLeader() bool {
	if s.raft == nil {
		return false
	}
	leader := s.raft.State() == raft.Leader
	if leader {
		metrics.CoordIsLeader.Set(1)
	} else {
		metrics.CoordIsLeader.Set(0)
	}
	return leader
}

// Close shuts the replica down.
func (s *Server) Close() error {
	close(s.stop)
	if s.router != nil {
		s.router.Close()
	}
	if s.watch != nil {
		s.watch.Close()
	}
	if s.raft != nil {
		if err := s.raft.Shutdown().Error(); err != nil {
			log.Errorf("coordstore: raft shutdown", err)
		}
	}
	return s.mirror.close()
}
