package transport

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cuemby/relaymesh/pkg/wire"
)

// FanOut is the publish side of the fan-out/fan-in channel: one bind, many
// subscriber connections, each frame broadcast to every currently connected
// subscriber. Filtering by topic prefix happens on the subscriber side
// (FanIn): the wire carries every frame, interested parties decide what to
// keep.
type FanOut struct {
	ln net.Listener

	mu     sync.Mutex
	conns  map[uint64]net.Conn
	nextID uint64
	closed chan struct{}
}

// BindFanOut starts listening for subscriber connections.
func BindFanOut(addr string) (*FanOut, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	f := &FanOut{
		ln:     ln,
		conns:  make(map[uint64]net.Conn),
		closed: make(chan struct{}),
	}
	go f.acceptLoop()
	return f, nil
}

func (f *FanOut) Addr() net.Addr { return f.ln.Addr() }

func (f *FanOut) acceptLoop() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		id := atomic.AddUint64(&f.nextID, 1)
		f.mu.Lock()
		f.conns[id] = conn
		f.mu.Unlock()
		connsActive.Inc(1)
		// Subscribers never send data on a fan-out connection; if the peer
		// closes it we notice on the next failed write and drop it.
	}
}

// Publish broadcasts frame verbatim to every connected subscriber.
func (f *FanOut) Publish(frame []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, conn := range f.conns {
		if err := wire.WriteRaw(conn, frame); err != nil {
			conn.Close()
			delete(f.conns, id)
			connsActive.Dec(1)
			continue
		}
		framesSent.Inc(1)
	}
}

// SubscriberCount reports how many fan-in sockets are currently connected.
func (f *FanOut) SubscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *FanOut) Close() error {
	close(f.closed)
	f.mu.Lock()
	for id, conn := range f.conns {
		conn.Close()
		delete(f.conns, id)
	}
	f.mu.Unlock()
	return f.ln.Close()
}

// FanIn is the subscribe side: it connects to one or more FanOut endpoints
// and applies topic-prefix filters locally before handing a frame to the
// caller.
type FanIn struct {
	mu       sync.Mutex
	prefixes []string
	conns    map[string]net.Conn

	incoming chan RecvFrame
	closed   chan struct{}
}

// RecvFrame is one filter-matched frame delivered to the fan-in owner.
type RecvFrame struct {
	Topic   string
	Payload []byte
}

// NewFanIn creates an unconnected fan-in socket.
func NewFanIn() *FanIn {
	return &FanIn{
		conns:    make(map[string]net.Conn),
		incoming: make(chan RecvFrame, 1024),
		closed:   make(chan struct{}),
	}
}

// Subscribe installs a topic-prefix filter. An empty prefix matches every
// topic (used by the broker, which subscribes to all topics).
func (f *FanIn) Subscribe(prefix string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefixes = append(f.prefixes, prefix)
}

func (f *FanIn) matches(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.prefixes {
		if p == "" || strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

// Connect dials addr and starts reading frames from it. Connect is
// idempotent: connecting to an address already connected is a no-op.
func (f *FanIn) Connect(addr string) error {
	f.mu.Lock()
	if _, ok := f.conns[addr]; ok {
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: fanin connect %s: %w", addr, err)
	}

	f.mu.Lock()
	f.conns[addr] = conn
	f.mu.Unlock()
	connsActive.Inc(1)

	go f.readLoop(addr, conn)
	return nil
}

func (f *FanIn) readLoop(addr string, conn net.Conn) {
	br := bufio.NewReader(conn)
	for {
		frame, err := wire.ReadRaw(br)
		if err != nil {
			f.Disconnect(addr)
			return
		}
		framesRecv.Inc(1)
		topic := wire.TopicOf(frame)
		if !f.matches(topic) {
			continue
		}
		select {
		case f.incoming <- RecvFrame{Topic: topic, Payload: frame}:
		case <-f.closed:
			return
		}
	}
}

// Disconnect releases addr's connection without affecting any other
// connected peer.
func (f *FanIn) Disconnect(addr string) {
	f.mu.Lock()
	conn, ok := f.conns[addr]
	if ok {
		delete(f.conns, addr)
	}
	f.mu.Unlock()
	if ok {
		conn.Close()
		connsActive.Dec(1)
	}
}

// Connected reports whether addr currently has an open connection.
func (f *FanIn) Connected(addr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.conns[addr]
	return ok
}

// Incoming is the channel the owning event loop selects on for inbound,
// filter-matched frames. Within a single connection, publisher message
// order is preserved; across connections there is no ordering guarantee.
func (f *FanIn) Incoming() <-chan RecvFrame {
	return f.incoming
}

func (f *FanIn) Close() error {
	close(f.closed)
	f.mu.Lock()
	for addr, conn := range f.conns {
		conn.Close()
		delete(f.conns, addr)
	}
	f.mu.Unlock()
	return nil
}
