package transport

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"

	"github.com/cuemby/relaymesh/pkg/wire"
)

// ReturnPath is the opaque leading-frame identifier a Router hands out with
// each inbound request; a reply must be sent with the same ReturnPath.
// DHT-mode hop forwarding passes the ReturnPath of the original request
// through unchanged while only the inner payload is rewritten.
type ReturnPath uint64

// Request is one inbound message paired with the connection it arrived on.
type Request struct {
	Path ReturnPath
	Env  wire.Envelope
}

// Router is the server-side socket: Bind creates a listening endpoint,
// Incoming yields inbound requests, Reply writes a response back down the
// same connection.
type Router struct {
	ln       net.Listener
	incoming chan Request
	nextID   uint64

	mu    sync.Mutex
	conns map[ReturnPath]net.Conn

	closed chan struct{}
}

// Bind starts listening on addr.
func Bind(addr string) (*Router, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	r := &Router{
		ln:       ln,
		incoming: make(chan Request, 256),
		conns:    make(map[ReturnPath]net.Conn),
		closed:   make(chan struct{}),
	}
	go r.acceptLoop()
	return r, nil
}

// Addr returns the bound listen address.
func (r *Router) Addr() net.Addr { return r.ln.Addr() }

// Incoming is the channel the owning event loop selects on for inbound
// requests.
func (r *Router) Incoming() <-chan Request { return r.incoming }

func (r *Router) acceptLoop() {
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			return
		}
		path := ReturnPath(atomic.AddUint64(&r.nextID, 1))
		r.mu.Lock()
		r.conns[path] = conn
		r.mu.Unlock()
		connsActive.Inc(1)
		go r.readLoop(path, conn)
	}
}

func (r *Router) readLoop(path ReturnPath, conn net.Conn) {
	br := bufio.NewReader(conn)
	for {
		env, err := wire.ReadFrame(br)
		if err != nil {
			r.Disconnect(path)
			return
		}
		framesRecv.Inc(1)
		select {
		case r.incoming <- Request{Path: path, Env: env}:
		case <-r.closed:
			return
		}
	}
}

// Reply writes env back on the connection identified by path. Replying on
// a path whose connection has disconnected is a no-op error, never a
// panic.
func (r *Router) Reply(path ReturnPath, env wire.Envelope) error {
	r.mu.Lock()
	conn, ok := r.conns[path]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if err := wire.WriteFrame(conn, env); err != nil {
		r.Disconnect(path)
		return err
	}
	framesSent.Inc(1)
	return nil
}

// Disconnect releases path's connection without affecting any other
// connection on this Router.
func (r *Router) Disconnect(path ReturnPath) {
	r.mu.Lock()
	conn, ok := r.conns[path]
	if ok {
		delete(r.conns, path)
	}
	r.mu.Unlock()
	if ok {
		conn.Close()
		connsActive.Dec(1)
	}
}

// Close shuts the listener and all open connections down.
func (r *Router) Close() error {
	close(r.closed)
	r.mu.Lock()
	for path, conn := range r.conns {
		conn.Close()
		delete(r.conns, path)
	}
	r.mu.Unlock()
	return r.ln.Close()
}
