package transport

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/cuemby/relaymesh/pkg/wire"
)

// RawReqClient is a request/reply client like ReqClient but carrying opaque
// byte payloads instead of a pkg/wire envelope. The coordination-store
// client protocol is not part of the pub/sub wire schema, so it rides this
// leaner framing instead.
type RawReqClient struct {
	mu   sync.Mutex
	addr string
	conn net.Conn
	r    *bufio.Reader
}

// DialRaw connects lazily: the first Request call dials if not yet connected.
func DialRaw(addr string) *RawReqClient {
	return &RawReqClient{addr: addr}
}

func (c *RawReqClient) ensureConn() error {
	if c.conn != nil {
		return nil
	}
	conn, err := net.Dial("tcp", c.addr)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", c.addr, err)
	}
	c.conn = conn
	c.r = bufio.NewReader(conn)
	connsActive.Inc(1)
	return nil
}

// Request sends payload and blocks for the matching reply.
func (c *RawReqClient) Request(payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureConn(); err != nil {
		return nil, err
	}
	if err := wire.WriteRaw(c.conn, payload); err != nil {
		c.closeLocked()
		return nil, err
	}
	framesSent.Inc(1)
	resp, err := wire.ReadRaw(c.r)
	if err != nil {
		c.closeLocked()
		return nil, fmt.Errorf("transport: read raw reply: %w", err)
	}
	framesRecv.Inc(1)
	return resp, nil
}

// Close releases the underlying connection.
func (c *RawReqClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *RawReqClient) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.r = nil
	connsActive.Dec(1)
	return err
}

// RawRequest pairs an inbound raw payload with the connection it arrived on.
type RawRequest struct {
	Path    ReturnPath
	Payload []byte
}

// RawRouter is the server side of RawReqClient.
type RawRouter struct {
	ln       net.Listener
	incoming chan RawRequest
	nextID   uint64

	mu     sync.Mutex
	conns  map[ReturnPath]net.Conn
	closed chan struct{}
}

// BindRaw starts listening on addr.
func BindRaw(addr string) (*RawRouter, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	r := &RawRouter{
		ln:       ln,
		incoming: make(chan RawRequest, 256),
		conns:    make(map[ReturnPath]net.Conn),
		closed:   make(chan struct{}),
	}
	go r.acceptLoop()
	return r, nil
}

// Addr returns the bound listen address.
func (r *RawRouter) Addr() net.Addr { return r.ln.Addr() }

// Incoming is the channel the owning event loop selects on for inbound
// requests.
func (r *RawRouter) Incoming() <-chan RawRequest { return r.incoming }

func (r *RawRouter) acceptLoop() {
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

func (r *RawRouter) readLoop(path ReturnPath, conn net.Conn) {
	br := bufio.NewReader(conn)
	for {
		payload, err := wire.ReadRaw(br)
		if err != nil {
			r.Disconnect(path)
			return
		}
		framesRecv.Inc(1)
		select {
		case r.incoming <- RawRequest{Path: path, Payload: payload}:
		case <-r.closed:
			return
		}
	}
}

// Reply writes payload back on the connection identified by path.
func (r *RawRouter) Reply(path ReturnPath, payload []byte) error {
	r.mu.Lock()
	conn, ok := r.conns[path]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if err := wire.WriteRaw(conn, payload); err != nil {
		r.Disconnect(path)
		return err
	}
	framesSent.Inc(1)
	return nil
}

// Disconnect releases path's connection without affecting any other
// connection on this RawRouter.
func (r *RawRouter) Disconnect(path ReturnPath) {
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
func (r *RawRouter) Close() error {
	close(r.closed)
	r.mu.Lock()
	for path, conn := range r.conns {
		conn.Close()
		delete(r.conns, path)
	}
	r.mu.Unlock()
	return r.ln.Close()
}
