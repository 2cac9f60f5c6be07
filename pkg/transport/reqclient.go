// Package transport implements the socket abstractions relaymesh runs on:
// a request/reply client channel, a server-side router channel that
// preserves an opaque return path across a multi-hop chain, and a
// fan-out/fan-in channel for topic-prefixed pub/sub. All three are built
// over plain net.TCP framed with pkg/wire, with a goroutine pumping each
// connection into a buffered Go channel the caller's event loop selects on.
package transport

import (
	"bufio"
	"fmt"
	"net"
	"sync"

	gometrics "github.com/rcrowley/go-metrics"

	"github.com/cuemby/relaymesh/pkg/wire"
)

var (
	framesSent  = gometrics.GetOrRegisterCounter("transport.frames.sent", gometrics.DefaultRegistry)
	framesRecv  = gometrics.GetOrRegisterCounter("transport.frames.recv", gometrics.DefaultRegistry)
	connsActive = gometrics.GetOrRegisterCounter("transport.conns.active", gometrics.DefaultRegistry)
)

// Counters reports the live values of this package's go-metrics socket
// counters (frames sent, frames received, active connections), summed
// across every ReqClient, Router and FanOut/FanIn socket in the process.
// pkg/metrics polls this to fold transport throughput into the Prometheus
// registry it already serves on /metrics.
func Counters() (framesSentN, framesRecvN, connsActiveN int64) {
	return framesSent.Count(), framesRecv.Count(), connsActive.Count()
}

// ReqClient is a client request channel: at most one outstanding request,
// strict reply ordering.
type ReqClient struct {
	mu   sync.Mutex
	addr string
	conn net.Conn
	r    *bufio.Reader
}

// Dial connects lazily: the first Request call dials if not yet connected.
func Dial(addr string) *ReqClient {
	return &ReqClient{addr: addr}
}

func (c *ReqClient) ensureConn() error {
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

// Request sends env and blocks for the matching reply. Only one Request may
// be in flight on a ReqClient at a time, enforced by mu.
func (c *ReqClient) Request(env wire.Envelope) (wire.Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConn(); err != nil {
		return wire.Envelope{}, err
	}
	if err := wire.WriteFrame(c.conn, env); err != nil {
		c.closeLocked()
		return wire.Envelope{}, err
	}
	framesSent.Inc(1)
	resp, err := wire.ReadFrame(c.r)
	if err != nil {
		c.closeLocked()
		return wire.Envelope{}, fmt.Errorf("transport: read reply: %w", err)
	}
	framesRecv.Inc(1)
	return resp, nil
}

// Close releases the underlying connection. Disconnecting one ReqClient
// never affects other sockets.
func (c *ReqClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *ReqClient) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.r = nil
	connsActive.Dec(1)
	return err
}
