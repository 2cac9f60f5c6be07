package coordstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/relaymesh/pkg/errs"
	"github.com/cuemby/relaymesh/pkg/log"
	"github.com/cuemby/relaymesh/pkg/transport"
)

// WatchCallback is invoked with the current children list every time a
// watched path's children set changes (level-triggered).
type WatchCallback func(children []string)

// Client is the coordination-store client every discovery, publisher and
// broker process embeds for ephemeral registration, leader election and
// children-watches.
type Client struct {
	sessionID string
	req       *transport.RawReqClient
	watchIn   *transport.FanIn

	mu       sync.Mutex
	watchers map[string][]WatchCallback

	heartbeatInterval time.Duration
	stop              chan struct{}
}

// Dial connects to one coordination-store replica. A production deployment
// would retry across cfg.CoordAddrs until it reaches the leader; request
// routing to the current leader is left to the caller.
func Dial(clientAddr, watchAddr string, heartbeatInterval time.Duration) *Client {
	c := &Client{
		sessionID:         uuid.NewString(),
		req:               transport.DialRaw(clientAddr),
		watchIn:           transport.NewFanIn(),
		watchers:          make(map[string][]WatchCallback),
		heartbeatInterval: heartbeatInterval,
		stop:              make(chan struct{}),
	}
	c.watchIn.Subscribe("")
	if err := c.watchIn.Connect(watchAddr); err != nil {
		log.Errorf("coordstore: client could not connect to watch fanout", err)
	}
	go c.dispatchLoop()
	go c.heartbeatLoop()
	return c
}

// SessionID is this client's ephemeral-node owner id.
func (c *Client) SessionID() string { return c.sessionID }

func (c *Client) do(req Req) (Resp, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Resp{}, err
	}
	raw, err := c.req.Request(body)
	if err != nil {
		return Resp{}, err
	}
	var resp Resp
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Resp{}, err
	}
	if !resp.OK && resp.Error != "" {
		if resp.ErrorKind != "" {
			return resp, &errs.Error{Kind: errs.Kind(resp.ErrorKind), Reason: resp.ErrorReason}
		}
		return resp, fmt.Errorf("coordstore: %s", resp.Error)
	}
	return resp, nil
}

// CreateEphemeral creates a session-owned node that disappears when this
// client's session expires.
func (c *Client) CreateEphemeral(path string, value []byte) error {
	_, err := c.do(Req{Op: OpCreateEphemeral, Path: path, Value: value, SessionID: c.sessionID})
	return err
}

// CreatePersistent creates a node with no session ownership.
func (c *Client) CreatePersistent(path string, value []byte) error {
	_, err := c.do(Req{Op: OpCreatePersistent, Path: path, Value: value})
	return err
}

// CreateSequentialEphemeral creates a session-owned node with a unique
// monotonic suffix assigned by the server, used for ownership-strength
// ranking. It returns the full assigned path.
func (c *Client) CreateSequentialEphemeral(pathPrefix string, value []byte) (string, error) {
	resp, err := c.do(Req{Op: OpCreateSequentialEphemeral, Path: pathPrefix, Value: value, SessionID: c.sessionID})
	if err != nil {
		return "", err
	}
	return resp.AssignedName, nil
}

// Exists reports whether path currently has a node.
func (c *Client) Exists(path string) (bool, error) {
	resp, err := c.do(Req{Op: OpExists, Path: path})
	if err != nil {
		return false, err
	}
	return resp.Exists, nil
}

// GetData returns the value stored at path.
func (c *Client) GetData(path string) ([]byte, error) {
	resp, err := c.do(Req{Op: OpGetData, Path: path})
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Children lists path's immediate children, in ascending lexical order
// (sequential suffixes sort correctly as a side effect).
func (c *Client) Children(path string) ([]string, error) {
	resp, err := c.do(Req{Op: OpChildren, Path: path})
	if err != nil {
		return nil, err
	}
	return resp.Children, nil
}

// EnsurePath creates every missing persistent segment of path, like
// mkdir -p.
func (c *Client) EnsurePath(path string) error {
	_, err := c.do(Req{Op: OpEnsurePath, Path: path})
	return err
}

// Delete removes path outright, regardless of ownership.
func (c *Client) Delete(path string) error {
	_, err := c.do(Req{Op: OpDelete, Path: path})
	return err
}

// WatchChildren registers cb to be called, immediately and then on every
// subsequent change, with the current children of path.
func (c *Client) WatchChildren(path string, cb WatchCallback) error {
	c.mu.Lock()
	c.watchers[path] = append(c.watchers[path], cb)
	c.mu.Unlock()

	children, err := c.Children(path)
	if err != nil {
		return err
	}
	cb(children)
	return nil
}

func (c *Client) dispatchLoop() {
	for {
		select {
		case frame, ok := <-c.watchIn.Incoming():
			if !ok {
				return
			}
			c.handleWatchFrame(frame)
		case <-c.stop:
			return
		}
	}
}

func (c *Client) handleWatchFrame(frame transport.RecvFrame) {
	idx := bytes.IndexByte(frame.Payload, 0)
	if idx < 0 {
		return
	}
	var notif watchNotification
	if err := json.Unmarshal(frame.Payload[idx+1:], &notif); err != nil {
		log.Errorf("coordstore: malformed watch notification", err)
		return
	}
	c.mu.Lock()
	cbs := append([]WatchCallback(nil), c.watchers[notif.Path]...)
	c.mu.Unlock()
	for _, cb := range cbs {
		cb(notif.Children)
	}
}

func (c *Client) heartbeatLoop() {
	interval := c.heartbeatInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := c.do(Req{Op: OpHeartbeat, SessionID: c.sessionID}); err != nil {
				log.Errorf("coordstore: heartbeat failed", err)
			}
		case <-c.stop:
			return
		}
	}
}

// Close stops the heartbeat loop and releases the underlying connections.
func (c *Client) Close() error {
	close(c.stop)
	c.watchIn.Close()
	return c.req.Close()
}
