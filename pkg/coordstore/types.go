// Package coordstore is the coordination-store substitute for an
// ephemeral/sequential znode tree: leader election, ephemeral session
// ownership and children-watches, replicated the same way cluster state is
// replicated elsewhere in this system — a single in-memory tree advanced
// through github.com/hashicorp/raft and mirrored into go.etcd.io/bbolt for
// durable, crash-fast reads.
package coordstore

import "encoding/json"

// Kind distinguishes how a node's lifetime is bound.
type Kind string

const (
	// KindPersistent nodes survive restarts and session loss; only an
	// explicit Delete removes them.
	KindPersistent Kind = "persistent"
	// KindEphemeral nodes are deleted automatically when the owning
	// session expires.
	KindEphemeral Kind = "ephemeral"
	// KindSequential nodes additionally get a monotonically increasing
	// suffix assigned by the FSM at apply time, used for ownership-strength
	// ranking among candidates under the same parent.
	KindSequential Kind = "sequential_ephemeral"
)

// Node is one entry in the coordination-store path tree.
type Node struct {
	Path      string `json:"path"`
	Value     []byte `json:"value,omitempty"`
	Kind      Kind   `json:"kind"`
	SessionID string `json:"session_id,omitempty"`
	Seq       int64  `json:"seq,omitempty"`
}

// Command is the Raft log entry payload: an op tag plus its data.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opCreate        = "create"
	opDelete        = "delete"
	opExpireSession = "expire_session"
	opTouchSession  = "touch_session"
)

type createPayload struct {
	Path      string `json:"path"`
	Value     []byte `json:"value,omitempty"`
	Kind      Kind   `json:"kind"`
	SessionID string `json:"session_id,omitempty"`
}

type deletePayload struct {
	Path string `json:"path"`
}

type expireSessionPayload struct {
	SessionID string `json:"session_id"`
}

type touchSessionPayload struct {
	SessionID string `json:"session_id"`
}

// applyResult is what FSM.Apply returns through the raft.ApplyFuture.
type applyResult struct {
	Node     *Node
	Children []string
	Err      error
}
