package coordstore

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/cuemby/relaymesh/pkg/log"
)

// FSM implements raft.FSM over a tree: Apply dispatches on a command op,
// Snapshot/Restore round-trip the whole tree as JSON.
type FSM struct {
	mu     sync.Mutex
	tree   *tree
	mirror *boltMirror

	// onChange is called with every parent path whose children set changed
	// by the just-applied command, so the server can fire watches. It runs
	// synchronously inside Apply, after the mutation is visible to reads.
	onChange func(parentPath string)
}

// NewFSM builds an FSM, rehydrating the tree from the bolt mirror so a
// restarted node has data to answer reads with even before Raft finishes
// replaying its log.
func NewFSM(mirror *boltMirror) (*FSM, error) {
	t := newTree()
	existing, err := mirror.loadAll()
	if err != nil {
		return nil, err
	}
	for p, n := range existing {
		if p == "/" {
			continue
		}
		parent := parentOf(p)
		t.nodes[p] = n
		if t.children[parent] == nil {
			t.children[parent] = make(map[string]struct{})
		}
		t.children[parent][p] = struct{}{}
		if n.SessionID != "" {
			if t.owned[n.SessionID] == nil {
				t.owned[n.SessionID] = make(map[string]struct{})
			}
			t.owned[n.SessionID][p] = struct{}{}
		}
	}
	return &FSM{tree: t, mirror: mirror}, nil
}

func (f *FSM) Apply(l *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return applyResult{Err: fmt.Errorf("coordstore: unmarshal command: %w", err)}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opCreate:
		var p createPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return applyResult{Err: err}
		}
		node, err := f.tree.create(p)
		if err != nil {
			return applyResult{Err: err}
		}
		if err := f.mirror.put(node); err != nil {
			log.Errorf("coordstore: mirror put failed", err)
		}
		if f.onChange != nil {
			f.onChange(parentOf(node.Path))
		}
		return applyResult{Node: node}

	case opDelete:
		var p deletePayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return applyResult{Err: err}
		}
		parent := parentOf(p.Path)
		if err := f.tree.delete(p.Path); err != nil {
			return applyResult{Err: err}
		}
		if err := f.mirror.delete(p.Path); err != nil {
			log.Errorf("coordstore: mirror delete failed", err)
		}
		if f.onChange != nil {
			f.onChange(parent)
		}
		return applyResult{}

	case opTouchSession:
		var p touchSessionPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return applyResult{Err: err}
		}
		f.tree.touchSession(p.SessionID, l.AppendedAt.UnixNano())
		return applyResult{}

	case opExpireSession:
		var p expireSessionPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return applyResult{Err: err}
		}
		deleted, touchedParents := f.tree.expireSession(p.SessionID)
		for _, path := range deleted {
			if err := f.mirror.delete(path); err != nil {
				log.Errorf("coordstore: mirror cascade delete failed", err)
			}
		}
		if f.onChange != nil {
			for _, parent := range touchedParents {
				f.onChange(parent)
			}
		}
		return applyResult{}

	default:
		return applyResult{Err: fmt.Errorf("coordstore: unknown op %q", cmd.Op)}
	}
}

// Snapshot returns a point-in-time copy of the tree for Raft log
// compaction.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.tree.mu.RLock()
	defer f.tree.mu.RUnlock()

	nodes := make([]*Node, 0, len(f.tree.nodes))
	for _, n := range f.tree.nodes {
		cp := *n
		nodes = append(nodes, &cp)
	}
	return &snapshot{nodes: nodes}, nil
}

// Restore replaces the tree wholesale from a previously taken Snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var nodes []*Node
	if err := json.NewDecoder(rc).Decode(&nodes); err != nil {
		return fmt.Errorf("coordstore: decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	t := newTree()
	for _, n := range nodes {
		if n.Path == "/" {
			continue
		}
		parent := parentOf(n.Path)
		t.nodes[n.Path] = n
		if t.children[parent] == nil {
			t.children[parent] = make(map[string]struct{})
		}
		t.children[parent][n.Path] = struct{}{}
		if n.SessionID != "" {
			if t.owned[n.SessionID] == nil {
				t.owned[n.SessionID] = make(map[string]struct{})
			}
			t.owned[n.SessionID][n.Path] = struct{}{}
		}
		if err := f.mirror.put(n); err != nil {
			log.Error("coordstore: mirror restore put failed")
		}
	}
	f.tree = t
	return nil
}

type snapshot struct {
	nodes []*Node
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s.nodes); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *snapshot) Release() {}
