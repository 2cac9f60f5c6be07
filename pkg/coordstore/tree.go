package coordstore

import (
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/cuemby/relaymesh/pkg/errs"
)

// tree is the in-memory path tree every replica advances identically by
// replaying the same Raft log: the Apply goroutine is the only writer, and
// reads never touch Raft at all.
type tree struct {
	mu       sync.RWMutex
	nodes    map[string]*Node
	children map[string]map[string]struct{} // parent path -> child full paths
	owned    map[string]map[string]struct{} // session id -> owned paths
	seqNext  map[string]int64               // parent path -> next sequence counter
	lastSeen map[string]int64               // session id -> unix nano of last heartbeat
}

func newTree() *tree {
	t := &tree{
		nodes:    make(map[string]*Node),
		children: make(map[string]map[string]struct{}),
		owned:    make(map[string]map[string]struct{}),
		seqNext:  make(map[string]int64),
		lastSeen: make(map[string]int64),
	}
	t.nodes["/"] = &Node{Path: "/", Kind: KindPersistent}
	return t
}

func parentOf(p string) string {
	if p == "/" {
		return "/"
	}
	parent := path.Dir(strings.TrimSuffix(p, "/"))
	if parent == "." {
		return "/"
	}
	return parent
}

func (t *tree) create(p createPayload) (*Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fullPath := p.Path
	var seq int64
	if p.Kind == KindSequential {
		seq = t.seqNext[p.Path]
		t.seqNext[p.Path] = seq + 1
		fullPath = p.Path + sequenceSuffix(seq)
	}

	if _, exists := t.nodes[fullPath]; exists {
		return nil, errs.AlreadyExists
	}
	parent := parentOf(fullPath)
	if _, ok := t.nodes[parent]; !ok && parent != "/" {
		return nil, errs.New(errs.Naming, "parent path does not exist: "+parent)
	}

	node := &Node{
		Path:      fullPath,
		Value:     p.Value,
		Kind:      p.Kind,
		SessionID: p.SessionID,
		Seq:       seq,
	}
	t.nodes[fullPath] = node
	if t.children[parent] == nil {
		t.children[parent] = make(map[string]struct{})
	}
	t.children[parent][fullPath] = struct{}{}

	if p.SessionID != "" {
		if t.owned[p.SessionID] == nil {
			t.owned[p.SessionID] = make(map[string]struct{})
		}
		t.owned[p.SessionID][fullPath] = struct{}{}
	}
	return node, nil
}

func sequenceSuffix(seq int64) string {
	digits := "0000000000" // pad to 10 digits for lexical ordering
	s := itoa(seq)
	if len(s) >= len(digits) {
		return s
	}
	return digits[:len(digits)-len(s)] + s
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func (t *tree) delete(p string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deleteLocked(p)
}

func (t *tree) deleteLocked(p string) error {
	node, ok := t.nodes[p]
	if !ok {
		return errs.New(errs.Naming, "no such path: "+p)
	}
	parent := parentOf(p)
	delete(t.nodes, p)
	if set := t.children[parent]; set != nil {
		delete(set, p)
	}
	delete(t.children, p)
	if node.SessionID != "" {
		if set := t.owned[node.SessionID]; set != nil {
			delete(set, p)
		}
	}
	return nil
}

func (t *tree) exists(p string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.nodes[p]
	return ok
}

func (t *tree) getData(p string) (*Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[p]
	if !ok {
		return nil, false
	}
	cp := *n
	cp.Value = append([]byte(nil), n.Value...)
	return &cp, true
}

func (t *tree) childrenOf(p string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	set := t.children[p]
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func (t *tree) ensurePath(p string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var touched []string
	segments := strings.Split(strings.Trim(p, "/"), "/")
	cur := ""
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		cur = cur + "/" + seg
		if _, ok := t.nodes[cur]; ok {
			continue
		}
		parent := parentOf(cur)
		t.nodes[cur] = &Node{Path: cur, Kind: KindPersistent}
		if t.children[parent] == nil {
			t.children[parent] = make(map[string]struct{})
		}
		t.children[parent][cur] = struct{}{}
		touched = append(touched, parent)
	}
	return touched
}

// touchSession records a heartbeat timestamp (unix nano, stamped by the
// leader at propose time so every replica applies the same value).
func (t *tree) touchSession(sessionID string, unixNano int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSeen[sessionID] = unixNano
}

// lastSeenUnixNano reports when sessionID's heartbeat was last applied, or
// zero if the session has never been seen.
func (t *tree) lastSeenUnixNano(sessionID string) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastSeen[sessionID]
}

// sessions returns every session id the tree currently has bookkeeping for,
// used by the leader's expiry sweep.
func (t *tree) sessions() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.lastSeen))
	for sid := range t.lastSeen {
		out = append(out, sid)
	}
	return out
}

// expireSession deletes every ephemeral path sessionID owns and returns the
// deleted paths plus the set of parent paths whose children list changed,
// so the caller can mirror the deletions and fire watches.
func (t *tree) expireSession(sessionID string) (deleted []string, touchedParents []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	owned := t.owned[sessionID]
	touched := make(map[string]struct{})
	for p := range owned {
		parent := parentOf(p)
		touched[parent] = struct{}{}
		t.deleteLocked(p)
		deleted = append(deleted, p)
	}
	delete(t.owned, sessionID)
	delete(t.lastSeen, sessionID)

	for p := range touched {
		touchedParents = append(touchedParents, p)
	}
	return deleted, touchedParents
}
