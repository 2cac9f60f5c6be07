// Package discovery implements the Discovery node: a registration table
// plus one of three interchangeable lookup strategies (Centralized, DHT,
// Coordinator), a state machine over a local table, transport-agnostic.
package discovery

import (
	"sort"
	"strings"
	"sync"

	"github.com/cuemby/relaymesh/pkg/errs"
	"github.com/cuemby/relaymesh/pkg/types"
)

// Registry is the process-wide registrant table.
type Registry struct {
	mu          sync.RWMutex
	pubs        map[string]types.Registrant
	subs        map[string]types.Registrant
	brokers     map[string]types.Registrant
	topicToPubs map[string][]string
}

// NewRegistry builds an empty registrant table.
func NewRegistry() *Registry {
	return &Registry{
		pubs:        make(map[string]types.Registrant),
		subs:        make(map[string]types.Registrant),
		brokers:     make(map[string]types.Registrant),
		topicToPubs: make(map[string][]string),
	}
}

func (r *Registry) setFor(role types.Role) map[string]types.Registrant {
	switch role {
	case types.RolePublisher:
		return r.pubs
	case types.RoleSubscriber:
		return r.subs
	default:
		return r.brokers
	}
}

// Register inserts reg, enforcing the uniqueness invariant: no two
// registrants with the same id and role may coexist.
func (r *Registry) Register(reg types.Registrant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.setFor(reg.Role)
	if _, exists := set[reg.ID]; exists {
		return errs.New(errs.Naming, "duplicate id for role "+string(reg.Role)+": "+reg.ID)
	}
	set[reg.ID] = reg

	if reg.Role == types.RolePublisher {
		for _, t := range reg.Topics {
			r.topicToPubs[t] = appendUnique(r.topicToPubs[t], reg.ID)
		}
	}
	return nil
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

// Remove deletes id's entry from role's set (and topic index, for
// publishers), used when a coordination-store ephemeral disappears.
func (r *Registry) Remove(id string, role types.Role) (types.Registrant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.setFor(role)
	reg, ok := set[id]
	if !ok {
		return types.Registrant{}, false
	}
	delete(set, id)
	if role == types.RolePublisher {
		for _, t := range reg.Topics {
			r.topicToPubs[t] = removeID(r.topicToPubs[t], id)
		}
	}
	return reg, true
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}

// Counts returns the current size of each role set.
func (r *Registry) Counts() (pubs, subs, brokers int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pubs), len(r.subs), len(r.brokers)
}

// Ready implements the centralized readiness formula.
func (r *Registry) Ready(expectedPubs, expectedSubs int, mode types.DisseminationMode) bool {
	pubs, subs, brokers := r.Counts()
	if pubs != expectedPubs || subs != expectedSubs {
		return false
	}
	if mode == types.ModeBrokered && brokers < 1 {
		return false
	}
	return true
}

// AllPublisherEndpoints returns every registered publisher.
func (r *Registry) AllPublisherEndpoints() []types.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Endpoint, 0, len(r.pubs))
	for _, reg := range r.pubs {
		out = append(out, reg.Endpoint())
	}
	return sortedEndpoints(out)
}

// PublisherEndpointsForTopics returns the union of publisher endpoints
// publishing any of topics.
func (r *Registry) PublisherEndpointsForTopics(topics []string) []types.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	out := make([]types.Endpoint, 0)
	for _, t := range topics {
		for _, id := range r.topicToPubs[t] {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			if reg, ok := r.pubs[id]; ok {
				out = append(out, reg.Endpoint())
			}
		}
	}
	return sortedEndpoints(out)
}

// BrokerEndpoints returns every currently live broker.
func (r *Registry) BrokerEndpoints() []types.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Endpoint, 0, len(r.brokers))
	for _, reg := range r.brokers {
		out = append(out, reg.Endpoint())
	}
	return sortedEndpoints(out)
}

func sortedEndpoints(eps []types.Endpoint) []types.Endpoint {
	sort.Slice(eps, func(i, j int) bool { return eps[i].ID < eps[j].ID })
	return eps
}

// Snapshot captures the full registrant table for the sync channel's
// "discovery" payload.
func (r *Registry) Snapshot() types.DiscoverySnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := types.DiscoverySnapshot{
		Publishers:    make(map[string]types.Endpoint, len(r.pubs)),
		Subscribers:   make(map[string]types.Endpoint, len(r.subs)),
		Brokers:       make(map[string]types.Endpoint, len(r.brokers)),
		TopicToPubIDs: make(map[string][]string, len(r.topicToPubs)),
	}
	for id, reg := range r.pubs {
		snap.Publishers[id] = reg.Endpoint()
	}
	for id, reg := range r.subs {
		snap.Subscribers[id] = reg.Endpoint()
	}
	for id, reg := range r.brokers {
		snap.Brokers[id] = reg.Endpoint()
	}
	for t, ids := range r.topicToPubs {
		snap.TopicToPubIDs[t] = append([]string(nil), ids...)
	}
	return snap
}

// Replace atomically swaps the whole table, the secondary-side counterpart
// to Snapshot.
func (r *Registry) Replace(snap types.DiscoverySnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pubs = make(map[string]types.Registrant, len(snap.Publishers))
	for id, ep := range snap.Publishers {
		r.pubs[id] = types.Registrant{ID: id, Addr: ep.Addr, Port: ep.Port, Role: types.RolePublisher}
	}
	r.subs = make(map[string]types.Registrant, len(snap.Subscribers))
	for id, ep := range snap.Subscribers {
		r.subs[id] = types.Registrant{ID: id, Addr: ep.Addr, Port: ep.Port, Role: types.RoleSubscriber}
	}
	r.brokers = make(map[string]types.Registrant, len(snap.Brokers))
	for id, ep := range snap.Brokers {
		r.brokers[id] = types.Registrant{ID: id, Addr: ep.Addr, Port: ep.Port, Role: types.RoleBoth}
	}
	r.topicToPubs = make(map[string][]string, len(snap.TopicToPubIDs))
	for t, ids := range snap.TopicToPubIDs {
		r.topicToPubs[t] = append([]string(nil), ids...)
	}
}

// idFromName returns the last path segment of a coordination-store child
// path ("/pubs/pub-1" -> "pub-1"), used when mapping /pubs or /brokers
// children back to registry ids.
func idFromName(childPath string) string {
	base := childPath
	if idx := strings.LastIndexByte(childPath, '/'); idx >= 0 {
		base = childPath[idx+1:]
	}
	return base
}
