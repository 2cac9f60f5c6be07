package discovery

import "github.com/cuemby/relaymesh/pkg/wire"

// Strategy is the polymorphic lookup-mode contract: a sum type whose
// operations are HandleRegister, HandleIsReady, HandleLookup, plus an
// optional OnMembershipChange.
type Strategy interface {
	HandleRegister(req wire.RegisterReq) wire.RegisterResp
	HandleIsReady(req wire.IsReadyReq) wire.IsReadyResp
	HandleLookup(req wire.LookupReq) wire.LookupResp

	// OnMembershipChange is polled once per event-loop tick; strategies
	// with nothing to do (Centralized, DHT) return Immediate wait=true
	// meaning "no preference" and the node's own idle timer governs the
	// tick rate.
	OnMembershipChange() (nextTimeoutMillis int, wait bool)
}
