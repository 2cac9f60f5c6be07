package discovery

import (
	"github.com/cuemby/relaymesh/pkg/eventloop"
	"github.com/cuemby/relaymesh/pkg/types"
	"github.com/cuemby/relaymesh/pkg/wire"
)

// CentralizedStrategy is the simplest lookup mode: one process holds the
// whole registrant table and answers every request itself.
type CentralizedStrategy struct {
	registry     *Registry
	expectedPubs int
	expectedSubs int
	mode         types.DisseminationMode
}

// NewCentralizedStrategy builds the Centralized lookup mode.
func NewCentralizedStrategy(reg *Registry, expectedPubs, expectedSubs int, mode types.DisseminationMode) *CentralizedStrategy {
	return &CentralizedStrategy{registry: reg, expectedPubs: expectedPubs, expectedSubs: expectedSubs, mode: mode}
}

func (s *CentralizedStrategy) HandleRegister(req wire.RegisterReq) wire.RegisterResp {
	if err := s.registry.Register(req.Registrant); err != nil {
		return wire.RegisterResp{Success: false, Reason: err.Error()}
	}
	return wire.RegisterResp{Success: true}
}

func (s *CentralizedStrategy) HandleIsReady(wire.IsReadyReq) wire.IsReadyResp {
	return wire.IsReadyResp{Ready: s.registry.Ready(s.expectedPubs, s.expectedSubs, s.mode)}
}

func (s *CentralizedStrategy) HandleLookup(req wire.LookupReq) wire.LookupResp {
	if req.All {
		return wire.LookupResp{Endpoints: s.registry.AllPublisherEndpoints()}
	}
	switch {
	case s.mode == types.ModeBrokered && req.Requester == types.RequesterSubscriber:
		return wire.LookupResp{Endpoints: s.registry.BrokerEndpoints()}
	case s.mode == types.ModeBrokered && req.Requester == types.RequesterBroker:
		return wire.LookupResp{Endpoints: s.registry.PublisherEndpointsForTopics(req.Topics)}
	default:
		return wire.LookupResp{Endpoints: s.registry.PublisherEndpointsForTopics(req.Topics)}
	}
}

func (s *CentralizedStrategy) OnMembershipChange() (int, bool) {
	return eventloop.Immediate, true
}
