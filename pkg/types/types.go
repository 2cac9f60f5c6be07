// Package types holds the data model shared across relaymesh components:
// endpoints, registrants, publish records, latency samples, membership
// deltas and the role, strategy and mode enums.
package types

import "fmt"

// Role is the capability a registrant advertises to Discovery.
type Role string

const (
	RolePublisher  Role = "PUBLISHER"
	RoleSubscriber Role = "SUBSCRIBER"
	RoleBoth       Role = "BOTH"
)

// DiscoveryStrategy selects the Discovery lookup-mode implementation.
type DiscoveryStrategy string

const (
	StrategyCentralized DiscoveryStrategy = "Centralized"
	StrategyDHT         DiscoveryStrategy = "DHT"
	StrategyCoordinator DiscoveryStrategy = "Coordinator"
)

// DisseminationMode selects how subscribers reach publishers.
type DisseminationMode string

const (
	ModeDirect   DisseminationMode = "Direct"
	ModeBrokered DisseminationMode = "Brokered"
)

// Requester identifies who issued a lookup request.
type Requester string

const (
	RequesterSubscriber Requester = "Subscriber"
	RequesterBroker     Requester = "Broker"
)

// Endpoint is an addressable registrant: enough to dial it.
type Endpoint struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
	Port int    `json:"port"`
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Addr, e.Port)
}

// Registrant is the record Discovery keeps for each registered process.
type Registrant struct {
	ID     string   `json:"id"`
	Addr   string   `json:"addr"`
	Port   int      `json:"port"`
	Role   Role     `json:"role"`
	Topics []string `json:"topics"`
}

func (r Registrant) Endpoint() Endpoint {
	return Endpoint{ID: r.ID, Addr: r.Addr, Port: r.Port}
}

// PublishRecord is the payload framed on topic fan-out.
type PublishRecord struct {
	Topic           string `json:"topic"`
	Data            []byte `json:"data"`
	PubID           string `json:"pub_id"`
	SentTimestamp   int64  `json:"sent_timestamp"`
	ExperimentLabel string `json:"experiment_label,omitempty"`
}

// LatencySample is the tuple a subscriber captures per received message and
// flushes to the external analytics sink at quiescence.
type LatencySample struct {
	LatencyNanos      int64             `json:"latency_nanos"`
	Frequency         float64           `json:"frequency"`
	TopicCount        int               `json:"topic_count"`
	PubCount          int               `json:"pub_count"`
	SubCount          int               `json:"sub_count"`
	DisseminationMode DisseminationMode `json:"dissemination_mode"`
	PubID             string            `json:"pub_id"`
	SubID             string            `json:"sub_id"`
	ExperimentLabel   string            `json:"experiment_label"`
}

// MembershipDelta is the payload carried by "sub"/"unsub" sync-channel
// messages.
type MembershipDelta struct {
	UpdateType string   `json:"update_type"` // "pub" | "broker"
	Addr       string   `json:"addr"`
	Port       int      `json:"port"`
	Topics     []string `json:"topics,omitempty"`
}

// DiscoverySnapshot is the full state snapshot published on the "discovery"
// sync-channel tag.
type DiscoverySnapshot struct {
	Publishers    map[string]Endpoint `json:"publishers"`
	Subscribers   map[string]Endpoint `json:"subscribers"`
	Brokers       map[string]Endpoint `json:"brokers"`
	TopicToPubIDs map[string][]string `json:"topic_to_pub_ids"`
}
