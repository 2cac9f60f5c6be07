// Package latencysink flushes types.LatencySample tuples to an external
// analytics collector at subscriber quiescence, reduced to a fire-and-forget
// POST since a lost latency sample is never worth blocking a subscriber's
// shutdown over.
package latencysink

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/relaymesh/pkg/log"
	"github.com/cuemby/relaymesh/pkg/types"
)

// Sink posts latency samples to a collector endpoint.
type Sink struct {
	addr   string
	client *http.Client
}

// New builds a Sink. addr may be empty, in which case Flush is a no-op:
// with no sink configured, samples are simply dropped.
func New(addr string) *Sink {
	return &Sink{
		addr:   addr,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Flush posts samples as a single JSON array. Failures are logged and
// swallowed: the sink is a side channel, never a dependency of the
// subscriber's own lifecycle.
func (s *Sink) Flush(samples []types.LatencySample) {
	if s.addr == "" || len(samples) == 0 {
		return
	}

	body, err := json.Marshal(samples)
	if err != nil {
		log.Errorf("latencysink: marshal samples failed", err)
		return
	}

	resp, err := s.client.Post(s.addr, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Errorf("latencysink: post failed", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Error(fmt.Sprintf("latencysink: collector returned %s", resp.Status))
	}
}
