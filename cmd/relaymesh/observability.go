package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/cuemby/relaymesh/pkg/log"
	"github.com/cuemby/relaymesh/pkg/metrics"
)

// startObservabilityServer mounts /metrics, /health, /ready and /live on
// --metrics-addr in the background, matching the teacher's ambient
// observability pattern: every role serves a Prometheus scrape endpoint
// and a set of container-probe-friendly health endpoints regardless of
// what it otherwise does.
func startObservabilityServer(cmd *cobra.Command, role string) {
	addr, _ := cmd.Flags().GetString("metrics-addr")
	metrics.SetRole(role)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Errorf(fmt.Sprintf("%s: metrics server stopped", role), err)
		}
	}()
	log.WithComponent(role).Info().Str("addr", addr).Msg("metrics endpoint listening")
}
