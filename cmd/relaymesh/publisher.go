package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/relaymesh/pkg/config"
	"github.com/cuemby/relaymesh/pkg/coordstore"
	"github.com/cuemby/relaymesh/pkg/log"
	"github.com/cuemby/relaymesh/pkg/metrics"
	"github.com/cuemby/relaymesh/pkg/publisher"
	"github.com/cuemby/relaymesh/pkg/types"
)

var publisherCmd = &cobra.Command{
	Use:   "publisher",
	Short: "Run a Publisher process",
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging(cmd, "publisher")
		startObservabilityServer(cmd, "publisher")

		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("publisher: load config: %w", err)
		}

		id, _ := cmd.Flags().GetString("id")
		addr, _ := cmd.Flags().GetString("addr")
		port, _ := cmd.Flags().GetInt("port")
		topicsCSV, _ := cmd.Flags().GetString("topics")
		iters, _ := cmd.Flags().GetInt("iters")
		frequency, _ := cmd.Flags().GetFloat64("frequency")
		label, _ := cmd.Flags().GetString("experiment-label")
		if label == "" {
			label = cfg.ExperimentLabel
		}

		pubCfg := publisher.Config{
			ID:              id,
			Addr:            addr,
			Port:            port,
			Topics:          splitTopics(topicsCSV),
			DiscoveryAddr:   fmt.Sprintf("%s:%d", cfg.Discovery.Addr, cfg.Discovery.Port),
			PublishInterval: frequencyToInterval(frequency),
			ExperimentLabel: label,
			Iters:           iters,
		}

		var store *coordstore.Client
		if cfg.Discovery.Strategy == types.StrategyCoordinator {
			if len(cfg.Discovery.CoordAddrs) < 2 {
				return fmt.Errorf("publisher: coordinator strategy requires discovery.coord_addrs: [client_addr, watch_addr]")
			}
			store = coordstore.Dial(cfg.Discovery.CoordAddrs[0], cfg.Discovery.CoordAddrs[1], cfg.Discovery.SessionTimeout.Duration()/2)
			defer store.Close()
			pubCfg.Coord = store
		}

		p, err := publisher.New(pubCfg)
		if err != nil {
			return fmt.Errorf("publisher: build: %w", err)
		}
		defer p.Stop()
		metrics.RegisterComponent("publisher", true, "running")

		log.WithPubID(id).Info().Strs("topics", pubCfg.Topics).Msg("starting publisher")
		return p.Run()
	},
}

func init() {
	publisherCmd.Flags().String("config", "", "Path to the relaymesh configuration file (required)")
	publisherCmd.Flags().String("id", "", "This publisher's unique id (required)")
	publisherCmd.Flags().String("addr", "127.0.0.1", "Address this publisher's fan-out socket binds on")
	publisherCmd.Flags().Int("port", 0, "Port this publisher's fan-out socket binds on (required)")
	publisherCmd.Flags().String("topics", "", "Comma-separated list of topics this publisher owns (required)")
	publisherCmd.Flags().Int("iters", 0, "Number of dissemination sweeps to run, 0 means run until stopped")
	publisherCmd.Flags().Float64("frequency", 1.0, "Dissemination frequency in Hz")
	publisherCmd.Flags().String("experiment-label", "", "Overrides the configuration file's experiment_label")
	publisherCmd.MarkFlagRequired("config")
	publisherCmd.MarkFlagRequired("id")
	publisherCmd.MarkFlagRequired("port")
	publisherCmd.MarkFlagRequired("topics")
}

func splitTopics(csv string) []string {
	var out []string
	for _, t := range strings.Split(csv, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

func frequencyToInterval(hz float64) time.Duration {
	if hz <= 0 {
		return time.Second
	}
	return time.Duration(float64(time.Second) / hz)
}
