package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/relaymesh/pkg/config"
	"github.com/cuemby/relaymesh/pkg/coordstore"
	"github.com/cuemby/relaymesh/pkg/discovery"
	"github.com/cuemby/relaymesh/pkg/latencysink"
	"github.com/cuemby/relaymesh/pkg/log"
	"github.com/cuemby/relaymesh/pkg/metrics"
	"github.com/cuemby/relaymesh/pkg/subscriber"
	"github.com/cuemby/relaymesh/pkg/types"
)

var subscriberCmd = &cobra.Command{
	Use:   "subscriber",
	Short: "Run a Subscriber process",
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging(cmd, "subscriber")
		startObservabilityServer(cmd, "subscriber")

		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("subscriber: load config: %w", err)
		}

		id, _ := cmd.Flags().GetString("id")
		topicsCSV, _ := cmd.Flags().GetString("topics")
		idleWindow, _ := cmd.Flags().GetDuration("idle-window")
		label, _ := cmd.Flags().GetString("experiment-label")
		if label == "" {
			label = cfg.ExperimentLabel
		}
		frequency, _ := cmd.Flags().GetFloat64("frequency")

		subCfg := subscriber.Config{
			ID:                id,
			Topics:            splitTopics(topicsCSV),
			DiscoveryAddr:     fmt.Sprintf("%s:%d", cfg.Discovery.Addr, cfg.Discovery.Port),
			DisseminationMode: cfg.Dissemination.Strategy,
			IdleWindow:        idleWindow,
			ExperimentLabel:   label,
			Sink:              latencysink.New(cfg.LatencySinkAddr),
			Frequency:         frequency,
		}

		if cfg.Discovery.Strategy == types.StrategyCoordinator {
			if len(cfg.Discovery.CoordAddrs) < 2 {
				return fmt.Errorf("subscriber: coordinator strategy requires discovery.coord_addrs: [client_addr, watch_addr]")
			}
			store := coordstore.Dial(cfg.Discovery.CoordAddrs[0], cfg.Discovery.CoordAddrs[1], cfg.Discovery.SessionTimeout.Duration()/2)
			defer store.Close()
			syncAddr, err := discovery.ResolvePrimarySyncAddr(store)
			if err != nil {
				return fmt.Errorf("subscriber: resolve primary sync channel: %w", err)
			}
			subCfg.SyncAddr = syncAddr
		}

		s := subscriber.New(subCfg)
		defer s.Stop()
		metrics.RegisterComponent("subscriber", true, "running")

		log.WithSubID(id).Info().Strs("topics", subCfg.Topics).Msg("starting subscriber")
		return s.Run()
	},
}

func init() {
	subscriberCmd.Flags().String("config", "", "Path to the relaymesh configuration file (required)")
	subscriberCmd.Flags().String("id", "", "This subscriber's unique id (required)")
	subscriberCmd.Flags().String("topics", "", "Comma-separated list of topics this subscriber is interested in (required)")
	subscriberCmd.Flags().Duration("idle-window", 10*time.Second, "Idle window after which a subscriber with no data quiesces")
	subscriberCmd.Flags().String("experiment-label", "", "Overrides the configuration file's experiment_label")
	subscriberCmd.Flags().Float64("frequency", 1.0, "Expected publish frequency in Hz, recorded on every captured latency sample")
	subscriberCmd.MarkFlagRequired("config")
	subscriberCmd.MarkFlagRequired("id")
	subscriberCmd.MarkFlagRequired("topics")
}
