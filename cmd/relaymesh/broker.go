package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/relaymesh/pkg/broker"
	"github.com/cuemby/relaymesh/pkg/config"
	"github.com/cuemby/relaymesh/pkg/coordstore"
	"github.com/cuemby/relaymesh/pkg/discovery"
	"github.com/cuemby/relaymesh/pkg/log"
	"github.com/cuemby/relaymesh/pkg/metrics"
	"github.com/cuemby/relaymesh/pkg/types"
)

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Run a Broker process",
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging(cmd, "broker")
		startObservabilityServer(cmd, "broker")

		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("broker: load config: %w", err)
		}
		if cfg.Dissemination.Strategy != types.ModeBrokered {
			return fmt.Errorf("broker: dissemination.strategy must be Brokered")
		}

		id, _ := cmd.Flags().GetString("id")
		addr, _ := cmd.Flags().GetString("addr")
		port, _ := cmd.Flags().GetInt("port")
		group, _ := cmd.Flags().GetString("group")

		topics, ok := cfg.Dissemination.Groups[group]
		if !ok {
			return fmt.Errorf("broker: group %q not present in dissemination.groups", group)
		}

		brokerCfg := broker.Config{
			ID:            id,
			Addr:          addr,
			Port:          port,
			Group:         group,
			Topics:        topics,
			DiscoveryAddr: fmt.Sprintf("%s:%d", cfg.Discovery.Addr, cfg.Discovery.Port),
		}

		if cfg.Discovery.Strategy == types.StrategyCoordinator {
			if len(cfg.Discovery.CoordAddrs) < 2 {
				return fmt.Errorf("broker: coordinator strategy requires discovery.coord_addrs: [client_addr, watch_addr]")
			}
			store := coordstore.Dial(cfg.Discovery.CoordAddrs[0], cfg.Discovery.CoordAddrs[1], cfg.Discovery.SessionTimeout.Duration()/2)
			defer store.Close()
			brokerCfg.Coord = store

			syncAddr, err := discovery.ResolvePrimarySyncAddr(store)
			if err != nil {
				return fmt.Errorf("broker: resolve primary sync channel: %w", err)
			}
			brokerCfg.SyncAddr = syncAddr
		}

		b, err := broker.New(brokerCfg)
		if err != nil {
			return fmt.Errorf("broker: build: %w", err)
		}
		defer b.Stop()
		metrics.RegisterComponent("broker", true, "running")

		log.WithComponent("broker").Info().Str("id", id).Str("group", group).Strs("topics", topics).
			Msg("starting broker")
		return b.Run()
	},
}

func init() {
	brokerCmd.Flags().String("config", "", "Path to the relaymesh configuration file (required)")
	brokerCmd.Flags().String("id", "", "This broker's unique id (required)")
	brokerCmd.Flags().String("addr", "127.0.0.1", "Address this broker's fan-out socket binds on")
	brokerCmd.Flags().Int("port", 0, "Port this broker's fan-out socket binds on (required)")
	brokerCmd.Flags().String("group", "", "Broker group name, matching a key in dissemination.groups (required)")
	brokerCmd.MarkFlagRequired("config")
	brokerCmd.MarkFlagRequired("id")
	brokerCmd.MarkFlagRequired("port")
	brokerCmd.MarkFlagRequired("group")
}
