package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/relaymesh/pkg/config"
	"github.com/cuemby/relaymesh/pkg/discovery"
	"github.com/cuemby/relaymesh/pkg/log"
	"github.com/cuemby/relaymesh/pkg/metrics"
)

var discoveryCmd = &cobra.Command{
	Use:   "discovery",
	Short: "Run a Discovery node",
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging(cmd, "discovery")
		startObservabilityServer(cmd, "discovery")

		cfgPath, _ := cmd.Flags().GetString("config")
		id, _ := cmd.Flags().GetString("id")

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("discovery: load config: %w", err)
		}

		node, err := discovery.NewNode(cfg, id)
		if err != nil {
			return fmt.Errorf("discovery: build node: %w", err)
		}
		defer node.Close()
		metrics.RegisterComponent("discovery", true, "running")

		log.WithComponent("discovery").Info().Str("id", id).
			Str("strategy", string(cfg.Discovery.Strategy)).
			Str("dissemination", string(cfg.Dissemination.Strategy)).
			Msg("starting discovery node")

		return node.Start()
	},
}

func init() {
	discoveryCmd.Flags().String("config", "", "Path to the relaymesh configuration file (required)")
	discoveryCmd.Flags().String("id", "", "This Discovery node's unique name (required for DHT/Coordinator strategies)")
	discoveryCmd.MarkFlagRequired("config")
}
