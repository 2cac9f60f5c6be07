// Command relaymesh exposes every relaymesh role (discovery, publisher,
// subscriber, broker) as a cobra subcommand of a single binary.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/relaymesh/pkg/log"
)

var (
	// Version is set via ldflags at build time.
	Version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "relaymesh",
	Short:   "relaymesh - topic-based publish/subscribe coordination middleware",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error); defaults to the role's own level when unset")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("metrics-addr", "127.0.0.1:9090", "Address to serve /metrics, /health, /ready and /live on")

	rootCmd.AddCommand(discoveryCmd)
	rootCmd.AddCommand(publisherCmd)
	rootCmd.AddCommand(subscriberCmd)
	rootCmd.AddCommand(brokerCmd)
}

// initLogging initializes the global logger tagged with component, the
// role this process is running as (discovery, publisher, subscriber,
// broker), which also selects that role's default verbosity when
// --log-level is left unset.
func initLogging(cmd *cobra.Command, component string) {
	level, _ := cmd.Flags().GetString("log-level")
	jsonOut, _ := cmd.Flags().GetBool("log-json")
	log.Init(log.Config{Component: component, Level: log.Level(level), JSONOutput: jsonOut})
}
