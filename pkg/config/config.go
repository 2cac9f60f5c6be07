// Package config parses the relaymesh configuration file with
// gopkg.in/yaml.v3.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/relaymesh/pkg/errs"
	"github.com/cuemby/relaymesh/pkg/types"
)

// Config is the top-level configuration file contents.
type Config struct {
	Discovery struct {
		Strategy       types.DiscoveryStrategy `yaml:"strategy"`
		Addr           string                  `yaml:"addr"`
		Port           int                     `yaml:"port"`
		SyncPort       int                     `yaml:"sync_port"`
		ExpectedPubs   int                     `yaml:"expected_pubs"`
		ExpectedSubs   int                     `yaml:"expected_subs"`
		IdleWindow     Duration                `yaml:"idle_window"`
		DHTRosterFile  string                  `yaml:"dht_roster_file"`
		CoordAddrs     []string                `yaml:"coord_addrs"`
		SessionTimeout Duration                `yaml:"session_timeout"`
	} `yaml:"discovery"`

	Dissemination struct {
		Strategy types.DisseminationMode `yaml:"strategy"`
		Groups   map[string][]string     `yaml:"groups"` // broker group -> topics
	} `yaml:"dissemination"`

	ExperimentLabel string `yaml:"experiment_label"`
	LatencySinkAddr string `yaml:"latency_sink_addr"`
}

// Duration wraps time.Duration for friendlier YAML (e.g. "5s").
type Duration struct{ D int64 } // nanoseconds

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errs.Wrap(errs.Config, "invalid duration "+s, err)
	}
	d.D = int64(parsed)
	return nil
}

// Duration returns the wrapped value as a time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d.D)
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.Config, "read config file", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errs.Wrap(errs.Config, "parse config file", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Discovery.Strategy {
	case types.StrategyCentralized, types.StrategyDHT, types.StrategyCoordinator:
	default:
		return errs.New(errs.Config, fmt.Sprintf("unknown discovery strategy %q", c.Discovery.Strategy))
	}
	switch c.Dissemination.Strategy {
	case types.ModeDirect, types.ModeBrokered:
	default:
		return errs.New(errs.Config, fmt.Sprintf("unknown dissemination strategy %q", c.Dissemination.Strategy))
	}
	if c.Discovery.Strategy == types.StrategyDHT && c.Discovery.DHTRosterFile == "" {
		return errs.New(errs.Config, "DHT strategy requires dht_roster_file")
	}
	if c.Dissemination.Strategy == types.ModeBrokered && len(c.Dissemination.Groups) == 0 {
		return errs.New(errs.Config, "Brokered dissemination requires at least one group in dissemination.groups")
	}
	return nil
}

// RosterEntry is one row of the DHT roster file.
type RosterEntry struct {
	ID   string `json:"id"`
	Hash string `json:"hash"`
	IP   string `json:"IP"`
	Port int    `json:"port"`
	Host string `json:"host"`
}

// Roster is the DHT roster file shape: {"dht": [...]}.
type Roster struct {
	DHT []RosterEntry `json:"dht"`
}

// LoadRoster reads the DHT ring roster file every DHT-mode Discovery node
// loads at startup.
func LoadRoster(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.Config, "read DHT roster file", err)
	}
	var r Roster
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errs.Wrap(errs.Config, "parse DHT roster file", err)
	}
	if len(r.DHT) == 0 {
		return nil, errs.New(errs.Config, "DHT roster file has no entries")
	}
	return &r, nil
}
