// Package config loads the coordinator's static configuration: the
// ordered node list, polling defaults, and lock/listing tunables. File
// loading itself is an external concern (spec.md section 1 names
// "Configuration file loading" out of scope); this package only
// defines the shape and a thin YAML adapter, grounded on the same
// gopkg.in/yaml.v3 dependency the teacher repo already carries.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// NodeDescriptor is a stable per-node record loaded once at startup.
// Order is significant: the i-th coordinator node corresponds to the
// i-th database server for placement decisions (spec.md section 3).
type NodeDescriptor struct {
	URL string `yaml:"url" json:"url"`
	AZ  string `yaml:"az,omitempty" json:"az,omitempty"`
}

// PollConfig tunes the poller's exponential backoff and failure budget
// (spec.md section 3).
type PollConfig struct {
	DelayStart      float64 `yaml:"delay_start"`
	DelayMultiplier float64 `yaml:"delay_multiplier"`
	DelayMax        float64 `yaml:"delay_max"`
	Duration        float64 `yaml:"duration"`
	MaximumFailures int     `yaml:"maximum_failures"`
	ResultTimeout   float64 `yaml:"result_timeout"`
}

// DefaultPollConfig mirrors the original coordinator's defaults closely
// enough to exercise realistic backoff behavior without being tied to
// any particular deployment.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		DelayStart:      1,
		DelayMultiplier: 2,
		DelayMax:        60,
		Duration:        3600,
		MaximumFailures: 5,
		ResultTimeout:   15,
	}
}

// Config is the coordinator's complete static configuration.
type Config struct {
	Nodes          []NodeDescriptor `yaml:"nodes"`
	Poll           PollConfig       `yaml:"poll"`
	LockTTL        int              `yaml:"lock_ttl"`
	ListTTL        float64          `yaml:"list_ttl"`
	StorageName    string           `yaml:"storage_name"`
	MaxAttempts    int              `yaml:"max_attempts"`
	RetryBackoff   float64          `yaml:"retry_backoff"`

	// RootGlobs scopes what the files plugin snapshots and restores on
	// every node. Real plugins (ClickHouse, Cassandra) would derive
	// their own paths instead; the files plugin takes them straight
	// from config since it has no database to introspect.
	RootGlobs []string `yaml:"root_globs"`
}

// DefaultConfig returns a Config with every tunable set to a sane
// default except the (required) node list.
func DefaultConfig() Config {
	return Config{
		Poll:         DefaultPollConfig(),
		LockTTL:      60,
		ListTTL:      60,
		StorageName:  "default",
		MaxAttempts:  3,
		RetryBackoff: 10,
		RootGlobs:    []string{"**"},
	}
}

// Load reads a YAML configuration document from path, applying
// DefaultConfig for any field the document omits.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML configuration document, applying DefaultConfig
// for any field the document omits.
func Parse(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if len(cfg.Nodes) == 0 {
		return Config{}, fmt.Errorf("parse config: no nodes configured")
	}
	return cfg, nil
}
