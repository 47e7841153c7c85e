// Package config loads the daemon's YAML configuration (§6): top-level
// keys name/version/entities/source/neo4j/embeddings, with ${VAR}/$VAR
// environment expansion applied before parsing.
//
// Grounded on tarsy's pkg/config: ExpandEnv wraps os.ExpandEnv exactly as
// envexpand.go does, and built-in-vs-user merge follows merge.go's
// "copy built-ins, then override by name" shape.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ExpandEnv expands ${VAR}/$VAR references in raw YAML bytes using the
// standard library, exactly as tarsy's pkg/config.ExpandEnv does. Missing
// variables expand to empty string; validation catches required fields
// left empty.
func ExpandEnv(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}

// SourceConfig describes where a project's files live and which globs
// bound the watcher/parser.
type SourceConfig struct {
	Type    string   `yaml:"type"`
	Adapter string   `yaml:"adapter"`
	Root    string   `yaml:"root"`
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

// Neo4jConfig is the GraphStore connection target.
type Neo4jConfig struct {
	URI      string `yaml:"uri"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// EmbeddingEntityConfig overrides the embedding defaults for one entity.
type EmbeddingEntityConfig struct {
	Label        string   `yaml:"label"`
	SourceFields []string `yaml:"sourceFields"`
	Combine      string   `yaml:"combine"`
	Dimension    int      `yaml:"dimension"`
}

// EmbeddingDefaults are the pipeline-wide knobs (§4.5).
type EmbeddingDefaults struct {
	Provider    string `yaml:"provider"`
	Model       string `yaml:"model"`
	BatchSize   int    `yaml:"batchSize"`
	Concurrency int    `yaml:"concurrency"`
}

// EmbeddingsConfig is the top-level embeddings key.
type EmbeddingsConfig struct {
	Defaults EmbeddingDefaults       `yaml:"defaults"`
	Entities []EmbeddingEntityConfig `yaml:"entities"`
}

// DaemonConfig tunes lifecycle/idle/startup knobs (§4.6/§4.10), not part
// of the on-disk YAML shape but populated from environment overrides
// (*_DAEMON_PORT, *_DAEMON_VERBOSE) the same way tarsy's config layer
// folds env into its Config after YAML load.
type DaemonConfig struct {
	Port           int
	IdleTimeout    time.Duration
	StartupTimeout time.Duration
	Verbose        bool
}

func (d *DaemonConfig) setDefaults() {
	if d.Port == 0 {
		d.Port = 6969
	}
	if d.IdleTimeout == 0 {
		d.IdleTimeout = 10 * time.Minute
	}
	if d.StartupTimeout == 0 {
		d.StartupTimeout = 30 * time.Second
	}
}

// YAMLConfig is the on-disk config file shape (§6).
type YAMLConfig struct {
	Name       string           `yaml:"name"`
	Version    string           `yaml:"version"`
	Entities   []string         `yaml:"entities"`
	Source     SourceConfig     `yaml:"source"`
	Neo4j      Neo4jConfig      `yaml:"neo4j"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
}

// Config is the fully assembled, validated runtime configuration.
type Config struct {
	YAMLConfig
	Daemon DaemonConfig
}

// Load reads path, expands environment placeholders, parses YAML, merges
// environment-variable overrides for daemon knobs, and validates.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	expanded := ExpandEnv(raw)

	var yc YAMLConfig
	if err := yaml.Unmarshal(expanded, &yc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg := &Config{YAMLConfig: yc}
	applyDaemonEnvOverrides(&cfg.Daemon)
	cfg.Daemon.setDefaults()
	applyEmbeddingDefaults(&cfg.Embeddings)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDaemonEnvOverrides(d *DaemonConfig) {
	if v := os.Getenv("KGRAPHD_DAEMON_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			d.Port = port
		}
	}
	if os.Getenv("KGRAPHD_DAEMON_VERBOSE") == "1" {
		d.Verbose = true
	}
}

// applyEmbeddingDefaults fills per-entity gaps from the top-level
// defaults, the same "copy built-ins, then override by name" merge shape
// tarsy's pkg/config/merge.go uses for agents/MCP servers/chains.
func applyEmbeddingDefaults(ec *EmbeddingsConfig) {
	for i := range ec.Entities {
		e := &ec.Entities[i]
		if e.Combine == "" {
			e.Combine = "concat"
		}
		if e.Dimension == 0 {
			e.Dimension = 768
		}
	}
	if ec.Defaults.BatchSize == 0 {
		ec.Defaults.BatchSize = 50
	}
	if ec.Defaults.Concurrency == 0 {
		ec.Defaults.Concurrency = 10
	}
}

func (c *Config) validate() error {
	if c.Name == "" {
		return fmt.Errorf("config: name is required")
	}
	if c.Neo4j.URI == "" {
		return fmt.Errorf("config: neo4j.uri is required")
	}
	if c.Source.Root == "" {
		return fmt.Errorf("config: source.root is required")
	}
	return nil
}
