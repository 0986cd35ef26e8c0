// Package config loads the simulator node configuration.
//
// Configuration starts from Default, is merged with an optional YAML file and
// then with a small set of environment overrides. Command-line flags in
// cmd/simulator are applied last.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/simctl/internal/cluster"
	"github.com/signalsfoundry/simctl/internal/logging"
)

// Duration is a time.Duration written as a string ("5s", "250ms") in YAML.
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete node configuration.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	API     APIConfig     `yaml:"api"`
	Router  RouterConfig  `yaml:"router"`
	Clock   ClockConfig   `yaml:"clock"`
	Scene   SceneConfig   `yaml:"scene"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// NodeConfig places the node in the cluster.
type NodeConfig struct {
	// Role is standalone, master or worker.
	Role string `yaml:"role"`
	ID   string `yaml:"id"`
	// Listen is the gRPC address of the node service. Workers must set it;
	// a standalone node does not serve it.
	Listen string `yaml:"listen"`
	// Workers are dialled by a master.
	Workers       []cluster.Endpoint `yaml:"workers"`
	MasterLoad    float64            `yaml:"master_load"`
	ProbeInterval Duration           `yaml:"probe_interval"`
	ProbeTimeout  Duration           `yaml:"probe_timeout"`
}

// APIConfig configures the client WebSocket endpoint.
type APIConfig struct {
	Listen        string   `yaml:"listen"`
	AllowMultiple bool     `yaml:"allow_multiple"`
	RateLimit     float64  `yaml:"rate_limit"`
	RateBurst     int      `yaml:"rate_burst"`
	WriteTimeout  Duration `yaml:"write_timeout"`
}

// RouterConfig bounds cross-node requests.
type RouterConfig struct {
	ForwardTimeout     Duration `yaml:"forward_timeout"`
	ReplicationTimeout Duration `yaml:"replication_timeout"`
}

// ClockConfig configures the simulation clock.
type ClockConfig struct {
	FrameRate float64 `yaml:"frame_rate"`
}

// SceneConfig configures the simulated world.
type SceneConfig struct {
	// Catalog is a JSONC asset catalog; empty selects the built-in one.
	Catalog    string `yaml:"catalog"`
	LoadFrames int    `yaml:"load_frames"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// MetricsConfig configures the Prometheus endpoint. An empty Listen
// disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns the configuration of a standalone node.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Role:          cluster.Standalone.String(),
			ID:            "master",
			Listen:        ":8182",
			MasterLoad:    cluster.DefaultMasterLoad,
			ProbeInterval: Duration(5 * time.Second),
			ProbeTimeout:  Duration(cluster.DefaultProbeTimeout),
		},
		API: APIConfig{
			Listen:       ":8181",
			WriteTimeout: Duration(10 * time.Second),
		},
		Router: RouterConfig{
			ForwardTimeout:     Duration(5 * time.Second),
			ReplicationTimeout: Duration(5 * time.Second),
		},
		Clock: ClockConfig{FrameRate: 60},
		Scene: SceneConfig{LoadFrames: 3},
		Log: LogConfig{
			Level:     "info",
			Format:    "text",
			MaxSizeMB: 100,
		},
		Metrics: MetricsConfig{Listen: ":9090"},
	}
}

// Load builds the configuration: defaults, then path when non-empty, then
// the environment. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// ApplyEnv applies LOG_LEVEL, LOG_FORMAT, SIMCTL_ROLE and SIMCTL_NODE_ID
// when set.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := getenv("SIMCTL_ROLE"); v != "" {
		c.Node.Role = v
	}
	if v := getenv("SIMCTL_NODE_ID"); v != "" {
		c.Node.ID = v
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	role, err := cluster.ParseRole(c.Node.Role)
	if err != nil {
		add("node.role: %w", err)
	}
	if strings.TrimSpace(c.Node.ID) == "" {
		add("node.id is required")
	}
	if role == cluster.Worker && c.Node.Listen == "" {
		add("node.listen is required for a worker")
	}
	seen := make(map[cluster.NodeID]bool)
	for i, w := range c.Node.Workers {
		switch {
		case w.ID == "":
			add("node.workers[%d].id is required", i)
		case w.Address == "":
			add("node.workers[%d].address is required", i)
		case w.ID == cluster.NodeID(c.Node.ID):
			add("node.workers[%d]: %q is this node", i, w.ID)
		case seen[w.ID]:
			add("node.workers[%d]: duplicate id %q", i, w.ID)
		}
		seen[w.ID] = true
	}
	if c.Node.MasterLoad < 0 {
		add("node.master_load must not be negative")
	}
	if c.Node.ProbeInterval <= 0 || c.Node.ProbeTimeout <= 0 {
		add("node.probe_interval and node.probe_timeout must be positive")
	}

	if c.API.Listen == "" && role != cluster.Worker {
		add("api.listen is required")
	}
	if c.API.RateLimit < 0 || c.API.RateBurst < 0 {
		add("api.rate_limit and api.rate_burst must not be negative")
	}
	if c.Router.ForwardTimeout <= 0 || c.Router.ReplicationTimeout <= 0 {
		add("router timeouts must be positive")
	}
	if !(c.Clock.FrameRate > 0) {
		add("clock.frame_rate must be positive")
	}
	if c.Scene.LoadFrames < 0 {
		add("scene.load_frames must not be negative")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		add("log.format %q: want text or json", c.Log.Format)
	}
	return errors.Join(errs...)
}

// Role returns the parsed node role. Call it on a validated config.
func (c *Config) Role() cluster.Role {
	r, _ := cluster.ParseRole(c.Node.Role)
	return r
}

// Logging converts the log section for the logging package.
func (c *Config) Logging() logging.Config {
	return logging.Config{
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		AddSource:  true,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}
