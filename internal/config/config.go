// Package config holds the benchmark's process configuration.
//
// Values are resolved in three layers, later layers winning:
//
//  1. Default(): two workers, two parameter servers, the CIFAR10 model size
//  2. a YAML file passed with --config
//  3. SHARDPS_* environment variables
//
// Command-line flags are applied on top by the commands themselves.
// Everything is read once at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dreamware/shardps/internal/actor"
	"github.com/dreamware/shardps/internal/paramserver"
	"github.com/dreamware/shardps/internal/worker"
)

// DefaultDim is the parameter count of the default CIFAR10 model.
const DefaultDim = 151190

// Config is the coordinator's configuration.
type Config struct {
	// ActorResources is what every actor holds while placed.
	ActorResources actor.Resources `yaml:"actor_resources"`
	// ClusterAddress is the Redis address of the cluster directory. Empty
	// runs every actor in-process.
	ClusterAddress string `yaml:"cluster_address"`
	// LogDir receives metrics.jsonl.
	LogDir string `yaml:"log_dir"`
	// Reducer is how parameter servers fold gradients: sum, mean or noop.
	Reducer string `yaml:"reducer"`
	// MetricsListen serves Prometheus metrics when non-empty, e.g. ":2112".
	MetricsListen string `yaml:"metrics_listen"`
	// Log configures the process logger.
	Log LogConfig `yaml:"log"`
	// Model configures every worker's model replica.
	Model worker.ModelConfig `yaml:"model"`
	// Workers is the number of worker actors (W).
	Workers int `yaml:"num_workers"`
	// ParameterServers is the number of parameter-server actors and shards (P).
	ParameterServers int `yaml:"num_parameter_servers"`
	// Dim is the length of the parameter vector (D).
	Dim int `yaml:"dim"`
	// LogFrequency is how many rounds pass between steps_per_sec samples.
	LogFrequency int `yaml:"log_frequency"`
	// Pause is slept between rounds to throttle resource use.
	Pause time.Duration `yaml:"pause"`
	// StrictPartition requires D to divide evenly by P.
	StrictPartition bool `yaml:"strict_partition"`
}

// LogConfig configures logging.
type LogConfig struct {
	Format  string `yaml:"format"`
	Verbose bool   `yaml:"verbose"`
}

// Default returns the stock benchmark configuration.
func Default() Config {
	return Config{
		Workers:          2,
		ParameterServers: 2,
		Dim:              DefaultDim,
		LogDir:           "runs",
		LogFrequency:     10,
		Reducer:          string(paramserver.ReducerSum),
		ActorResources:   actor.Resources{actor.ResourceGPU: 1},
		Log:              LogConfig{Format: "json"},
	}
}

// Load returns Default() overlaid with the YAML file at path and then with
// the environment. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from SHARDPS_* environment variables.
func (c *Config) ApplyEnv() error {
	ints := []struct {
		key string
		dst *int
	}{
		{"SHARDPS_NUM_WORKERS", &c.Workers},
		{"SHARDPS_NUM_PARAMETER_SERVERS", &c.ParameterServers},
		{"SHARDPS_DIM", &c.Dim},
		{"SHARDPS_LOG_FREQUENCY", &c.LogFrequency},
	}
	for _, e := range ints {
		if v := getenv(e.key, ""); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", e.key, err)
			}
			*e.dst = n
		}
	}

	c.ClusterAddress = getenv("SHARDPS_CLUSTER_ADDRESS", c.ClusterAddress)
	c.LogDir = getenv("SHARDPS_LOG_DIR", c.LogDir)
	c.Reducer = getenv("SHARDPS_REDUCER", c.Reducer)
	c.MetricsListen = getenv("SHARDPS_METRICS_LISTEN", c.MetricsListen)

	if v := getenv("SHARDPS_PAUSE", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SHARDPS_PAUSE: %w", err)
		}
		c.Pause = d
	}
	return nil
}

// Validate checks that the configuration describes a runnable benchmark.
// Whether D can be split P ways is left to the partitioner.
func (c Config) Validate() error {
	var errs []error
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("num_workers must be at least 1, got %d", c.Workers))
	}
	if c.ParameterServers < 1 {
		errs = append(errs, fmt.Errorf("num_parameter_servers must be at least 1, got %d", c.ParameterServers))
	}
	if c.Dim < 1 {
		errs = append(errs, fmt.Errorf("dim must be at least 1, got %d", c.Dim))
	}
	if c.LogFrequency < 1 {
		errs = append(errs, fmt.Errorf("log_frequency must be at least 1, got %d", c.LogFrequency))
	}
	if c.Pause < 0 {
		errs = append(errs, fmt.Errorf("pause must not be negative, got %s", c.Pause))
	}
	if _, err := paramserver.ParseReducer(c.Reducer); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Cluster reports whether actors are placed on a multi-host cluster.
func (c Config) Cluster() bool {
	return c.ClusterAddress != ""
}

// LocalCapacity is the resource pool of an in-process run: one slot per actor.
func (c Config) LocalCapacity() actor.Resources {
	total := make(actor.Resources, len(c.ActorResources))
	for name, qty := range c.ActorResources {
		total[name] = qty * float64(c.Workers+c.ParameterServers)
	}
	return total
}

// getenv returns the environment value for k, or def when unset or empty.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
