// Package config handles configuration loading for the deeptable server.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Data      DataConfig      `yaml:"data"`
	Cache     CacheConfig     `yaml:"cache"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Macrotile MacrotileConfig `yaml:"macrotile"`
	Prefetch  PrefetchConfig  `yaml:"prefetch"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	Title       string   `yaml:"title"`
	CORSOrigins []string `yaml:"cors_origins"`
	AccessLog   bool     `yaml:"access_log"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// DatasetConfig describes where one dataset's tiles live.
type DatasetConfig struct {
	BaseLocation string `yaml:"base_location"`
	Extension    string `yaml:"extension"`
	Topology     string `yaml:"topology"`
	RootKey      string `yaml:"root_key"`
	// Extent is [[x0, x1], [y0, y1]].
	Extent *[2][2]float64 `yaml:"extent"`
	// ManifestPath points to a JSON file of pre-known tile descriptions.
	ManifestPath string `yaml:"manifest_path"`
	// ManifestDB is a SQLite catalog of resolved manifests.
	ManifestDB string `yaml:"manifest_db"`
	AuthToken  string `yaml:"auth_token"`
}

// DataConfig contains one or more datasets in YAML order.
type DataConfig struct {
	DefaultDataset string
	Datasets       map[string]DatasetConfig
	order          []string
}

// DatasetIDs returns the dataset IDs in YAML order.
func (d DataConfig) DatasetIDs() []string {
	return d.order
}

// UnmarshalYAML accepts either a mapping of dataset IDs to datasets or a
// single legacy dataset given by base_location at the top level.
func (d *DataConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("data: expected a mapping, got %v", node.Tag)
	}
	d.Datasets = make(map[string]DatasetConfig)
	d.order = nil

	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == "base_location" {
			var ds DatasetConfig
			if err := node.Decode(&ds); err != nil {
				return err
			}
			d.Datasets["default"] = ds
			d.order = []string{"default"}
			d.DefaultDataset = "default"
			return nil
		}
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		id := node.Content[i].Value
		var ds DatasetConfig
		if err := node.Content[i+1].Decode(&ds); err != nil {
			return fmt.Errorf("data.%s: %w", id, err)
		}
		if _, dup := d.Datasets[id]; !dup {
			d.order = append(d.order, id)
		}
		d.Datasets[id] = ds
	}
	if len(d.order) > 0 {
		d.DefaultDataset = d.order[0]
	}
	return nil
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	ObjectSizeMB        int `yaml:"object_size_mb"`
	ObjectTTLMinutes    int `yaml:"object_ttl_minutes"`
	Shards              int `yaml:"shards"`
	DescendantCacheSize int `yaml:"descendant_cache_size"`
}

// FetchConfig contains object retrieval settings.
type FetchConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Timeout returns the fetch timeout.
func (f FetchConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSeconds) * time.Second
}

// MacrotileConfig contains macrotile grouping settings. Both fields take
// their defaults when size is unset.
type MacrotileConfig struct {
	Size    int `yaml:"size"`
	Parents int `yaml:"parents"`
}

// PrefetchConfig contains background prefetch settings. MaxConcurrent 0
// disables prefetching.
type PrefetchConfig struct {
	MaxConcurrent  int `yaml:"max_concurrent"`
	QueueSize      int `yaml:"queue_size"`
	Parallel       int `yaml:"parallel"`
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Log: LogConfig{Level: "info"},
		Data: DataConfig{
			DefaultDataset: "default",
			Datasets: map[string]DatasetConfig{
				"default": {BaseLocation: "./data/tiles", Extension: "feather", Topology: "quadtree"},
			},
			order: []string{"default"},
		},
		Cache: CacheConfig{
			ObjectSizeMB:        256,
			ObjectTTLMinutes:    10,
			Shards:              64,
			DescendantCacheSize: 4096,
		},
		Fetch:     FetchConfig{TimeoutSeconds: 30},
		Macrotile: MacrotileConfig{Size: 2, Parents: 2},
		Prefetch: PrefetchConfig{
			MaxConcurrent:  2,
			QueueSize:      256,
			Parallel:       8,
			TimeoutSeconds: 60,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if len(cfg.Data.Datasets) == 0 {
		cfg.Data = defaults.Data
	}
	for id, ds := range cfg.Data.Datasets {
		if ds.Extension == "" {
			ds.Extension = "feather"
		}
		if ds.Topology == "" {
			ds.Topology = "quadtree"
		}
		cfg.Data.Datasets[id] = ds
	}
	if cfg.Cache.ObjectSizeMB == 0 {
		cfg.Cache.ObjectSizeMB = defaults.Cache.ObjectSizeMB
	}
	if cfg.Cache.ObjectTTLMinutes == 0 {
		cfg.Cache.ObjectTTLMinutes = defaults.Cache.ObjectTTLMinutes
	}
	if cfg.Cache.Shards == 0 {
		cfg.Cache.Shards = defaults.Cache.Shards
	}
	if cfg.Cache.DescendantCacheSize == 0 {
		cfg.Cache.DescendantCacheSize = defaults.Cache.DescendantCacheSize
	}
	if cfg.Fetch.TimeoutSeconds == 0 {
		cfg.Fetch.TimeoutSeconds = defaults.Fetch.TimeoutSeconds
	}
	if cfg.Macrotile.Size == 0 {
		cfg.Macrotile = defaults.Macrotile
	}
	if cfg.Prefetch.QueueSize == 0 {
		cfg.Prefetch.QueueSize = defaults.Prefetch.QueueSize
	}
	if cfg.Prefetch.Parallel == 0 {
		cfg.Prefetch.Parallel = defaults.Prefetch.Parallel
	}
	if cfg.Prefetch.TimeoutSeconds == 0 {
		cfg.Prefetch.TimeoutSeconds = defaults.Prefetch.TimeoutSeconds
	}
}
