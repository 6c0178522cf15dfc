// Package config loads hivemind configuration from YAML with environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blackms/hivemind-go/internal/shared"
)

type Config struct {
	Swarm   SwarmConfig   `yaml:"swarm"`
	Store   StoreConfig   `yaml:"store"`
	Memory  MemoryConfig  `yaml:"memory"`
	Bus     BusConfig     `yaml:"bus"`
	Agent   AgentConfig   `yaml:"agent"`
	Queen   QueenConfig   `yaml:"queen"`
	Monitor MonitorConfig `yaml:"monitor"`
	Events  EventsConfig  `yaml:"events"`
	Log     LogConfig     `yaml:"log"`
}

type SwarmConfig struct {
	Name               string        `yaml:"name"`
	Topology           string        `yaml:"topology"`
	QueenMode          string        `yaml:"queen_mode"`
	MaxAgents          int           `yaml:"max_agents"`
	ConsensusThreshold float64       `yaml:"consensus_threshold"`
	MemoryTTL          time.Duration `yaml:"memory_ttl"`
}

// StoreConfig selects the persistence backend. Engine "auto" tries SQLite
// and falls back to memory.
type StoreConfig struct {
	Engine string `yaml:"engine"`
	Path   string `yaml:"path"`
}

type MemoryConfig struct {
	MaxEntries           int                               `yaml:"max_entries"`
	MaxBytes             int64                             `yaml:"max_bytes"`
	CompressionThreshold int                               `yaml:"compression_threshold"`
	Compression          string                            `yaml:"compression"`
	CleanupInterval      time.Duration                     `yaml:"cleanup_interval"`
	EntryPoolSize        int                               `yaml:"entry_pool_size"`
	ResultPoolSize       int                               `yaml:"result_pool_size"`
	Namespaces           map[string]shared.NamespacePolicy `yaml:"namespaces"`
}

type BusConfig struct {
	TickInterval          time.Duration `yaml:"tick_interval"`
	LaneBatchSize         int           `yaml:"lane_batch_size"`
	LatencyAlertThreshold time.Duration `yaml:"latency_alert_threshold"`
	RequestTimeout        time.Duration `yaml:"request_timeout"`
}

type AgentConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	DrainInterval     time.Duration `yaml:"drain_interval"`
	LearningInterval  time.Duration `yaml:"learning_interval"`
	ResponsiveWindow  time.Duration `yaml:"responsive_window"`
}

type QueenConfig struct {
	CoordinationInterval   time.Duration      `yaml:"coordination_interval"`
	OptimizationInterval   time.Duration      `yaml:"optimization_interval"`
	ConsensusTimeout       time.Duration      `yaml:"consensus_timeout"`
	ConsensusThreshold     float64            `yaml:"consensus_threshold"`
	MaxConsecutiveFailures int                `yaml:"max_consecutive_failures"`
	VoteWeights            map[string]float64 `yaml:"vote_weights"`
}

type MonitorConfig struct {
	SampleInterval time.Duration `yaml:"sample_interval"`
	HealthInterval time.Duration `yaml:"health_interval"`
	TrendInterval  time.Duration `yaml:"trend_interval"`
	HistorySize    int           `yaml:"history_size"`
	AlertRetention time.Duration `yaml:"alert_retention"`
}

type EventsConfig struct {
	NATS NATSConfig `yaml:"nats"`
}

// NATSConfig controls the optional event bridge. With Embedded set, an
// in-process server is started on Port and URL is ignored.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Embedded      bool   `yaml:"embedded"`
	Port          int    `yaml:"port"`
	DataDir       string `yaml:"data_dir"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Swarm: SwarmConfig{
			Name:               "hivemind",
			Topology:           string(shared.TopologyHierarchical),
			QueenMode:          string(shared.QueenModeStrategic),
			MaxAgents:          8,
			ConsensusThreshold: 0.66,
			MemoryTTL:          24 * time.Hour,
		},
		Store: StoreConfig{
			Engine: "auto",
			Path:   "data/hivemind.db",
		},
		Memory: MemoryConfig{
			MaxEntries:           10000,
			MaxBytes:             100 << 20,
			CompressionThreshold: 10 << 10,
			Compression:          "zstd",
			CleanupInterval:      time.Minute,
			EntryPoolSize:        1000,
			ResultPoolSize:       100,
			Namespaces: map[string]shared.NamespacePolicy{
				"default":   {Retention: shared.RetentionPersistent},
				"decisions": {Retention: shared.RetentionSize, MaxEntries: 1000},
				"patterns":  {Retention: shared.RetentionSize, MaxEntries: 500},
				"analysis":  {Retention: shared.RetentionTime, TTL: time.Hour},
			},
		},
		Bus: BusConfig{
			TickInterval:          100 * time.Millisecond,
			LaneBatchSize:         10,
			LatencyAlertThreshold: time.Second,
			RequestTimeout:        30 * time.Second,
		},
		Agent: AgentConfig{
			HeartbeatInterval: 30 * time.Second,
			DrainInterval:     time.Second,
			LearningInterval:  5 * time.Minute,
			ResponsiveWindow:  60 * time.Second,
		},
		Queen: QueenConfig{
			CoordinationInterval:   5 * time.Second,
			OptimizationInterval:   60 * time.Second,
			ConsensusTimeout:       5 * time.Minute,
			ConsensusThreshold:     0.66,
			MaxConsecutiveFailures: 3,
		},
		Monitor: MonitorConfig{
			SampleInterval: 10 * time.Second,
			HealthInterval: 60 * time.Second,
			TrendInterval:  5 * time.Minute,
			HistorySize:    100,
			AlertRetention: 24 * time.Hour,
		},
		Events: EventsConfig{
			NATS: NATSConfig{
				Embedded:      true,
				Port:          4222,
				DataDir:       "data/nats",
				SubjectPrefix: "hivemind",
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the file at path (HIVEMIND_CONFIG when empty, then
// config/hivemind.yaml). A missing file yields defaults plus env overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		path = os.Getenv("HIVEMIND_CONFIG")
	}
	if path == "" {
		path = "config/hivemind.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("HIVEMIND_SWARM_NAME"); v != "" {
		cfg.Swarm.Name = v
	}
	if v := os.Getenv("HIVEMIND_TOPOLOGY"); v != "" {
		cfg.Swarm.Topology = v
	}
	if v := os.Getenv("HIVEMIND_MAX_AGENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Swarm.MaxAgents = n
		}
	}
	if v := os.Getenv("HIVEMIND_CONSENSUS_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Swarm.ConsensusThreshold = f
			cfg.Queen.ConsensusThreshold = f
		}
	}
	if v := os.Getenv("HIVEMIND_STORE_ENGINE"); v != "" {
		cfg.Store.Engine = v
	}
	if v := os.Getenv("HIVEMIND_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("HIVEMIND_COMPRESSION"); v != "" {
		cfg.Memory.Compression = v
	}
	if v := os.Getenv("HIVEMIND_CACHE_MAX_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Memory.MaxBytes = n
		}
	}
	if v := os.Getenv("HIVEMIND_NATS_URL"); v != "" {
		cfg.Events.NATS.Enabled = true
		cfg.Events.NATS.Embedded = false
		cfg.Events.NATS.URL = v
	}
	if v := os.Getenv("HIVEMIND_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Events.NATS.Port = port
		}
	}
	if v := os.Getenv("HIVEMIND_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("HIVEMIND_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// Validate rejects values the runtime cannot honour.
func (c *Config) Validate() error {
	invalid := func(field string, value interface{}) error {
		return shared.NewValidationError("invalid configuration value", map[string]interface{}{
			"field": field,
			"value": value,
		})
	}

	if !shared.SwarmTopology(c.Swarm.Topology).Valid() {
		return invalid("swarm.topology", c.Swarm.Topology)
	}
	if c.Swarm.MaxAgents <= 0 {
		return invalid("swarm.max_agents", c.Swarm.MaxAgents)
	}
	if c.Swarm.ConsensusThreshold < 0 || c.Swarm.ConsensusThreshold > 1 {
		return invalid("swarm.consensus_threshold", c.Swarm.ConsensusThreshold)
	}
	if c.Queen.ConsensusThreshold < 0 || c.Queen.ConsensusThreshold > 1 {
		return invalid("queen.consensus_threshold", c.Queen.ConsensusThreshold)
	}
	switch c.Store.Engine {
	case "auto", "sqlite", "memory":
	default:
		return invalid("store.engine", c.Store.Engine)
	}
	switch c.Memory.Compression {
	case "zstd", "lz4", "none":
	default:
		return invalid("memory.compression", c.Memory.Compression)
	}
	if c.Memory.MaxEntries <= 0 {
		return invalid("memory.max_entries", c.Memory.MaxEntries)
	}
	if c.Memory.MaxBytes <= 0 {
		return invalid("memory.max_bytes", c.Memory.MaxBytes)
	}
	if c.Bus.LaneBatchSize <= 0 {
		return invalid("bus.lane_batch_size", c.Bus.LaneBatchSize)
	}

	intervals := map[string]time.Duration{
		"memory.cleanup_interval":     c.Memory.CleanupInterval,
		"bus.tick_interval":           c.Bus.TickInterval,
		"bus.request_timeout":         c.Bus.RequestTimeout,
		"agent.heartbeat_interval":    c.Agent.HeartbeatInterval,
		"agent.drain_interval":        c.Agent.DrainInterval,
		"agent.learning_interval":     c.Agent.LearningInterval,
		"agent.responsive_window":     c.Agent.ResponsiveWindow,
		"queen.coordination_interval": c.Queen.CoordinationInterval,
		"queen.optimization_interval": c.Queen.OptimizationInterval,
		"queen.consensus_timeout":     c.Queen.ConsensusTimeout,
		"monitor.sample_interval":     c.Monitor.SampleInterval,
		"monitor.health_interval":     c.Monitor.HealthInterval,
		"monitor.trend_interval":      c.Monitor.TrendInterval,
	}
	for field, d := range intervals {
		if d <= 0 {
			return invalid(field, d.String())
		}
	}

	for ns, p := range c.Memory.Namespaces {
		switch p.Retention {
		case shared.RetentionPersistent:
		case shared.RetentionTime:
			if p.TTL <= 0 {
				return invalid("memory.namespaces."+ns+".ttl", p.TTL.String())
			}
		case shared.RetentionSize:
			if p.MaxEntries <= 0 {
				return invalid("memory.namespaces."+ns+".max_entries", p.MaxEntries)
			}
		default:
			return invalid("memory.namespaces."+ns+".retention", p.Retention)
		}
	}
	return nil
}
