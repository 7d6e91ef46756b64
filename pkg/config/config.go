package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config holds all configuration for a consensus node.
type Config struct {
	Node      NodeConfig      `mapstructure:"node"`
	Network   NetworkConfig   `mapstructure:"network"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Consensus ConsensusConfig `mapstructure:"consensus"`
	Payload   PayloadConfig   `mapstructure:"payload"`
	API       APIConfig       `mapstructure:"api"`
	Security  SecurityConfig  `mapstructure:"security"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// NodeConfig holds node-specific configuration.
type NodeConfig struct {
	ID       string `mapstructure:"id"`
	DataDir  string `mapstructure:"data_dir"`
	LogLevel string `mapstructure:"log_level"`
}

// NetworkConfig holds the validator set, listen address, and peer
// discovery seeds the Network Transport and Consensus Driver need at
// startup.
type NetworkConfig struct {
	ListenAddress string   `mapstructure:"listen_address"`
	Validators    []string `mapstructure:"validators"`     // hex-encoded Ed25519 public keys, in leader-rotation order
	PeerDiscovery []string `mapstructure:"peer_discovery"`  // "host:port" seed addresses
	MaxPeers      int      `mapstructure:"max_peers"`
}

// StorageConfig holds storage configuration.
type StorageConfig struct {
	Engine    string `mapstructure:"engine"`
	Path      string `mapstructure:"path"`
	CacheSize int64  `mapstructure:"cache_size"`
	Sync      bool   `mapstructure:"sync"`
}

// ConsensusConfig holds the timing and test-hook knobs the Consensus
// Driver reads at startup (§4.6, §9).
type ConsensusConfig struct {
	RoundTimeoutMS   uint64 `mapstructure:"round_timeout_ms"`
	ProposeTimeoutMS uint64 `mapstructure:"propose_timeout_ms"`
	Byzantine        bool   `mapstructure:"byzantine"`
}

// PayloadConfig holds the content-addressed payload store's connection
// details.
type PayloadConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// APIConfig holds the out-of-scope wallet/query API configuration.
type APIConfig struct {
	REST RESTConfig `mapstructure:"rest"`
}

// RESTConfig holds REST API configuration.
type RESTConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Address string   `mapstructure:"address"`
	CORS    []string `mapstructure:"cors"`
}

// SecurityConfig holds security configuration.
type SecurityConfig struct {
	AuditLogPath string `mapstructure:"audit_log_path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	Path    string `mapstructure:"path"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			ID:       "",
			DataDir:  "./data",
			LogLevel: "info",
		},
		Network: NetworkConfig{
			ListenAddress: "0.0.0.0:26656",
			Validators:    []string{},
			PeerDiscovery: []string{},
			MaxPeers:      50,
		},
		Storage: StorageConfig{
			Engine:    "badger",
			Path:      "",
			CacheSize: 100 * 1024 * 1024,
			Sync:      true,
		},
		Consensus: ConsensusConfig{
			RoundTimeoutMS:   1000,
			ProposeTimeoutMS: 3000,
			Byzantine:        false,
		},
		Payload: PayloadConfig{
			Endpoint:  "localhost:9000",
			Bucket:    "consensus-payloads",
			AccessKey: "consensus",
			SecretKey: "consensus123",
			UseSSL:    false,
		},
		API: APIConfig{
			REST: RESTConfig{
				Enabled: true,
				Address: "0.0.0.0:1317",
				CORS:    []string{"*"},
			},
		},
		Security: SecurityConfig{
			AuditLogPath: "./logs/audit.log",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: "0.0.0.0:9091",
			Path:    "/metrics",
		},
	}
}

// LoadConfig loads configuration from file and environment variables,
// layered over DefaultConfig.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()

	v.SetDefault("node.data_dir", cfg.Node.DataDir)
	v.SetDefault("node.log_level", cfg.Node.LogLevel)
	v.SetDefault("network.listen_address", cfg.Network.ListenAddress)
	v.SetDefault("network.max_peers", cfg.Network.MaxPeers)
	v.SetDefault("storage.engine", cfg.Storage.Engine)
	v.SetDefault("storage.cache_size", cfg.Storage.CacheSize)
	v.SetDefault("storage.sync", cfg.Storage.Sync)
	v.SetDefault("consensus.round_timeout_ms", cfg.Consensus.RoundTimeoutMS)
	v.SetDefault("consensus.propose_timeout_ms", cfg.Consensus.ProposeTimeoutMS)
	v.SetDefault("consensus.byzantine", cfg.Consensus.Byzantine)
	v.SetDefault("payload.endpoint", cfg.Payload.Endpoint)
	v.SetDefault("payload.bucket", cfg.Payload.Bucket)
	v.SetDefault("payload.access_key", cfg.Payload.AccessKey)
	v.SetDefault("payload.secret_key", cfg.Payload.SecretKey)
	v.SetDefault("payload.use_ssl", cfg.Payload.UseSSL)
	v.SetDefault("api.rest.enabled", cfg.API.REST.Enabled)
	v.SetDefault("api.rest.address", cfg.API.REST.Address)
	v.SetDefault("api.rest.cors", cfg.API.REST.CORS)
	v.SetDefault("security.audit_log_path", cfg.Security.AuditLogPath)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.output", cfg.Logging.Output)
	v.SetDefault("logging.max_size", cfg.Logging.MaxSize)
	v.SetDefault("logging.max_backups", cfg.Logging.MaxBackups)
	v.SetDefault("logging.max_age", cfg.Logging.MaxAge)
	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.address", cfg.Metrics.Address)
	v.SetDefault("metrics.path", cfg.Metrics.Path)

	v.SetEnvPrefix("CONSENSUSNODE")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}
