package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"keyquorum/internal/evidence"
)

// Config holds all committee node configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Chain     ChainConfig     `yaml:"chain"`
	Committee CommitteeConfig `yaml:"committee"`
	Store     StoreConfig     `yaml:"store"`
	Objects   ObjectsConfig   `yaml:"objects"`
	Queues    QueuesConfig    `yaml:"queues"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Security  SecurityConfig  `yaml:"security"`
	TLS       TLSConfig       `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// ChainConfig describes the node's link to the chain: the license
// manager contract emits RunRequested, the committee contract receives
// shard submissions and approvals. OperatorKey is normally left empty in
// the file and injected through COMMITTEE_OPERATOR_KEY.
type ChainConfig struct {
	RPCEndpoint       string        `yaml:"rpc_endpoint"`
	LicenseAddress    string        `yaml:"license_address"`
	CommitteeAddress  string        `yaml:"committee_address"`
	ChainID           int64         `yaml:"chain_id"`
	OperatorKey       string        `yaml:"operator_key"`
	PushEnabled       bool          `yaml:"push_enabled"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	ThresholdCacheAge time.Duration `yaml:"threshold_cache_age"`

	// RPCProxyPort, when non-zero, starts a loopback proxy that injects
	// the provider token (CHAIN_RPC_TOKEN) for local tooling.
	RPCProxyPort int `yaml:"rpc_proxy_port"`
}

// CommitteeConfig identifies this node within the committee.
type CommitteeConfig struct {
	Address            string `yaml:"address"`
	ShardIntakeEnabled bool   `yaml:"shard_intake_enabled"`
}

// StoreConfig bounds how long records live.
type StoreConfig struct {
	TTL               time.Duration `yaml:"ttl"`
	ApprovedRetention time.Duration `yaml:"approved_retention"`
	JanitorInterval   time.Duration `yaml:"janitor_interval"`
}

// ObjectsConfig is the object store connection for sealed shares and
// evidence bundles.
type ObjectsConfig struct {
	evidence.Config `yaml:",inline"`
}

type QueuesConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	APIKeyHeader   string   `yaml:"api_key_header"`
	AllowedKeys    []string `yaml:"allowed_keys"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file and applies environment
// overrides for secrets.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20, // 1MB
		},
		Chain: ChainConfig{
			PushEnabled:       true,
			PollInterval:      5 * time.Second,
			ThresholdCacheAge: 5 * time.Minute,
		},
		Committee: CommitteeConfig{
			ShardIntakeEnabled: true,
		},
		Store: StoreConfig{
			TTL:               time.Hour,
			ApprovedRetention: 24 * time.Hour,
			JanitorInterval:   5 * time.Minute,
		},
		Objects: ObjectsConfig{
			Config: evidence.Config{
				Region: "us-east-1",
				Bucket: "committee",
			},
		},
		Queues: QueuesConfig{
			PollInterval: time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   100,
			RateLimitBurst: 200,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// applyEnv overlays secrets from the environment so they never need to
// live in the config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("COMMITTEE_OPERATOR_KEY"); v != "" {
		c.Chain.OperatorKey = v
	}
	if v := os.Getenv("OBJECT_STORE_ACCESS_KEY"); v != "" {
		c.Objects.AccessKey = v
	}
	if v := os.Getenv("OBJECT_STORE_SECRET_KEY"); v != "" {
		c.Objects.SecretKey = v
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Chain.RPCEndpoint == "" {
		return fmt.Errorf("chain.rpc_endpoint is required")
	}
	if !isHexAddress(c.Chain.LicenseAddress) {
		return fmt.Errorf("chain.license_address must be 0x + 40 hex digits, got %q", c.Chain.LicenseAddress)
	}
	if !isHexAddress(c.Chain.CommitteeAddress) {
		return fmt.Errorf("chain.committee_address must be 0x + 40 hex digits, got %q", c.Chain.CommitteeAddress)
	}
	if c.Chain.ChainID < 1 {
		return fmt.Errorf("chain.chain_id must be >= 1, got %d", c.Chain.ChainID)
	}
	if !isHexKey(c.Chain.OperatorKey) {
		return fmt.Errorf("chain.operator_key must be a 32-byte hex key (set COMMITTEE_OPERATOR_KEY)")
	}
	if !isHexAddress(c.Committee.Address) {
		return fmt.Errorf("committee.address must be 0x + 40 hex digits, got %q", c.Committee.Address)
	}
	if c.Store.TTL < time.Minute {
		return fmt.Errorf("store.ttl must be >= 1m, got %s", c.Store.TTL)
	}
	if c.Store.ApprovedRetention < c.Store.TTL {
		return fmt.Errorf("store.approved_retention (%s) must be >= store.ttl (%s)",
			c.Store.ApprovedRetention, c.Store.TTL)
	}
	if c.Objects.Endpoint == "" {
		return fmt.Errorf("objects.endpoint is required")
	}
	if c.Objects.Bucket == "" {
		return fmt.Errorf("objects.bucket is required")
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable — connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func isHexAddress(s string) bool {
	return isHex(s, 40)
}

// isHexKey accepts a 32-byte private key with or without 0x prefix.
func isHexKey(s string) bool {
	return isHex(s, 64) || isHex("0x"+s, 64)
}

func isHex(s string, digits int) bool {
	if !strings.HasPrefix(s, "0x") || len(s) != 2+digits {
		return false
	}
	for _, c := range s[2:] {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
